package hierarchy

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/practicehq/authz/pkg/observability"
)

// Refresher rebuilds the hierarchy snapshot on a schedule so that long-idle
// processes do not pay the rebuild cost on a request path when the TTL
// expires.
type Refresher struct {
	index  *Index
	cron   *cron.Cron
	logger *observability.Logger
}

// NewRefresher creates a refresher that rebuilds the index on the given cron
// spec (e.g. "@every 6h").
func NewRefresher(index *Index, spec string, logger *observability.Logger) (*Refresher, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Refresher{
		index:  index,
		cron:   cron.New(),
		logger: logger,
	}
	_, err := r.cron.AddFunc(spec, r.refresh)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := r.index.Rebuild(ctx); err != nil {
		r.logger.WithError(err).Error("scheduled hierarchy rebuild failed")
	}
}

// Start begins scheduled refreshes.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts scheduled refreshes and waits for a running rebuild to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
