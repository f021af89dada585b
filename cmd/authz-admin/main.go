package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/practicehq/authz/pkg/cache"
	"github.com/practicehq/authz/pkg/config"
	"github.com/practicehq/authz/pkg/hierarchy"
	"github.com/practicehq/authz/pkg/observability"
	"github.com/practicehq/authz/pkg/session"
	"github.com/practicehq/authz/pkg/store"
	"github.com/practicehq/authz/pkg/usercontext"
)

// Command represents a CLI subcommand
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
}

func main() {
	commands := map[string]*Command{
		"migrate":           {Name: "migrate", Description: "Apply database schema migrations", Run: runMigrate},
		"invalidate-user":   {Name: "invalidate-user", Description: "Evict one user's cached authorization context", Run: runInvalidateUser},
		"invalidate-role":   {Name: "invalidate-role", Description: "Evict a role's cached permissions and every holder's context", Run: runInvalidateRole},
		"invalidate-all":    {Name: "invalidate-all", Description: "Evict all cached authorization state", Run: runInvalidateAll},
		"rebuild-hierarchy": {Name: "rebuild-hierarchy", Description: "Rebuild the organization hierarchy snapshot", Run: runRebuildHierarchy},
	}

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		usage(commands)
		return
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		usage(commands)
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(commands map[string]*Command) {
	fmt.Printf("Usage: authz-admin <command> [args]\n\n")
	fmt.Printf("Commands:\n")
	for _, name := range []string{"migrate", "invalidate-user", "invalidate-role", "invalidate-all", "rebuild-hierarchy"} {
		fmt.Printf("  %-18s %s\n", name, commands[name].Description)
	}
}

// env holds the wired-up subsystems a command needs.
type env struct {
	cfg      *config.Config
	store    *store.Store
	redis    *redis.Client
	cache    *cache.ContextCache
	inv      *cache.Invalidator
	index    *hierarchy.Index
	logger   *observability.Logger
	shutdown func()
}

func setup() (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel(), os.Stderr)

	db, err := store.OpenDB(store.ConnectionConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	st := store.NewStore(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	index := hierarchy.NewIndex(st, hierarchy.Config{
		SnapshotTTL:         cfg.Hierarchy.SnapshotTTL,
		DescendantCacheSize: cfg.Hierarchy.DescendantCacheSize,
	}, logger, nil)

	loader := usercontext.NewLoader(st, st, index, logger, nil)
	cc := cache.NewContextCache(rdb, loader, st, cache.Config{
		ContextTTL:         cfg.Cache.ContextTTL,
		RolePermissionsTTL: cfg.Cache.RolePermissionsTTL,
	}, logger, nil)
	sessions := session.NewStore(rdb, cfg.Session.TTL, logger)
	inv := cache.NewInvalidator(cc, st, sessions, logger, nil)

	return &env{
		cfg:    cfg,
		store:  st,
		redis:  rdb,
		cache:  cc,
		inv:    inv,
		index:  index,
		logger: logger,
		shutdown: func() {
			db.Close()
			rdb.Close()
		},
	}, nil
}

func runMigrate(args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	db, err := store.OpenDB(store.DefaultConnectionConfig(cfg.Database.URL))
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := store.RunMigrations(ctx, db); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func runInvalidateUser(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: authz-admin invalidate-user <user-id>")
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[0], err)
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.shutdown()

	evicted, err := e.inv.UserAccessChanged(context.Background(), userID)
	if err != nil {
		return err
	}
	fmt.Printf("user %d: context evicted=%t\n", userID, evicted)
	return nil
}

func runInvalidateRole(args []string) error {
	fs := flag.NewFlagSet("invalidate-role", flag.ExitOnError)
	revoke := fs.Bool("revoke", false, "Also revoke credentials of every role holder")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: authz-admin invalidate-role [--revoke] <role-id>")
	}
	roleID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid role id %q: %w", fs.Arg(0), err)
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.shutdown()

	result, err := e.inv.RolePermissionsChanged(context.Background(), roleID, *revoke)
	if err != nil {
		return err
	}
	fmt.Printf("role %d: users=%d contexts evicted=%d credentials revoked=%d\n",
		roleID, result.UsersAffected, result.ContextsEvicted, result.CredentialsRevoked)
	return nil
}

func runInvalidateAll(args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.shutdown()

	evicted, err := e.inv.InvalidateAllContexts(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("evicted %d cached keys\n", evicted)
	return nil
}

func runRebuildHierarchy(args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.shutdown()

	g, err := e.index.Rebuild(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("hierarchy snapshot rebuilt: %d organizations\n", g.Size())
	return nil
}
