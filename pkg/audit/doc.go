// Package audit records authorization decisions and administrative changes.
//
// Client-visible denial responses are deliberately opaque; the specific
// permission, organization, and deny reason are recorded here instead.
// Destinations include PostgreSQL (queryable trail), JSON-lines files, and
// an in-memory logger for tests, composable through MultiLogger.
package audit
