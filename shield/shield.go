// Package shield provides the pre-flight admission guards the upload
// orchestrator consults before it touches quarantine I/O: a per-actor rate
// limiter, a SQLite-backed maintenance-mode flag, and a body-size guard.
//
// Usage:
//
//	rl, mm := shield.DefaultGuards(db, "/healthz")
//	mm.StartReloader(done)
//	o := &orchestrator.Orchestrator{RateLimiter: rl, Maintenance: mm, MaxBodyBytes: 64 << 20}
//
// Earlier revisions of this package also carried HTTP middleware (security
// headers, flash messages, HEAD-to-GET rewriting, request tracing) inherited
// from the HOROS FO/BO stack this engine was derived from; this engine has
// no HTTP routing layer of its own (out of scope per the specification), so
// that middleware had no caller and was removed rather than kept as dead
// weight — see DESIGN.md.
package shield

import "database/sql"

// DefaultGuards constructs the rate limiter and maintenance-mode checker an
// Orchestrator consults on every upload, sharing the same database the rest
// of the engine's SQLite-backed components use.
func DefaultGuards(db *sql.DB, maintenanceExcludePrefixes ...string) (*RateLimiter, *MaintenanceMode) {
	return NewRateLimiter(db), NewMaintenanceMode(db, maintenanceExcludePrefixes...)
}
