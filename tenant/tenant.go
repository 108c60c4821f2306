// Package tenant carries the explicit tenant context threaded through the
// upload orchestrator. The source this engine replaces leaned on a global
// tenant() helper; here tenancy is always an explicit value, never implicit
// ambient state, per the design notes on cyclic/global dependencies.
package tenant

import "fmt"

// Context identifies the tenant and acting principal for one orchestrator
// call. It is constructed once by the caller (the authorization collaborator
// resolves it) and passed by value down the pipeline.
type Context struct {
	TenantID string
	ActorID  string
}

// Validate rejects an empty tenant id; a missing actor id is tolerated for
// system-initiated flows (e.g. the cleanup scheduler) but never an empty tenant.
func (c Context) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant: TenantID must not be empty")
	}
	return nil
}

// PathPrefix returns the tenant-partitioned path prefix every persisted
// artifact must start with, per the engine's path invariant.
func (c Context) PathPrefix() string {
	return "tenants/" + c.TenantID + "/"
}
