package provisioner

import (
	"context"
)

// Provisioner is the external capability that installs, upgrades, and removes
// one tenant's application stack. The orchestration core never reimplements
// it; it only needs success/failure plus optional output text. Calls are
// scoped to the tenant's isolation key and honor the caller's context
// deadline; a deadline hit is a failed attempt, never assumed success.
type Provisioner interface {
	// Install provisions the tenant stack with the given release values.
	Install(ctx context.Context, tenantID string, values map[string]interface{}) (*Result, error)

	// Upgrade moves one component of the tenant stack to the target version.
	Upgrade(ctx context.Context, tenantID, component, version string) (*Result, error)

	// Uninstall tears the tenant stack down.
	Uninstall(ctx context.Context, tenantID string) (*Result, error)
}

// Result is the provisioner's report for a single invocation.
type Result struct {
	Success      bool                   `json:"success"`
	Namespace    string                 `json:"namespace,omitempty"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
