package types

type RolloutCreateRequest struct {
	Component     string `json:"component" validate:"required"`
	Version       string `json:"version" validate:"required"`
	Strategy      string `json:"strategy" validate:"required,oneof=all canary batch"`
	CanaryPercent int    `json:"canary_percent" validate:"omitempty,min=1,max=100"`
	BatchSize     int    `json:"batch_size" validate:"omitempty,min=1"`
}

type RollbackTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

type DeactivateRequest struct {
	DeleteData    bool   `json:"delete_data"`
	RetentionDays int    `json:"retention_days" validate:"omitempty,min=1,max=365"`
	Reason        string `json:"reason"`
}

type UpgradeTenantRequest struct {
	Component string `json:"component" validate:"required"`
	Version   string `json:"version" validate:"required"`
	DryRun    bool   `json:"dry_run"`
	Force     bool   `json:"force"`
}

type LicenseValidateRequest struct {
	Token string `json:"token" validate:"required"`
}
