package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/provisioner"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// Client invokes the provisioner service over HTTP. It implements
// provisioner.Provisioner; all orchestration logic stays on the caller side.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0) // retries belong to the job queue, not the transport
	return &Client{http: c}
}

var _ provisioner.Provisioner = (*Client)(nil)

type installRequest struct {
	TenantID      string                 `json:"tenant_id"`
	Namespace     string                 `json:"namespace"`
	ReleaseValues map[string]interface{} `json:"release_values,omitempty"`
}

type upgradeRequest struct {
	TenantID  string `json:"tenant_id"`
	Namespace string `json:"namespace"`
	Component string `json:"component"`
	Version   string `json:"version"`
}

type uninstallRequest struct {
	TenantID  string `json:"tenant_id"`
	Namespace string `json:"namespace"`
}

func (c *Client) Install(ctx context.Context, tenantID string, values map[string]interface{}) (*provisioner.Result, error) {
	req := installRequest{TenantID: tenantID, Namespace: models.NamespaceFor(tenantID), ReleaseValues: values}
	return c.invoke(ctx, "/v1/releases/install", req)
}

func (c *Client) Upgrade(ctx context.Context, tenantID, component, version string) (*provisioner.Result, error) {
	req := upgradeRequest{TenantID: tenantID, Namespace: models.NamespaceFor(tenantID), Component: component, Version: version}
	return c.invoke(ctx, "/v1/releases/upgrade", req)
}

func (c *Client) Uninstall(ctx context.Context, tenantID string) (*provisioner.Result, error) {
	req := uninstallRequest{TenantID: tenantID, Namespace: models.NamespaceFor(tenantID)}
	return c.invoke(ctx, "/v1/releases/uninstall", req)
}

func (c *Client) invoke(ctx context.Context, path string, body interface{}) (*provisioner.Result, error) {
	start := time.Now()
	var out provisioner.Result
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, appErr.Wrap(err, appErr.CodeDeadline, "provisioner call timed out")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "provisioner unreachable")
	}

	logger.L().Debug("provisioner call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode() == http.StatusOK:
		if !out.Success && out.ErrorMessage != "" {
			return &out, appErr.New(appErr.CodeInternal, out.ErrorMessage)
		}
		return &out, nil
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, appErr.New(appErr.CodeUnavailable, fmt.Sprintf("provisioner returned %d", resp.StatusCode()))
	default:
		return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("provisioner rejected request: %d", resp.StatusCode()))
	}
}
