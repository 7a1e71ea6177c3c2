package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/billing"
	"github.com/stackplane/controlplane/internal/license"
	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/repository"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// DeactivateOptions tunes a deactivation. DeleteData schedules a deferred
// deprovision after the retention window; without it the stack stays deployed
// but the license grant is revoked.
type DeactivateOptions struct {
	DeleteData    bool
	RetentionDays int
	Reason        string
}

// LifecycleService owns tenant lifecycle transitions. Billing events and
// operator actions both funnel through here; nothing else mutates a tenant's
// State column.
type LifecycleService interface {
	// HandleEvent applies one billing event. Redelivered events are no-ops.
	HandleEvent(ctx context.Context, ev *billing.Event) error

	Deactivate(ctx context.Context, tenantID string, opts DeactivateOptions) (*models.Tenant, error)
	Reactivate(ctx context.Context, tenantID string) (*models.Tenant, error)

	// Keep clears a pending cancellation after the customer changes their mind.
	Keep(ctx context.Context, tenantID string) (*models.Tenant, error)

	ListScheduledDeletions(ctx context.Context) ([]models.Tenant, error)

	// PurgeTombstone permanently removes the record of an already-deleted
	// tenant. Valid only once deprovisioning has finished.
	PurgeTombstone(ctx context.Context, tenantID string) error

	// OnDeprovisioned is the worker callback after a deprovision job succeeds.
	OnDeprovisioned(ctx context.Context, tenantID string) error
}

type lifecycleService struct {
	tenantRepo    repository.TenantRepository
	subRepo       repository.SubscriptionRepository
	eventRepo     repository.EventRepository
	issuer        *license.Issuer
	queue         queue.Service
	retentionDays int
}

func NewLifecycleService(tenantRepo repository.TenantRepository, subRepo repository.SubscriptionRepository, eventRepo repository.EventRepository, issuer *license.Issuer, q queue.Service, retentionDays int) LifecycleService {
	return &lifecycleService{
		tenantRepo:    tenantRepo,
		subRepo:       subRepo,
		eventRepo:     eventRepo,
		issuer:        issuer,
		queue:         q,
		retentionDays: retentionDays,
	}
}

var _ LifecycleService = (*lifecycleService)(nil)

func (s *lifecycleService) HandleEvent(ctx context.Context, ev *billing.Event) error {
	first, err := s.eventRepo.MarkProcessed(ctx, ev.ID, ev.Type)
	if err != nil {
		return err
	}
	if !first {
		logger.L().Debug("billing event already processed", zap.String("event_id", ev.ID))
		return nil
	}

	if err := s.applyEvent(ctx, ev); err != nil {
		// Give the marker back, otherwise the processor's redelivery hits the
		// dedup gate and the event is lost with its side effects half-applied.
		if unmarkErr := s.eventRepo.Unmark(ctx, ev.ID); unmarkErr != nil {
			logger.L().Error("unmark billing event failed",
				zap.String("event_id", ev.ID),
				zap.Error(unmarkErr),
			)
		}
		return err
	}
	return nil
}

func (s *lifecycleService) applyEvent(ctx context.Context, ev *billing.Event) error {
	switch ev.Type {
	case billing.EventSubscriptionCreated, billing.EventCheckoutCompleted:
		return s.handleCreated(ctx, ev)
	case billing.EventSubscriptionUpdated:
		return s.handleUpdated(ctx, ev)
	case billing.EventSubscriptionDeleted:
		return s.handleDeleted(ctx, ev)
	}
	return nil
}

func (s *lifecycleService) handleCreated(ctx context.Context, ev *billing.Event) error {
	var t models.Tenant
	err := s.tenantRepo.GetByID(ctx, ev.TenantID, &t)
	switch {
	case err == nil:
		// checkout.completed often trails subscription.created; just refresh
		// the subscription snapshot.
		return s.subRepo.Upsert(ctx, subscriptionFromEvent(ev))
	case !appErr.IsCode(err, appErr.CodeNotFound):
		return err
	}

	state := models.StateActive
	if ev.Status == models.SubTrialing {
		state = models.StateTrial
	}
	tenant := &models.Tenant{
		ID:           ev.TenantID,
		Namespace:    models.NamespaceFor(ev.TenantID),
		State:        state,
		DeployStatus: models.DeployPending,
	}
	if err := s.tenantRepo.Create(ctx, tenant); err != nil {
		return err
	}
	if err := s.subRepo.Upsert(ctx, subscriptionFromEvent(ev)); err != nil {
		return err
	}

	jobID, err := s.queue.Enqueue(ctx, ev.TenantID, models.JobProvision, models.ProvisionPayload{Plan: ev.Plan})
	if err != nil {
		return err
	}

	logger.L().Info("tenant created from billing event",
		zap.String("tenant_id", ev.TenantID),
		zap.String("plan", ev.Plan),
		zap.String("state", string(state)),
		zap.String("provision_job_id", jobID.String()),
	)
	return nil
}

func (s *lifecycleService) handleUpdated(ctx context.Context, ev *billing.Event) error {
	var prior models.Subscription
	priorErr := s.subRepo.GetByTenant(ctx, ev.TenantID, &prior)
	if priorErr != nil && !appErr.IsCode(priorErr, appErr.CodeNotFound) {
		return priorErr
	}

	_, err := s.tenantRepo.Transition(ctx, ev.TenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		if err := s.subRepo.Upsert(ctx, subscriptionFromEvent(ev)); err != nil {
			return nil, err
		}

		if priorErr == nil && prior.Plan != ev.Plan {
			action := models.AuditUpgraded
			if license.PlanRank(ev.Plan) < license.PlanRank(prior.Plan) {
				action = models.AuditDowngraded
			}
			if err := s.issuer.RecordPlanChange(ctx, ev.TenantID, ev.Plan, action); err != nil {
				return nil, err
			}
		}

		next := t.State
		switch {
		case ev.Status == models.SubCanceled:
			// Processor-side hard cancel is handled like subscription.deleted.
			return s.deactivation(ctx, t, DeactivateOptions{DeleteData: true, Reason: "subscription canceled"})
		case ev.CancelAtPeriodEnd && (t.State == models.StateTrial || t.State == models.StateActive):
			next = models.StateCancelPending
		case !ev.CancelAtPeriodEnd && t.State == models.StateCancelPending:
			next = models.StateActive
		case ev.Status == models.SubActive && t.State == models.StateTrial:
			next = models.StateActive
		case ev.Status == models.SubPastDue:
			// Grace period: access continues until the processor gives up and
			// cancels.
			logger.L().Warn("subscription past due", zap.String("tenant_id", ev.TenantID))
		}

		if next == t.State {
			return nil, nil
		}
		logger.L().Info("lifecycle transition",
			zap.String("tenant_id", ev.TenantID),
			zap.String("from", string(t.State)),
			zap.String("to", string(next)),
		)
		return map[string]interface{}{"state": next}, nil
	})
	if appErr.IsCode(err, appErr.CodeNotFound) {
		// Billing knows a tenant we do not. Likely a webhook for a purged
		// tenant or a misrouted event; record and move on.
		logger.L().Warn("billing event for unknown tenant",
			zap.String("tenant_id", ev.TenantID),
			zap.String("event_id", ev.ID),
		)
		return nil
	}
	return err
}

func (s *lifecycleService) handleDeleted(ctx context.Context, ev *billing.Event) error {
	_, err := s.tenantRepo.Transition(ctx, ev.TenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		return s.deactivation(ctx, t, DeactivateOptions{DeleteData: true, Reason: "subscription deleted"})
	})
	if appErr.IsCode(err, appErr.CodeNotFound) {
		logger.L().Warn("deletion event for unknown tenant", zap.String("tenant_id", ev.TenantID))
		return nil
	}
	return err
}

func (s *lifecycleService) Deactivate(ctx context.Context, tenantID string, opts DeactivateOptions) (*models.Tenant, error) {
	return s.tenantRepo.Transition(ctx, tenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		return s.deactivation(ctx, t, opts)
	})
}

// deactivation revokes the license and, when requested, schedules the deferred
// deprovision that ends the retention window. Runs inside a tenant transition;
// it returns the column updates to apply under the row lock.
func (s *lifecycleService) deactivation(ctx context.Context, t *models.Tenant, opts DeactivateOptions) (map[string]interface{}, error) {
	switch t.State {
	case models.StateScheduledDeletion, models.StateDeleted:
		return nil, appErr.New(appErr.CodeConflict, "tenant is already scheduled for deletion")
	}

	var sub models.Subscription
	plan := ""
	if err := s.subRepo.GetByTenant(ctx, t.ID, &sub); err == nil {
		plan = sub.Plan
		if err := s.subRepo.SetRevoked(ctx, t.ID, true); err != nil {
			return nil, err
		}
	} else if !appErr.IsCode(err, appErr.CodeNotFound) {
		return nil, err
	}
	if err := s.issuer.Revoke(ctx, t.ID, plan, opts.Reason); err != nil {
		return nil, err
	}

	if !opts.DeleteData {
		return map[string]interface{}{"state": models.StateDeactivated}, nil
	}

	days := opts.RetentionDays
	if days <= 0 {
		days = s.retentionDays
	}
	deleteAt := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)

	jobID, err := s.queue.Enqueue(ctx, t.ID, models.JobDeprovision,
		models.DeprovisionPayload{Reason: opts.Reason},
		queue.WithRunAt(deleteAt),
	)
	if err != nil {
		return nil, err
	}

	logger.L().Info("tenant deletion scheduled",
		zap.String("tenant_id", t.ID),
		zap.Time("delete_at", deleteAt),
		zap.String("job_id", jobID.String()),
	)
	return map[string]interface{}{
		"state":                 models.StateScheduledDeletion,
		"scheduled_deletion_at": deleteAt,
		"deletion_job_id":       jobID,
	}, nil
}

func (s *lifecycleService) Reactivate(ctx context.Context, tenantID string) (*models.Tenant, error) {
	return s.tenantRepo.Transition(ctx, tenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		switch t.State {
		case models.StateDeleted:
			return nil, appErr.New(appErr.CodeGone, "tenant data has been permanently deleted")
		case models.StateDeactivated:
			// No deletion pending; just restore access.
		case models.StateScheduledDeletion:
			if t.ScheduledDeletionAt == nil || !time.Now().UTC().Before(*t.ScheduledDeletionAt) {
				return nil, appErr.New(appErr.CodeGone, "retention window has elapsed; data is being deleted")
			}
			if t.DeletionJobID != nil {
				if err := s.queue.Cancel(ctx, *t.DeletionJobID); err != nil {
					// A non-waiting job means deletion already started; the
					// window is effectively over.
					if appErr.IsCode(err, appErr.CodeConflict) {
						return nil, appErr.New(appErr.CodeGone, "deletion already in progress")
					}
					return nil, err
				}
			}
		default:
			return nil, appErr.New(appErr.CodeIneligible, "tenant is not deactivated")
		}

		if err := s.subRepo.SetRevoked(ctx, tenantID, false); err != nil && !appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, err
		}
		logger.L().Info("tenant reactivated", zap.String("tenant_id", tenantID))
		return map[string]interface{}{
			"state":                 models.StateActive,
			"scheduled_deletion_at": nil,
			"deletion_job_id":       nil,
		}, nil
	})
}

func (s *lifecycleService) Keep(ctx context.Context, tenantID string) (*models.Tenant, error) {
	return s.tenantRepo.Transition(ctx, tenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		if t.State != models.StateCancelPending {
			return nil, appErr.New(appErr.CodeIneligible, "tenant has no pending cancellation")
		}
		logger.L().Info("cancellation cleared", zap.String("tenant_id", tenantID))
		return map[string]interface{}{"state": models.StateActive}, nil
	})
}

func (s *lifecycleService) ListScheduledDeletions(ctx context.Context) ([]models.Tenant, error) {
	return s.tenantRepo.ListByState(ctx, models.StateScheduledDeletion)
}

func (s *lifecycleService) PurgeTombstone(ctx context.Context, tenantID string) error {
	var t models.Tenant
	if err := s.tenantRepo.GetByID(ctx, tenantID, &t); err != nil {
		return err
	}
	if t.State != models.StateDeleted {
		return appErr.New(appErr.CodeIneligible, "tenant is not deleted")
	}
	if err := s.tenantRepo.Purge(ctx, tenantID); err != nil {
		return err
	}
	logger.L().Info("tenant record purged", zap.String("tenant_id", tenantID))
	return nil
}

// OnDeprovisioned tombstones the tenant once its stack is gone. The record
// stays so a later reactivation attempt gets a definitive "gone" answer
// instead of "not found".
func (s *lifecycleService) OnDeprovisioned(ctx context.Context, tenantID string) error {
	_, err := s.tenantRepo.Transition(ctx, tenantID, func(t *models.Tenant) (map[string]interface{}, error) {
		var sub models.Subscription
		if err := s.subRepo.GetByTenant(ctx, t.ID, &sub); err == nil {
			if err := s.subRepo.Delete(ctx, sub.ID); err != nil {
				return nil, err
			}
		} else if !appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, err
		}
		logger.L().Info("tenant deleted", zap.String("tenant_id", tenantID))
		return map[string]interface{}{
			"state":                 models.StateDeleted,
			"deploy_status":         models.DeployPending,
			"versions":              nil,
			"last_good_versions":    nil,
			"scheduled_deletion_at": nil,
			"deletion_job_id":       nil,
		}, nil
	})
	return err
}

func subscriptionFromEvent(ev *billing.Event) *models.Subscription {
	return &models.Subscription{
		ID:                ev.SubscriptionID,
		TenantID:          ev.TenantID,
		Plan:              ev.Plan,
		Status:            ev.Status,
		CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
		CurrentPeriodEnd:  ev.CurrentPeriodEnd,
	}
}
