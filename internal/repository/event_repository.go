package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

type EventRepository interface {
	// MarkProcessed records the event id. Returns false when the id was seen
	// before, which makes webhook redelivery a no-op for the reconciler.
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)

	// Unmark removes the processed marker after a failed handler, so the
	// processor's redelivery is reprocessed instead of dropped.
	Unmark(ctx context.Context, eventID string) error
}

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	rec := models.BillingEventRecord{EventID: eventID, Type: eventType, ProcessedAt: time.Now().UTC()}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "record billing event failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *eventRepository) Unmark(ctx context.Context, eventID string) error {
	res := r.db.WithContext(ctx).Delete(&models.BillingEventRecord{}, "event_id = ?", eventID)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "unmark billing event failed")
	}
	return nil
}
