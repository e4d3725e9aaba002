package ota

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// RolloutEvent is one append-only row in the rollout audit log: every
// state transition of a rollout or per-node outcome gets a row. Modeled
// directly on backend/repository/transmission_log_repo.go's append-only
// log table, adapted from transmission spans to rollout transitions.
type RolloutEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RolloutID  string    `gorm:"index;size:40;not null" json:"rollout_id"`
	NodeID     int       `gorm:"index" json:"node_id"`
	Track      string    `gorm:"size:40" json:"track"`
	Version    string    `gorm:"size:40" json:"version"`
	Event      string    `gorm:"size:20;not null" json:"event"` // started|node_started|node_done|node_error|aborted|completed
	Detail     string    `gorm:"size:255" json:"detail"`
	OccurredAt time.Time `gorm:"index" json:"occurred_at"`
}

func (RolloutEvent) TableName() string {
	return "ota_rollout_events"
}

// AuditRepository persists the rollout event log to SQLite via gorm.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns a repository bound to db. Caller is
// responsible for running AutoMigrate on RolloutEvent.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append records one rollout event.
func (r *AuditRepository) Append(ctx context.Context, ev RolloutEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(&ev).Error
}

// ForRollout returns every event for rolloutID in chronological order.
func (r *AuditRepository) ForRollout(ctx context.Context, rolloutID string) ([]RolloutEvent, error) {
	var events []RolloutEvent
	err := r.db.WithContext(ctx).
		Where("rollout_id = ?", rolloutID).
		Order("occurred_at ASC").
		Find(&events).Error
	return events, err
}

// Recent returns the limit most recent events across all rollouts, most
// recent first.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]RolloutEvent, error) {
	var events []RolloutEvent
	err := r.db.WithContext(ctx).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
