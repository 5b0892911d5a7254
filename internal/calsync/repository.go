package calsync

import (
	"context"

	"github.com/gmboard/gmboard/internal/models"
)

// Repository is the persistence the sync engine needs. An empty source on
// the lookup methods matches every calendar source.
type Repository interface {
	FindActivitiesByExternalIDs(ctx context.Context, source string, externalIDs []string) ([]models.Activity, error)
	FindActivitiesBySignature(ctx context.Context, source string, sig models.TemporalSignature) ([]models.Activity, error)
	CreateActivity(ctx context.Context, activity models.Activity) (models.Activity, error)
	UpdateActivity(ctx context.Context, activity models.Activity) error
	UpdateCalendarSource(ctx context.Context, activityID, source string) error
	// UnassignActivity deletes the activity's assignment rows, clears its
	// assignment fields and puts it back to pending.
	UnassignActivity(ctx context.Context, activityID string) error
	// MergeActivities moves every assignment row of the duplicates onto the
	// canonical activity, then deletes the duplicates, atomically. It returns
	// the number of assignment rows moved.
	MergeActivities(ctx context.Context, canonicalID string, duplicateIDs []string) (int, error)
	// ListReconcileCandidates returns activities of source dated within
	// [start, end] that carry an external id and are not terminal.
	ListReconcileCandidates(ctx context.Context, source, start, end string) ([]models.Activity, error)
	CancelActivity(ctx context.Context, activityID string) error
	DeleteActivity(ctx context.Context, activityID string) error
}

// SyncLogWriter appends sync run records.
type SyncLogWriter interface {
	CreateSyncLog(ctx context.Context, log models.SyncLog) (models.SyncLog, error)
}

// Triggers receives the change counters of a finished run. Implementations
// are expected to deliver asynchronously.
type Triggers interface {
	Fire(ctx context.Context, event models.TriggerEvent) error
}

// Publisher pushes completion signals to connected clients.
type Publisher interface {
	Publish(eventType string, payload any)
}
