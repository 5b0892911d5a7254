package calsync

import (
	"context"
	"fmt"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/webhook"
)

// Reconciliation modes.
const (
	ReconcileModeCancel = "cancel"
	ReconcileModeDelete = "delete"
	ReconcileModeAudit  = "audit_only"
)

// MissingActivity describes a persisted record absent from a snapshot.
type MissingActivity struct {
	ActivityID string  `json:"activity_id"`
	ExternalID string  `json:"external_id"`
	Title      string  `json:"title"`
	Date       string  `json:"date"`
	StartTime  string  `json:"start_time"`
	GameMaster *string `json:"assigned_game_master_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ReconcileStats is the sweeper's report for one calendar source.
type ReconcileStats struct {
	CalendarSource  string            `json:"calendar_source"`
	Mode            string            `json:"mode"`
	DateRange       webhook.DateRange `json:"date_range"`
	Checked         int               `json:"checked"`
	TotalMissing    int               `json:"total_missing"`
	Cancelled       []MissingActivity `json:"cancelled"`
	Deleted         []MissingActivity `json:"deleted"`
	WouldCancel     []MissingActivity `json:"would_cancel"`
	IgnoredAssigned []MissingActivity `json:"ignored_assigned"`
	Errors          []MissingActivity `json:"errors"`
}

// Removed is the number of records cancelled or deleted.
func (s ReconcileStats) Removed() int {
	return len(s.Cancelled) + len(s.Deleted)
}

// ReconcileMode derives the sweep mode from the sync metadata. audit_only
// wins over force_reconcile.
func ReconcileMode(meta webhook.SyncMetadata) string {
	switch {
	case meta.AuditOnly:
		return ReconcileModeAudit
	case meta.ForceReconcile:
		return ReconcileModeDelete
	default:
		return ReconcileModeCancel
	}
}

// Sweeper removes persisted records that a full snapshot no longer contains.
type Sweeper struct {
	Repo Repository
}

// Sweep compares source's live records in rng with the canonical ids of the
// snapshot. Assigned records are never touched. Per-record failures are
// reported in Errors; only the initial listing fails the sweep.
func (s *Sweeper) Sweep(ctx context.Context, source string, rng webhook.DateRange, incoming map[string]struct{}, mode string) (ReconcileStats, error) {
	stats := ReconcileStats{
		CalendarSource:  source,
		Mode:            mode,
		DateRange:       rng,
		Cancelled:       []MissingActivity{},
		Deleted:         []MissingActivity{},
		WouldCancel:     []MissingActivity{},
		IgnoredAssigned: []MissingActivity{},
		Errors:          []MissingActivity{},
	}

	persisted, err := s.Repo.ListReconcileCandidates(ctx, source, rng.Start, rng.End)
	if err != nil {
		return stats, fmt.Errorf("list reconcile candidates: %w", err)
	}
	stats.Checked = len(persisted)

	for _, activity := range persisted {
		if activity.ExternalID == nil || activity.IsTerminal() {
			continue
		}
		if _, ok := incoming[CanonicalExternalID(*activity.ExternalID)]; ok {
			continue
		}
		stats.TotalMissing++

		missing := describeMissing(activity)
		if activity.HasAssignee() || activity.IsAssigned {
			stats.IgnoredAssigned = append(stats.IgnoredAssigned, missing)
			continue
		}

		switch mode {
		case ReconcileModeAudit:
			stats.WouldCancel = append(stats.WouldCancel, missing)
		case ReconcileModeDelete:
			if err := s.Repo.DeleteActivity(ctx, activity.ID); err != nil {
				missing.Error = err.Error()
				stats.Errors = append(stats.Errors, missing)
				continue
			}
			stats.Deleted = append(stats.Deleted, missing)
		default:
			if err := s.Repo.CancelActivity(ctx, activity.ID); err != nil {
				missing.Error = err.Error()
				stats.Errors = append(stats.Errors, missing)
				continue
			}
			stats.Cancelled = append(stats.Cancelled, missing)
		}
	}
	return stats, nil
}

func describeMissing(activity models.Activity) MissingActivity {
	missing := MissingActivity{
		ActivityID: activity.ID,
		Title:      activity.Title,
		Date:       activity.Date,
		StartTime:  activity.StartTime,
		GameMaster: activity.AssignedGameMasterID,
	}
	if activity.ExternalID != nil {
		missing.ExternalID = *activity.ExternalID
	}
	return missing
}
