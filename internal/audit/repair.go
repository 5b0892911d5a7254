package audit

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/syncmetrics"
)

// Repair result statuses.
const (
	RepairSuccess = "success"
	RepairWarning = "warning"
	RepairError   = "error"
)

// RepairResult is the outcome of one corrective pass.
type RepairResult struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Details  []string `json:"details"`
	Affected []string `json:"affected"`
}

// RepairRepository is the write side the repairer needs.
type RepairRepository interface {
	// ClearStaleAssignedFlags sets is_assigned=false and, for non-terminal
	// rows, status=pending wherever no game master is set but the flag is.
	ClearStaleAssignedFlags(ctx context.Context) ([]string, error)
	// RestoreAssignedFlags sets is_assigned=true and, for non-terminal rows,
	// status=assigned wherever a game master is set but the flag is not.
	RestoreAssignedFlags(ctx context.Context) ([]string, error)
	// UnassignGameMaster releases activityID only while gameMasterID is
	// still its assignee, deleting that game master's assignment rows and
	// putting the activity back to pending. It reports whether it did.
	UnassignGameMaster(ctx context.Context, activityID, gameMasterID string) (bool, error)
	ListGameMasters(ctx context.Context) ([]models.GameMaster, error)
}

// Notifier delivers notifications to the assignment-notification service.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) (models.NotificationResult, error)
}

// Repairer restores the invariants the auditor checks. Every pass is
// idempotent.
type Repairer struct {
	Repo     RepairRepository
	Notifier Notifier
	Logf     func(format string, args ...any)
}

// NewRepairer builds a repairer logging through the standard logger.
func NewRepairer(repo RepairRepository, notifier Notifier) *Repairer {
	return &Repairer{Repo: repo, Notifier: notifier, Logf: log.Printf}
}

// ClearStaleFlags is pass (a): flagged activities without a game master go
// back to unassigned.
func (r *Repairer) ClearStaleFlags(ctx context.Context) (RepairResult, error) {
	ids, err := r.Repo.ClearStaleAssignedFlags(ctx)
	result := flagResult("clear_stale_assigned_flags", ids, err, "cleared is_assigned on %d activities without a game master")
	syncmetrics.RecordRepair(err)
	return result, err
}

// RestoreFlags is pass (b): activities with a game master get the flag back.
func (r *Repairer) RestoreFlags(ctx context.Context) (RepairResult, error) {
	ids, err := r.Repo.RestoreAssignedFlags(ctx)
	result := flagResult("restore_assigned_flags", ids, err, "set is_assigned on %d activities with a game master")
	syncmetrics.RecordRepair(err)
	return result, err
}

// ResyncFlags runs both flag passes. After it succeeds
// is_assigned == (assigned_game_master_id != null) holds for every activity.
func (r *Repairer) ResyncFlags(ctx context.Context) ([]RepairResult, error) {
	results := make([]RepairResult, 0, 2)
	cleared, err := r.ClearStaleFlags(ctx)
	results = append(results, cleared)
	if err != nil {
		return results, err
	}
	restored, err := r.RestoreFlags(ctx)
	results = append(results, restored)
	if err != nil {
		return results, err
	}
	r.logf("audit repair: flags resynced (%d cleared, %d restored)", len(cleared.Affected), len(restored.Affected))
	return results, nil
}

func flagResult(name string, ids []string, err error, format string) RepairResult {
	result := RepairResult{Name: name, Details: []string{}, Affected: []string{}}
	if err != nil {
		result.Status = RepairError
		result.Message = err.Error()
		return result
	}
	result.Status = RepairSuccess
	result.Affected = append(result.Affected, ids...)
	if len(ids) == 0 {
		result.Message = "nothing to fix"
		return result
	}
	result.Message = fmt.Sprintf(format, len(ids))
	return result
}

// ResolveMissingCompetencies unassigns every game master reported without
// the competency for their activity, notifies each of them and sends one
// summary to the admins. Findings whose activity changed hands since the
// audit are skipped. Notification failures downgrade the result to a
// warning; a failed unassignment aborts with an error.
func (r *Repairer) ResolveMissingCompetencies(ctx context.Context, findings []MissingCompetency) (RepairResult, error) {
	result := RepairResult{
		Name:     "resolve_missing_competencies",
		Status:   RepairSuccess,
		Details:  []string{},
		Affected: []string{},
	}
	if len(findings) == 0 {
		result.Message = "nothing to fix"
		return result, nil
	}

	roster := map[string]models.GameMaster{}
	if gameMasters, err := r.Repo.ListGameMasters(ctx); err != nil {
		result.Status = RepairWarning
		result.Details = append(result.Details, fmt.Sprintf("game master roster unavailable: %v", err))
	} else {
		for _, gm := range gameMasters {
			roster[gm.ID] = gm
		}
	}

	lines := make([]string, 0, len(findings))
	for _, finding := range findings {
		released, err := r.Repo.UnassignGameMaster(ctx, finding.Activity.ID, finding.GameMasterID)
		if err != nil {
			result.Status = RepairError
			result.Message = fmt.Sprintf("unassign %s: %v", finding.Activity.ID, err)
			syncmetrics.RecordRepair(err)
			return result, fmt.Errorf("unassign activity %s: %w", finding.Activity.ID, err)
		}
		if !released {
			result.Details = append(result.Details, fmt.Sprintf("skipped %s: no longer assigned to %s", finding.Activity.ID, finding.GameMasterID))
			continue
		}
		result.Affected = append(result.Affected, finding.Activity.ID)

		gm := roster[finding.GameMasterID]
		name := firstNonEmpty(gm.Name, finding.GameMasterName, finding.GameMasterID)
		game := firstNonEmpty(finding.GameName, finding.GameID)
		lines = append(lines, fmt.Sprintf("%s (%s %s) - %s lacks %s", finding.Activity.Title, finding.Activity.Date, finding.Activity.StartTime, name, game))

		if detail := r.notify(ctx, models.Notification{
			GameMasterID: finding.GameMasterID,
			Email:        gm.Email,
			Name:         name,
			Type:         models.NotificationUnassignedMissingCompetency,
			EventID:      finding.Activity.ID,
			Title:        "Assignment withdrawn: " + finding.Activity.Title,
			Message: fmt.Sprintf("You have been unassigned from %s on %s at %s because you are not yet qualified for %s.",
				finding.Activity.Title, finding.Activity.Date, finding.Activity.StartTime, game),
			EventData: map[string]any{
				"activity_id": finding.Activity.ID,
				"date":        finding.Activity.Date,
				"start_time":  finding.Activity.StartTime,
				"end_time":    finding.Activity.EndTime,
				"game_id":     finding.GameID,
			},
		}); detail != "" {
			result.Status = RepairWarning
			result.Details = append(result.Details, detail)
		}
	}

	if len(lines) == 0 {
		result.Message = "nothing to fix"
		syncmetrics.RecordRepair(nil)
		return result, nil
	}

	if detail := r.notify(ctx, models.Notification{
		Type:    models.NotificationAdminSummary,
		Title:   fmt.Sprintf("%d assignments withdrawn for missing competencies", len(lines)),
		Message: strings.Join(lines, "\n"),
		EventData: map[string]any{
			"activity_ids": result.Affected,
		},
	}); detail != "" {
		result.Status = RepairWarning
		result.Details = append(result.Details, detail)
	}

	result.Message = fmt.Sprintf("unassigned %d activities", len(result.Affected))
	syncmetrics.RecordRepair(nil)
	r.logf("audit repair: %s", result.Message)
	return result, nil
}

// notify returns a detail line when delivery did not succeed.
func (r *Repairer) notify(ctx context.Context, notification models.Notification) string {
	if r.Notifier == nil {
		return fmt.Sprintf("%s notification for %q skipped: no notifier configured", notification.Type, notification.Title)
	}
	res, err := r.Notifier.Notify(ctx, notification)
	if err != nil {
		return fmt.Sprintf("%s notification for %q failed: %v", notification.Type, notification.Title, err)
	}
	if !res.Success {
		return fmt.Sprintf("%s notification for %q was rejected", notification.Type, notification.Title)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (r *Repairer) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}
