// Package audit detects and repairs drift between activity assignment state,
// assignment rows, availabilities and competencies.
package audit

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/syncmetrics"
)

// EventAuditCompleted is published after every audit run.
const EventAuditCompleted = "AuditCompleted"

// Availability conflict reasons.
const (
	ReasonNoAvailability    = "no_availability"
	ReasonUnavailableAllDay = "unavailable_all_day"
	ReasonOutsideSlots      = "outside_slots"
	ReasonInvalidTime       = "invalid_time"
)

// Repository is the read side the auditor needs.
type Repository interface {
	// ListUpcomingActivities returns non-terminal activities dated on or after from.
	ListUpcomingActivities(ctx context.Context, from string) ([]models.Activity, error)
	ListAssignments(ctx context.Context, activityIDs []string) ([]models.Assignment, error)
	ListGameMasters(ctx context.Context) ([]models.GameMaster, error)
	ListAvailabilities(ctx context.Context, from string) ([]models.Availability, error)
	ListCompetencies(ctx context.Context) ([]models.Competency, error)
	ListGameMappings(ctx context.Context) ([]models.GameMapping, error)
}

// Publisher pushes completion signals to connected clients.
type Publisher interface {
	Publish(eventType string, payload any)
}

type ActivityRef struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
}

type DuplicateAssignment struct {
	Activity      ActivityRef `json:"activity"`
	Count         int         `json:"count"`
	AssignmentIDs []string    `json:"assignment_ids"`
	GameMasterIDs []string    `json:"game_master_ids"`
}

type ScheduleConflict struct {
	GameMasterID   string      `json:"game_master_id"`
	GameMasterName string      `json:"game_master_name,omitempty"`
	Date           string      `json:"date"`
	First          ActivityRef `json:"first"`
	Second         ActivityRef `json:"second"`
}

type MissingCompetency struct {
	Activity       ActivityRef `json:"activity"`
	GameMasterID   string      `json:"game_master_id"`
	GameMasterName string      `json:"game_master_name,omitempty"`
	GameID         string      `json:"game_id"`
	GameName       string      `json:"game_name,omitempty"`
	Confidence     float64     `json:"confidence"`
}

type AvailabilityConflict struct {
	Activity       ActivityRef `json:"activity"`
	GameMasterID   string      `json:"game_master_id"`
	GameMasterName string      `json:"game_master_name,omitempty"`
	Reason         string      `json:"reason"`
	Slots          []string    `json:"slots,omitempty"`
}

// StatusSummary buckets every audited activity exactly once:
// Assigned + ToAttribute + StatusIncorrect == Report.TotalActivities.
type StatusSummary struct {
	Assigned        int           `json:"assigned"`
	ToAttribute     int           `json:"to_attribute"`
	StatusIncorrect int           `json:"status_incorrect"`
	Incorrect       []ActivityRef `json:"incorrect"`
}

// FlagDrift lists activities whose is_assigned flag disagrees with the
// assigned game master.
type FlagDrift struct {
	FlaggedWithoutGameMaster []ActivityRef `json:"flagged_without_game_master"`
	GameMasterWithoutFlag    []ActivityRef `json:"game_master_without_flag"`
}

type Report struct {
	GeneratedAt           time.Time              `json:"generated_at"`
	From                  string                 `json:"from"`
	TotalActivities       int                    `json:"total_activities"`
	Status                StatusSummary          `json:"status"`
	Flags                 FlagDrift              `json:"flags"`
	DuplicateAssignments  []DuplicateAssignment  `json:"duplicate_assignments"`
	ScheduleConflicts     []ScheduleConflict     `json:"schedule_conflicts"`
	MissingCompetencies   []MissingCompetency    `json:"missing_competencies"`
	AvailabilityConflicts []AvailabilityConflict `json:"availability_conflicts"`
	Warnings              []string               `json:"warnings,omitempty"`
}

// Findings counts every detected defect.
func (r Report) Findings() int {
	return len(r.DuplicateAssignments) +
		len(r.ScheduleConflicts) +
		len(r.MissingCompetencies) +
		len(r.AvailabilityConflicts) +
		len(r.Flags.FlaggedWithoutGameMaster) +
		len(r.Flags.GameMasterWithoutFlag)
}

// Auditor runs the read-only consistency pass.
type Auditor struct {
	Repo      Repository
	Publisher Publisher
	Location  *time.Location
	Now       func() time.Time
	Logf      func(format string, args ...any)
}

// NewAuditor builds an auditor evaluating "today" in UTC.
func NewAuditor(repo Repository) *Auditor {
	return &Auditor{
		Repo:     repo,
		Location: time.UTC,
		Now:      time.Now,
		Logf:     log.Printf,
	}
}

type auditData struct {
	activities     []models.Activity
	assignments    []models.Assignment
	gameMasters    map[string]models.GameMaster
	availabilities map[string][]string
	competencies   map[string]struct{}
	mappings       []models.GameMapping
}

// Run audits every non-terminal activity from today on. Data access errors
// fail the run; everything else is reported.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	now := a.now()
	from := now.In(a.location()).Format("2006-01-02")

	data, err := a.load(ctx, from)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt:           now.UTC(),
		From:                  from,
		TotalActivities:       len(data.activities),
		DuplicateAssignments:  []DuplicateAssignment{},
		ScheduleConflicts:     []ScheduleConflict{},
		MissingCompetencies:   []MissingCompetency{},
		AvailabilityConflicts: []AvailabilityConflict{},
	}
	report.Status, report.Flags = classify(data.activities)
	report.DuplicateAssignments = duplicateAssignments(data)
	report.ScheduleConflicts, report.Warnings = scheduleConflicts(data)
	report.MissingCompetencies = missingCompetencies(data)
	report.AvailabilityConflicts = availabilityConflicts(data)

	syncmetrics.RecordAuditRun(report.Findings())
	if a.Publisher != nil {
		a.Publisher.Publish(EventAuditCompleted, report)
	}
	a.logf("audit from %s: %d activities, %d findings", from, report.TotalActivities, report.Findings())
	return report, nil
}

func (a *Auditor) load(ctx context.Context, from string) (*auditData, error) {
	activities, err := a.Repo.ListUpcomingActivities(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	ids := make([]string, 0, len(activities))
	for _, activity := range activities {
		ids = append(ids, activity.ID)
	}
	assignments, err := a.Repo.ListAssignments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	gameMasters, err := a.Repo.ListGameMasters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list game masters: %w", err)
	}
	availabilities, err := a.Repo.ListAvailabilities(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list availabilities: %w", err)
	}
	competencies, err := a.Repo.ListCompetencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list competencies: %w", err)
	}
	mappings, err := a.Repo.ListGameMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list game mappings: %w", err)
	}

	data := &auditData{
		activities:     activities,
		assignments:    assignments,
		gameMasters:    make(map[string]models.GameMaster, len(gameMasters)),
		availabilities: make(map[string][]string, len(availabilities)),
		competencies:   make(map[string]struct{}, len(competencies)),
		mappings:       mappings,
	}
	for _, gm := range gameMasters {
		data.gameMasters[gm.ID] = gm
	}
	for _, availability := range availabilities {
		key := availabilityKey(availability.GameMasterID, availability.Date)
		slots, ok := data.availabilities[key]
		if !ok {
			slots = []string{}
		}
		data.availabilities[key] = append(slots, availability.Slots...)
	}
	for _, competency := range competencies {
		data.competencies[competencyKey(competency.GameMasterID, competency.GameID)] = struct{}{}
	}
	return data, nil
}

func classify(activities []models.Activity) (StatusSummary, FlagDrift) {
	summary := StatusSummary{Incorrect: []ActivityRef{}}
	drift := FlagDrift{
		FlaggedWithoutGameMaster: []ActivityRef{},
		GameMasterWithoutFlag:    []ActivityRef{},
	}
	for _, activity := range activities {
		hasGM := activity.HasAssignee()
		switch {
		case hasGM && !activity.IsAssigned:
			drift.GameMasterWithoutFlag = append(drift.GameMasterWithoutFlag, refOf(activity))
		case !hasGM && activity.IsAssigned:
			drift.FlaggedWithoutGameMaster = append(drift.FlaggedWithoutGameMaster, refOf(activity))
		}

		switch {
		case hasGM && activity.IsAssigned &&
			(activity.Status == models.ActivityStatusAssigned || activity.Status == models.ActivityStatusConfirmed):
			summary.Assigned++
		case !hasGM && !activity.IsAssigned && activity.Status == models.ActivityStatusPending:
			summary.ToAttribute++
		default:
			summary.StatusIncorrect++
			summary.Incorrect = append(summary.Incorrect, refOf(activity))
		}
	}
	return summary, drift
}

func duplicateAssignments(data *auditData) []DuplicateAssignment {
	byActivity := make(map[string][]models.Assignment)
	for _, assignment := range data.assignments {
		byActivity[assignment.ActivityID] = append(byActivity[assignment.ActivityID], assignment)
	}

	found := []DuplicateAssignment{}
	for _, activity := range data.activities {
		rows := byActivity[activity.ID]
		if len(rows) < 2 {
			continue
		}
		duplicate := DuplicateAssignment{Activity: refOf(activity), Count: len(rows)}
		for _, row := range rows {
			duplicate.AssignmentIDs = append(duplicate.AssignmentIDs, row.ID)
			duplicate.GameMasterIDs = append(duplicate.GameMasterIDs, row.GameMasterID)
		}
		found = append(found, duplicate)
	}
	return found
}

func scheduleConflicts(data *auditData) ([]ScheduleConflict, []string) {
	type slotted struct {
		activity models.Activity
		window   window
	}
	groups := make(map[string][]slotted)
	keys := make([]string, 0)
	var warnings []string

	for _, activity := range data.activities {
		if !activity.HasAssignee() {
			continue
		}
		w, err := activityWindow(activity)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("activity %s: %v", activity.ID, err))
			continue
		}
		key := availabilityKey(*activity.AssignedGameMasterID, activity.Date)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], slotted{activity: activity, window: w})
	}
	sort.Strings(keys)

	found := []ScheduleConflict{}
	for _, key := range keys {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool { return group[i].window.start < group[j].window.start })
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if !group[i].window.overlaps(group[j].window) {
					continue
				}
				gmID := *group[i].activity.AssignedGameMasterID
				found = append(found, ScheduleConflict{
					GameMasterID:   gmID,
					GameMasterName: data.gameMasters[gmID].Name,
					Date:           group[i].activity.Date,
					First:          refOf(group[i].activity),
					Second:         refOf(group[j].activity),
				})
			}
		}
	}
	return found, warnings
}

func missingCompetencies(data *auditData) []MissingCompetency {
	found := []MissingCompetency{}
	for _, activity := range data.activities {
		if !activity.HasAssignee() || activity.Status != models.ActivityStatusAssigned {
			continue
		}
		gameID, gameName, confidence, ok := resolveGame(activity, data.mappings)
		if !ok {
			continue
		}
		gmID := *activity.AssignedGameMasterID
		if _, ok := data.competencies[competencyKey(gmID, gameID)]; ok {
			continue
		}
		found = append(found, MissingCompetency{
			Activity:       refOf(activity),
			GameMasterID:   gmID,
			GameMasterName: data.gameMasters[gmID].Name,
			GameID:         gameID,
			GameName:       gameName,
			Confidence:     confidence,
		})
	}
	return found
}

// resolveGame uses the stored game when present, else a confident title match.
func resolveGame(activity models.Activity, mappings []models.GameMapping) (string, string, float64, bool) {
	if activity.GameID != nil && *activity.GameID != "" {
		for _, mapping := range mappings {
			if mapping.GameID == *activity.GameID {
				return mapping.GameID, mapping.GameName, gamematch.ScoreExact, true
			}
		}
		return *activity.GameID, "", gamematch.ScoreExact, true
	}
	result, ok := gamematch.Match(activity.Title, mappings)
	if !ok || !result.Confident() {
		return "", "", 0, false
	}
	return result.Mapping.GameID, result.Mapping.GameName, result.Confidence, true
}

func availabilityConflicts(data *auditData) []AvailabilityConflict {
	found := []AvailabilityConflict{}
	for _, activity := range data.activities {
		if !activity.HasAssignee() {
			continue
		}
		gmID := *activity.AssignedGameMasterID
		conflict := AvailabilityConflict{
			Activity:       refOf(activity),
			GameMasterID:   gmID,
			GameMasterName: data.gameMasters[gmID].Name,
		}

		slots, ok := data.availabilities[availabilityKey(gmID, activity.Date)]
		if !ok {
			conflict.Reason = ReasonNoAvailability
			found = append(found, conflict)
			continue
		}
		conflict.Slots = slots
		if (models.Availability{Slots: slots}).UnavailableAllDay() {
			conflict.Reason = ReasonUnavailableAllDay
			found = append(found, conflict)
			continue
		}

		windows, allDay := coverage(slots)
		if allDay {
			continue
		}
		target, err := activityWindow(activity)
		if err != nil {
			conflict.Reason = ReasonInvalidTime
			found = append(found, conflict)
			continue
		}
		if !covers(windows, target) {
			conflict.Reason = ReasonOutsideSlots
			found = append(found, conflict)
		}
	}
	return found
}

func refOf(activity models.Activity) ActivityRef {
	return ActivityRef{
		ID:        activity.ID,
		Title:     activity.Title,
		Date:      activity.Date,
		StartTime: activity.StartTime,
		EndTime:   activity.EndTime,
		Status:    activity.Status,
	}
}

func availabilityKey(gameMasterID, date string) string {
	return gameMasterID + "|" + date
}

func competencyKey(gameMasterID, gameID string) string {
	return gameMasterID + "|" + gameID
}

func (a *Auditor) location() *time.Location {
	if a.Location != nil {
		return a.Location
	}
	return time.UTC
}

func (a *Auditor) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Auditor) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}
