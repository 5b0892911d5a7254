package calsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/syncmetrics"
	"github.com/gmboard/gmboard/internal/webhook"
)

// Stages an event can fail in.
const (
	StageValidate     = "validate"
	StageDecode       = "decode"
	StageTransform    = "transform"
	StageResolve      = "resolve"
	StageCanonicalize = "canonicalize"
	StagePersist      = "persist"
)

// EventSyncCompleted is published once a run has been recorded.
const EventSyncCompleted = "SyncCompleted"

// EventError records why one event of a batch could not be processed.
type EventError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Stats are the counters of one sync run.
type Stats struct {
	TotalReceived          int              `json:"total_received"`
	Processed              int              `json:"processed"`
	EventsCreated          int              `json:"eventsCreated"`
	EventsUpdated          int              `json:"eventsUpdated"`
	EventsDeleted          int              `json:"eventsDeleted"`
	EventErrors            int              `json:"eventErrors"`
	EventsUnchanged        int              `json:"eventsUnchanged"`
	DuplicatesMerged       int              `json:"duplicatesMerged"`
	AssignmentsMigrated    int              `json:"assignmentsMigrated"`
	SourcesHealed          int              `json:"sourcesHealed"`
	AssignmentsInvalidated int              `json:"assignmentsInvalidated"`
	SkippedTerminal        int              `json:"skippedTerminal"`
	Reconciliation         []ReconcileStats `json:"reconciliation,omitempty"`
	ReconciliationSkipped  string           `json:"reconciliationSkipped,omitempty"`
	ReconciliationErrors   []string         `json:"reconciliationErrors,omitempty"`
	Errors                 []EventError     `json:"errors"`
	Recovery               string           `json:"recovery"`
	DurationMillis         int64            `json:"durationMs"`
}

// Result is the outcome of one webhook delivery.
type Result struct {
	Success        bool                 `json:"success"`
	Message        string               `json:"message"`
	SyncLogID      string               `json:"sync_log_id,omitempty"`
	CalendarSource string               `json:"calendar_source"`
	Stats          Stats                `json:"stats"`
	Metadata       webhook.SyncMetadata `json:"sync_metadata"`
}

// Engine runs the ingestion pipeline for webhook deliveries.
type Engine struct {
	Repo        Repository
	Logs        SyncLogWriter
	Transformer *Transformer
	Triggers    Triggers
	Publisher   Publisher

	Now  func() time.Time
	Logf func(format string, args ...any)
}

// NewEngine builds an engine with the default clock and logger.
func NewEngine(repo Repository, logs SyncLogWriter, transformer *Transformer) *Engine {
	if transformer == nil {
		transformer = &Transformer{}
	}
	return &Engine{
		Repo:        repo,
		Logs:        logs,
		Transformer: transformer,
		Now:         time.Now,
		Logf:        log.Printf,
	}
}

type runState struct {
	stats     Stats
	incoming  map[string]struct{}
	sources   map[string]struct{}
	created   []models.ChangedActivity
	changed   []models.ChangedActivity
	unstaffed []models.ChangedActivity
}

// HandleDelivery normalizes a raw webhook body and processes it. A payload
// that cannot be recovered is recorded as a failed run and returned as an
// error wrapping webhook.ErrMalformedPayload.
func (e *Engine) HandleDelivery(ctx context.Context, body []byte, headers http.Header) (*Result, error) {
	startedAt := e.now()
	payload, err := webhook.Normalize(body, headers)
	if err != nil {
		e.recordFailure(ctx, e.transformer().resolveSource("", webhook.SourceFromHeaders(headers)), startedAt, err)
		return nil, err
	}
	return e.Process(ctx, payload)
}

// Process runs every event of the payload through transform, resolve,
// canonicalize and upsert, strictly in order. Event failures are collected
// and never stop the batch. Full snapshots with a valid date range are then
// swept for records the source no longer has.
func (e *Engine) Process(ctx context.Context, payload *webhook.Payload) (*Result, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	startedAt := e.now()

	run := &runState{
		incoming: make(map[string]struct{}, len(payload.Events)),
		sources:  make(map[string]struct{}),
	}
	run.stats.TotalReceived = len(payload.Events)
	run.stats.Recovery = payload.Recovery
	run.stats.Errors = []EventError{}

	for index, raw := range payload.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if eventErr := e.processEvent(ctx, index, raw, payload.HeaderSource, run); eventErr != nil {
			run.stats.EventErrors++
			run.stats.Errors = append(run.stats.Errors, *eventErr)
			continue
		}
		run.stats.Processed++
	}

	source := e.runSource(payload.HeaderSource, run.sources)
	e.reconcile(ctx, payload, source, run)

	finishedAt := e.now()
	run.stats.DurationMillis = finishedAt.Sub(startedAt).Milliseconds()

	result := &Result{
		Success:        true,
		CalendarSource: source,
		Stats:          run.stats,
		Metadata:       payload.Metadata,
		Message: fmt.Sprintf(
			"processed %d/%d events: %d created, %d updated, %d deleted, %d errors",
			run.stats.Processed, run.stats.TotalReceived,
			run.stats.EventsCreated, run.stats.EventsUpdated, run.stats.EventsDeleted, run.stats.EventErrors,
		),
	}

	result.SyncLogID = e.writeSyncLog(ctx, result, startedAt, finishedAt)
	syncmetrics.RecordSyncRun(source, syncmetrics.RunOutcome{
		Received:               run.stats.TotalReceived,
		Created:                run.stats.EventsCreated,
		Updated:                run.stats.EventsUpdated,
		Deleted:                run.stats.EventsDeleted,
		Errors:                 run.stats.EventErrors,
		DuplicatesMerged:       run.stats.DuplicatesMerged,
		AssignmentsInvalidated: run.stats.AssignmentsInvalidated,
		Latency:                finishedAt.Sub(startedAt),
	})
	e.fireTriggers(ctx, result.SyncLogID, source, run)
	if e.Publisher != nil {
		e.Publisher.Publish(EventSyncCompleted, result)
	}

	e.logf("calendar sync %s: %s", source, result.Message)
	return result, nil
}

func (e *Engine) processEvent(ctx context.Context, index int, raw json.RawMessage, headerSource string, run *runState) *EventError {
	eventID, title := webhook.PeekEventID(raw)
	if canonical := CanonicalExternalID(eventID); canonical != "" {
		run.incoming[canonical] = struct{}{}
	}
	fail := func(stage string, err error) *EventError {
		return &EventError{Index: index, EventID: eventID, Title: title, Stage: stage, Message: err.Error()}
	}

	if err := webhook.ValidateEvent(raw); err != nil {
		return fail(StageValidate, err)
	}
	event, err := webhook.DecodeEvent(raw)
	if err != nil {
		return fail(StageDecode, err)
	}

	candidate, err := e.transformer().Transform(ctx, event, headerSource)
	if err != nil {
		return fail(StageTransform, err)
	}
	run.sources[candidate.Activity.CalendarSource] = struct{}{}

	resolver := Resolver{Repo: e.Repo}
	resolution, err := resolver.Resolve(ctx, candidate.Activity)
	if err != nil {
		return fail(StageResolve, err)
	}
	run.stats.SourcesHealed += resolution.Healed

	var existing *models.Activity
	if len(resolution.Candidates) > 0 {
		merge, err := Canonicalize(ctx, e.Repo, resolution.Candidates)
		if err != nil {
			return fail(StageCanonicalize, err)
		}
		run.stats.DuplicatesMerged += len(merge.Removed)
		run.stats.AssignmentsMigrated += merge.AssignmentsMoved
		existing = &merge.Canonical
	}

	if err := e.upsert(ctx, existing, candidate, run); err != nil {
		return fail(StagePersist, err)
	}
	return nil
}

// upsert inserts a new activity or updates the resolved one. A change to
// date, start or end releases the current assignment; any other change keeps
// it. Terminal records are left untouched.
func (e *Engine) upsert(ctx context.Context, existing *models.Activity, candidate Candidate, run *runState) error {
	incoming := candidate.Activity

	if existing == nil {
		incoming.Status = models.ActivityStatusPending
		incoming.IsAssigned = false
		incoming.AssignedGameMasterID = nil
		incoming.AssignedAt = nil
		incoming.AssignmentScore = nil
		created, err := e.Repo.CreateActivity(ctx, incoming)
		if err != nil {
			return fmt.Errorf("create activity: %w", err)
		}
		run.stats.EventsCreated++
		run.created = append(run.created, changeOf(created, false, nil))
		return nil
	}

	if existing.IsTerminal() {
		run.stats.SkippedTerminal++
		return nil
	}

	current := *existing
	if isUnknownSource(current.CalendarSource) && !isUnknownSource(incoming.CalendarSource) {
		if err := e.Repo.UpdateCalendarSource(ctx, current.ID, incoming.CalendarSource); err != nil {
			return fmt.Errorf("heal calendar source: %w", err)
		}
		current.CalendarSource = incoming.CalendarSource
		run.stats.SourcesHealed++
	}

	if !contentChanged(current, incoming) {
		run.stats.EventsUnchanged++
		return nil
	}

	timeChanged := current.Date != incoming.Date ||
		current.StartTime != incoming.StartTime ||
		current.EndTime != incoming.EndTime

	updated := current
	updated.Title = incoming.Title
	updated.Description = incoming.Description
	updated.Date = incoming.Date
	updated.StartTime = incoming.StartTime
	updated.EndTime = incoming.EndTime
	updated.DurationMinutes = incoming.DurationMinutes
	updated.DurationSource = incoming.DurationSource
	updated.Location = incoming.Location
	updated.ActivityType = incoming.ActivityType
	updated.GMHint = incoming.GMHint
	updated.RoomHint = incoming.RoomHint
	updated.LastModified = incoming.LastModified
	if incoming.GameID != nil {
		updated.GameID = incoming.GameID
	}
	if updated.ExternalID == nil || *updated.ExternalID == "" {
		updated.ExternalID = incoming.ExternalID
	}

	var previousGM *string
	invalidated := false
	if timeChanged && (current.HasAssignee() || current.IsAssigned) {
		if err := e.Repo.UnassignActivity(ctx, current.ID); err != nil {
			return fmt.Errorf("unassign activity: %w", err)
		}
		previousGM = current.AssignedGameMasterID
		updated.IsAssigned = false
		updated.AssignedGameMasterID = nil
		updated.AssignedAt = nil
		updated.AssignmentScore = nil
		updated.Status = models.ActivityStatusPending
		invalidated = true
	}

	if err := e.Repo.UpdateActivity(ctx, updated); err != nil {
		return fmt.Errorf("update activity: %w", err)
	}

	run.stats.EventsUpdated++
	change := changeOf(updated, timeChanged, previousGM)
	change.AssignmentInvalidated = invalidated
	run.changed = append(run.changed, change)
	if invalidated {
		run.stats.AssignmentsInvalidated++
		run.unstaffed = append(run.unstaffed, change)
	}
	return nil
}

func contentChanged(current, incoming models.Activity) bool {
	return current.Title != incoming.Title ||
		current.Description != incoming.Description ||
		current.Date != incoming.Date ||
		current.StartTime != incoming.StartTime ||
		current.EndTime != incoming.EndTime ||
		current.DurationMinutes != incoming.DurationMinutes
}

func changeOf(activity models.Activity, timeChanged bool, previousGM *string) models.ChangedActivity {
	return models.ChangedActivity{
		ActivityID:           activity.ID,
		Title:                activity.Title,
		Date:                 activity.Date,
		StartTime:            activity.StartTime,
		EndTime:              activity.EndTime,
		TimeChanged:          timeChanged,
		PreviousGameMasterID: previousGM,
	}
}

// reconcile runs the sweeper for full snapshots with a valid date range that
// parsed without recovery.
func (e *Engine) reconcile(ctx context.Context, payload *webhook.Payload, source string, run *runState) {
	meta := payload.Metadata
	switch {
	case !meta.IsFullSnapshot:
		run.stats.ReconciliationSkipped = "not a full snapshot"
		return
	case meta.DateRange == nil:
		reason := meta.DateRangeIssue
		if reason == "" {
			reason = "date_range missing"
		}
		run.stats.ReconciliationSkipped = reason
		return
	case payload.Recovery != webhook.RecoveryNone:
		run.stats.ReconciliationSkipped = "payload was recovered (" + payload.Recovery + "); snapshot may be incomplete"
		return
	}

	sources := make([]string, 0, len(run.sources))
	for s := range run.sources {
		sources = append(sources, s)
	}
	if len(sources) == 0 {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	sweeper := Sweeper{Repo: e.Repo}
	mode := ReconcileMode(meta)
	for _, s := range sources {
		stats, err := sweeper.Sweep(ctx, s, *meta.DateRange, run.incoming, mode)
		if err != nil {
			e.logf("calendar sync %s: reconciliation failed: %v", s, err)
			run.stats.ReconciliationErrors = append(run.stats.ReconciliationErrors, fmt.Sprintf("%s: %v", s, err))
			continue
		}
		run.stats.Reconciliation = append(run.stats.Reconciliation, stats)
		run.stats.EventsDeleted += stats.Removed()
	}
}

// runSource names the run after the header source, else the single event
// source, else the fallback chain of the transformer.
func (e *Engine) runSource(headerSource string, sources map[string]struct{}) string {
	if headerSource != "" {
		return e.transformer().resolveSource("", headerSource)
	}
	if len(sources) == 1 {
		for s := range sources {
			return s
		}
	}
	return e.transformer().resolveSource("", "")
}

func (e *Engine) fireTriggers(ctx context.Context, syncLogID, source string, run *runState) {
	if e.Triggers == nil {
		return
	}

	firedAt := e.now().UTC()
	events := make([]models.TriggerEvent, 0, 3)
	if needing := append(append([]models.ChangedActivity{}, run.created...), run.unstaffed...); len(needing) > 0 {
		events = append(events, models.TriggerEvent{
			Kind:       models.TriggerAutoAssignment,
			Count:      len(needing),
			Activities: needing,
		})
	}
	if run.stats.DuplicatesMerged > 0 {
		events = append(events, models.TriggerEvent{
			Kind:  models.TriggerDuplicateCleanup,
			Count: run.stats.DuplicatesMerged,
		})
	}
	if len(run.changed) > 0 {
		events = append(events, models.TriggerEvent{
			Kind:       models.TriggerChangeNotification,
			Count:      len(run.changed),
			Activities: run.changed,
		})
	}

	for _, event := range events {
		event.CalendarSource = source
		event.SyncLogID = syncLogID
		event.FiredAt = firedAt
		if err := e.Triggers.Fire(ctx, event); err != nil {
			e.logf("calendar sync %s: %s trigger failed: %v", source, event.Kind, err)
		}
	}
}

func (e *Engine) writeSyncLog(ctx context.Context, result *Result, startedAt, finishedAt time.Time) string {
	if e.Logs == nil {
		return ""
	}
	stats, err := json.Marshal(result.Stats)
	if err != nil {
		e.logf("calendar sync %s: encode stats: %v", result.CalendarSource, err)
		stats = nil
	}

	entry, err := e.Logs.CreateSyncLog(ctx, models.SyncLog{
		CalendarSource:  result.CalendarSource,
		SyncType:        result.Metadata.SyncType,
		Status:          models.SyncLogStatusSuccess,
		EventsReceived:  result.Stats.TotalReceived,
		EventsCreated:   result.Stats.EventsCreated,
		EventsUpdated:   result.Stats.EventsUpdated,
		EventsDeleted:   result.Stats.EventsDeleted,
		EventErrors:     result.Stats.EventErrors,
		IsFullSnapshot:  result.Metadata.IsFullSnapshot,
		ForceReconcile:  result.Metadata.ForceReconcile,
		AuditOnly:       result.Metadata.AuditOnly,
		ProcessingStats: stats,
		StartedAt:       startedAt.UTC(),
		FinishedAt:      finishedAt.UTC(),
	})
	if err != nil {
		e.logf("calendar sync %s: write sync log: %v", result.CalendarSource, err)
		return ""
	}
	return entry.ID
}

func (e *Engine) recordFailure(ctx context.Context, source string, startedAt time.Time, cause error) {
	finishedAt := e.now()
	syncmetrics.RecordSyncRun(source, syncmetrics.RunOutcome{Failed: true, Latency: finishedAt.Sub(startedAt)})
	e.logf("calendar sync %s: rejected payload: %v", source, cause)
	if e.Logs == nil {
		return
	}

	message := cause.Error()
	if _, err := e.Logs.CreateSyncLog(ctx, models.SyncLog{
		CalendarSource: source,
		SyncType:       webhook.SyncTypeIncremental,
		Status:         models.SyncLogStatusError,
		ErrorMessage:   &message,
		StartedAt:      startedAt.UTC(),
		FinishedAt:     finishedAt.UTC(),
	}); err != nil {
		e.logf("calendar sync %s: write failed sync log: %v", source, err)
	}
}

func (e *Engine) transformer() *Transformer {
	if e.Transformer == nil {
		return &Transformer{}
	}
	return e.Transformer
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}
