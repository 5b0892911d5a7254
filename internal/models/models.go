// Package models defines the scheduling domain shared by the sync engine,
// the consistency auditor and the persistence layer.
package models

import (
	"encoding/json"
	"time"
)

// Activity status constants.
const (
	ActivityStatusPending   = "pending"
	ActivityStatusAssigned  = "assigned"
	ActivityStatusConfirmed = "confirmed"
	ActivityStatusCancelled = "cancelled"
	ActivityStatusCompleted = "completed"
)

// Duration sources.
const (
	DurationSourceExternal    = "external-import"
	DurationSourceGameMapping = "game-mapping-override"
)

// UnknownCalendarSource tags records created before calendar sources were tracked.
const UnknownCalendarSource = "unknown"

// Availability slot names.
const (
	SlotMorning        = "matin"
	SlotAfternoon      = "apres-midi"
	SlotEvening        = "soir"
	SlotAllDay         = "toute-la-journee"
	SlotUnavailableDay = "indisponible-toute-la-journee"
)

// Activity is one scheduled event.
type Activity struct {
	ID                   string     `json:"id"`
	ExternalID           *string    `json:"external_id,omitempty"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	Date                 string     `json:"date"`
	StartTime            string     `json:"start_time"`
	EndTime              string     `json:"end_time"`
	DurationMinutes      int        `json:"duration_minutes"`
	DurationSource       string     `json:"duration_source"`
	Status               string     `json:"status"`
	IsAssigned           bool       `json:"is_assigned"`
	AssignedGameMasterID *string    `json:"assigned_game_master_id,omitempty"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	AssignmentScore      *float64   `json:"assignment_score,omitempty"`
	CalendarSource       string     `json:"calendar_source"`
	GameID               *string    `json:"game_id,omitempty"`
	Location             string     `json:"location,omitempty"`
	ActivityType         string     `json:"activity_type,omitempty"`
	GMHint               string     `json:"gm_hint,omitempty"`
	RoomHint             string     `json:"room_hint,omitempty"`
	LastModified         *time.Time `json:"last_modified,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsTerminal reports whether sync passes must leave the activity alone.
func (a Activity) IsTerminal() bool {
	return a.Status == ActivityStatusCancelled || a.Status == ActivityStatusCompleted
}

// HasAssignee reports whether a game master is referenced.
func (a Activity) HasAssignee() bool {
	return a.AssignedGameMasterID != nil && *a.AssignedGameMasterID != ""
}

// Signature returns the temporal signature used as fallback identity.
func (a Activity) Signature() TemporalSignature {
	return TemporalSignature{
		Date:      a.Date,
		StartTime: a.StartTime,
		EndTime:   a.EndTime,
		Title:     a.Title,
	}
}

// TemporalSignature identifies an event by when it happens and what it is called.
type TemporalSignature struct {
	Date      string
	StartTime string
	EndTime   string
	Title     string
}

// Assignment links one activity to one game master.
type Assignment struct {
	ID           string    `json:"id"`
	ActivityID   string    `json:"activity_id"`
	GameMasterID string    `json:"game_master_id"`
	AssignedAt   time.Time `json:"assigned_at"`
	Score        *float64  `json:"score,omitempty"`
}

// GameMaster is a person who can run games.
type GameMaster struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsActive bool   `json:"is_active"`
}

// Availability is a game master's declared slots for one date.
type Availability struct {
	GameMasterID string   `json:"game_master_id"`
	Date         string   `json:"date"`
	Slots        []string `json:"slots"`
}

// UnavailableAllDay reports whether the row marks the whole day as unavailable.
func (a Availability) UnavailableAllDay() bool {
	for _, slot := range a.Slots {
		if slot == SlotUnavailableDay {
			return true
		}
	}
	return false
}

// Competency declares that a game master can run a game.
type Competency struct {
	GameMasterID string `json:"game_master_id"`
	GameID       string `json:"game_id"`
	Level        int    `json:"level"`
}

// GameMapping maps a title pattern to a game.
type GameMapping struct {
	ID              string `json:"id"`
	GameID          string `json:"game_id"`
	GameName        string `json:"game_name"`
	Pattern         string `json:"pattern"`
	AverageDuration *int   `json:"average_duration,omitempty"`
	IsActive        bool   `json:"is_active"`
}

// Sync log statuses.
const (
	SyncLogStatusSuccess = "success"
	SyncLogStatusError   = "error"
)

// SyncLog is the append-only record of one ingestion run.
type SyncLog struct {
	ID              string          `json:"id"`
	CalendarSource  string          `json:"calendar_source"`
	SyncType        string          `json:"sync_type"`
	Status          string          `json:"status"`
	EventsReceived  int             `json:"events_received"`
	EventsCreated   int             `json:"events_created"`
	EventsUpdated   int             `json:"events_updated"`
	EventsDeleted   int             `json:"events_deleted"`
	EventErrors     int             `json:"event_errors"`
	IsFullSnapshot  bool            `json:"is_full_snapshot"`
	ForceReconcile  bool            `json:"force_reconcile"`
	AuditOnly       bool            `json:"audit_only"`
	ProcessingStats json.RawMessage `json:"processing_stats,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// Trigger kinds fired after a sync run.
const (
	TriggerAutoAssignment     = "auto_assignment"
	TriggerDuplicateCleanup   = "duplicate_cleanup"
	TriggerChangeNotification = "change_notification"
)

// ChangedActivity summarizes a modified activity for downstream collaborators.
type ChangedActivity struct {
	ActivityID            string  `json:"activity_id"`
	Title                 string  `json:"title"`
	Date                  string  `json:"date"`
	StartTime             string  `json:"start_time"`
	EndTime               string  `json:"end_time"`
	TimeChanged           bool    `json:"time_changed"`
	PreviousGameMasterID  *string `json:"previous_game_master_id,omitempty"`
	AssignmentInvalidated bool    `json:"assignment_invalidated"`
}

// TriggerEvent is handed to the trigger collaborator after a sync run.
type TriggerEvent struct {
	Kind           string            `json:"kind"`
	CalendarSource string            `json:"calendar_source"`
	SyncLogID      string            `json:"sync_log_id,omitempty"`
	Count          int               `json:"count"`
	Activities     []ChangedActivity `json:"activities,omitempty"`
	FiredAt        time.Time         `json:"fired_at"`
}

// Notification types sent to the assignment-notification service.
const (
	NotificationUnassignedMissingCompetency = "unassigned_missing_competency"
	NotificationAdminSummary                = "admin_summary"
)

// Notification is a message for the assignment-notification service.
type Notification struct {
	GameMasterID string         `json:"game_master_id,omitempty"`
	Email        string         `json:"email,omitempty"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type"`
	EventID      string         `json:"event_id,omitempty"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	EventData    map[string]any `json:"event_data,omitempty"`
}

// NotificationResult is the service's answer.
type NotificationResult struct {
	Success   bool `json:"success"`
	EmailSent bool `json:"email_sent"`
}
