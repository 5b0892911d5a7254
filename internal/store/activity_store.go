package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/lib/pq"
)

// ActivityStore persists activities and their assignment rows.
type ActivityStore struct {
	db *sql.DB
}

// NewActivityStore creates a new ActivityStore with the given database connection.
func NewActivityStore(db *sql.DB) *ActivityStore {
	return &ActivityStore{db: db}
}

const activitySelectColumns = `id, external_id, title, description, to_char(date, 'YYYY-MM-DD'),
	to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'), duration_minutes, duration_source,
	status, is_assigned, assigned_game_master_id, assigned_at, assignment_score, calendar_source,
	game_id, location, activity_type, gm_hint, room_hint, last_modified, created_at, updated_at`

const terminalStatuses = `('cancelled', 'completed')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(scanner rowScanner) (models.Activity, error) {
	var (
		activity     models.Activity
		externalID   sql.NullString
		assignedGM   sql.NullString
		assignedAt   sql.NullTime
		score        sql.NullFloat64
		gameID       sql.NullString
		lastModified sql.NullTime
	)
	err := scanner.Scan(
		&activity.ID,
		&externalID,
		&activity.Title,
		&activity.Description,
		&activity.Date,
		&activity.StartTime,
		&activity.EndTime,
		&activity.DurationMinutes,
		&activity.DurationSource,
		&activity.Status,
		&activity.IsAssigned,
		&assignedGM,
		&assignedAt,
		&score,
		&activity.CalendarSource,
		&gameID,
		&activity.Location,
		&activity.ActivityType,
		&activity.GMHint,
		&activity.RoomHint,
		&lastModified,
		&activity.CreatedAt,
		&activity.UpdatedAt,
	)
	if err != nil {
		return models.Activity{}, err
	}

	activity.ExternalID = stringPtr(externalID)
	activity.AssignedGameMasterID = stringPtr(assignedGM)
	activity.AssignedAt = timePtr(assignedAt)
	if score.Valid {
		v := score.Float64
		activity.AssignmentScore = &v
	}
	activity.GameID = stringPtr(gameID)
	activity.LastModified = timePtr(lastModified)
	return activity, nil
}

func (s *ActivityStore) queryActivities(ctx context.Context, q Querier, query string, args ...interface{}) ([]models.Activity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	activities := make([]models.Activity, 0)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading activities: %w", err)
	}
	return activities, nil
}

// FindActivitiesByExternalIDs returns activities whose external id is one of
// externalIDs. An empty source searches every calendar source.
func (s *ActivityStore) FindActivitiesByExternalIDs(ctx context.Context, source string, externalIDs []string) ([]models.Activity, error) {
	if len(externalIDs) == 0 {
		return []models.Activity{}, nil
	}
	query := `SELECT ` + activitySelectColumns + ` FROM activities
		WHERE external_id = ANY($1)
		  AND ($2 = '' OR calendar_source = $2)
		ORDER BY created_at, id`
	return s.queryActivities(ctx, s.db, query, pq.Array(externalIDs), strings.TrimSpace(source))
}

// FindActivitiesBySignature returns activities with the same date, start,
// end and (case-insensitive) title.
func (s *ActivityStore) FindActivitiesBySignature(ctx context.Context, source string, sig models.TemporalSignature) ([]models.Activity, error) {
	query := `SELECT ` + activitySelectColumns + ` FROM activities
		WHERE date = $1
		  AND start_time = $2
		  AND end_time = $3
		  AND lower(btrim(title)) = lower(btrim($4))
		  AND ($5 = '' OR calendar_source = $5)
		ORDER BY created_at, id`
	return s.queryActivities(ctx, s.db, query, sig.Date, sig.StartTime, sig.EndTime, sig.Title, strings.TrimSpace(source))
}

// CreateActivity inserts a new activity.
func (s *ActivityStore) CreateActivity(ctx context.Context, activity models.Activity) (models.Activity, error) {
	query := `INSERT INTO activities (
		external_id, title, description, date, start_time, end_time, duration_minutes,
		duration_source, status, is_assigned, assigned_game_master_id, assigned_at,
		assignment_score, calendar_source, game_id, location, activity_type, gm_hint,
		room_hint, last_modified
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	RETURNING ` + activitySelectColumns

	created, err := scanActivity(s.db.QueryRowContext(ctx, query, activityArgs(activity)...))
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to create activity: %w", err)
	}
	return created, nil
}

// UpdateActivity overwrites every mutable column of an activity.
func (s *ActivityStore) UpdateActivity(ctx context.Context, activity models.Activity) error {
	query := `UPDATE activities SET
		external_id = $1, title = $2, description = $3, date = $4, start_time = $5,
		end_time = $6, duration_minutes = $7, duration_source = $8, status = $9,
		is_assigned = $10, assigned_game_master_id = $11, assigned_at = $12,
		assignment_score = $13, calendar_source = $14, game_id = $15, location = $16,
		activity_type = $17, gm_hint = $18, room_hint = $19, last_modified = $20,
		updated_at = NOW()
	WHERE id = $21`

	args := append(activityArgs(activity), activity.ID)
	return s.execOne(ctx, s.db, "update activity", query, args...)
}

func activityArgs(activity models.Activity) []interface{} {
	status := activity.Status
	if status == "" {
		status = models.ActivityStatusPending
	}
	durationSource := activity.DurationSource
	if durationSource == "" {
		durationSource = models.DurationSourceExternal
	}
	source := strings.TrimSpace(activity.CalendarSource)
	if source == "" {
		source = models.UnknownCalendarSource
	}
	return []interface{}{
		nullableString(activity.ExternalID),
		activity.Title,
		activity.Description,
		activity.Date,
		activity.StartTime,
		activity.EndTime,
		activity.DurationMinutes,
		durationSource,
		status,
		activity.IsAssigned,
		nullableString(activity.AssignedGameMasterID),
		nullableTime(activity.AssignedAt),
		nullableFloat(activity.AssignmentScore),
		source,
		nullableString(activity.GameID),
		activity.Location,
		activity.ActivityType,
		activity.GMHint,
		activity.RoomHint,
		nullableTime(activity.LastModified),
	}
}

// UpdateCalendarSource retags an activity.
func (s *ActivityStore) UpdateCalendarSource(ctx context.Context, activityID, source string) error {
	return s.execOne(ctx, s.db, "update calendar source",
		`UPDATE activities SET calendar_source = $1, updated_at = NOW() WHERE id = $2`,
		source, activityID)
}

// UnassignActivity deletes the activity's assignment rows, clears its
// assignment fields and puts a non-terminal activity back to pending.
func (s *ActivityStore) UnassignActivity(ctx context.Context, activityID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE activity_id = $1`, activityID); err != nil {
			return fmt.Errorf("failed to delete assignments: %w", err)
		}
		return s.execOne(ctx, tx, "unassign activity", `UPDATE activities SET
			is_assigned = false,
			assigned_game_master_id = NULL,
			assigned_at = NULL,
			assignment_score = NULL,
			status = CASE WHEN status IN `+terminalStatuses+` THEN status ELSE 'pending' END,
			updated_at = NOW()
		WHERE id = $1`, activityID)
	})
}

// UnassignGameMaster unassigns activityID only while gameMasterID is still
// its assignee. It reports false, and changes nothing, when the activity
// has been reassigned or unassigned since.
func (s *ActivityStore) UnassignGameMaster(ctx context.Context, activityID, gameMasterID string) (bool, error) {
	unassigned := false
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE activities SET
			is_assigned = false,
			assigned_game_master_id = NULL,
			assigned_at = NULL,
			assignment_score = NULL,
			status = CASE WHEN status IN `+terminalStatuses+` THEN status ELSE 'pending' END,
			updated_at = NOW()
		WHERE id = $1 AND assigned_game_master_id = $2`, activityID, gameMasterID)
		if err != nil {
			return fmt.Errorf("failed to unassign game master: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to unassign game master: %w", err)
		}
		if affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE activity_id = $1 AND game_master_id = $2`,
			activityID, gameMasterID); err != nil {
			return fmt.Errorf("failed to delete assignments: %w", err)
		}
		unassigned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return unassigned, nil
}

// MergeActivities moves the duplicates' assignment rows onto the canonical
// activity and deletes the duplicates in one transaction.
func (s *ActivityStore) MergeActivities(ctx context.Context, canonicalID string, duplicateIDs []string) (int, error) {
	if len(duplicateIDs) == 0 {
		return 0, nil
	}
	moved := 0
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE assignments SET activity_id = $1 WHERE activity_id = ANY($2)`,
			canonicalID, pq.Array(duplicateIDs))
		if err != nil {
			return fmt.Errorf("failed to migrate assignments: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count migrated assignments: %w", err)
		}
		moved = int(affected)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM activities WHERE id = ANY($1) AND id <> $2`,
			pq.Array(duplicateIDs), canonicalID); err != nil {
			return fmt.Errorf("failed to delete duplicates: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ListReconcileCandidates returns live activities of source within
// [start, end] that carry an external id.
func (s *ActivityStore) ListReconcileCandidates(ctx context.Context, source, start, end string) ([]models.Activity, error) {
	query := `SELECT ` + activitySelectColumns + ` FROM activities
		WHERE calendar_source = $1
		  AND date BETWEEN $2 AND $3
		  AND external_id IS NOT NULL
		  AND external_id <> ''
		  AND status NOT IN ` + terminalStatuses + `
		ORDER BY date, start_time, id`
	return s.queryActivities(ctx, s.db, query, source, start, end)
}

// CancelActivity soft-deletes an activity.
func (s *ActivityStore) CancelActivity(ctx context.Context, activityID string) error {
	return s.execOne(ctx, s.db, "cancel activity",
		`UPDATE activities SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, activityID)
}

// DeleteActivity removes an activity; its assignment rows cascade.
func (s *ActivityStore) DeleteActivity(ctx context.Context, activityID string) error {
	return s.execOne(ctx, s.db, "delete activity", `DELETE FROM activities WHERE id = $1`, activityID)
}

// GetActivity returns one activity.
func (s *ActivityStore) GetActivity(ctx context.Context, activityID string) (models.Activity, error) {
	query := `SELECT ` + activitySelectColumns + ` FROM activities WHERE id = $1`
	activity, err := scanActivity(s.db.QueryRowContext(ctx, query, activityID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Activity{}, ErrNotFound
	}
	if err != nil {
		return models.Activity{}, fmt.Errorf("failed to get activity: %w", err)
	}
	return activity, nil
}

// ListUpcomingActivities returns non-terminal activities dated on or after from.
func (s *ActivityStore) ListUpcomingActivities(ctx context.Context, from string) ([]models.Activity, error) {
	query := `SELECT ` + activitySelectColumns + ` FROM activities
		WHERE date >= $1
		  AND status NOT IN ` + terminalStatuses + `
		ORDER BY date, start_time, id`
	return s.queryActivities(ctx, s.db, query, from)
}

// ListAssignments returns the assignment rows of the given activities.
func (s *ActivityStore) ListAssignments(ctx context.Context, activityIDs []string) ([]models.Assignment, error) {
	if len(activityIDs) == 0 {
		return []models.Assignment{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, activity_id, game_master_id, assigned_at, score FROM assignments
		WHERE activity_id = ANY($1)
		ORDER BY activity_id, assigned_at, id`, pq.Array(activityIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	assignments := make([]models.Assignment, 0)
	for rows.Next() {
		var (
			assignment models.Assignment
			score      sql.NullFloat64
		)
		if err := rows.Scan(&assignment.ID, &assignment.ActivityID, &assignment.GameMasterID, &assignment.AssignedAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if score.Valid {
			v := score.Float64
			assignment.Score = &v
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading assignments: %w", err)
	}
	return assignments, nil
}

// ClearStaleAssignedFlags drops is_assigned where no game master is set.
func (s *ActivityStore) ClearStaleAssignedFlags(ctx context.Context) ([]string, error) {
	return s.updateReturningIDs(ctx, `UPDATE activities SET
		is_assigned = false,
		status = CASE WHEN status IN `+terminalStatuses+` THEN status ELSE 'pending' END,
		updated_at = NOW()
	WHERE assigned_game_master_id IS NULL AND is_assigned = true
	RETURNING id`)
}

// RestoreAssignedFlags sets is_assigned where a game master is set. Confirmed
// and terminal statuses are kept.
func (s *ActivityStore) RestoreAssignedFlags(ctx context.Context) ([]string, error) {
	return s.updateReturningIDs(ctx, `UPDATE activities SET
		is_assigned = true,
		status = CASE WHEN status IN ('confirmed', 'cancelled', 'completed') THEN status ELSE 'assigned' END,
		updated_at = NOW()
	WHERE assigned_game_master_id IS NOT NULL AND is_assigned = false
	RETURNING id`)
}

func (s *ActivityStore) updateReturningIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to update activities: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan activity id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading activity ids: %w", err)
	}
	return ids, nil
}

// CreateAssignment records a game master on an activity and sets its
// assignment fields.
func (s *ActivityStore) CreateAssignment(ctx context.Context, assignment models.Assignment) (models.Assignment, error) {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var score sql.NullFloat64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO assignments (activity_id, game_master_id, score)
			VALUES ($1, $2, $3)
			RETURNING id, assigned_at, score`,
			assignment.ActivityID, assignment.GameMasterID, nullableFloat(assignment.Score),
		).Scan(&assignment.ID, &assignment.AssignedAt, &score)
		if err != nil {
			return fmt.Errorf("failed to create assignment: %w", err)
		}
		return s.execOne(ctx, tx, "assign activity", `UPDATE activities SET
			is_assigned = true,
			assigned_game_master_id = $1,
			assigned_at = $2,
			assignment_score = $3,
			status = 'assigned',
			updated_at = NOW()
		WHERE id = $4`, assignment.GameMasterID, assignment.AssignedAt, nullableFloat(assignment.Score), assignment.ActivityID)
	})
	if err != nil {
		return models.Assignment{}, err
	}
	return assignment, nil
}

func (s *ActivityStore) execOne(ctx context.Context, q Querier, action, query string, args ...interface{}) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
