package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gmboard/gmboard/internal/models"
)

// SyncLogStore appends and reads sync run records.
type SyncLogStore struct {
	db *sql.DB
}

func NewSyncLogStore(db *sql.DB) *SyncLogStore {
	return &SyncLogStore{db: db}
}

const syncLogSelectColumns = `id, calendar_source, sync_type, status, events_received, events_created,
	events_updated, events_deleted, event_errors, is_full_snapshot, force_reconcile, audit_only,
	processing_stats, error_message, started_at, finished_at`

const (
	defaultSyncLogLimit = 20
	maxSyncLogLimit     = 200
)

func scanSyncLog(scanner rowScanner) (models.SyncLog, error) {
	var (
		entry        models.SyncLog
		stats        []byte
		errorMessage sql.NullString
	)
	err := scanner.Scan(
		&entry.ID,
		&entry.CalendarSource,
		&entry.SyncType,
		&entry.Status,
		&entry.EventsReceived,
		&entry.EventsCreated,
		&entry.EventsUpdated,
		&entry.EventsDeleted,
		&entry.EventErrors,
		&entry.IsFullSnapshot,
		&entry.ForceReconcile,
		&entry.AuditOnly,
		&stats,
		&errorMessage,
		&entry.StartedAt,
		&entry.FinishedAt,
	)
	if err != nil {
		return models.SyncLog{}, err
	}
	if len(stats) > 0 {
		entry.ProcessingStats = json.RawMessage(stats)
	}
	entry.ErrorMessage = stringPtr(errorMessage)
	return entry, nil
}

// CreateSyncLog appends one run record.
func (s *SyncLogStore) CreateSyncLog(ctx context.Context, entry models.SyncLog) (models.SyncLog, error) {
	stats := entry.ProcessingStats
	if len(stats) == 0 {
		stats = json.RawMessage(`{}`)
	}

	query := `INSERT INTO sync_logs (
		calendar_source, sync_type, status, events_received, events_created, events_updated,
		events_deleted, event_errors, is_full_snapshot, force_reconcile, audit_only,
		processing_stats, error_message, started_at, finished_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING ` + syncLogSelectColumns

	created, err := scanSyncLog(s.db.QueryRowContext(ctx, query,
		entry.CalendarSource,
		entry.SyncType,
		entry.Status,
		entry.EventsReceived,
		entry.EventsCreated,
		entry.EventsUpdated,
		entry.EventsDeleted,
		entry.EventErrors,
		entry.IsFullSnapshot,
		entry.ForceReconcile,
		entry.AuditOnly,
		[]byte(stats),
		nullableString(entry.ErrorMessage),
		entry.StartedAt.UTC(),
		entry.FinishedAt.UTC(),
	))
	if err != nil {
		return models.SyncLog{}, fmt.Errorf("failed to create sync log: %w", err)
	}
	return created, nil
}

// ListSyncLogs returns the most recent runs first.
func (s *SyncLogStore) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = defaultSyncLogLimit
	}
	if limit > maxSyncLogLimit {
		limit = maxSyncLogLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+syncLogSelectColumns+` FROM sync_logs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	entries := make([]models.SyncLog, 0)
	for rows.Next() {
		entry, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading sync logs: %w", err)
	}
	return entries, nil
}
