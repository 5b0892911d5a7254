package store

import (
	"context"
	"testing"
	"time"

	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/calsync"
	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/stretchr/testify/require"
)

var (
	_ calsync.Repository     = (*MemoryStore)(nil)
	_ calsync.SyncLogWriter  = (*MemoryStore)(nil)
	_ audit.Repository       = (*MemoryStore)(nil)
	_ audit.RepairRepository = (*MemoryStore)(nil)
	_ gamematch.Loader       = (*MemoryStore)(nil)

	_ calsync.Repository     = (*Postgres)(nil)
	_ calsync.SyncLogWriter  = (*Postgres)(nil)
	_ audit.Repository       = (*Postgres)(nil)
	_ audit.RepairRepository = (*Postgres)(nil)
	_ gamematch.Loader       = (*Postgres)(nil)
)

func strPtr(value string) *string { return &value }

func TestMemoryStoreFlagRepairsAreSymmetric(t *testing.T) {
	mem := NewMemoryStore()
	stale := mem.PutActivity(models.Activity{Title: "stale", Status: models.ActivityStatusAssigned, IsAssigned: true})
	unflagged := mem.PutActivity(models.Activity{Title: "unflagged", Status: models.ActivityStatusPending, AssignedGameMasterID: strPtr("gm-1")})
	confirmed := mem.PutActivity(models.Activity{Title: "confirmed", Status: models.ActivityStatusConfirmed, AssignedGameMasterID: strPtr("gm-1")})
	cancelled := mem.PutActivity(models.Activity{Title: "cancelled", Status: models.ActivityStatusCancelled, IsAssigned: true})

	ctx := context.Background()
	cleared, err := mem.ClearStaleAssignedFlags(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{stale.ID, cancelled.ID}, cleared)

	restored, err := mem.RestoreAssignedFlags(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{unflagged.ID, confirmed.ID}, restored)

	for _, activity := range mem.Activities() {
		require.Equal(t, activity.HasAssignee(), activity.IsAssigned, activity.Title)
	}

	got, err := mem.GetActivity(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActivityStatusPending, got.Status)
	got, err = mem.GetActivity(ctx, unflagged.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActivityStatusAssigned, got.Status)
	got, err = mem.GetActivity(ctx, confirmed.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActivityStatusConfirmed, got.Status)
	got, err = mem.GetActivity(ctx, cancelled.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActivityStatusCancelled, got.Status)
}

func TestMemoryStoreCreateAssignmentSetsActivityFields(t *testing.T) {
	mem := NewMemoryStore()
	activity := mem.PutActivity(models.Activity{Title: "Manoir", Status: models.ActivityStatusPending})

	ctx := context.Background()
	_, err := mem.CreateAssignment(ctx, models.Assignment{ActivityID: activity.ID, GameMasterID: "gm-1"})
	require.NoError(t, err)

	got, err := mem.GetActivity(ctx, activity.ID)
	require.NoError(t, err)
	require.True(t, got.IsAssigned)
	require.Equal(t, "gm-1", *got.AssignedGameMasterID)
	require.Equal(t, models.ActivityStatusAssigned, got.Status)

	_, err = mem.CreateAssignment(ctx, models.Assignment{ActivityID: "missing", GameMasterID: "gm-1"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeleteCascadesAssignments(t *testing.T) {
	mem := NewMemoryStore()
	activity := mem.PutActivity(models.Activity{Title: "Manoir"})
	mem.PutAssignment(models.Assignment{ActivityID: activity.ID, GameMasterID: "gm-1"})
	mem.PutAssignment(models.Assignment{ActivityID: "other", GameMasterID: "gm-2"})

	require.NoError(t, mem.DeleteActivity(context.Background(), activity.ID))
	require.Empty(t, mem.Activities())
	require.Len(t, mem.Assignments(), 1)
	require.ErrorIs(t, mem.DeleteActivity(context.Background(), activity.ID), ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	mem := NewMemoryStore()
	activity := mem.PutActivity(models.Activity{Title: "Manoir", ExternalID: strPtr("abc")})

	got, err := mem.GetActivity(context.Background(), activity.ID)
	require.NoError(t, err)
	*got.ExternalID = "mutated"

	again, err := mem.GetActivity(context.Background(), activity.ID)
	require.NoError(t, err)
	require.Equal(t, "abc", *again.ExternalID)
}

func TestMemoryStoreUpcomingExcludesTerminalAndPast(t *testing.T) {
	mem := NewMemoryStore()
	mem.PutActivity(models.Activity{Title: "past", Date: "2026-02-28", Status: models.ActivityStatusPending})
	mem.PutActivity(models.Activity{Title: "done", Date: "2026-03-02", Status: models.ActivityStatusCompleted})
	mem.PutActivity(models.Activity{Title: "next", Date: "2026-03-02", Status: models.ActivityStatusAssigned})

	upcoming, err := mem.ListUpcomingActivities(context.Background(), "2026-03-01")
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	require.Equal(t, "next", upcoming[0].Title)
}

func TestMemoryStoreSyncLogsNewestFirst(t *testing.T) {
	mem := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := mem.CreateSyncLog(context.Background(), models.SyncLog{
			CalendarSource: "main",
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	logs, err := mem.ListSyncLogs(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.True(t, logs[0].StartedAt.After(logs[1].StartedAt))
	require.NotEmpty(t, logs[0].ID)
}
