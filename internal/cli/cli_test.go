package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gmboard/gmboard/internal/app"
	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/calsync"
	"github.com/gmboard/gmboard/internal/config"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/store"
	"github.com/stretchr/testify/require"
)

func ptr(value string) *string { return &value }

func setupTestContext(t *testing.T) (*Context, *store.MemoryStore, *bytes.Buffer) {
	t.Helper()
	services, err := app.New(config.Config{
		Environment:           "test",
		DefaultCalendarSource: "unknown",
		GameOverrideThreshold: 80,
		Audit:                 config.AuditConfig{Timezone: "UTC"},
		Triggers:              config.TriggerConfig{Transport: "none"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	services.Auditor.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	services.Auditor.Logf = func(string, ...any) {}
	services.Repairer.Logf = func(string, ...any) {}
	services.Engine.Logf = func(string, ...any) {}

	mem, ok := services.Backend.(*store.MemoryStore)
	require.True(t, ok)

	out := &bytes.Buffer{}
	return &Context{Ctx: context.Background(), Services: services, Out: out}, mem, out
}

func TestReplayCmd(t *testing.T) {
	ctx, mem, out := setupTestContext(t)
	path := filepath.Join(t.TempDir(), "delivery.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"events": [
		{"event_id": "evt-1", "title": "Manoir", "start_datetime": "2026-03-10T10:00:00Z", "end_datetime": "2026-03-10T11:00:00Z"}
	]}`), 0o644))

	cmd := &ReplayCmd{File: path, Source: "main"}
	require.NoError(t, cmd.Run(ctx))

	var result calsync.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, "main", result.CalendarSource)
	require.Len(t, mem.Activities(), 1)
}

func TestReplayCmdMissingFile(t *testing.T) {
	ctx, _, _ := setupTestContext(t)

	cmd := &ReplayCmd{File: filepath.Join(t.TempDir(), "missing.json")}
	require.Error(t, cmd.Run(ctx))
}

func TestReplayCmdMalformedBody(t *testing.T) {
	ctx, _, _ := setupTestContext(t)
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	cmd := &ReplayCmd{File: path}
	require.ErrorContains(t, cmd.Run(ctx), "malformed payload")
}

func TestAuditCmdSummary(t *testing.T) {
	ctx, mem, out := setupTestContext(t)
	mem.PutActivity(models.Activity{Title: "flag only", Date: "2026-03-03", StartTime: "12:00", EndTime: "13:00",
		Status: models.ActivityStatusAssigned, IsAssigned: true})

	cmd := &AuditCmd{Summary: true}
	require.NoError(t, cmd.Run(ctx))

	var summary map[string]int
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	require.Equal(t, 1, summary["total_activities"])
	require.Equal(t, 1, summary["flag_drift"])
	require.Equal(t, 1, summary["findings"])
}

func TestRepairFlagsCmd(t *testing.T) {
	ctx, mem, out := setupTestContext(t)
	activity := mem.PutActivity(models.Activity{Title: "gm only", Date: "2026-03-04", StartTime: "12:00", EndTime: "13:00",
		Status: models.ActivityStatusPending, AssignedGameMasterID: ptr("gm-1")})

	cmd := &RepairFlagsCmd{}
	require.NoError(t, cmd.Run(ctx))

	var results []audit.RepairResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, []string{activity.ID}, results[1].Affected)

	repaired, err := mem.GetActivity(context.Background(), activity.ID)
	require.NoError(t, err)
	require.True(t, repaired.IsAssigned)
	require.Equal(t, models.ActivityStatusAssigned, repaired.Status)
}

func TestRepairCompetenciesDryRunLeavesAssignments(t *testing.T) {
	ctx, mem, out := setupTestContext(t)
	mem.PutGameMaster(models.GameMaster{ID: "gm-1", Name: "Alice"})
	mem.PutGameMapping(models.GameMapping{GameID: "prison", GameName: "La Prison", Pattern: "Prison", IsActive: true})
	mem.PutAvailability(models.Availability{GameMasterID: "gm-1", Date: "2026-03-02", Slots: []string{models.SlotAllDay}})
	activity := mem.PutActivity(models.Activity{Title: "Prison", Date: "2026-03-02", StartTime: "10:00", EndTime: "11:00",
		Status: models.ActivityStatusAssigned, IsAssigned: true, AssignedGameMasterID: ptr("gm-1")})
	mem.PutAssignment(models.Assignment{ActivityID: activity.ID, GameMasterID: "gm-1"})

	cmd := &RepairCompetenciesCmd{DryRun: true}
	require.NoError(t, cmd.Run(ctx))

	var findings []audit.MissingCompetency
	require.NoError(t, json.Unmarshal(out.Bytes(), &findings))
	require.Len(t, findings, 1)
	require.Equal(t, activity.ID, findings[0].Activity.ID)

	unchanged, err := mem.GetActivity(context.Background(), activity.ID)
	require.NoError(t, err)
	require.True(t, unchanged.IsAssigned)
}
