package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/store"
	"github.com/stretchr/testify/require"
)

type countingAuditor struct {
	runs   int32
	report *audit.Report
	err    error
}

func (a *countingAuditor) Run(context.Context) (*audit.Report, error) {
	atomic.AddInt32(&a.runs, 1)
	return a.report, a.err
}

func newMemoryAuditWorker(t *testing.T, autoRepair bool) (*AuditWorker, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	auditor := audit.NewAuditor(mem)
	auditor.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	auditor.Logf = func(string, ...any) {}
	repairer := audit.NewRepairer(mem, nil)
	repairer.Logf = func(string, ...any) {}

	spec, err := NormalizeScheduleSpec("0 */6 * * *", "UTC")
	require.NoError(t, err)
	worker := NewAuditWorker(auditor, repairer, AuditWorkerConfig{Schedule: spec, AutoRepairFlags: autoRepair})
	worker.Logf = func(string, ...any) {}
	return worker, mem
}

func TestAuditWorkerRunOnceRepairsFlagDrift(t *testing.T) {
	worker, mem := newMemoryAuditWorker(t, true)
	gm := "gm-1"
	mem.PutActivity(models.Activity{Title: "stale flag", Date: "2026-03-02", StartTime: "10:00", EndTime: "11:00",
		Status: models.ActivityStatusAssigned, IsAssigned: true})
	mem.PutActivity(models.Activity{Title: "missing flag", Date: "2026-03-02", StartTime: "12:00", EndTime: "13:00",
		Status: models.ActivityStatusPending, AssignedGameMasterID: &gm})

	report, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Flags.FlaggedWithoutGameMaster, 1)
	require.Len(t, report.Flags.GameMasterWithoutFlag, 1)

	for _, activity := range mem.Activities() {
		require.Equal(t, activity.AssignedGameMasterID != nil, activity.IsAssigned, activity.Title)
	}
}

func TestAuditWorkerRunOnceLeavesDriftWithoutAutoRepair(t *testing.T) {
	worker, mem := newMemoryAuditWorker(t, false)
	mem.PutActivity(models.Activity{Title: "stale flag", Date: "2026-03-02", StartTime: "10:00", EndTime: "11:00",
		Status: models.ActivityStatusAssigned, IsAssigned: true})

	_, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, mem.Activities()[0].IsAssigned)
}

func TestAuditWorkerRunOnceErrors(t *testing.T) {
	var unconfigured *AuditWorker
	_, err := unconfigured.RunOnce(context.Background())
	require.Error(t, err)

	worker := NewAuditWorker(&countingAuditor{err: errors.New("db down")}, nil, AuditWorkerConfig{})
	_, err = worker.RunOnce(context.Background())
	require.Error(t, err)
}

func TestAuditWorkerStartRunsOnScheduleUntilCancelled(t *testing.T) {
	spec, err := NormalizeScheduleSpec("20ms", "UTC")
	require.NoError(t, err)

	auditor := &countingAuditor{report: &audit.Report{}}
	worker := NewAuditWorker(auditor, nil, AuditWorkerConfig{Schedule: spec})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&auditor.runs) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}

func TestSleepWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepWithContext(context.Background(), time.Millisecond))
	require.NoError(t, sleepWithContext(context.Background(), 0))
}
