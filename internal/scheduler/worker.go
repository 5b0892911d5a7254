package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/gmboard/gmboard/internal/audit"
)

const defaultAuditRunTimeout = 2 * time.Minute

// Auditing runs one consistency audit.
type Auditing interface {
	Run(ctx context.Context) (*audit.Report, error)
}

// FlagRepairing resynchronizes assignment flags.
type FlagRepairing interface {
	ResyncFlags(ctx context.Context) ([]audit.RepairResult, error)
}

type AuditWorkerConfig struct {
	Schedule   ScheduleSpec
	RunTimeout time.Duration
	// AutoRepairFlags runs the flag passes when an audit finds flag drift.
	AutoRepairFlags bool
}

// AuditWorker runs the auditor on a schedule.
type AuditWorker struct {
	Auditor  Auditing
	Repairer FlagRepairing
	Config   AuditWorkerConfig
	Now      func() time.Time
	Logf     func(string, ...any)

	lastRunAt *time.Time
}

func NewAuditWorker(auditor Auditing, repairer FlagRepairing, cfg AuditWorkerConfig) *AuditWorker {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultAuditRunTimeout
	}
	return &AuditWorker{
		Auditor:  auditor,
		Repairer: repairer,
		Config:   cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Start blocks, running audits at every scheduled time until ctx ends.
func (w *AuditWorker) Start(ctx context.Context) {
	for {
		now := w.now()
		next, err := ComputeNextRun(w.Config.Schedule, now, w.lastRunAt)
		if err != nil {
			w.logf("audit worker stopped: %v", err)
			return
		}
		if err := sleepWithContext(ctx, next.Sub(now)); err != nil {
			return
		}
		if _, err := w.RunOnce(ctx); err != nil {
			w.logf("audit worker run failed: %v", err)
		}
	}
}

// RunOnce audits immediately and, when configured, repairs flag drift.
func (w *AuditWorker) RunOnce(ctx context.Context) (*audit.Report, error) {
	if w == nil || w.Auditor == nil {
		return nil, fmt.Errorf("audit worker is not configured")
	}

	now := w.now()
	w.lastRunAt = &now

	runCtx, cancel := context.WithTimeout(ctx, w.Config.RunTimeout)
	defer cancel()

	report, err := w.Auditor.Run(runCtx)
	if err != nil {
		return nil, err
	}
	w.logf("audit worker: %d activities, %d findings", report.TotalActivities, report.Findings())

	drift := len(report.Flags.FlaggedWithoutGameMaster) + len(report.Flags.GameMasterWithoutFlag)
	if !w.Config.AutoRepairFlags || drift == 0 || w.Repairer == nil {
		return report, nil
	}
	if _, err := w.Repairer.ResyncFlags(runCtx); err != nil {
		return report, fmt.Errorf("resync flags: %w", err)
	}
	w.logf("audit worker: repaired %d flag inconsistencies", drift)
	return report, nil
}

func (w *AuditWorker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *AuditWorker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
