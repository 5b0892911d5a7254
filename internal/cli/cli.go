// Package cli implements the gmsync operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gmboard/gmboard/internal/app"
	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/webhook"
)

type Context struct {
	Ctx      context.Context
	Services *app.Services
	Out      io.Writer
}

func (c *Context) runContext() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func (c *Context) printJSON(value any) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

type AuditCmd struct {
	Summary bool `help:"Print finding counts only."`
}

func (c *AuditCmd) Run(ctx *Context) error {
	report, err := ctx.Services.Auditor.Run(ctx.runContext())
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	if !c.Summary {
		return ctx.printJSON(report)
	}
	return ctx.printJSON(map[string]int{
		"total_activities":       report.TotalActivities,
		"findings":               report.Findings(),
		"duplicate_assignments":  len(report.DuplicateAssignments),
		"schedule_conflicts":     len(report.ScheduleConflicts),
		"missing_competencies":   len(report.MissingCompetencies),
		"availability_conflicts": len(report.AvailabilityConflicts),
		"flag_drift":             len(report.Flags.FlaggedWithoutGameMaster) + len(report.Flags.GameMasterWithoutFlag),
	})
}

type RepairFlagsCmd struct{}

func (c *RepairFlagsCmd) Run(ctx *Context) error {
	results, err := ctx.Services.Repairer.ResyncFlags(ctx.runContext())
	if printErr := ctx.printJSON(results); printErr != nil {
		return printErr
	}
	return err
}

type RepairCompetenciesCmd struct {
	DryRun bool `help:"List the assignments that would be withdrawn without changing them."`
}

func (c *RepairCompetenciesCmd) Run(ctx *Context) error {
	report, err := ctx.Services.Auditor.Run(ctx.runContext())
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	if c.DryRun {
		findings := report.MissingCompetencies
		if findings == nil {
			findings = []audit.MissingCompetency{}
		}
		return ctx.printJSON(findings)
	}

	result, err := ctx.Services.Repairer.ResolveMissingCompetencies(ctx.runContext(), report.MissingCompetencies)
	if printErr := ctx.printJSON(result); printErr != nil {
		return printErr
	}
	return err
}

type RepairCmd struct {
	Flags        RepairFlagsCmd        `cmd:"" help:"Resynchronize is_assigned with assigned game masters."`
	Competencies RepairCompetenciesCmd `cmd:"" help:"Withdraw assignments whose game master lacks the competency."`
}

// ReplayCmd feeds a stored webhook body through the sync engine.
type ReplayCmd struct {
	File     string `arg:"" help:"Webhook body to replay ('-' reads stdin)."`
	Source   string `help:"Calendar source header to send with the body."`
	Snapshot bool   `help:"Treat the body as a full snapshot."`
}

func (c *ReplayCmd) Run(ctx *Context) error {
	body, err := c.read()
	if err != nil {
		return err
	}

	headers := http.Header{}
	if source := strings.TrimSpace(c.Source); source != "" {
		headers.Set(webhook.HeaderCalendarSource, source)
	}
	if c.Snapshot {
		headers.Set(webhook.HeaderMakeSnapshot, "true")
	}

	result, err := ctx.Services.Engine.HandleDelivery(ctx.runContext(), body, headers)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	return ctx.printJSON(result)
}

func (c *ReplayCmd) read() ([]byte, error) {
	if c.File == "-" {
		return io.ReadAll(os.Stdin)
	}
	body, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.File, err)
	}
	return body, nil
}
