package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/gmboard/gmboard/internal/app"
	"github.com/gmboard/gmboard/internal/cli"
	"github.com/gmboard/gmboard/internal/config"
)

var CLI struct {
	Version kong.VersionFlag

	Audit  cli.AuditCmd  `cmd:"" help:"Run the consistency audit and print the report."`
	Repair cli.RepairCmd `cmd:"" help:"Repair audit findings."`
	Replay cli.ReplayCmd `cmd:"" help:"Replay a stored calendar webhook body."`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("gmsync"),
		kong.Description("Calendar sync and consistency tooling for gmboard"),
		kong.UsageOnError(),
		kong.Vars{"version": versionString()},
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	services, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = kctx.Run(&cli.Context{Ctx: ctx, Services: services, Out: os.Stdout})
	stop()
	if closeErr := services.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionString() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
