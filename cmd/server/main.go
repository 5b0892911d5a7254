package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gmboard/gmboard/internal/api"
	"github.com/gmboard/gmboard/internal/app"
	"github.com/gmboard/gmboard/internal/config"
	"github.com/gmboard/gmboard/internal/scheduler"
	"github.com/gmboard/gmboard/internal/webhook"
	"github.com/gmboard/gmboard/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	services, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := ws.NewHub()
	go hub.Run()
	services.Engine.Publisher = hub
	services.Auditor.Publisher = hub

	if cfg.Audit.WorkerEnabled {
		spec, err := scheduler.NormalizeScheduleSpec(cfg.Audit.Schedule, cfg.Audit.Timezone)
		if err != nil {
			log.Fatalf("Invalid AUDIT_SCHEDULE: %v", err)
		}
		worker := scheduler.NewAuditWorker(services.Auditor, services.Repairer, scheduler.AuditWorkerConfig{
			Schedule:        spec,
			AutoRepairFlags: cfg.Audit.AutoRepairFlags,
		})
		go worker.Start(ctx)
		log.Printf("Audit worker scheduled (%s %s)", cfg.Audit.Schedule, cfg.Audit.Timezone)
	}

	var verifier *webhook.Verifier
	if cfg.CalendarWebhookSecret != "" {
		verifier = webhook.NewVerifier(cfg.CalendarWebhookSecret)
	}

	router := api.NewRouter(api.RouterDeps{
		Sync:           services.Engine,
		Verifier:       verifier,
		Auditor:        services.Auditor,
		Repairer:       services.Repairer,
		Mappings:       services.Mappings,
		SyncLogs:       services.Backend,
		Deliveries:     services.Webhooks,
		Hub:            hub,
		AllowedOrigins: cfg.WSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("gmboard starting on port %s (%s)", cfg.Port, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	hub.Stop()
	if err := services.Close(); err != nil {
		log.Printf("Shutdown cleanup failed: %v", err)
	}
}
