// Package app wires configuration, persistence and the sync services
// shared by the server and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gmboard/gmboard/internal/audit"
	"github.com/gmboard/gmboard/internal/automigrate"
	"github.com/gmboard/gmboard/internal/calsync"
	"github.com/gmboard/gmboard/internal/config"
	"github.com/gmboard/gmboard/internal/dispatch"
	"github.com/gmboard/gmboard/internal/gamematch"
	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/store"
)

// Backend is the persistence the services need. store.Postgres and
// store.MemoryStore both satisfy it.
type Backend interface {
	calsync.Repository
	calsync.SyncLogWriter
	audit.Repository
	audit.RepairRepository
	ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error)
}

var (
	_ Backend = (*store.Postgres)(nil)
	_ Backend = (*store.MemoryStore)(nil)
)

// Services holds the wired collaborators.
type Services struct {
	Config   config.Config
	Backend  Backend
	Mappings *gamematch.Cache
	Engine   *calsync.Engine
	Auditor  *audit.Auditor
	Repairer *audit.Repairer
	Webhooks *dispatch.WebhookDispatcher
	Triggers *dispatch.TriggerDispatcher

	db       *sql.DB
	producer *dispatch.KafkaProducer
}

// New opens persistence and builds the services. Without DATABASE_URL the
// in-memory store is used, which is only allowed in development.
func New(cfg config.Config) (*Services, error) {
	s := &Services{Config: cfg}

	backend, err := s.openBackend()
	if err != nil {
		return nil, err
	}
	s.Backend = backend

	s.Mappings = gamematch.NewCache(backend, cfg.GameMappingCacheTTL)
	s.Engine = calsync.NewEngine(backend, backend, &calsync.Transformer{
		Matcher:       s.Mappings,
		Threshold:     cfg.GameOverrideThreshold,
		DefaultSource: cfg.DefaultCalendarSource,
	})

	s.Webhooks = dispatch.NewWebhookDispatcher(dispatch.WebhookDispatcherOptions{
		Secret:     cfg.Triggers.Secret,
		MaxRetries: cfg.Triggers.MaxRetries,
	})

	triggerOpts := dispatch.TriggerDispatcherOptions{
		Transport:   cfg.Triggers.Transport,
		Webhooks:    s.Webhooks,
		URLs:        cfg.TriggerURLs(),
		TopicPrefix: cfg.Triggers.KafkaTopicPrefix,
	}
	if cfg.Triggers.Transport == dispatch.TransportKafka {
		s.producer = dispatch.NewKafkaProducer(cfg.Triggers.KafkaBrokers)
		triggerOpts.Producer = s.producer
	}
	s.Triggers, err = dispatch.NewTriggerDispatcher(triggerOpts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to configure triggers: %w", err)
	}
	s.Engine.Triggers = s.Triggers

	location, err := time.LoadLocation(cfg.Audit.Timezone)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("invalid AUDIT_TIMEZONE: %w", err)
	}
	s.Auditor = audit.NewAuditor(backend)
	s.Auditor.Location = location

	var notifier audit.Notifier
	if cfg.Notification.URL != "" {
		notifications := dispatch.NewWebhookDispatcher(dispatch.WebhookDispatcherOptions{
			Secret:     cfg.Notification.Secret,
			MaxRetries: cfg.Triggers.MaxRetries,
		})
		notifier = dispatch.NewHTTPNotifier(notifications, cfg.Notification.URL)
	}
	s.Repairer = audit.NewRepairer(backend, notifier)

	return s, nil
}

func (s *Services) openBackend() (Backend, error) {
	if s.Config.DatabaseURL == "" {
		if !s.Config.IsDevelopment() {
			return nil, errors.New("DATABASE_URL is required outside development")
		}
		log.Printf("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	db, err := store.Open(s.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.Config.AutoMigrate {
		if err := automigrate.Run(db, s.Config.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	s.db = db
	return store.NewPostgres(db), nil
}

// Close waits for in-flight trigger deliveries and releases connections.
func (s *Services) Close() error {
	var errs []error
	if s.Triggers != nil {
		s.Triggers.Wait()
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka producer: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
