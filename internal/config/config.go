package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func init() {
	// Auto-load .env file if present (don't override existing env vars)
	loadDotEnv(".env")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.TrimSpace(val)
		// Remove surrounding quotes
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			val = val[1 : len(val)-1]
		}
		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

const (
	defaultPort            = "4200"
	defaultEnvironment     = "development"
	defaultMigrationsDir   = "migrations"
	defaultCalendarSource  = "unknown"
	defaultMappingCacheTTL = 5 * time.Minute
	defaultGameThreshold   = 80

	defaultAuditSchedule = "0 */6 * * *"
	defaultAuditTimezone = "UTC"

	defaultTriggerTransport  = "none"
	defaultTriggerMaxRetries = 3
	defaultKafkaTopicPrefix  = "gmboard.triggers."
)

type AuditConfig struct {
	WorkerEnabled   bool
	Schedule        string
	Timezone        string
	AutoRepairFlags bool
}

type TriggerConfig struct {
	Transport          string
	AutoAssignURL      string
	DuplicateURL       string
	ChangeNotification string
	Secret             string
	MaxRetries         int
	KafkaBrokers       []string
	KafkaTopicPrefix   string
}

type NotificationConfig struct {
	URL    string
	Secret string
}

type Config struct {
	Port                  string
	DatabaseURL           string
	Environment           string
	MigrationsDir         string
	AutoMigrate           bool
	DefaultCalendarSource string
	CalendarWebhookSecret string
	GameMappingCacheTTL   time.Duration
	GameOverrideThreshold float64
	WSAllowedOrigins      []string
	Audit                 AuditConfig
	Triggers              TriggerConfig
	Notification          NotificationConfig
}

func Load() (Config, error) {
	cfg := Config{
		Port:                  firstNonEmpty(strings.TrimSpace(os.Getenv("PORT")), defaultPort),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Environment:           resolveEnvironment(),
		MigrationsDir:         firstNonEmpty(strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")), defaultMigrationsDir),
		DefaultCalendarSource: firstNonEmpty(strings.TrimSpace(os.Getenv("DEFAULT_CALENDAR_SOURCE")), defaultCalendarSource),
		CalendarWebhookSecret: strings.TrimSpace(os.Getenv("CALENDAR_WEBHOOK_SECRET")),
		WSAllowedOrigins:      parseList("WS_ALLOWED_ORIGINS"),
		Audit: AuditConfig{
			Schedule: firstNonEmpty(strings.TrimSpace(os.Getenv("AUDIT_SCHEDULE")), defaultAuditSchedule),
			Timezone: firstNonEmpty(strings.TrimSpace(os.Getenv("AUDIT_TIMEZONE")), defaultAuditTimezone),
		},
		Triggers: TriggerConfig{
			Transport: strings.ToLower(firstNonEmpty(
				strings.TrimSpace(os.Getenv("TRIGGER_TRANSPORT")),
				defaultTriggerTransport,
			)),
			AutoAssignURL:      strings.TrimSpace(os.Getenv("TRIGGER_AUTO_ASSIGN_URL")),
			DuplicateURL:       strings.TrimSpace(os.Getenv("TRIGGER_DUPLICATE_CLEANUP_URL")),
			ChangeNotification: strings.TrimSpace(os.Getenv("TRIGGER_CHANGE_NOTIFICATION_URL")),
			Secret:             strings.TrimSpace(os.Getenv("TRIGGER_SECRET")),
			KafkaBrokers:       parseList("KAFKA_BROKERS"),
			KafkaTopicPrefix: firstNonEmpty(
				strings.TrimSpace(os.Getenv("KAFKA_TOPIC_PREFIX")),
				defaultKafkaTopicPrefix,
			),
		},
		Notification: NotificationConfig{
			URL:    strings.TrimSpace(os.Getenv("NOTIFICATION_URL")),
			Secret: strings.TrimSpace(os.Getenv("NOTIFICATION_SECRET")),
		},
	}

	autoMigrate, err := parseBool("AUTO_MIGRATE", true)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoMigrate = autoMigrate

	cacheTTL, err := parseDuration("GAME_MAPPING_CACHE_TTL", defaultMappingCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.GameMappingCacheTTL = cacheTTL

	threshold, err := parseFloat("GAME_OVERRIDE_THRESHOLD", defaultGameThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.GameOverrideThreshold = threshold

	auditEnabled, err := parseBool("AUDIT_WORKER_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	cfg.Audit.WorkerEnabled = auditEnabled

	autoRepair, err := parseBool("AUDIT_AUTO_REPAIR_FLAGS", false)
	if err != nil {
		return Config{}, err
	}
	cfg.Audit.AutoRepairFlags = autoRepair

	maxRetries, err := parseInt("TRIGGER_MAX_RETRIES", defaultTriggerMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.Triggers.MaxRetries = maxRetries

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if isNonDevelopment(c.Environment) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in non-development environments")
	}
	if c.GameOverrideThreshold < 0 || c.GameOverrideThreshold > 100 {
		return fmt.Errorf("GAME_OVERRIDE_THRESHOLD must be between 0 and 100")
	}
	if c.Triggers.MaxRetries < 0 {
		return fmt.Errorf("TRIGGER_MAX_RETRIES must not be negative")
	}

	switch c.Triggers.Transport {
	case "none":
	case "http":
		if c.Triggers.AutoAssignURL == "" && c.Triggers.DuplicateURL == "" && c.Triggers.ChangeNotification == "" {
			return fmt.Errorf("TRIGGER_TRANSPORT=http requires at least one TRIGGER_*_URL")
		}
	case "kafka":
		if len(c.Triggers.KafkaBrokers) == 0 {
			return fmt.Errorf("TRIGGER_TRANSPORT=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("TRIGGER_TRANSPORT must be one of http, kafka, none")
	}

	return nil
}

// IsDevelopment reports whether the in-memory store may stand in for Postgres.
func (c Config) IsDevelopment() bool {
	return !isNonDevelopment(c.Environment)
}

// TriggerURLs maps trigger kinds to their configured webhook URLs.
func (c Config) TriggerURLs() map[string]string {
	return map[string]string{
		"auto_assignment":     c.Triggers.AutoAssignURL,
		"duplicate_cleanup":   c.Triggers.DuplicateURL,
		"change_notification": c.Triggers.ChangeNotification,
	}
}

func resolveEnvironment() string {
	return strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("APP_ENV")),
		strings.TrimSpace(os.Getenv("ENVIRONMENT")),
		strings.TrimSpace(os.Getenv("GO_ENV")),
		defaultEnvironment,
	))
}

func isNonDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local", "test":
		return false
	default:
		return true
	}
}

func parseBool(name string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s must be a boolean value", name)
	}
}

func parseDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", name, err)
	}

	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}

	return parsed, nil
}

func parseInt(name string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", name, err)
	}
	return parsed, nil
}

func parseFloat(name string, defaultValue float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid float: %w", name, err)
	}

	return parsed, nil
}

func parseList(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
