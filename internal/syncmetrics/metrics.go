package syncmetrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SourceMetrics struct {
	RunsTotal              int64     `json:"runs_total"`
	FailuresTotal          int64     `json:"failures_total"`
	EventsReceived         int64     `json:"events_received"`
	EventsCreated          int64     `json:"events_created"`
	EventsUpdated          int64     `json:"events_updated"`
	EventsDeleted          int64     `json:"events_deleted"`
	EventErrors            int64     `json:"event_errors"`
	DuplicatesMerged       int64     `json:"duplicates_merged"`
	AssignmentsInvalidated int64     `json:"assignments_invalidated"`
	TotalLatencyMillis     int64     `json:"total_latency_millis"`
	LastRunAt              time.Time `json:"last_run_at"`
}

type TriggerMetrics struct {
	DeliveredTotal int64 `json:"delivered_total"`
	FailedTotal    int64 `json:"failed_total"`
	RetryTotal     int64 `json:"retry_total"`
}

type AuditMetrics struct {
	RunsTotal     int64     `json:"runs_total"`
	LastFindings  int       `json:"last_findings"`
	RepairsTotal  int64     `json:"repairs_total"`
	LastRunAt     time.Time `json:"last_run_at"`
	LastRepairAt  time.Time `json:"last_repair_at,omitempty"`
	LastRepairErr string    `json:"last_repair_error,omitempty"`
}

type Snapshot struct {
	Sources     map[string]SourceMetrics  `json:"sources"`
	Triggers    map[string]TriggerMetrics `json:"triggers"`
	Audit       AuditMetrics              `json:"audit"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

// RunOutcome carries the counters of one finished sync run.
type RunOutcome struct {
	Received               int
	Created                int
	Updated                int
	Deleted                int
	Errors                 int
	DuplicatesMerged       int
	AssignmentsInvalidated int
	Failed                 bool
	Latency                time.Duration
}

var (
	syncRunsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gmboard",
		Subsystem: "calendar_sync",
		Name:      "runs_total",
		Help:      "Calendar sync runs by source and status.",
	}, []string{"source", "status"})
	syncEventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gmboard",
		Subsystem: "calendar_sync",
		Name:      "events_total",
		Help:      "Calendar events processed by source and outcome.",
	}, []string{"source", "outcome"})
	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gmboard",
		Subsystem: "calendar_sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of calendar sync runs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	triggerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gmboard",
		Subsystem: "triggers",
		Name:      "deliveries_total",
		Help:      "Outbound trigger deliveries by kind and result.",
	}, []string{"kind", "result"})
	auditFindingsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gmboard",
		Subsystem: "audit",
		Name:      "findings",
		Help:      "Number of inconsistencies found by the most recent audit.",
	})
)

func init() {
	prometheus.MustRegister(syncRunsCounter, syncEventsCounter, syncDuration, triggerCounter, auditFindingsGauge)
}

type registry struct {
	mu       sync.RWMutex
	sources  map[string]*SourceMetrics
	triggers map[string]*TriggerMetrics
	audit    AuditMetrics
}

var globalRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{
		sources:  make(map[string]*SourceMetrics),
		triggers: make(map[string]*TriggerMetrics),
	}
}

func ResetForTests() {
	globalRegistry = newRegistry()
}

// RecordSyncRun folds one run into the per-source totals.
func RecordSyncRun(source string, outcome RunOutcome) {
	key := normalizeKey(source)
	if key == "" {
		key = "unknown"
	}

	status := "success"
	if outcome.Failed {
		status = "error"
	}
	syncRunsCounter.WithLabelValues(key, status).Inc()
	syncDuration.WithLabelValues(key).Observe(outcome.Latency.Seconds())
	for label, value := range map[string]int{
		"created": outcome.Created,
		"updated": outcome.Updated,
		"deleted": outcome.Deleted,
		"error":   outcome.Errors,
	} {
		if value > 0 {
			syncEventsCounter.WithLabelValues(key, label).Add(float64(value))
		}
	}

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	metrics, ok := globalRegistry.sources[key]
	if !ok {
		metrics = &SourceMetrics{}
		globalRegistry.sources[key] = metrics
	}
	metrics.RunsTotal++
	if outcome.Failed {
		metrics.FailuresTotal++
	}
	metrics.EventsReceived += int64(outcome.Received)
	metrics.EventsCreated += int64(outcome.Created)
	metrics.EventsUpdated += int64(outcome.Updated)
	metrics.EventsDeleted += int64(outcome.Deleted)
	metrics.EventErrors += int64(outcome.Errors)
	metrics.DuplicatesMerged += int64(outcome.DuplicatesMerged)
	metrics.AssignmentsInvalidated += int64(outcome.AssignmentsInvalidated)
	if outcome.Latency > 0 {
		metrics.TotalLatencyMillis += outcome.Latency.Milliseconds()
	}
	metrics.LastRunAt = time.Now().UTC()
}

func RecordTriggerDelivery(kind string, delivered bool, retries int) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	key := normalizeKey(kind)
	if key == "" {
		key = "unknown"
	}
	trigger := globalRegistry.triggerMetrics(key)
	triggerCounter.WithLabelValues(key, result).Inc()

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if delivered {
		trigger.DeliveredTotal++
	} else {
		trigger.FailedTotal++
	}
	if retries > 0 {
		trigger.RetryTotal += int64(retries)
	}
}

func RecordAuditRun(findings int) {
	auditFindingsGauge.Set(float64(findings))

	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.audit.RunsTotal++
	globalRegistry.audit.LastFindings = findings
	globalRegistry.audit.LastRunAt = time.Now().UTC()
}

func RecordRepair(err error) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.audit.RepairsTotal++
	globalRegistry.audit.LastRepairAt = time.Now().UTC()
	globalRegistry.audit.LastRepairErr = ""
	if err != nil {
		globalRegistry.audit.LastRepairErr = err.Error()
	}
}

func SnapshotNow() Snapshot {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	snapshot := Snapshot{
		Sources:     make(map[string]SourceMetrics, len(globalRegistry.sources)),
		Triggers:    make(map[string]TriggerMetrics, len(globalRegistry.triggers)),
		Audit:       globalRegistry.audit,
		GeneratedAt: time.Now().UTC(),
	}

	for key, metrics := range globalRegistry.sources {
		snapshot.Sources[key] = *metrics
	}
	for key, metrics := range globalRegistry.triggers {
		snapshot.Triggers[key] = *metrics
	}

	return snapshot
}

func (r *registry) triggerMetrics(kind string) *TriggerMetrics {
	key := normalizeKey(kind)
	if key == "" {
		key = "unknown"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.triggers[key]
	if !ok {
		metrics = &TriggerMetrics{}
		r.triggers[key] = metrics
	}
	return metrics
}

func normalizeKey(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}
