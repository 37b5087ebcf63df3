package config

// Config is the on-disk shape (JSON or YAML). It stays pure data: all
// durations are Go duration strings, mapping into component configs
// happens in the app layer.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the tick loop that classifies due tasks.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls execution: workers, deadlines, retries, admission.
	Engine *EngineConfig `json:"engine,omitempty"`

	// Resources overrides the tracked capacities. Omitted keys keep
	// their defaults; an explicit 0 removes the resource from tracking.
	Resources map[string]int64 `json:"resources,omitempty"`

	// Tasks declared in config are upserted into the registry on load
	// and on every reload.
	Tasks []TaskConfig `json:"tasks,omitempty"`

	History  *HistoryConfig  `json:"history,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty"`
	Alerting *AlertingConfig `json:"alerting,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Diag     DiagConfig      `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick loop only. Execution settings live
// under engine.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is a Go duration string (e.g. "500ms", "1s"). Due tasks are
	// picked up on the first tick at or after their due time.
	Tick string `json:"tick,omitempty"`
}

// EngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "1m"
//   - max_queue_delay: "0s" (disabled)
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - requeue_delay: "250ms"
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout caps a single action when neither the action nor
	// the task carries its own deadline.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay returns cycles that sat queued longer than this to
	// the scheduled state instead of running them late. "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	RequeueDelay  string  `json:"requeue_delay,omitempty"`

	// Groups caps concurrent runs per task group.
	Groups map[string]int `json:"groups,omitempty"`

	Autoscale bool `json:"autoscale,omitempty"`

	// Circuit breaker. trip_failures < 0 disables it; 0 keeps the
	// runtime default.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// TaskConfig declares one task. Exactly one recurrence field must be
// set: every, daily, weekly, or once_at.
//
// Examples:
//
//	{ "name": "nightly-backup", "kind": "maintenance", "daily": "03:30",
//	  "actions": [ { "type": "shell", "params": { "command": "backup.sh" } } ] }
//
//	{ "name": "api-probe", "kind": "monitoring", "every": "5m",
//	  "actions": [ { "type": "httpcheck", "params": { "url": "https://api.example.com/health" } } ] }
type TaskConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"`

	// Every is a Go duration string for interval recurrence.
	Every string `json:"every,omitempty"`
	// Daily is "HH:MM" (24h).
	Daily string `json:"daily,omitempty"`
	// Weekly is "Mon 04:00" style: weekday name plus "HH:MM".
	Weekly string `json:"weekly,omitempty"`
	// OnceAt is RFC 3339.
	OnceAt string `json:"once_at,omitempty"`

	Actions []ActionConfig `json:"actions"`

	// Resources is the reservation this task needs for a run, e.g.
	// {"cpu": 20, "memory": 10}.
	Resources map[string]int64 `json:"resources,omitempty"`

	Retries  int    `json:"retries,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Group    string `json:"group,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type ActionConfig struct {
	Type    string         `json:"type"`
	Params  map[string]any `json:"params,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
}

type HistoryConfig struct {
	// Capacity bounds the in-memory execution ring.
	Capacity int `json:"capacity,omitempty"`
}

type MetricsConfig struct {
	// Retention is a Go duration string; points older than this are
	// pruned. Default "24h".
	Retention    string `json:"retention,omitempty"`
	MaxPerSeries int    `json:"max_per_series,omitempty"`
}

// AlertingConfig declares threshold rules and the notification
// pipeline that delivers their state changes.
type AlertingConfig struct {
	Rules []AlertRuleConfig `json:"rules,omitempty"`

	Notify   *NotifyConfig   `json:"notify,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// AlertRuleConfig opens an alert when the metric goes above trigger and
// resolves it when the metric drops below resolve. Omitted resolve
// defaults to trigger less a 5% margin.
type AlertRuleConfig struct {
	Name     string  `json:"name"`
	Metric   string  `json:"metric"`
	Severity string  `json:"severity,omitempty"` // info|warning|critical
	Trigger  float64 `json:"trigger"`
	Resolve  float64 `json:"resolve,omitempty"`
}

// NotifyConfig controls the async notification pipeline.
//
// All durations are Go duration strings. If the whole section is
// omitted, the pipeline runs with defaults.
type NotifyConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// TelegramConfig attaches a Telegram chat as an alert sink. The bot is
// send-only.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskmill_store" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`

	// MetricsRetention bounds persisted metric points; default "24h".
	MetricsRetention string `json:"metrics_retention,omitempty"`
	// ExecutionsKeep bounds the persisted execution tail; default 5000.
	ExecutionsKeep int `json:"executions_keep,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DiagConfig controls the diagnostics HTTP server (health, status,
// Prometheus metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /debug/pprof/profile works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
