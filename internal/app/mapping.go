package app

import (
	"fmt"
	"strings"
	"time"

	"taskmill/internal/alerting"
	"taskmill/internal/config"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/observability/diag"
	"taskmill/internal/resource"
	"taskmill/internal/storage"
	"taskmill/internal/task"
	"taskmill/internal/task/engine"
	"taskmill/internal/task/scheduler"
	logx "taskmill/pkg/logx"
)

// The on-disk config stays pure data (durations as strings); every
// component takes a typed config. All the translation lives here so a
// bad value is rejected before commit, not discovered mid-flight.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationField("scheduler.tick", cfg.Scheduler.Tick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled: cfg.Scheduler.Enabled,
		Tick:    tick,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec == nil {
		return engine.Config{}, nil
	}
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if ec.RetryJitter < 0 || ec.RetryJitter > 1 {
		return engine.Config{}, fmt.Errorf("engine.retry_jitter must be in [0,1]")
	}
	for name, limit := range ec.Groups {
		if limit < 0 {
			return engine.Config{}, fmt.Errorf("engine.groups.%s must be >= 0", name)
		}
	}

	out := engine.Config{
		Workers:             ec.Workers,
		QueueSize:           ec.QueueSize,
		RetryJitter:         ec.RetryJitter,
		Groups:              ec.Groups,
		Autoscale:           ec.Autoscale,
		CircuitTripFailures: ec.CircuitTripFailures,
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("engine.retry_base", ec.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("engine.retry_max_delay", ec.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RequeueDelay, err = config.ParseDurationField("engine.requeue_delay", ec.RequeueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitBaseDelay, err = config.ParseDurationField("engine.circuit_base_delay", ec.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitMaxDelay, err = config.ParseDurationField("engine.circuit_max_delay", ec.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("engine.circuit_reset_after", ec.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapResources merges config overrides over the default capacities.
// An explicit 0 removes the resource from tracking.
func mapResources(cfg *config.Config) (resource.Set, error) {
	caps := resource.DefaultCapacities()
	for name, capacity := range cfg.Resources {
		key := strings.TrimSpace(strings.ToLower(name))
		if key == "" {
			return nil, fmt.Errorf("resources: empty resource name")
		}
		if capacity < 0 {
			return nil, fmt.Errorf("resources.%s: capacity must be >= 0", key)
		}
		if capacity == 0 {
			delete(caps, key)
			continue
		}
		caps[key] = capacity
	}
	return caps, nil
}

func mapHistoryConfig(cfg *config.Config) (history.Config, error) {
	hc := cfg.History
	if hc == nil {
		return history.Config{}, nil
	}
	if hc.Capacity < 0 {
		return history.Config{}, fmt.Errorf("history.capacity must be >= 0")
	}
	return history.Config{Capacity: hc.Capacity}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	mc := cfg.Metrics
	if mc == nil {
		return metrics.Config{}, nil
	}
	if mc.MaxPerSeries < 0 {
		return metrics.Config{}, fmt.Errorf("metrics.max_per_series must be >= 0")
	}
	retention, err := config.ParseDurationField("metrics.retention", mc.Retention)
	if err != nil {
		return metrics.Config{}, err
	}
	return metrics.Config{Retention: retention, MaxPerSeries: mc.MaxPerSeries}, nil
}

func mapAlertRules(cfg *config.Config) []alerting.Rule {
	if cfg.Alerting == nil {
		return nil
	}
	rules := make([]alerting.Rule, 0, len(cfg.Alerting.Rules))
	for _, rc := range cfg.Alerting.Rules {
		rules = append(rules, alerting.Rule{
			Name:     rc.Name,
			Metric:   rc.Metric,
			Severity: alerting.Severity(strings.ToLower(strings.TrimSpace(rc.Severity))),
			Trigger:  rc.Trigger,
			Resolve:  rc.Resolve,
		})
	}
	return rules
}

func mapNotifyConfig(cfg *config.Config) (alerting.Config, error) {
	var nc *config.NotifyConfig
	if cfg.Alerting != nil {
		nc = cfg.Alerting.Notify
	}
	if nc == nil {
		// Omitted section: the pipeline runs with defaults.
		return alerting.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 {
		return alerting.Config{}, fmt.Errorf("alerting.notify.workers must be >= 0")
	}
	if nc.QueueSize < 0 {
		return alerting.Config{}, fmt.Errorf("alerting.notify.queue_size must be >= 0")
	}
	if nc.RatePerSec < 0 {
		return alerting.Config{}, fmt.Errorf("alerting.notify.rate_per_sec must be >= 0")
	}
	if nc.RetryMax < 0 {
		return alerting.Config{}, fmt.Errorf("alerting.notify.retry_max must be >= 0")
	}

	enabled := true
	if nc.Enabled != nil {
		enabled = *nc.Enabled
	}
	out := alerting.Config{
		Enabled:         enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}

	var err error
	if out.RetryBase, err = config.ParseDurationField("alerting.notify.retry_base", nc.RetryBase); err != nil {
		return alerting.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("alerting.notify.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return alerting.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("alerting.notify.dedup_window", nc.DedupWindow); err != nil {
		return alerting.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, nil // empty driver means disabled
	}
	if sc.ExecutionsKeep < 0 {
		return storage.Config{}, fmt.Errorf("storage.executions_keep must be >= 0")
	}
	out := storage.Config{
		Driver:         sc.Driver,
		Path:           sc.Path,
		ExecutionsKeep: sc.ExecutionsKeep,
	}
	var err error
	if out.MetricsRetention, err = config.ParseDurationField("storage.metrics_retention", sc.MetricsRetention); err != nil {
		return storage.Config{}, err
	}
	if out.BusyTimeout, err = config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
		return storage.Config{}, err
	}
	return out, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	out := diag.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("diag.read_timeout", dc.ReadTimeout); err != nil {
		return diag.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("diag.write_timeout", dc.WriteTimeout); err != nil {
		return diag.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("diag.idle_timeout", dc.IdleTimeout); err != nil {
		return diag.Config{}, err
	}
	return out, nil
}

// mapTasks translates every declared task, rejecting duplicate names so
// one typo cannot make two config entries silently fight over one
// registry slot.
func mapTasks(cfg *config.Config) ([]task.Task, error) {
	seen := make(map[string]struct{}, len(cfg.Tasks))
	out := make([]task.Task, 0, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		t, err := mapTask(tc)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func mapTask(tc config.TaskConfig) (task.Task, error) {
	rule, err := mapRecurrence(tc)
	if err != nil {
		return task.Task{}, err
	}

	timeout, err := config.ParseDurationField("timeout", tc.Timeout)
	if err != nil {
		return task.Task{}, err
	}

	actions := make([]task.ActionRef, 0, len(tc.Actions))
	for i, ac := range tc.Actions {
		at, err := config.ParseDurationField(fmt.Sprintf("actions[%d].timeout", i), ac.Timeout)
		if err != nil {
			return task.Task{}, err
		}
		actions = append(actions, task.ActionRef{
			Type:    ac.Type,
			Params:  ac.Params,
			Timeout: at,
		})
	}

	var res resource.Set
	if len(tc.Resources) > 0 {
		res = make(resource.Set, len(tc.Resources))
		for name, amount := range tc.Resources {
			if amount < 0 {
				return task.Task{}, fmt.Errorf("resources.%s must be >= 0", name)
			}
			res[strings.TrimSpace(strings.ToLower(name))] = amount
		}
	}

	if tc.Retries < 0 {
		return task.Task{}, fmt.Errorf("retries must be >= 0")
	}

	t := task.Task{
		Name:       strings.TrimSpace(tc.Name),
		Kind:       task.Kind(strings.ToLower(strings.TrimSpace(tc.Kind))),
		Recurrence: rule,
		Actions:    actions,
		Resources:  res,
		Retries:    tc.Retries,
		Timeout:    timeout,
		Group:      strings.TrimSpace(tc.Group),
		Priority:   tc.Priority,
		Enabled:    !tc.Disabled,
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func mapRecurrence(tc config.TaskConfig) (task.RecurrenceRule, error) {
	set := 0
	for _, v := range []string{tc.Every, tc.Daily, tc.Weekly, tc.OnceAt} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return task.RecurrenceRule{}, fmt.Errorf("exactly one of every, daily, weekly, once_at must be set")
	}

	switch {
	case strings.TrimSpace(tc.Every) != "":
		every, err := config.ParseDurationField("every", tc.Every)
		if err != nil {
			return task.RecurrenceRule{}, err
		}
		return task.Interval(every), nil

	case strings.TrimSpace(tc.Daily) != "":
		hour, minute, err := parseClock(tc.Daily)
		if err != nil {
			return task.RecurrenceRule{}, fmt.Errorf("daily: %w", err)
		}
		return task.Daily(hour, minute), nil

	case strings.TrimSpace(tc.Weekly) != "":
		day, hour, minute, err := parseWeekly(tc.Weekly)
		if err != nil {
			return task.RecurrenceRule{}, fmt.Errorf("weekly: %w", err)
		}
		return task.Weekly(day, hour, minute), nil

	default:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(tc.OnceAt))
		if err != nil {
			return task.RecurrenceRule{}, fmt.Errorf("once_at: invalid RFC 3339 time %q", tc.OnceAt)
		}
		return task.Once(at), nil
	}
}

// parseClock parses "HH:MM" (24h).
func parseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return h, m, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// parseWeekly parses "Mon 04:00" style values. Full weekday names are
// accepted too; matching is on the first three letters.
func parseWeekly(s string) (day time.Weekday, hour, minute int, err error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid value %q, want \"Mon 04:00\"", s)
	}
	name := strings.ToLower(fields[0])
	if len(name) > 3 {
		name = name[:3]
	}
	d, ok := weekdays[name]
	if !ok {
		return 0, 0, 0, fmt.Errorf("unknown weekday %q", fields[0])
	}
	h, m, err := parseClock(fields[1])
	if err != nil {
		return 0, 0, 0, err
	}
	return d, h, m, nil
}
