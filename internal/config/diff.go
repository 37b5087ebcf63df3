package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskmill/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like
// tokens), and (3) the names of declared tasks that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler (tick loop)
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
		)
	}

	// Engine (executor)
	oE := derefEngine(oldCfg.Engine)
	nE := derefEngine(newCfg.Engine)
	if (oldCfg.Engine != nil) != (newCfg.Engine != nil) || !reflect.DeepEqual(oE, nE) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
			logx.String("engine.max_queue_delay", strings.TrimSpace(nE.MaxQueueDelay)),
			logx.Bool("engine.autoscale", nE.Autoscale),
			logx.Int("engine.groups", len(nE.Groups)),
		)
	}

	// Resource capacities
	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		changed = append(changed, "resources")
		attrs = append(attrs, logx.Int("resources.overrides", len(newCfg.Resources)))
	}

	// Declared tasks
	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.declared_count", len(newCfg.Tasks)),
		)
	}

	// History / metrics
	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
	}

	// Alerting (never log the telegram token)
	if alertingChanged(oldCfg.Alerting, newCfg.Alerting) {
		changed = append(changed, "alerting")
		var rules int
		var telegramSet bool
		if newCfg.Alerting != nil {
			rules = len(newCfg.Alerting.Rules)
			telegramSet = newCfg.Alerting.Telegram != nil &&
				strings.TrimSpace(newCfg.Alerting.Telegram.Token) != ""
		}
		attrs = append(attrs,
			logx.Int("alerting.rules", rules),
			logx.Bool("alerting.telegram_set", telegramSet),
		)
	}

	// Storage. Nil means disabled.
	if storageChanged(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver, busy string
		var pathSet bool
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
			busy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
			pathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		}
		attrs = append(attrs,
			logx.String("storage.driver", driver),
			logx.Bool("storage.path_set", pathSet),
			logx.String("storage.busy_timeout", busy),
		)
	}

	// Diag (never log token)
	if diagChanged(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newCfg.Diag.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newCfg.Diag.Token) != ""),
			logx.Bool("diag.allow_insecure", newCfg.Diag.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func alertingChanged(o, n *AlertingConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return !reflect.DeepEqual(*o, *n)
}

func storageChanged(o, n *StorageConfig) bool {
	if (o == nil) != (n == nil) {
		return true
	}
	if o == nil {
		return false
	}
	return *o != *n
}

func diagChanged(o, n DiagConfig) bool {
	// Token presence matters for the summary, not its value.
	oTok := strings.TrimSpace(o.Token) != ""
	nTok := strings.TrimSpace(n.Token) != ""
	o.Token, n.Token = "", ""
	return o != n || oTok != nTok
}

// diffTasks returns the names of declared tasks whose definition was
// added, removed, or edited.
func diffTasks(oldT, newT []TaskConfig) []string {
	oldM := make(map[string]TaskConfig, len(oldT))
	for _, t := range oldT {
		oldM[t.Name] = t
	}
	newM := make(map[string]TaskConfig, len(newT))
	for _, t := range newT {
		newM[t.Name] = t
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
