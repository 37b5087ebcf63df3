package storage

import (
	"errors"
	"strings"
	"time"

	"taskmill/internal/alerting"
	"taskmill/internal/history"
	"taskmill/internal/metrics"
	"taskmill/internal/task"
	logx "taskmill/pkg/logx"
)

// Store is the full persistence API. Consumers depend on their own
// narrow interfaces (task.Store, history.Journal, metrics.Journal,
// alerting.AlertStore, alerting.DedupStore); a Store satisfies all of
// them.
type Store interface {
	SaveTask(t task.Task) error
	DeleteTask(name string) error
	LoadTasks() ([]task.Task, error)

	AppendExecution(e history.Execution) error
	LoadExecutions(limit int) ([]history.Execution, error)

	AppendMetric(p metrics.Point) error
	LoadMetrics(name string, from, to time.Time) ([]metrics.Point, error)

	SaveAlert(a alerting.Alert) error
	LoadAlerts() ([]alerting.Alert, error)

	PutDedup(key string, until time.Time) error
	GetDedup(key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
