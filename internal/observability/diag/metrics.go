package diag

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskmill/internal/eventbus"
)

// promSet holds the Prometheus exposition state. Counters are fed from
// bus events; gauges read component snapshots at scrape time.
type promSet struct {
	reg *prometheus.Registry

	taskEvents  *prometheus.CounterVec
	alertEvents *prometheus.CounterVec
	ledgerInc   prometheus.Counter
}

func newPromSet(src Sources) *promSet {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &promSet{
		reg: reg,
		taskEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmill",
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type (started, finished, failed, ...).",
		}, []string{"event"}),
		alertEvents: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmill",
			Name:      "alert_events_total",
			Help:      "Alert state changes by type (opened, resolved).",
		}, []string{"event"}),
		ledgerInc: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "taskmill",
			Name:      "ledger_inconsistencies_total",
			Help:      "Resource ledger over-release detections.",
		}),
	}

	gauge := func(name, help string, fn func() float64) {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "taskmill", Name: name, Help: help,
		}, fn)
	}

	if src.Engine != nil {
		gauge("engine_queue_len", "Cycles waiting on the engine queue.", func() float64 {
			return float64(src.Engine().QueueLen)
		})
		gauge("engine_in_flight", "Cycles currently inside a worker.", func() float64 {
			return float64(src.Engine().InFlight)
		})
		gauge("engine_executed_total", "Cycles executed since start.", func() float64 {
			return float64(src.Engine().Executed)
		})
	}
	if src.Scheduler != nil {
		gauge("scheduler_enqueued_total", "Due tasks handed to the engine since start.", func() float64 {
			return float64(src.Scheduler().Enqueued)
		})
		gauge("scheduler_backpressed_total", "Due tasks held back by a full engine queue.", func() float64 {
			return float64(src.Scheduler().Backpressed)
		})
	}
	if src.Registry != nil {
		gauge("tasks_registered", "Tasks in the registry.", func() float64 {
			return float64(src.Registry().Total)
		})
		gauge("tasks_enabled", "Enabled tasks in the registry.", func() float64 {
			return float64(src.Registry().Enabled)
		})
	}
	if src.Alerting != nil {
		gauge("alerts_open", "Currently open alerts.", func() float64 {
			return float64(src.Alerting().Open)
		})
	}
	if src.Ledger != nil {
		gauge("ledger_holds", "Tasks currently holding a reservation.", func() float64 {
			return float64(src.Ledger().Holds)
		})
	}

	return p
}

func (p *promSet) handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// consume counts bus events until the channel closes.
func (p *promSet) consume(ch <-chan eventbus.Event) {
	for e := range ch {
		switch {
		case strings.HasPrefix(e.Type, "task."):
			p.taskEvents.WithLabelValues(strings.TrimPrefix(e.Type, "task.")).Inc()
		case strings.HasPrefix(e.Type, "alert."):
			p.alertEvents.WithLabelValues(strings.TrimPrefix(e.Type, "alert.")).Inc()
		case e.Type == "ledger.inconsistent":
			p.ledgerInc.Inc()
		}
	}
}
