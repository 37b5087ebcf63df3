package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/clock"
	"taskmill/internal/eventbus"
	"taskmill/internal/metrics"
	logx "taskmill/pkg/logx"
)

// AlertStore persists alert records. The storage package implements it.
type AlertStore interface {
	SaveAlert(a Alert) error
	LoadAlerts() ([]Alert, error)
}

// Notifier hands notifications to the delivery pipeline. The Service in
// this package implements it; tests use a recorder.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Evaluator turns metric samples into alerts. It observes every recorded
// point synchronously (metrics.Store.OnRecord) and keeps at most one
// open alert per rule.
type Evaluator struct {
	mu     sync.Mutex
	rules  []Rule
	active map[string]string // rule name -> open alert ID
	alerts []Alert           // append-only; resolving updates in place
	index  map[string]int    // alert ID -> position in alerts

	store  AlertStore
	notify Notifier
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger
}

func NewEvaluator(rules []Rule, store AlertStore, notify Notifier, clk clock.Clock, bus eventbus.Bus, log logx.Logger) (*Evaluator, error) {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Evaluator{
		active: map[string]string{},
		index:  map[string]int{},
		store:  store,
		notify: notify,
		clk:    clk,
		bus:    bus,
		log:    log,
	}
	if err := e.setRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Evaluator) setRules(rules []Rule) error {
	seen := map[string]bool{}
	prepared := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r = r.withDefaults()
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("alert rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		prepared = append(prepared, r)
	}
	e.rules = prepared
	return nil
}

// Load restores persisted alerts. Open alerts whose rule still exists
// become active again so hysteresis survives restarts; open alerts whose
// rule is gone are resolved on the spot.
func (e *Evaluator) Load() error {
	if e.store == nil {
		return nil
	}
	persisted, err := e.store.LoadAlerts()
	if err != nil {
		return err
	}
	sort.Slice(persisted, func(i, j int) bool {
		return persisted[i].OpenedAt.Before(persisted[j].OpenedAt)
	})

	var orphans []Alert
	e.mu.Lock()
	e.alerts = persisted
	e.index = make(map[string]int, len(persisted))
	for i, a := range e.alerts {
		e.index[a.ID] = i
		if !a.Active() {
			continue
		}
		if e.ruleLocked(a.Rule) == nil {
			now := e.clk.Now()
			e.alerts[i].ResolvedAt = &now
			orphans = append(orphans, e.alerts[i])
			continue
		}
		e.active[a.Rule] = a.ID
	}
	open := len(e.active)
	e.mu.Unlock()

	for _, a := range orphans {
		e.persist(a)
		e.log.Warn("open alert had no rule, resolved at load",
			logx.String("rule", a.Rule), logx.String("id", a.ID))
	}
	e.log.Debug("alerts loaded", logx.Int("total", len(persisted)), logx.Int("open", open))
	return nil
}

func (e *Evaluator) ruleLocked(name string) *Rule {
	for i := range e.rules {
		if e.rules[i].Name == name {
			return &e.rules[i]
		}
	}
	return nil
}

// Apply swaps the rule set at runtime. Open alerts whose rule disappears
// are resolved immediately; everything else keeps its state.
func (e *Evaluator) Apply(rules []Rule) error {
	e.mu.Lock()
	if err := e.setRules(rules); err != nil {
		e.mu.Unlock()
		return err
	}
	var resolved []Alert
	now := e.clk.Now()
	for rule, id := range e.active {
		if e.ruleLocked(rule) != nil {
			continue
		}
		i := e.index[id]
		e.alerts[i].ResolvedAt = &now
		resolved = append(resolved, e.alerts[i])
		delete(e.active, rule)
	}
	e.mu.Unlock()

	for _, a := range resolved {
		e.emit(a, "resolved")
	}
	return nil
}

// Observe is registered as a metrics observer. One sample can open or
// resolve several alerts when multiple rules watch the same series.
func (e *Evaluator) Observe(p metrics.Point) {
	at := p.At
	if at.IsZero() {
		at = e.clk.Now()
	}

	var opened, resolved []Alert
	e.mu.Lock()
	for _, r := range e.rules {
		if r.Metric != p.Name {
			continue
		}
		id, isActive := e.active[r.Name]
		switch {
		case !isActive && p.Value > r.Trigger:
			a := Alert{
				ID:        uuid.NewString(),
				Rule:      r.Name,
				Metric:    p.Name,
				Severity:  r.Severity,
				Message:   fmt.Sprintf("%s %.2f above %.2f", p.Name, p.Value, r.Trigger),
				Value:     p.Value,
				Threshold: r.Trigger,
				OpenedAt:  at,
			}
			e.index[a.ID] = len(e.alerts)
			e.alerts = append(e.alerts, a)
			e.active[r.Name] = a.ID
			opened = append(opened, a)

		case isActive && p.Value < r.Resolve:
			i := e.index[id]
			t := at
			e.alerts[i].ResolvedAt = &t
			e.alerts[i].Value = p.Value
			resolved = append(resolved, e.alerts[i])
			delete(e.active, r.Name)
		}
	}
	e.mu.Unlock()

	for _, a := range opened {
		e.emit(a, "opened")
	}
	for _, a := range resolved {
		e.emit(a, "resolved")
	}
}

func (e *Evaluator) emit(a Alert, event string) {
	e.persist(a)

	at := a.OpenedAt
	if event == "resolved" && a.ResolvedAt != nil {
		at = *a.ResolvedAt
	}
	if e.bus != nil {
		topic := EventOpened
		if event == "resolved" {
			topic = EventResolved
		}
		e.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: AlertEvent{
			ID: a.ID, Rule: a.Rule, Metric: a.Metric, Severity: a.Severity, Value: a.Value, At: at,
		}})
	}

	if event == "opened" {
		e.log.Warn("alert opened",
			logx.String("rule", a.Rule), logx.String("metric", a.Metric),
			logx.String("severity", string(a.Severity)), logx.Float64("value", a.Value))
	} else {
		e.log.Info("alert resolved",
			logx.String("rule", a.Rule), logx.String("metric", a.Metric),
			logx.Float64("value", a.Value))
	}

	if e.notify == nil {
		return
	}
	n := Notification{
		Severity: a.Severity,
		Event:    event,
		Title:    fmt.Sprintf("alert %s: %s", event, a.Rule),
		Body:     a.Message,
		At:       at,
		Alert:    a,
	}
	if err := e.notify.Notify(context.Background(), n); err != nil {
		e.log.Warn("alert notification not queued",
			logx.String("rule", a.Rule), logx.Err(err))
	}
}

// Resolve closes an open alert by ID regardless of the metric value.
// The operator override goes through the same emit path as a metric
// resolve, so persistence, bus event and notification all fire.
func (e *Evaluator) Resolve(id string) error {
	e.mu.Lock()
	i, ok := e.index[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("alert %q not found", id)
	}
	if !e.alerts[i].Active() {
		e.mu.Unlock()
		return fmt.Errorf("alert %q already resolved", id)
	}
	now := e.clk.Now()
	e.alerts[i].ResolvedAt = &now
	delete(e.active, e.alerts[i].Rule)
	a := e.alerts[i]
	e.mu.Unlock()

	e.emit(a, "resolved")
	return nil
}

func (e *Evaluator) persist(a Alert) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveAlert(a); err != nil {
		e.log.Error("alert not persisted", logx.String("id", a.ID), logx.Err(err))
	}
}

// Alerts returns all alerts, newest first.
func (e *Evaluator) Alerts() []Alert {
	e.mu.Lock()
	out := append([]Alert(nil), e.alerts...)
	e.mu.Unlock()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ActiveAlerts returns open alerts, most severe first.
func (e *Evaluator) ActiveAlerts() []Alert {
	e.mu.Lock()
	out := make([]Alert, 0, len(e.active))
	for _, id := range e.active {
		out = append(out, e.alerts[e.index[id]])
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.rank() != out[j].Severity.rank() {
			return out[i].Severity.rank() > out[j].Severity.rank()
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Snapshot summarizes evaluator state for diagnostics.
type Snapshot struct {
	Rules  int       `json:"rules"`
	Open   int       `json:"open"`
	Total  int       `json:"total"`
	Latest time.Time `json:"latest,omitempty"`
}

func (e *Evaluator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{Rules: len(e.rules), Open: len(e.active), Total: len(e.alerts)}
	if n := len(e.alerts); n > 0 {
		s.Latest = e.alerts[n-1].OpenedAt
	}
	return s
}
