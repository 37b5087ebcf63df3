// Package metrics stores named time series in bounded in-memory windows
// and fans each recorded point out to synchronous observers, which is
// how alert evaluation sees every sample exactly once.
package metrics

import (
	"sort"
	"sync"
	"time"

	"taskmill/internal/clock"
	logx "taskmill/pkg/logx"
)

// Point is one sample of a named series.
type Point struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	At     time.Time         `json:"at"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Journal persists points across restarts. name "" loads every series.
type Journal interface {
	AppendMetric(p Point) error
	LoadMetrics(name string, from, to time.Time) ([]Point, error)
}

// Observer receives every recorded point synchronously, in record order.
// Observers must be fast; Record blocks on them.
type Observer func(p Point)

const (
	DefaultRetention    = 24 * time.Hour
	DefaultMaxPerSeries = 1000
)

type Config struct {
	Retention    time.Duration
	MaxPerSeries int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxPerSeries <= 0 {
		c.MaxPerSeries = DefaultMaxPerSeries
	}
	return c
}

// SeriesStats aggregates one series over a closed interval [from, to].
type SeriesStats struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

type Store struct {
	mu     sync.Mutex
	series map[string][]Point // chronological per series

	observers []Observer

	cfg     Config
	journal Journal
	clk     clock.Clock
	log     logx.Logger
}

func New(cfg Config, journal Journal, clk clock.Clock, log logx.Logger) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		series:  map[string][]Point{},
		cfg:     cfg.withDefaults(),
		journal: journal,
		clk:     clk,
		log:     log,
	}
}

// OnRecord registers an observer. Register before recording starts;
// registration is not synchronized against concurrent Record calls.
func (s *Store) OnRecord(fn Observer) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// Load restores the retention window from the journal. Observers are not
// replayed; alert state is persisted separately.
func (s *Store) Load() error {
	if s.journal == nil {
		return nil
	}
	now := s.clk.Now()
	points, err := s.journal.LoadMetrics("", now.Add(-s.cfg.Retention), now)
	if err != nil {
		return err
	}
	sort.Slice(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })

	s.mu.Lock()
	for _, p := range points {
		s.series[p.Name] = append(s.series[p.Name], p)
	}
	for name := range s.series {
		s.pruneLocked(name, now)
	}
	s.mu.Unlock()

	s.log.Debug("metric series loaded", logx.Int("points", len(points)))
	return nil
}

// Record stamps, stores, persists, and fans out one point. The zero At
// is replaced with the current clock time.
func (s *Store) Record(p Point) error {
	if p.Name == "" {
		return nil
	}
	if p.At.IsZero() {
		p.At = s.clk.Now()
	}

	s.mu.Lock()
	s.series[p.Name] = append(s.series[p.Name], p)
	s.pruneLocked(p.Name, s.clk.Now())
	s.mu.Unlock()

	var journalErr error
	if s.journal != nil {
		if journalErr = s.journal.AppendMetric(p); journalErr != nil {
			s.log.Error("metric not persisted", logx.String("metric", p.Name), logx.Err(journalErr))
		}
	}

	for _, fn := range s.observers {
		fn(p)
	}
	return journalErr
}

func (s *Store) pruneLocked(name string, now time.Time) {
	pts := s.series[name]
	cutoff := now.Add(-s.cfg.Retention)
	start := 0
	for start < len(pts) && pts[start].At.Before(cutoff) {
		start++
	}
	if over := len(pts) - start - s.cfg.MaxPerSeries; over > 0 {
		start += over
	}
	if start > 0 {
		s.series[name] = append(pts[:0], pts[start:]...)
	}
}

// Range returns points of one series inside [from, to], both bounds
// inclusive, in chronological order.
func (s *Store) Range(name string, from, to time.Time) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Point
	for _, p := range s.series[name] {
		if p.At.Before(from) || p.At.After(to) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Latest returns the most recent point of a series.
func (s *Store) Latest(name string) (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.series[name]
	if len(pts) == 0 {
		return Point{}, false
	}
	return pts[len(pts)-1], true
}

// Stats aggregates one series over [from, to], bounds inclusive.
func (s *Store) Stats(name string, from, to time.Time) SeriesStats {
	pts := s.Range(name, from, to)
	var st SeriesStats
	if len(pts) == 0 {
		return st
	}

	values := make([]float64, 0, len(pts))
	st.Min = pts[0].Value
	st.Max = pts[0].Value
	for _, p := range pts {
		st.Count++
		st.Sum += p.Value
		if p.Value < st.Min {
			st.Min = p.Value
		}
		if p.Value > st.Max {
			st.Max = p.Value
		}
		values = append(values, p.Value)
	}
	st.Avg = st.Sum / float64(st.Count)

	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		st.Median = values[mid]
	} else {
		st.Median = (values[mid-1] + values[mid]) / 2
	}
	return st
}

// Names lists the known series, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.series))
	for name := range s.series {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports the total number of points held across all series.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pts := range s.series {
		n += len(pts)
	}
	return n
}
