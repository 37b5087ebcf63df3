// Package resource implements the global resource ledger. Tasks declare
// abstract point costs (cpu, memory, storage, network by default); the
// execution engine reserves the full set before a run and releases it
// after, so concurrent tasks can never oversubscribe a budget.
package resource

import (
	"fmt"
	"sort"
	"sync"

	"taskmill/internal/eventbus"
	logx "taskmill/pkg/logx"
)

// Set maps resource names to point costs/capacities.
type Set map[string]int64

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	cp := make(Set, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Empty reports whether s requests nothing.
func (s Set) Empty() bool {
	for _, v := range s {
		if v > 0 {
			return false
		}
	}
	return true
}

// Validate rejects negative point values and blank names.
func (s Set) Validate() error {
	for name, v := range s {
		if name == "" {
			return fmt.Errorf("resource with empty name")
		}
		if v < 0 {
			return fmt.Errorf("resource %q: negative points %d", name, v)
		}
	}
	return nil
}

// DefaultCapacities is the out-of-the-box budget.
func DefaultCapacities() Set {
	return Set{"cpu": 80, "memory": 80, "storage": 90, "network": 70}
}

// EventInconsistent is published on the bus when release bookkeeping breaks.
const EventInconsistent = "ledger.inconsistent"

// Ledger tracks capacities, current usage and per-owner holds.
//
// All mutations happen under one mutex: TryReserve is atomic across the
// whole request set (all resources granted, or none and the usage is
// untouched).
type Ledger struct {
	mu           sync.Mutex
	caps         Set
	used         Set
	holds        map[string]Set // owner → reserved set
	inconsistent bool

	log logx.Logger
	bus eventbus.Bus
}

// ResourceState is one row of a ledger snapshot.
type ResourceState struct {
	Name        string  `json:"name"`
	Capacity    int64   `json:"capacity"`
	Used        int64   `json:"used"`
	Utilization float64 `json:"utilization"` // 0..1
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Resources    []ResourceState `json:"resources"`
	Holds        int             `json:"holds"`
	Inconsistent bool            `json:"inconsistent"`
}

func NewLedger(caps Set, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if caps == nil {
		caps = DefaultCapacities()
	}
	return &Ledger{
		caps:  caps.Clone(),
		used:  Set{},
		holds: map[string]Set{},
		log:   log,
		bus:   bus,
	}
}

// TryReserve grants req to owner or returns *ExhaustedError listing every
// short resource. A resource name without a configured capacity counts as
// capacity zero. Owners are unique per in-flight run; reserving twice for
// the same owner is a programming error and is rejected.
func (l *Ledger) TryReserve(owner string, req Set) error {
	if err := req.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.holds[owner]; dup {
		return &InconsistencyError{Owner: owner, Detail: "reserve while a hold is already open"}
	}

	var missing []Shortfall
	for name, need := range req {
		if need <= 0 {
			continue
		}
		free := l.caps[name] - l.used[name]
		if free < need {
			missing = append(missing, Shortfall{Resource: name, Need: need, Free: free})
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Resource < missing[j].Resource })
		return &ExhaustedError{Owner: owner, Missing: missing}
	}

	hold := Set{}
	for name, need := range req {
		if need <= 0 {
			continue
		}
		l.used[name] += need
		hold[name] = need
	}
	l.holds[owner] = hold
	return nil
}

// Release returns every point held by owner. It is the engine's deferred
// counterpart to TryReserve and must run exactly once per reservation: a
// release with no matching hold trips the inconsistency flag, logs at
// error level and publishes EventInconsistent. The ledger keeps serving
// reservations afterwards; only a restart clears the flag.
func (l *Ledger) Release(owner string) error {
	l.mu.Lock()
	hold, ok := l.holds[owner]
	if !ok {
		l.inconsistent = true
		l.mu.Unlock()
		err := &InconsistencyError{Owner: owner, Detail: "release without a matching hold"}
		l.loud(err)
		return err
	}
	delete(l.holds, owner)

	var bad *InconsistencyError
	for name, pts := range hold {
		if l.used[name] < pts {
			// Hold exceeds recorded usage: clamp to zero and flag.
			l.used[name] = 0
			l.inconsistent = true
			bad = &InconsistencyError{Owner: owner, Detail: fmt.Sprintf("usage underflow on %q", name)}
			continue
		}
		l.used[name] -= pts
	}
	l.mu.Unlock()

	if bad != nil {
		l.loud(bad)
		return bad
	}
	return nil
}

func (l *Ledger) loud(err *InconsistencyError) {
	l.log.Error("resource ledger inconsistent", logx.String("owner", err.Owner), logx.String("detail", err.Detail))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: EventInconsistent, Data: err.Error()})
	}
}

// Apply swaps capacities at runtime. Shrinking below current usage is
// allowed: usage drains as running tasks release, new reservations see
// the new caps.
func (l *Ledger) Apply(caps Set) {
	if caps == nil {
		return
	}
	l.mu.Lock()
	l.caps = caps.Clone()
	l.mu.Unlock()
}

// Inconsistent reports whether a release mismatch was ever observed.
func (l *Ledger) Inconsistent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inconsistent
}

// Capacities returns a copy of the configured budgets.
func (l *Ledger) Capacities() Set {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps.Clone()
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.caps))
	for name := range l.caps {
		names = append(names, name)
	}
	// Usage on a resource whose capacity was removed still shows up.
	for name := range l.used {
		if _, ok := l.caps[name]; !ok && l.used[name] > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	snap := Snapshot{
		Resources:    make([]ResourceState, 0, len(names)),
		Holds:        len(l.holds),
		Inconsistent: l.inconsistent,
	}
	for _, name := range names {
		st := ResourceState{Name: name, Capacity: l.caps[name], Used: l.used[name]}
		if st.Capacity > 0 {
			st.Utilization = float64(st.Used) / float64(st.Capacity)
		}
		snap.Resources = append(snap.Resources, st)
	}
	return snap
}
