package resource

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	logx "taskmill/pkg/logx"
)

func TestTryReserveAllOrNothing(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 10, "memory": 20}, logx.Nop(), nil)

	// cpu fits, memory does not: nothing may be taken.
	err := l.TryReserve("run-1", Set{"cpu": 5, "memory": 25})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(ex.Missing) != 1 || ex.Missing[0].Resource != "memory" {
		t.Fatalf("missing = %+v, want memory shortfall", ex.Missing)
	}

	snap := l.Snapshot()
	for _, r := range snap.Resources {
		if r.Used != 0 {
			t.Fatalf("resource %s used = %d after failed reserve", r.Name, r.Used)
		}
	}
}

func TestTryReserveListsEveryShortfall(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 10, "memory": 10, "network": 10}, logx.Nop(), nil)
	if err := l.TryReserve("warm", Set{"cpu": 8, "memory": 8}); err != nil {
		t.Fatalf("warm reserve: %v", err)
	}

	err := l.TryReserve("run-1", Set{"cpu": 5, "memory": 5, "network": 5})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if len(ex.Missing) != 2 {
		t.Fatalf("missing = %+v, want cpu and memory", ex.Missing)
	}
	if ex.Missing[0].Resource != "cpu" || ex.Missing[1].Resource != "memory" {
		t.Fatalf("missing order = %+v", ex.Missing)
	}
	if ex.Missing[0].Free != 2 {
		t.Fatalf("cpu free = %d, want 2", ex.Missing[0].Free)
	}
}

func TestReleaseRestoresCapacity(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 10}, logx.Nop(), nil)
	if err := l.TryReserve("run-1", Set{"cpu": 10}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.TryReserve("run-2", Set{"cpu": 1}); err == nil {
		t.Fatalf("second reserve succeeded on a full ledger")
	}
	if err := l.Release("run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.TryReserve("run-2", Set{"cpu": 10}); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestUnknownResourceCountsAsZeroCapacity(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 10}, logx.Nop(), nil)
	err := l.TryReserve("run-1", Set{"gpu": 1})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if ex.Missing[0].Resource != "gpu" || ex.Missing[0].Free != 0 {
		t.Fatalf("missing = %+v", ex.Missing)
	}
}

func TestReleaseWithoutHoldIsLoud(t *testing.T) {
	t.Parallel()

	l := NewLedger(nil, logx.Nop(), nil)
	err := l.Release("ghost")
	var inc *InconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("err = %v, want InconsistencyError", err)
	}
	if !l.Inconsistent() {
		t.Fatalf("ledger not flagged inconsistent")
	}

	// Flag is sticky: normal operation continues but the snapshot keeps it.
	if err := l.TryReserve("run-1", Set{"cpu": 1}); err != nil {
		t.Fatalf("reserve after inconsistency: %v", err)
	}
	if !l.Snapshot().Inconsistent {
		t.Fatalf("snapshot lost the inconsistency flag")
	}
}

func TestDoubleReleaseIsLoud(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 5}, logx.Nop(), nil)
	if err := l.TryReserve("run-1", Set{"cpu": 5}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release("run-1"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	var inc *InconsistencyError
	if err := l.Release("run-1"); !errors.As(err, &inc) {
		t.Fatalf("second release = %v, want InconsistencyError", err)
	}
}

func TestDuplicateReserveSameOwnerRejected(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 10}, logx.Nop(), nil)
	if err := l.TryReserve("run-1", Set{"cpu": 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	var inc *InconsistencyError
	if err := l.TryReserve("run-1", Set{"cpu": 1}); !errors.As(err, &inc) {
		t.Fatalf("duplicate reserve = %v, want InconsistencyError", err)
	}
}

func TestConcurrentReserveNeverOversubscribes(t *testing.T) {
	t.Parallel()

	const capacity = 50
	l := NewLedger(Set{"cpu": capacity}, logx.Nop(), nil)

	var wg sync.WaitGroup
	granted := make(chan string, 100)
	for i := 0; i < 100; i++ {
		owner := fmt.Sprintf("run-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryReserve(owner, Set{"cpu": 10}) == nil {
				granted <- owner
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for owner := range granted {
		n++
		if err := l.Release(owner); err != nil {
			t.Fatalf("release %s: %v", owner, err)
		}
	}
	if n != capacity/10 {
		t.Fatalf("granted %d reservations, want %d", n, capacity/10)
	}

	snap := l.Snapshot()
	if snap.Resources[0].Used != 0 {
		t.Fatalf("used = %d after all releases", snap.Resources[0].Used)
	}
	if snap.Inconsistent {
		t.Fatalf("ledger flagged inconsistent")
	}
}

func TestApplyShrinkBelowUsage(t *testing.T) {
	t.Parallel()

	l := NewLedger(Set{"cpu": 20}, logx.Nop(), nil)
	if err := l.TryReserve("run-1", Set{"cpu": 15}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	l.Apply(Set{"cpu": 10})

	// New reservations see the shrunk budget.
	if err := l.TryReserve("run-2", Set{"cpu": 1}); err == nil {
		t.Fatalf("reserve succeeded above shrunk capacity")
	}
	// Existing hold drains normally.
	if err := l.Release("run-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.TryReserve("run-3", Set{"cpu": 10}); err != nil {
		t.Fatalf("reserve after drain: %v", err)
	}
}

func TestSetValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		set     Set
		wantErr bool
	}{
		{name: "ok", set: Set{"cpu": 1}, wantErr: false},
		{name: "zero ok", set: Set{"cpu": 0}, wantErr: false},
		{name: "negative", set: Set{"cpu": -1}, wantErr: true},
		{name: "blank name", set: Set{"": 1}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.set.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
