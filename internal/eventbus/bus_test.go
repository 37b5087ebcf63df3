package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "task.started", Data: "deploy"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "task.started" {
				t.Fatalf("sub %d got type %q", i, e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d event has zero time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d did not receive", i)
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		filters []string
		publish []string
		want    []string
	}{
		{
			name:    "exact",
			filters: []string{"alert.opened"},
			publish: []string{"alert.opened", "alert.resolved", "task.started"},
			want:    []string{"alert.opened"},
		},
		{
			name:    "prefix",
			filters: []string{"task."},
			publish: []string{"task.started", "task.finished", "alert.opened"},
			want:    []string{"task.started", "task.finished"},
		},
		{
			name:    "mixed",
			filters: []string{"task.", "alert.resolved"},
			publish: []string{"alert.opened", "alert.resolved", "task.requeued"},
			want:    []string{"alert.resolved", "task.requeued"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := New()
			ch, unsub := b.SubscribeTypes(16, tt.filters...)
			defer unsub()

			for _, typ := range tt.publish {
				b.Publish(Event{Type: typ})
			}

			got := make([]string, 0, len(tt.want))
		drain:
			for {
				select {
				case e := <-ch:
					got = append(got, e.Type)
				default:
					break drain
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped

	select {
	case e := <-ch:
		if e.Type != "a" {
			t.Fatalf("got %q, want a", e.Type)
		}
	default:
		t.Fatalf("first event missing")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Must not panic even though the channel is closed.
	b.Publish(Event{Type: "task.finished"})
}
