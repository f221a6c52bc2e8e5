package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	m := NewManager()
	var fired int32
	m.Schedule("t1", 10*time.Millisecond, "payload", func(id string, payload interface{}) {
		if id != "t1" || payload != "payload" {
			t.Errorf("unexpected fire args: %s %v", id, payload)
		}
		atomic.StoreInt32(&fired, 1)
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("timer did not fire")
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	m := NewManager()
	var calls int32
	m.Schedule("t1", 10*time.Millisecond, nil, func(string, interface{}) {
		atomic.AddInt32(&calls, 1)
	})
	m.Schedule("t1", 10*time.Millisecond, nil, func(string, interface{}) {
		atomic.AddInt32(&calls, 1)
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one fire, got %d", calls)
	}
}

func TestCancel(t *testing.T) {
	m := NewManager()
	var fired int32
	m.Schedule("t1", 10*time.Millisecond, nil, func(string, interface{}) {
		atomic.StoreInt32(&fired, 1)
	})

	if !m.Cancel("t1") {
		t.Fatal("expected cancel of scheduled timer to succeed")
	}
	if m.Cancel("t1") {
		t.Fatal("expected second cancel to report not-found")
	}

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer fired anyway")
	}
}

func TestStopAll(t *testing.T) {
	m := NewManager()
	var fired int32
	for _, id := range []string{"a", "b", "c"} {
		m.Schedule(id, 10*time.Millisecond, nil, func(string, interface{}) {
			atomic.AddInt32(&fired, 1)
		})
	}
	m.StopAll()

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected no fires after StopAll, got %d", fired)
	}
}
