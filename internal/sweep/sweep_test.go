package sweep

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerRegisterAndFire(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	var ticks atomic.Int64
	if err := r.Register("tick", 10*time.Millisecond, func() {
		ticks.Add(1)
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() == 0 {
		t.Fatal("job never fired")
	}
}

func TestRunnerRecoversPanic(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	var after atomic.Bool
	if err := r.Register("boom", 10*time.Millisecond, func() {
		if !after.Load() {
			after.Store(true)
			panic("sweep failure")
		}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for !after.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !after.Load() {
		t.Fatal("panicking job never ran")
	}
	// A second registration still works after a panic.
	if err := r.Register("ok", time.Second, func() {}); err != nil {
		t.Fatalf("register after panic: %v", err)
	}
}

func TestRunnerRejectsBadInterval(t *testing.T) {
	r := NewRunner(nil)
	if err := r.Register("bad", 0, func() {}); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestRunnerStartStopIdempotent(t *testing.T) {
	r := NewRunner(nil)
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestRunnerReplaceAndRemove(t *testing.T) {
	r := NewRunner(nil)
	defer r.Stop()

	if err := r.Register("job", time.Second, func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("job", time.Minute, func() {}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := len(r.Jobs()); got != 1 {
		t.Errorf("expected 1 job after replace, got %d", got)
	}

	r.Remove("job")
	if got := len(r.Jobs()); got != 0 {
		t.Errorf("expected 0 jobs after remove, got %d", got)
	}
	r.Remove("job") // unknown name, no-op
}
