package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSingleBatchSettlesInOrder(t *testing.T) {
	var calls atomic.Int64
	p := New(Config{MaxBatchSize: 10, MaxWait: 20 * time.Millisecond},
		func(_ context.Context, items []int) ([]string, error) {
			calls.Add(1)
			out := make([]string, len(items))
			for i, v := range items {
				out[i] = strconv.Itoa(v)
			}
			return out, nil
		}, nil, nil)
	defer p.Stop()

	a := p.Add(1, 0)
	b := p.Add(2, 0)
	c := p.Add(3, 0)

	if got := (<-a).Value; got != "1" {
		t.Errorf("item 0 resolved with %q, want 1", got)
	}
	if got := (<-b).Value; got != "2" {
		t.Errorf("item 1 resolved with %q, want 2", got)
	}
	if got := (<-c).Value; got != "3" {
		t.Errorf("item 2 resolved with %q, want 3", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one batch, got %d", calls.Load())
	}
}

func TestPriorityOrderingFIFOWithinTier(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := New(Config{MaxBatchSize: 100, MaxWait: 20 * time.Millisecond},
		func(_ context.Context, items []string) ([]string, error) {
			mu.Lock()
			seen = append([]string(nil), items...)
			mu.Unlock()
			return items, nil
		}, nil, nil)
	defer p.Stop()

	chans := []<-chan Result[string]{
		p.Add("low-1", 1),
		p.Add("high-1", 5),
		p.Add("low-2", 1),
		p.Add("high-2", 5),
	}
	for _, ch := range chans {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("batch order %v, want %v", seen, want)
		}
	}
}

func TestMaxBatchSizeTriggersImmediateFlush(t *testing.T) {
	p := New(Config{MaxBatchSize: 2, MaxWait: time.Hour},
		func(_ context.Context, items []int) ([]int, error) {
			return items, nil
		}, nil, nil)
	defer p.Stop()

	a := p.Add(1, 0)
	b := p.Add(2, 0)

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("full batch should flush without waiting for the timer")
	}
	<-b
}

func TestProcessorErrorRejectsWholeBatch(t *testing.T) {
	boom := errors.New("backend down")
	p := New(Config{MaxBatchSize: 10, MaxWait: 10 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			return nil, boom
		}, nil, nil)
	defer p.Stop()

	a := p.Add(1, 0)
	b := p.Add(2, 0)

	if res := <-a; !errors.Is(res.Err, boom) {
		t.Errorf("item a err = %v, want %v", res.Err, boom)
	}
	if res := <-b; !errors.Is(res.Err, boom) {
		t.Errorf("item b err = %v, want %v", res.Err, boom)
	}
}

func TestShortResultSliceRejects(t *testing.T) {
	p := New(Config{MaxBatchSize: 10, MaxWait: 10 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			return items[:1], nil
		}, nil, nil)
	defer p.Stop()

	a := p.Add(1, 0)
	b := p.Add(2, 0)

	if res := <-a; !errors.Is(res.Err, ErrResultCount) {
		t.Errorf("err = %v, want ErrResultCount", res.Err)
	}
	<-b
}

func TestBatchTimeout(t *testing.T) {
	release := make(chan struct{})
	p := New(Config{MaxBatchSize: 10, MaxWait: 10 * time.Millisecond, BatchTimeout: 50 * time.Millisecond},
		func(ctx context.Context, items []int) ([]int, error) {
			<-release
			return items, nil
		}, nil, nil)
	defer p.Stop()
	defer close(release)

	a := p.Add(1, 0)
	if res := <-a; !errors.Is(res.Err, ErrBatchTimeout) {
		t.Errorf("err = %v, want ErrBatchTimeout", res.Err)
	}
}

func TestNoConcurrentBatches(t *testing.T) {
	var active atomic.Int64
	var maxActive atomic.Int64
	p := New(Config{MaxBatchSize: 2, MaxWait: 5 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			cur := active.Add(1)
			if cur > maxActive.Load() {
				maxActive.Store(cur)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return items, nil
		}, nil, nil)
	defer p.Stop()

	var chans []<-chan Result[int]
	for i := 0; i < 10; i++ {
		chans = append(chans, p.Add(i, 0))
	}
	for _, ch := range chans {
		<-ch
	}

	if maxActive.Load() > 1 {
		t.Errorf("observed %d concurrent batches, want at most 1", maxActive.Load())
	}
}

func TestLoneItemForceFlushedAfterRearm(t *testing.T) {
	p := New(Config{MaxBatchSize: 10, MinBatchSize: 5, MaxWait: 20 * time.Millisecond},
		func(_ context.Context, items []int) ([]int, error) {
			return items, nil
		}, nil, nil)
	defer p.Stop()

	// A lone item below minBatchSize is re-armed once, then force-flushed:
	// it must settle within roughly two wait windows, not hang forever.
	ch := p.Add(42, 0)
	select {
	case res := <-ch:
		if res.Err != nil || res.Value != 42 {
			t.Errorf("lone item settled with %v, %v", res.Value, res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lone item below minBatchSize was never flushed")
	}
}

func TestAddAfterStop(t *testing.T) {
	p := New(Config{}, func(_ context.Context, items []int) ([]int, error) {
		return items, nil
	}, nil, nil)
	p.Stop()
	p.Stop() // idempotent

	if res := <-p.Add(1, 0); !errors.Is(res.Err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", res.Err)
	}
}

func TestRecommendedBatchSizeClamps(t *testing.T) {
	fast := New(Config{MaxBatchSize: 60},
		func(_ context.Context, items []int) ([]int, error) { return items, nil }, nil, nil)
	fast.mu.Lock()
	fast.batches = 10
	fast.totalDuration = 100 * time.Millisecond // 10ms avg -> double
	fast.mu.Unlock()
	if got := fast.RecommendedBatchSize(); got != 100 {
		t.Errorf("fast: got %d, want 100 (doubled then clamped)", got)
	}

	slow := New(Config{MaxBatchSize: 1},
		func(_ context.Context, items []int) ([]int, error) { return items, nil }, nil, nil)
	slow.mu.Lock()
	slow.batches = 2
	slow.totalDuration = 4 * time.Second // 2s avg -> halve
	slow.mu.Unlock()
	if got := slow.RecommendedBatchSize(); got != 1 {
		t.Errorf("slow: got %d, want clamp to 1", got)
	}

	idle := New(Config{MaxBatchSize: 25},
		func(_ context.Context, items []int) ([]int, error) { return items, nil }, nil, nil)
	if got := idle.RecommendedBatchSize(); got != 25 {
		t.Errorf("idle: got %d, want configured 25", got)
	}
}
