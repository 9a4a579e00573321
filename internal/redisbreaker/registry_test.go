package redisbreaker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	if r.Get("redis-1") != nil {
		t.Fatal("Get before create should be nil")
	}
	a := r.GetOrCreate("redis-1")
	b := r.GetOrCreate("redis-1")
	if a != b {
		t.Fatal("GetOrCreate must return the same breaker per endpoint")
	}
	if r.GetOrCreate("redis-2") == a {
		t.Fatal("distinct endpoints must get distinct breakers")
	}
}

func TestRegistry_GetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	var wg sync.WaitGroup
	results := make([]*Breaker, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
		}()
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate must converge on one breaker")
		}
	}
}

func TestRegistry_Do(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fastConfig())

	// Success path passes the op's result through.
	if err := r.Do("redis-1", func() error { return nil }); err != nil {
		t.Fatalf("Do = %v", err)
	}

	// Infrastructure failures count toward the threshold.
	netFail := func() error { return &net.OpError{Op: "dial", Err: errors.New("connection refused")} }
	for range 5 {
		_ = r.Do("redis-1", netFail)
	}
	err := r.Do("redis-1", func() error {
		t.Fatal("op must not run when the breaker is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestRegistry_Do_ProtocolErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fastConfig())
	protoFail := func() error { return errors.New("WRONGTYPE Operation against a key") }
	for range 20 {
		_ = r.Do("redis-1", protoFail)
	}
	if got := r.Get("redis-1").State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (protocol errors are not infra faults)", got)
	}
}

func TestRegistry_States(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fastConfig())
	r.GetOrCreate("a")
	trip(r.GetOrCreate("b"), 5)

	states := r.States()
	if states["a"] != StateClosed || states["b"] != StateOpen {
		t.Fatalf("states = %v", states)
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	r.GetOrCreate("old")
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	r.GetOrCreate("fresh")

	if n := r.EvictStale(cutoff); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if r.Get("old") != nil {
		t.Fatal("stale breaker must be gone")
	}
	if r.Get("fresh") == nil {
		t.Fatal("fresh breaker must survive")
	}
}

func TestIsInfrastructureError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"protocol error", errors.New("ERR unknown command"), false},
	}
	for _, tt := range tests {
		if got := IsInfrastructureError(tt.err); got != tt.want {
			t.Errorf("%s: IsInfrastructureError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
