package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testPool wires a Pool to real shell workers, counting starts per identity.
type testPool struct {
	*Pool
	mu     sync.Mutex
	starts map[string]int
}

func newTestPool(t *testing.T, maxSlots int, idle time.Duration) *testPool {
	t.Helper()
	script := writeScript(t, echoWorker)
	tp := &testPool{starts: make(map[string]int)}
	pool, err := NewPool(Options{
		Name:        "test",
		MaxSlots:    maxSlots,
		IdleTimeout: idle,
		Logger:      newLogger(),
		Start: func(identity Identity) (*Handle, error) {
			tp.mu.Lock()
			tp.starts[identity.Key()]++
			tp.mu.Unlock()
			return Start(Identity{Executable: script, Model: identity.Model}, StartOptions{Logger: newLogger()})
		},
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.StopAll)
	tp.Pool = pool
	return tp
}

func (tp *testPool) startCount(identity Identity) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.starts[identity.Key()]
}

func ident(model string) Identity {
	return Identity{Executable: "/fake/engine", Model: model}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// acquireReleased acquires an identity and immediately releases it, leaving
// the slot resident but idle.
func acquireReleased(t *testing.T, p *Pool, id Identity) *Handle {
	t.Helper()
	h, err := p.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("acquire %s: %v", id.Model, err)
	}
	p.Release(id)
	return h
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	tp := newTestPool(t, 3, time.Minute)

	x := acquireReleased(t, tp.Pool, ident("x"))
	y := acquireReleased(t, tp.Pool, ident("y"))
	z := acquireReleased(t, tp.Pool, ident("z"))
	acquireReleased(t, tp.Pool, ident("w"))

	if tp.Len() != 3 {
		t.Fatalf("expected 3 slots, got %d", tp.Len())
	}
	if x.Alive() {
		t.Fatal("expected oldest worker stopped")
	}
	if !y.Alive() || !z.Alive() {
		t.Fatal("expected newer workers untouched")
	}
}

func TestPoolHitBumpsRecency(t *testing.T) {
	tp := newTestPool(t, 3, time.Minute)

	x := acquireReleased(t, tp.Pool, ident("x"))
	y := acquireReleased(t, tp.Pool, ident("y"))
	acquireReleased(t, tp.Pool, ident("z"))

	// Reusing x makes y the eviction candidate.
	x2 := acquireReleased(t, tp.Pool, ident("x"))
	if x2 != x {
		t.Fatal("expected cached handle on hit")
	}
	if tp.startCount(ident("x")) != 1 {
		t.Fatalf("expected 1 start for x, got %d", tp.startCount(ident("x")))
	}

	acquireReleased(t, tp.Pool, ident("w"))
	if y.Alive() {
		t.Fatal("expected y evicted after x was bumped")
	}
	if !x.Alive() {
		t.Fatal("expected x kept")
	}
}

func TestPoolReplacesDeadResident(t *testing.T) {
	script := writeScript(t, `read -r line
exit 1
`)
	var starts int
	var mu sync.Mutex
	pool, err := NewPool(Options{
		Name:        "test",
		MaxSlots:    1,
		IdleTimeout: time.Minute,
		Logger:      newLogger(),
		Start: func(identity Identity) (*Handle, error) {
			mu.Lock()
			starts++
			mu.Unlock()
			return Start(Identity{Executable: script}, StartOptions{Logger: newLogger()})
		},
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.StopAll)

	ctx := context.Background()
	id := ident("")

	h1, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// The worker dies serving the request.
	if _, err := h1.SendRequest(ctx, Request{Text: "x", OutputFile: "o.wav"}); err == nil {
		t.Fatal("expected request failure")
	}

	h2, err := pool.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if h2 == h1 {
		t.Fatal("expected a fresh handle after death")
	}
	mu.Lock()
	got := starts
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected 2 starts, got %d", got)
	}
}

func TestPoolConcurrentAcquireSingleStart(t *testing.T) {
	tp := newTestPool(t, 3, time.Minute)
	id := ident("shared")

	var wg sync.WaitGroup
	handles := make([]*Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := tp.Acquire(context.Background(), id)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			tp.Release(id)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if tp.startCount(id) != 1 {
		t.Fatalf("expected exactly 1 start, got %d", tp.startCount(id))
	}
	for _, h := range handles {
		if h != handles[0] {
			t.Fatal("expected all callers to share one handle")
		}
	}
}

func TestPoolIdleTimeout(t *testing.T) {
	tp := newTestPool(t, 3, 150*time.Millisecond)
	id := ident("idle")

	h := acquireReleased(t, tp.Pool, id)

	waitFor(t, 2*time.Second, func() bool { return !h.Alive() && tp.Len() == 0 },
		"expected idle worker stopped and slot removed")

	// The next request gets a fresh worker.
	h2 := acquireReleased(t, tp.Pool, id)
	if h2 == h {
		t.Fatal("expected fresh handle after idle stop")
	}
	if tp.startCount(id) != 2 {
		t.Fatalf("expected 2 starts, got %d", tp.startCount(id))
	}
}

func TestPoolReleaseDefersIdleStop(t *testing.T) {
	tp := newTestPool(t, 3, 500*time.Millisecond)
	id := ident("busy")

	h := acquireReleased(t, tp.Pool, id)

	time.Sleep(300 * time.Millisecond)
	acquireReleased(t, tp.Pool, id)
	time.Sleep(300 * time.Millisecond)

	// 600ms after the first release but only 300ms after the second.
	if !h.Alive() {
		t.Fatal("expected recently used worker still alive")
	}

	waitFor(t, 2*time.Second, func() bool { return !h.Alive() },
		"expected worker stopped after idle period elapsed")
}

func TestPoolIdleTimerSparesInFlightRequest(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do
  sleep 1
  printf '{"status":"ok","file":"out.wav"}\n'
done
`)
	pool, err := NewPool(Options{
		Name:        "test",
		MaxSlots:    1,
		IdleTimeout: 150 * time.Millisecond,
		Logger:      newLogger(),
		Start: func(Identity) (*Handle, error) {
			return Start(Identity{Executable: script}, StartOptions{Logger: newLogger()})
		},
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.StopAll)

	id := ident("slow")
	h, err := pool.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The response takes well past the idle window; the pinned slot must
	// not be stopped under the request.
	resp, err := h.SendRequest(context.Background(), Request{Text: "x", OutputFile: "o.wav"})
	if err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("unexpected status %q", resp.Status)
	}
	pool.Release(id)

	// Once released the idle timer applies again.
	waitFor(t, 2*time.Second, func() bool { return !h.Alive() },
		"expected worker stopped after release plus idle window")
}

func TestPoolEvictionSparesBusySlot(t *testing.T) {
	slow := writeScript(t, `while IFS= read -r line; do
  sleep 1
  printf '{"status":"ok","file":"out.wav"}\n'
done
`)
	pool, err := NewPool(Options{
		Name:        "test",
		MaxSlots:    2,
		IdleTimeout: time.Minute,
		Logger:      newLogger(),
		Start: func(Identity) (*Handle, error) {
			return Start(Identity{Executable: slow}, StartOptions{Logger: newLogger()})
		},
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.StopAll)

	busy, err := pool.Acquire(context.Background(), ident("busy"))
	if err != nil {
		t.Fatalf("acquire busy: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := busy.SendRequest(context.Background(), Request{Text: "x", OutputFile: "o.wav"})
		done <- err
	}()

	idle := acquireReleased(t, pool, ident("idle"))

	// At capacity with one slot mid-request: the idle slot is the only
	// eviction candidate, recency order notwithstanding.
	if _, err := pool.Acquire(context.Background(), ident("fresh")); err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}
	if idle.Alive() {
		t.Fatal("expected idle slot evicted")
	}
	if !busy.Alive() {
		t.Fatal("expected busy slot spared")
	}

	// Both resident slots are pinned now: a third identity cannot be
	// served without killing one mid-flight.
	if _, err := pool.Acquire(context.Background(), ident("another")); !errors.Is(err, ErrPoolBusy) {
		t.Fatalf("expected ErrPoolBusy with all slots pinned, got %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("in-flight request failed: %v", err)
	}
	pool.Release(ident("busy"))
	pool.Release(ident("fresh"))

	// With the pins dropped the pool can evict again.
	if _, err := pool.Acquire(context.Background(), ident("another")); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestPoolStopAbsentIdentity(t *testing.T) {
	tp := newTestPool(t, 3, time.Minute)
	tp.Stop(ident("never-started"))
	if tp.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", tp.Len())
	}
}

func TestPoolStopAll(t *testing.T) {
	tp := newTestPool(t, 3, time.Minute)
	ctx := context.Background()

	a, _ := tp.Acquire(ctx, ident("a"))
	b, _ := tp.Acquire(ctx, ident("b"))

	tp.StopAll()
	if tp.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", tp.Len())
	}
	if a.Alive() || b.Alive() {
		t.Fatal("expected all workers stopped")
	}
}

func TestPoolSingleSlotReplacesOnIdentityChange(t *testing.T) {
	tp := newTestPool(t, 1, time.Minute)

	a := acquireReleased(t, tp.Pool, ident("a"))
	b := acquireReleased(t, tp.Pool, ident("b"))

	if tp.Len() != 1 {
		t.Fatalf("expected 1 slot, got %d", tp.Len())
	}
	if a.Alive() {
		t.Fatal("expected previous worker stopped on identity change")
	}
	if !b.Alive() {
		t.Fatal("expected new worker alive")
	}
}

func TestPoolRejectsBadOptions(t *testing.T) {
	if _, err := NewPool(Options{Name: "bad", MaxSlots: 0, Start: func(Identity) (*Handle, error) { return nil, nil }}); err == nil {
		t.Fatal("expected error for zero max slots")
	}
	if _, err := NewPool(Options{Name: "bad", MaxSlots: 1}); err == nil {
		t.Fatal("expected error for missing start function")
	}
}
