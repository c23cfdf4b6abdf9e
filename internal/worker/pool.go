package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StartFunc launches a fresh worker for an identity. The pool owns the
// returned handle until it is evicted, idles out or dies.
type StartFunc func(Identity) (*Handle, error)

// Options configures a Pool. MaxSlots of 1 gives single-resident behavior: a
// request for a different identity replaces the resident worker. Larger
// values keep several identities warm and evict the least recently used one
// when full.
type Options struct {
	// Name identifies the pool in logs and metrics, typically the engine
	// name.
	Name        string
	MaxSlots    int
	IdleTimeout time.Duration
	Start       StartFunc
	Logger      *slog.Logger
}

type slot struct {
	identity Identity
	handle   *Handle
	timer    *time.Timer
	lastUsed time.Time
	// inUse counts callers between Acquire and Release. A pinned slot is
	// never idle-stopped or LRU-evicted; its timer re-arms on release.
	inUse int
}

// Pool keeps up to MaxSlots live workers, one per identity, with LRU
// eviction at capacity and an independent single-shot idle timer per slot.
// Slots are pinned between Acquire and Release, so neither the idle timer
// nor eviction can take a worker down while a request is on its pipe.
// One pool-wide lock guards the slot table, the recency order and the timers
// together, so eviction, insertion and lookup are atomic relative to each
// other and two concurrent callers can never double-start the same identity.
type Pool struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	slots *lru.Cache[string, *slot]

	starts    metric.Int64Counter
	evictions metric.Int64Counter
	idleStops metric.Int64Counter
	live      metric.Int64UpDownCounter
	attrs     metric.MeasurementOption
}

func NewPool(opts Options) (*Pool, error) {
	if opts.MaxSlots <= 0 {
		return nil, fmt.Errorf("pool %q: max slots must be >= 1", opts.Name)
	}
	if opts.Start == nil {
		return nil, fmt.Errorf("pool %q: start function is required", opts.Name)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		opts:  opts,
		log:   log.With(slog.String("pool", opts.Name)),
		attrs: metric.WithAttributes(attribute.String("engine", opts.Name)),
	}

	cache, err := lru.NewWithEvict[string, *slot](opts.MaxSlots, p.releaseSlot)
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", opts.Name, err)
	}
	p.slots = cache

	meter := otel.Meter("superfreetts/worker")
	p.starts, err = meter.Int64Counter("tts_worker_starts_total")
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", opts.Name, err)
	}
	p.evictions, err = meter.Int64Counter("tts_worker_evictions_total")
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", opts.Name, err)
	}
	p.idleStops, err = meter.Int64Counter("tts_worker_idle_stops_total")
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", opts.Name, err)
	}
	p.live, err = meter.Int64UpDownCounter("tts_workers_live")
	if err != nil {
		return nil, fmt.Errorf("pool %q: %w", opts.Name, err)
	}

	return p, nil
}

// Acquire returns a live handle for identity, starting one if needed, and
// pins the slot until the matching Release (or Stop on failure). A hit bumps
// the slot to most recently used. A miss at capacity first evicts the least
// recently used unpinned slot; when every slot is pinned Acquire fails with
// ErrPoolBusy rather than kill a worker mid-request. Dead residents are
// purged and replaced transparently.
func (p *Pool) Acquire(ctx context.Context, identity Identity) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := identity.Key()
	if s, ok := p.slots.Get(key); ok {
		if s.handle.Alive() {
			p.pinLocked(s)
			return s.handle, nil
		}
		// Resident died between requests; purge and fall through to a
		// fresh start.
		p.log.Info("resident worker found dead", slog.String("identity", identity.String()))
		p.slots.Remove(key)
	}

	for p.slots.Len() >= p.opts.MaxSlots {
		evicted := false
		// Keys runs from least to most recently used.
		for _, k := range p.slots.Keys() {
			s, ok := p.slots.Peek(k)
			if !ok || s.inUse > 0 {
				continue
			}
			p.log.Info("pool full, evicting least recently used worker",
				slog.String("evicted", s.identity.String()),
				slog.String("wanted", identity.String()))
			p.evictions.Add(ctx, 1, p.attrs)
			p.slots.Remove(k)
			evicted = true
			break
		}
		if !evicted {
			return nil, fmt.Errorf("pool %q: %w", p.opts.Name, ErrPoolBusy)
		}
	}

	handle, err := p.opts.Start(identity)
	if err != nil {
		return nil, err
	}
	p.starts.Add(ctx, 1, p.attrs)
	p.live.Add(ctx, 1, p.attrs)

	s := &slot{identity: identity, handle: handle}
	p.slots.Add(key, s)
	p.pinLocked(s)
	return handle, nil
}

// Release unpins identity's slot after a completed request and re-arms its
// idle timer once no caller holds it. It is a no-op when the slot is gone.
func (p *Pool) Release(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots.Peek(identity.Key())
	if !ok {
		return
	}
	if s.inUse > 0 {
		s.inUse--
	}
	if s.inUse == 0 {
		p.armTimerLocked(s)
	}
}

// Stop purges one identity's worker if present.
func (p *Pool) Stop(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots.Remove(identity.Key())
}

// StopAll stops every resident worker; used for shutdown or global reset.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots.Purge()
}

// Len reports the number of registered slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots.Len()
}

// pinLocked marks a slot in use and silences its idle timer until release.
func (p *Pool) pinLocked(s *slot) {
	s.inUse++
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (p *Pool) armTimerLocked(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.lastUsed = time.Now()
	identity := s.identity
	s.timer = time.AfterFunc(p.opts.IdleTimeout, func() {
		p.expire(identity)
	})
}

func (p *Pool) expire(identity Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots.Peek(identity.Key())
	if !ok {
		return
	}
	// A stopped timer can still have fired concurrently; a pinned slot has
	// a request in flight and is never stopped from here.
	if s.inUse > 0 {
		return
	}
	// An expired timer can race a concurrent re-arm; only a genuinely idle
	// slot is stopped.
	if time.Since(s.lastUsed) < p.opts.IdleTimeout {
		return
	}
	p.log.Info("idle timeout, stopping worker", slog.String("identity", identity.String()))
	p.idleStops.Add(context.Background(), 1, p.attrs)
	p.slots.Remove(identity.Key())
}

// releaseSlot is the cache eviction hook; it runs under the pool lock for
// every removal path (LRU eviction, explicit stop, purge).
func (p *Pool) releaseSlot(_ string, s *slot) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.handle.Stop()
	p.live.Add(context.Background(), -1, p.attrs)
}
