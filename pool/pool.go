// Package pool implements the Worker Pool (spec §4.4): a keyed map of
// live Workers with LRU capacity eviction, per-key single-flight creation,
// per-key FIFO request queuing, and idle/TTL/max-request reapers.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buntimehq/buntime/log"
	"github.com/buntimehq/buntime/metrics"
	"github.com/buntimehq/buntime/types"
	"github.com/buntimehq/buntime/worker"
)

// sweepInterval is the coarse backstop sweep period, matching the
// reference buffered policy's flush-interval-ticker idiom: per-Worker
// timers do the real work, this is only a safety net against a missed or
// leaked timer.
const sweepInterval = 5 * time.Second

// entry is one key's pool bookkeeping.
type entry struct {
	key     string
	appDir  string
	appName string
	version string
	cfg     *types.WorkerConfig
	w       *worker.Worker
	lock    *keyLock

	idleTimer *time.Timer
	ttlTimer  *time.Timer
}

// Pool is the dispatcher-wide Worker Pool.
type Pool struct {
	binPath  string
	capacity int
	logger   *log.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used key
	lruElem  map[string]*list.Element
	creating map[string]chan struct{}

	startedAt    time.Time
	shuttingDown bool

	// pending is the number of Dispatch calls currently in flight — started
	// before GetOrCreate/queueing and decremented only once the Worker round
	// trip (success or failure) returns. Surfaced as PoolMetrics.PendingRequests.
	// totalRequests is not sum(worker.requestCount) + pending: it also counts
	// requests that never reach the pool (resolver misses, proxied requests),
	// and a removed Worker's requestCount leaves the sum.
	pending int64

	stopSweep chan struct{}

	// spawn creates the Worker for a new key. Defaults to worker.Spawn;
	// overridable in tests to stand in a fake peer instead of a real
	// subprocess.
	spawn func(ctx context.Context, binPath, appDir, appName, version string, cfg *types.WorkerConfig, logger *log.Logger) (*worker.Worker, error)
}

// New creates a Pool with the given capacity (spec §4.4, §6 POOL_SIZE).
func New(binPath string, capacity int, logger *log.Logger, collector *metrics.Collector) *Pool {
	p := &Pool{
		binPath:   binPath,
		capacity:  capacity,
		logger:    logger,
		metrics:   collector,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		lruElem:   make(map[string]*list.Element),
		creating:  make(map[string]chan struct{}),
		startedAt: time.Now(),
		stopSweep: make(chan struct{}),
		spawn:     worker.Spawn,
	}
	go p.sweepLoop()
	return p
}

// GetOrCreate returns a Ready Worker for key appDir, spawning one if
// absent. Concurrent callers racing on the same key wait for the single
// spawn in flight and then share its Worker. If that spawn fails, only the
// caller that ran it gets the error; each waiting caller then starts a
// spawn of its own.
func (p *Pool) GetOrCreate(ctx context.Context, appDir, appName, version string, cfg *types.WorkerConfig) (*worker.Worker, error) {
	key := appName + "@" + version

	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, types.NewError(types.ErrorKindPoolShuttingDown, "pool is shutting down")
		}
		if e, ok := p.entries[key]; ok {
			p.lockedTouch(key)
			p.mu.Unlock()
			return e.w, nil
		}
		if wait, ok := p.creating[key]; ok {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, types.WrapError(types.ErrorKindWorkerTimeout, "timed out waiting for worker creation", ctx.Err())
			}
		}

		wait := make(chan struct{})
		p.creating[key] = wait
		p.mu.Unlock()

		w, err := p.create(ctx, key, appDir, appName, version, cfg)

		p.mu.Lock()
		delete(p.creating, key)
		p.mu.Unlock()
		close(wait)

		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// create spawns a new Worker, evicting an LRU-ready Worker first if the
// pool is at capacity.
func (p *Pool) create(ctx context.Context, key, appDir, appName, version string, cfg *types.WorkerConfig) (*worker.Worker, error) {
	p.mu.Lock()
	if len(p.entries) >= p.capacity {
		p.lockedEvictOneReady()
	}
	p.mu.Unlock()

	w, err := p.spawn(ctx, p.binPath, appDir, appName, version, cfg, p.logger)
	if err != nil {
		return nil, err
	}

	e := &entry{
		key:     key,
		appDir:  appDir,
		appName: appName,
		version: version,
		cfg:     cfg,
		w:       w,
		lock:    newKeyLock(),
	}

	p.mu.Lock()
	p.entries[key] = e
	p.lockedTouch(key)
	p.scheduleReapersLocked(e)
	p.mu.Unlock()

	return w, nil
}

// lockedEvictOneReady evicts the least-recently-used Ready Worker. Busy and
// Spawning Workers are never evicted (spec §4.4).
func (p *Pool) lockedEvictOneReady() {
	for elem := p.lru.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(string)
		e, ok := p.entries[key]
		if !ok {
			continue
		}
		if e.w.State() != types.WorkerReady {
			continue
		}
		p.lockedRemove(key)
		go e.w.Drain(5 * time.Second)
		return
	}
}

// lockedTouch marks key as most recently used.
func (p *Pool) lockedTouch(key string) {
	if elem, ok := p.lruElem[key]; ok {
		p.lru.MoveToFront(elem)
		return
	}
	p.lruElem[key] = p.lru.PushFront(key)
}

// lockedRemove deletes key's bookkeeping. It does not terminate the
// Worker; callers decide how (Drain vs Kill).
func (p *Pool) lockedRemove(key string) {
	if e, ok := p.entries[key]; ok {
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		if e.ttlTimer != nil {
			e.ttlTimer.Stop()
		}
	}
	delete(p.entries, key)
	if elem, ok := p.lruElem[key]; ok {
		p.lru.Remove(elem)
		delete(p.lruElem, key)
	}
}

func (p *Pool) scheduleReapersLocked(e *entry) {
	if e.cfg.TTLMs > 0 {
		ttl := time.Duration(e.cfg.TTLMs) * time.Millisecond
		e.ttlTimer = time.AfterFunc(ttl, func() { p.reap(e.key, "ttl") })
	}
	p.resetIdleTimerLocked(e)
}

func (p *Pool) resetIdleTimerLocked(e *entry) {
	if e.cfg.IdleTimeoutMs <= 0 {
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	idle := time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond
	e.idleTimer = time.AfterFunc(idle, func() { p.reap(e.key, "idle") })
}

// reap evicts the Worker at key, whatever the reason, per spec §4.4's
// idle/ttl/max-requests reaper behavior: remove, send IDLE, then mark
// Draining and TERMINATE.
func (p *Pool) reap(key, reason string) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.lockedRemove(key)
	p.mu.Unlock()

	p.logger.Info("reaping worker", map[string]any{"key": key, "reason": reason})
	_ = e.w.Idle()
	_ = e.w.Drain(5 * time.Second)
}

// sweepLoop is the coarse backstop: periodically re-checks idle/TTL/
// max-request conditions in case a per-Worker timer was somehow missed.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var toReap []string
	for key, e := range p.entries {
		if e.cfg.MaxRequests > 0 && e.w.RequestCount() >= e.cfg.MaxRequests {
			toReap = append(toReap, key)
			continue
		}
		if e.cfg.IdleTimeoutMs > 0 && e.w.IdleSince() >= time.Duration(e.cfg.IdleTimeoutMs)*time.Millisecond {
			toReap = append(toReap, key)
			continue
		}
		if e.cfg.TTLMs > 0 && e.w.Age() >= time.Duration(e.cfg.TTLMs)*time.Millisecond {
			toReap = append(toReap, key)
		}
	}
	p.mu.Unlock()

	for _, key := range toReap {
		p.reap(key, "sweep")
	}
}

// Dispatch serializes requests to the Worker for key through a per-key
// FIFO lock (spec §4.4 "the pool queues the request on that Worker,
// preserving at-most-one-Worker-per-key"), runs the request, and notifies
// the reaper set of the Worker's fresh activity and request count.
func (p *Pool) Dispatch(ctx context.Context, appDir, appName, version string, cfg *types.WorkerConfig, req *types.WireRequest) (*types.WireResponse, error) {
	atomic.AddInt64(&p.pending, 1)
	defer atomic.AddInt64(&p.pending, -1)

	w, err := p.GetOrCreate(ctx, appDir, appName, version, cfg)
	if err != nil {
		return nil, err
	}

	key := appName + "@" + version
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrorKindWorkerCrashed, fmt.Sprintf("worker for %s disappeared before dispatch", key))
	}

	release := e.lock.Acquire(ctx)
	if release == nil {
		return nil, types.WrapError(types.ErrorKindWorkerTimeout, "timed out waiting in queue", ctx.Err())
	}
	defer release()

	resp, dispatchErr := w.Dispatch(ctx, req)

	p.mu.Lock()
	if ce, ok := p.entries[key]; ok {
		p.lockedTouch(key)
		p.resetIdleTimerLocked(ce)
		if dispatchErr == nil && ce.cfg.MaxRequests > 0 && w.RequestCount() >= ce.cfg.MaxRequests {
			p.lockedRemove(key)
			go w.Drain(5 * time.Second)
		}
	}
	p.mu.Unlock()

	if dispatchErr != nil {
		var rtErr *types.RuntimeError
		if asRuntimeError(dispatchErr, &rtErr) && (rtErr.Kind == types.ErrorKindWorkerTimeout || rtErr.Kind == types.ErrorKindWorkerCrashed) {
			p.mu.Lock()
			p.lockedRemove(key)
			p.mu.Unlock()
			go w.Kill()
		}
		return nil, dispatchErr
	}

	return resp, nil
}

func asRuntimeError(err error, target **types.RuntimeError) bool {
	if rtErr, ok := err.(*types.RuntimeError); ok {
		*target = rtErr
		return true
	}
	return false
}

// Config returns the WorkerConfig cached alongside the live Worker for
// appName/version, if one exists. The dispatcher uses this to avoid
// re-reading the config file for every request once a Worker is up (spec
// §4.2: "cached with the Worker; not reloaded for the Worker's life").
func (p *Pool) Config(appName, version string) (*types.WorkerConfig, bool) {
	key := appName + "@" + version
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return e.cfg, true
}

// Metrics returns a point-in-time PoolMetrics snapshot (spec §3.1).
func (p *Pool) Metrics() types.PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := types.PoolMetrics{
		Uptime:          time.Since(p.startedAt),
		PendingRequests: atomic.LoadInt64(&p.pending),
		Workers:         make(map[string]types.WorkerSnapshot, len(p.entries)),
	}

	snap := p.metrics.Snapshot()
	m.TotalRequests = snap.TotalRequests
	m.TotalErrors = snap.TotalErrors

	for key, e := range p.entries {
		snap := e.w.Snapshot()
		m.Workers[key] = snap
		switch snap.State {
		case types.WorkerReady:
			m.IdleWorkers++
			m.ActiveWorkers++
		case types.WorkerBusy:
			m.ActiveWorkers++
		case types.WorkerSpawning:
			m.SpawningWorkers++
		case types.WorkerDraining:
			m.DrainingWorkers++
		}
	}

	return m
}

// Shutdown drains every live Worker, waiting up to grace for all of them
// to exit (spec §4.4).
func (p *Pool) Shutdown(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.shuttingDown = true
	keys := make([]string, 0, len(p.entries))
	workers := make([]*worker.Worker, 0, len(p.entries))
	for key, e := range p.entries {
		keys = append(keys, key)
		workers = append(workers, e.w)
	}
	for _, key := range keys {
		p.lockedRemove(key)
	}
	p.mu.Unlock()

	close(p.stopSweep)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			_ = w.Drain(grace)
		}(w)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
