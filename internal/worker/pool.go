package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/metrics"
)

// ErrBusy is returned by TryAcquire when every created worker is loaned
// out and the pool is at capacity.
var ErrBusy = errors.New("worker pool: all workers busy")

// ErrPoolClosed is returned by acquires after Close.
var ErrPoolClosed = errors.New("worker pool: closed")

// PoolConfig sizes the pool and describes how to start its workers.
type PoolConfig struct {
	// MaxWorkers caps the number of worker processes ever created.
	MaxWorkers int
	// Spawn is handed to Spawn for each new worker.
	Spawn SpawnConfig
	// Spawner replaces process spawning entirely when set. In-process
	// workers (Serve over attached pipes) come in through here.
	Spawner func(ctx context.Context, id int) (*Worker, error)
}

// Pool owns up to MaxWorkers inference processes and loans each to one
// stream at a time. Workers are constructed lazily: the first acquires pay
// the model-load cost, later ones reuse warm processes. A worker that dies
// while loaned is discarded on release and its capacity slot reclaimed, so
// a later acquire re-spawns a fresh one.
type Pool struct {
	max   int
	spawn func(ctx context.Context, id int) (*Worker, error)

	free chan *Worker

	// closing unblocks acquires parked on the free channel at Close time.
	closing chan struct{}

	mu      sync.Mutex
	created int
	nextID  int
	closed  bool

	// spawnMu serializes construction so two acquires racing past the
	// capacity check cannot both load a model. Held only for the spawn.
	spawnMu sync.Mutex

	logger *zap.Logger
}

// NewPool creates an empty pool. No worker process is started until the
// first acquire.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	p := &Pool{
		max:     cfg.MaxWorkers,
		free:    make(chan *Worker, cfg.MaxWorkers),
		closing: make(chan struct{}),
		logger:  logger,
	}
	p.spawn = cfg.Spawner
	if p.spawn == nil {
		p.spawn = func(ctx context.Context, id int) (*Worker, error) {
			return Spawn(ctx, id, cfg.Spawn, logger)
		}
	}
	return p
}

// TryAcquire returns a free worker without waiting on a loaned one. If no
// worker is free but the created count is still below capacity, it
// constructs one; the caller pays the model-load time once. Returns ErrBusy
// when the pool is saturated.
func (p *Pool) TryAcquire(ctx context.Context) (*Worker, error) {
	for {
		w, err := p.takeFree()
		if err != nil {
			return nil, err
		}
		if w == nil {
			break
		}
		if w.Healthy() {
			p.observe()
			return w, nil
		}
		p.discard(w)
	}
	return p.construct(ctx)
}

// Acquire returns a free worker, waiting for a release when the pool is
// saturated. The wait is bounded only by ctx.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	for {
		w, err := p.TryAcquire(ctx)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		select {
		case w := <-p.free:
			if w.Healthy() {
				p.observe()
				return w, nil
			}
			// A slot just opened; loop around and try to re-spawn.
			p.discard(w)
		case <-p.closing:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a loaned worker to the pool. A dead worker is discarded
// and its capacity slot reclaimed instead.
func (p *Pool) Release(w *Worker) {
	if w == nil {
		return
	}
	if !w.Healthy() {
		p.logger.Warn("Discarding dead worker",
			zap.Int("worker_id", w.ID()),
			zap.Error(w.Err()))
		p.discard(w)
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		w.Close()
		return
	}

	select {
	case p.free <- w:
		p.observe()
	default:
		// More releases than acquires is a caller bug.
		p.logger.Error("Worker pool overflow on release",
			zap.Int("worker_id", w.ID()))
		w.Close()
	}
}

// Close tears the pool down: free workers are terminated immediately,
// loaned ones when their streams release them. Acquires fail afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closing)

	for {
		select {
		case w := <-p.free:
			w.Close()
		default:
			return
		}
	}
}

// Created reports how many workers currently exist, free or loaned.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Free reports how many workers are waiting to be loaned.
func (p *Pool) Free() int { return len(p.free) }

// Max reports the capacity the pool was built with.
func (p *Pool) Max() int { return p.max }

// takeFree pops a free worker without blocking. Nil means none free.
func (p *Pool) takeFree() (*Worker, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	select {
	case w := <-p.free:
		return w, nil
	default:
		return nil, nil
	}
}

// construct spawns a new worker if capacity allows. The spawn mutex is the
// only lock held across the (long) model load.
func (p *Pool) construct(ctx context.Context) (*Worker, error) {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	// A release may have freed a worker while we waited for the mutex.
	if w, err := p.takeFree(); err != nil {
		return nil, err
	} else if w != nil {
		if w.Healthy() {
			p.observe()
			return w, nil
		}
		p.discard(w)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.created >= p.max {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	id := p.nextID
	p.nextID++
	p.created++
	p.mu.Unlock()

	w, err := p.spawn(ctx, id)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, fmt.Errorf("construct worker %d: %w", id, err)
	}

	p.logger.Info("Worker ready",
		zap.Int("worker_id", w.ID()),
		zap.Int("pid", w.PID()),
		zap.Int("created", p.Created()),
		zap.Int("max", p.max))
	p.observe()
	return w, nil
}

// discard drops a dead worker and frees its capacity slot.
func (p *Pool) discard(w *Worker) {
	w.Close()
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	p.observe()
}

func (p *Pool) observe() {
	p.mu.Lock()
	created := p.created
	p.mu.Unlock()
	metrics.SetWorkersCreated(created)
	metrics.SetWorkersFree(len(p.free))
}
