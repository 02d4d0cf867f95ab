// Package jobs runs background work for the memory engine: embedding,
// tag and proposition enrichment of stored nodes. The dispatcher backend
// is an explicit configuration choice; there is no runtime detection.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/telemetry"
)

// Backend names accepted by NewDispatcher.
const (
	BackendInline = "inline"
	BackendThread = "thread"
	BackendPool   = "pool"
	BackendQueue  = "queue"
)

// queueDepth bounds the pool and queue backends' pending task channel.
const queueDepth = 256

// Task is one unit of background work.
type Task struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher routes tasks onto one of four execution backends:
//
//	inline — run in the caller's goroutine, errors returned to the caller
//	thread — one goroutine per task
//	pool   — fixed worker pool draining a shared channel
//	queue  — single worker, strict FIFO
//
// Background task errors are logged and counted, never retried.
type Dispatcher struct {
	backend string
	log     zerolog.Logger
	tel     *telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan Task
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher builds a dispatcher for the configured backend and starts
// its workers.
func NewDispatcher(cfg core.JobsConfig, log zerolog.Logger, tel *telemetry.Telemetry) (*Dispatcher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend: cfg.Backend,
		log:     log.With().Str("component", "jobs").Str("backend", cfg.Backend).Logger(),
		tel:     tel,
		ctx:     ctx,
		cancel:  cancel,
	}

	switch cfg.Backend {
	case BackendInline, BackendThread:
		// No standing workers.
	case BackendPool:
		if cfg.PoolWorkers < 1 {
			cancel()
			return nil, core.E(core.KindConfiguration, "jobs.NewDispatcher", "pool backend needs poolWorkers >= 1, got %d", cfg.PoolWorkers)
		}
		d.tasks = make(chan Task, queueDepth)
		for i := 0; i < cfg.PoolWorkers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	case BackendQueue:
		d.tasks = make(chan Task, queueDepth)
		d.wg.Add(1)
		go d.worker()
	default:
		cancel()
		return nil, core.E(core.KindConfiguration, "jobs.NewDispatcher", "unknown backend %q", cfg.Backend)
	}

	return d, nil
}

// Backend returns the configured backend name.
func (d *Dispatcher) Backend() string { return d.backend }

// Enqueue submits fn for execution and returns the assigned task id. For
// the inline backend the task runs before Enqueue returns and its error is
// returned directly; the async backends always return nil.
func (d *Dispatcher) Enqueue(name string, fn func(ctx context.Context) error) (string, error) {
	task := Task{ID: uuid.NewString(), Name: name, Run: fn}

	// The lock is held from the closed-check through the submission so Close
	// cannot close the channel (or start waiting on the group) in between.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", core.E(core.KindResourceExhausted, "jobs.Enqueue", "dispatcher is closed")
	}

	switch d.backend {
	case BackendInline:
		d.mu.Unlock()
		return task.ID, d.execute(d.ctx, task)
	case BackendThread:
		d.wg.Add(1)
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			d.execute(d.ctx, task) //nolint:errcheck // logged inside
		}()
		return task.ID, nil
	default: // pool, queue
		defer d.mu.Unlock()
		select {
		case d.tasks <- task:
			return task.ID, nil
		case <-d.ctx.Done():
			return "", core.E(core.KindResourceExhausted, "jobs.Enqueue", "dispatcher is shutting down")
		}
	}
}

// EnqueueParallel runs the named functions and waits for all of them,
// returning the first error. The inline backend keeps its caller-goroutine
// contract and runs the functions one at a time, stopping at the first
// failure; every other backend fans out concurrently.
func (d *Dispatcher) EnqueueParallel(ctx context.Context, fns map[string]func(ctx context.Context) error) error {
	if d.backend == BackendInline {
		for name, fn := range fns {
			task := Task{ID: uuid.NewString(), Name: name, Run: fn}
			if err := d.execute(ctx, task); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range fns {
		task := Task{ID: uuid.NewString(), Name: name, Run: fn}
		g.Go(func() error {
			return d.execute(gctx, task)
		})
	}
	return g.Wait()
}

// Close stops intake, waits for in-flight tasks up to the context deadline,
// and reports whether the drain completed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	// Closed under the same lock that guards Enqueue's send, so no sender can
	// sit between its closed-check and the send when this runs.
	if d.tasks != nil {
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return core.E(core.KindResourceExhausted, "jobs.Close", "timed out waiting for in-flight tasks")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.tasks {
		d.execute(d.ctx, task) //nolint:errcheck // logged inside
	}
}

// execute runs one task with panic isolation and telemetry.
func (d *Dispatcher) execute(ctx context.Context, task Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = core.E(core.KindDatabase, "jobs."+task.Name, "task panicked: %v", r)
		}
		d.tel.JobCompleted(task.Name, err)
		ev := d.log.Debug()
		if err != nil {
			ev = d.log.Warn().Err(err)
		}
		ev.Str("task", task.Name).
			Str("task_id", task.ID).
			Dur("elapsed", time.Since(start)).
			Msg("task finished")
	}()

	return task.Run(ctx)
}

// String implements fmt.Stringer for log-friendly task identities.
func (t Task) String() string { return fmt.Sprintf("%s[%s]", t.Name, t.ID) }
