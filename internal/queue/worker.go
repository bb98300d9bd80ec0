package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler is the function executed for each dequeued job. A nil return marks
// the job completed; a non-nil return records a retryable failure unless the
// error is wrapped with Permanent. The pool never interprets error content
// beyond that marker.
type Handler func(ctx context.Context, job *Job) error

// Event is an advisory completed/failed notification emitted by the pool.
// Consumers must not rely on it for control flow.
type Event struct {
	JobID    string
	Queue    string
	Type     string
	Attempts int
	Err      error
	Terminal bool
}

// RateLimit caps handler invocations to Max per Window, token-bucket style.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// WorkerConfig tunes a worker pool.
type WorkerConfig struct {
	// Concurrency is the maximum number of handler invocations in flight.
	Concurrency int
	// Rate caps throughput across all workers of the pool. Zero disables
	// rate limiting.
	Rate RateLimit
	// Notify, when set, receives completed/failed events. It is called
	// synchronously from worker goroutines and should be cheap.
	Notify func(Event)
}

// WorkerPool consumes jobs of one type from a Store with bounded concurrency
// and an optional rate limit, invoking a caller-supplied handler and mapping
// its outcome to MarkCompleted/MarkFailed.
type WorkerPool struct {
	store   *Store
	handler Handler
	cfg     WorkerConfig
	limiter *rate.Limiter
	log     *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool over store. Concurrency defaults to 1.
func NewWorkerPool(store *Store, handler Handler, cfg WorkerConfig, log *slog.Logger) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	var limiter *rate.Limiter
	if cfg.Rate.Max > 0 && cfg.Rate.Window > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.Rate.Max)/cfg.Rate.Window.Seconds()), cfg.Rate.Max)
	}
	return &WorkerPool{
		store:   store,
		handler: handler,
		cfg:     cfg,
		limiter: limiter,
		log:     log.With("queue", store.Queue()),
	}
}

// Start launches the worker goroutines. It is idempotent and non-blocking.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.log.Warn("worker pool already started; ignoring Start")
		p.mu.Unlock()
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("starting worker pool", "concurrency", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Stop stops dequeuing new jobs and waits for in-flight handlers to finish.
// Handlers are not preempted; their own timeouts bound how long this waits.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.log.Warn("worker pool not started; ignoring Stop")
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	p.log.Info("stopping worker pool")
	cancel()
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *WorkerPool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
		}

		job, err := p.store.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.log.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(job)
	}
}

// process runs the handler for one job. The handler gets a background
// context on purpose: stopping the pool must not cancel in-flight work.
func (p *WorkerPool) process(job *Job) {
	p.log.Info("processing job", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts)

	err := p.invoke(job)
	ctx, cancelStatus := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStatus()

	if err == nil {
		if mErr := p.store.MarkCompleted(ctx, job); mErr != nil {
			p.log.Error("mark completed failed", "job_id", job.ID, "error", mErr)
		}
		p.log.Info("job completed", "job_id", job.ID, "type", job.Type)
		p.notify(Event{JobID: job.ID, Queue: job.Queue, Type: job.Type, Attempts: job.Attempts})
		return
	}

	terminal, mErr := p.store.MarkFailed(ctx, job, err)
	if mErr != nil {
		p.log.Error("mark failed failed", "job_id", job.ID, "error", mErr)
	}
	p.log.Error("job failed", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "error", err)
	p.notify(Event{
		JobID:    job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		Attempts: job.Attempts,
		Err:      err,
		Terminal: terminal,
	})
}

// invoke runs the handler, converting a panic into an ordinary failure so
// one bad job cannot take down the pool.
func (p *WorkerPool) invoke(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(context.Background(), job)
}

func (p *WorkerPool) notify(ev Event) {
	if p.cfg.Notify != nil {
		p.cfg.Notify(ev)
	}
}
