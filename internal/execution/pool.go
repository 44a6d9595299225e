package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy reports that the queue is full and the task was not accepted.
var ErrBusy = errors.New("executor at capacity")

// ErrPoolClosed reports a submission after shutdown began.
var ErrPoolClosed = errors.New("executor pool closed")

const completionTimeout = 30 * time.Second

// CompletionFunc observes every finished task. It runs on the worker
// goroutine, so it must not block indefinitely.
type CompletionFunc func(ctx context.Context, task Task, outcome Outcome)

// Pool runs submitted tasks on a fixed set of workers with a bounded queue.
// Submission never blocks: a full queue is reported to the caller instead of
// queueing without limit.
type Pool struct {
	runner  CodeRunner
	onDone  CompletionFunc
	timeout time.Duration
	logger  *slog.Logger

	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type PoolConfig struct {
	Workers    int
	QueueDepth int
	RunTimeout time.Duration
}

func NewPool(cfg PoolConfig, runner CodeRunner, onDone CompletionFunc, logger *slog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if onDone == nil {
		return nil, errors.New("completion func is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueDepth <= 0 {
		return nil, fmt.Errorf("queue depth must be positive, got %d", cfg.QueueDepth)
	}
	if cfg.RunTimeout <= 0 {
		return nil, fmt.Errorf("run timeout must be positive, got %s", cfg.RunTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		runner:  runner,
		onDone:  onDone,
		timeout: cfg.RunTimeout,
		logger:  logger,
		tasks:   make(chan Task, cfg.QueueDepth),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Submit hands a task to the pool without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrBusy
	}
}

// Shutdown stops accepting tasks and waits for in-flight runs until ctx
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		runCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		outcome, err := p.runner.Run(runCtx, task)
		cancel()
		if err != nil {
			p.logger.Error("run failed before interpreter start",
				"run_id", task.RunID,
				"error", err,
			)
			outcome = Outcome{Result: Result{
				Status: ResultStatusFailed,
				Error:  err.Error(),
			}}
		}
		// The run context may already be expired; completion persists results
		// on its own deadline.
		doneCtx, doneCancel := context.WithTimeout(context.Background(), completionTimeout)
		p.onDone(doneCtx, task, outcome)
		doneCancel()
	}
}
