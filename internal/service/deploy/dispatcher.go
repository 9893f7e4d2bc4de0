package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/lock"
)

var (
	// ErrRunInProgress is returned when a run for the same target is active.
	ErrRunInProgress = errors.New("deploy already in progress")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

const releaseTimeout = 5 * time.Second

// Runner executes one run to completion.
type Runner interface {
	NewRunID() string
	RunWithID(ctx context.Context, runID string, trigger domain.Trigger) domain.DeployEvent
}

// Dispatcher starts runs off the caller's goroutine, one at a time per
// target host. A second trigger while a run holds the lock is rejected.
type Dispatcher struct {
	runner  Runner
	locker  lock.Locker
	lockKey string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher builds a dispatcher that serializes runs on lockKey.
func NewDispatcher(runner Runner, locker lock.Locker, lockKey string, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	initMetrics()
	return &Dispatcher{
		runner:  runner,
		locker:  locker,
		lockKey: lockKey,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch acquires the run lock and starts the run in the background. ctx
// only bounds lock acquisition; the run itself lives until it finishes or
// Shutdown cancels it.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger domain.Trigger) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		recordRejected("shutting_down")
		return "", ErrShuttingDown
	}
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	runID := d.runner.NewRunID()
	d.wg.Add(1)
	go d.run(runID, trigger, release)
	return runID, nil
}

// RunSync executes a run on the calling goroutine while holding the lock.
func (d *Dispatcher) RunSync(ctx context.Context, trigger domain.Trigger) (domain.DeployEvent, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		recordRejected("shutting_down")
		return domain.DeployEvent{}, ErrShuttingDown
	}
	release, err := d.acquire(ctx)
	if err != nil {
		d.mu.Unlock()
		return domain.DeployEvent{}, err
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()
	defer d.release(release)
	return d.runner.RunWithID(ctx, d.runner.NewRunID(), trigger), nil
}

func (d *Dispatcher) acquire(ctx context.Context) (lock.Release, error) {
	release, err := d.locker.TryLock(ctx, d.lockKey)
	if errors.Is(err, lock.ErrLocked) {
		recordRejected("in_progress")
		d.logger.Warn("deploy rejected, run already in progress", "target", d.lockKey)
		return nil, ErrRunInProgress
	}
	if err != nil {
		recordRejected("lock_error")
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	return release, nil
}

func (d *Dispatcher) run(runID string, trigger domain.Trigger, release lock.Release) {
	defer d.wg.Done()
	defer d.release(release)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deploy run panic", "run_id", runID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d.runner.RunWithID(d.ctx, runID, trigger)
}

func (d *Dispatcher) release(release lock.Release) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := release(ctx); err != nil {
		d.logger.Error("release run lock failed", "target", d.lockKey, "error", err)
	}
}

// Shutdown stops accepting triggers and waits for active runs. If ctx ends
// first, active runs are cancelled and Shutdown still waits for them to
// finalize before returning ctx's error.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
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
		d.logger.Warn("shutdown deadline reached, cancelling active deploy runs")
		d.cancel()
		<-done
		return ctx.Err()
	}
}
