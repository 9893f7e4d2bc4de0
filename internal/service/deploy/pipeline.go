package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/event"
)

const (
	persistTimeout   = 10 * time.Second
	errorMessageTail = 1024
)

// Executor runs the remote deploy procedure.
type Executor interface {
	Deploy(ctx context.Context) domain.ExecutionResult
}

// Prober checks service health after a deploy.
type Prober interface {
	Check(ctx context.Context) domain.ProbeResult
}

// Notifier announces run start and result. Returned errors are bookkeeping only.
type Notifier interface {
	NotifyStart(ctx context.Context, runID string, trigger domain.Trigger) error
	NotifyResult(ctx context.Context, event domain.DeployEvent) error
}

// EventBuilder finalizes a run into an event and supplies stage timestamps.
type EventBuilder interface {
	Build(in event.Input) domain.DeployEvent
	Now() time.Time
}

// Observer is told about every stage record as it is written.
type Observer interface {
	OnStage(runID string, record domain.StageRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(runID string, record domain.StageRecord)

// OnStage implements Observer.
func (f ObserverFunc) OnStage(runID string, record domain.StageRecord) { f(runID, record) }

// Pipeline sequences one deploy run:
// notify_start, remote_exec, healthcheck (only after a clean deploy),
// finalize, persist, notify_result.
type Pipeline struct {
	executor  Executor
	prober    Prober
	notifier  Notifier
	builder   EventBuilder
	eventLog  repository.EventLog
	observers []Observer
	newID     func() string
	logger    *slog.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithEventLog persists every finalized event.
func WithEventLog(log repository.EventLog) Option {
	return func(p *Pipeline) { p.eventLog = log }
}

// WithObserver registers a stage observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// NewPipeline wires the stage services together.
func NewPipeline(executor Executor, prober Prober, notifier Notifier, builder EventBuilder, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		executor: executor,
		prober:   prober,
		notifier: notifier,
		builder:  builder,
		newID:    uuid.NewString,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	initMetrics()
	return p
}

// NewRunID returns a fresh run identifier.
func (p *Pipeline) NewRunID() string {
	return p.newID()
}

// Run executes a run under a freshly generated id.
func (p *Pipeline) Run(ctx context.Context, trigger domain.Trigger) domain.DeployEvent {
	return p.RunWithID(ctx, p.newID(), trigger)
}

// RunWithID executes a run and always returns its finalized event. Failures
// of the stage services are recorded in the event, never returned.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, trigger domain.Trigger) domain.DeployEvent {
	started := time.Now()
	run := &runState{id: runID, pipeline: p, logger: p.logger.With("run_id", runID)}
	run.logger.Info("deploy run started", "trigger", trigger.Source, "repo", trigger.Repository, "ref", trigger.Ref, "commit", trigger.Commit)

	if err := p.notifyStart(ctx, runID, trigger); err != nil {
		run.record(domain.StageNotifyStart, domain.StageFailed, err.Error())
	} else {
		run.record(domain.StageNotifyStart, domain.StageOK, "ok")
	}

	run.record(domain.StageRemoteExec, domain.StageStart, "")
	execution := p.deploy(ctx)

	var (
		outcome domain.Outcome
		probe   *domain.ProbeResult
	)
	if execution.Succeeded() {
		run.record(domain.StageRemoteExec, domain.StageOK, fmt.Sprintf("exit_code=0 duration_ms=%d", execution.DurationMS))

		run.record(domain.StageHealthcheck, domain.StageStart, "")
		result := p.check(ctx)
		probe = &result
		if result.Healthy() {
			run.record(domain.StageHealthcheck, domain.StageOK, fmt.Sprintf("status_code=%d", result.StatusCode))
			outcome = domain.Succeeded()
		} else {
			msg := probeErrorMessage(result)
			run.record(domain.StageHealthcheck, domain.StageFailed, msg)
			outcome = domain.HealthcheckFailed(msg)
		}
	} else {
		msg := remoteErrorMessage(execution)
		run.record(domain.StageRemoteExec, domain.StageFailed, msg)
		outcome = domain.RemoteExecFailed(msg)
	}

	run.record(domain.StageFinalize, domain.StageOK, string(outcome.Result()))
	ev := p.builder.Build(event.Input{
		RunID:     runID,
		Trigger:   trigger,
		Outcome:   outcome,
		Execution: execution,
		Probe:     probe,
		Stages:    run.stages,
	})
	recordRun(string(outcome.Result()), string(outcome.FailedStage()), time.Since(started))

	// A cancelled run still persists and reports its result.
	finalCtx := context.WithoutCancel(ctx)
	p.persist(finalCtx, run, ev)

	if err := p.notifyResult(finalCtx, ev); err != nil {
		run.record(domain.StageNotifyResult, domain.StageFailed, err.Error())
	} else {
		run.record(domain.StageNotifyResult, domain.StageOK, "ok")
	}

	run.logger.Info("deploy run finished",
		"result", outcome.Result(),
		"failed_stage", outcome.FailedStage(),
		"exit_code", execution.ExitCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return ev
}

func (p *Pipeline) notifyStart(ctx context.Context, runID string, trigger domain.Trigger) (err error) {
	defer recoverInto(&err, "notify start")
	return p.notifier.NotifyStart(ctx, runID, trigger)
}

func (p *Pipeline) notifyResult(ctx context.Context, ev domain.DeployEvent) (err error) {
	defer recoverInto(&err, "notify result")
	return p.notifier.NotifyResult(ctx, ev)
}

func (p *Pipeline) deploy(ctx context.Context) (result domain.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.ExecutionResult{ExitCode: domain.SentinelExitCode, Stderr: fmt.Sprintf("remote executor panic: %v", r)}
		}
	}()
	return p.executor.Deploy(ctx)
}

func (p *Pipeline) check(ctx context.Context) (result domain.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.ProbeResult{StatusCode: 0, Error: fmt.Sprintf("health probe panic: %v", r)}
		}
	}()
	return p.prober.Check(ctx)
}

func (p *Pipeline) persist(ctx context.Context, run *runState, ev domain.DeployEvent) {
	if p.eventLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	var err error
	func() {
		defer recoverInto(&err, "event log append")
		err = p.eventLog.Append(ctx, ev)
	}()
	if err != nil {
		run.logger.Error("persist deploy event failed", "error", err)
		recordStage("persist", string(domain.StageFailed))
	}
}

func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panic: %v", what, r)
	}
}

func remoteErrorMessage(r domain.ExecutionResult) string {
	msg := strings.TrimSpace(event.Tail(r.Stderr, errorMessageTail))
	if msg == "" {
		return fmt.Sprintf("exit_code=%d", r.ExitCode)
	}
	return msg
}

func probeErrorMessage(r domain.ProbeResult) string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("status_code=%d", r.StatusCode)
}

type runState struct {
	id       string
	pipeline *Pipeline
	logger   *slog.Logger
	stages   []domain.StageRecord
}

func (r *runState) record(stage domain.StageName, status domain.StageStatus, info string) {
	rec := domain.StageRecord{Stage: stage, Status: status, Info: info, At: r.pipeline.builder.Now()}
	if stage != domain.StageNotifyResult {
		r.stages = append(r.stages, rec)
	}
	recordStage(string(stage), string(status))

	level := slog.LevelInfo
	if status == domain.StageFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "stage", "stage", stage, "status", status, "info", info)

	for _, o := range r.pipeline.observers {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.logger.Error("stage observer panic", "panic", v)
				}
			}()
			o.OnStage(r.id, rec)
		}()
	}
}
