package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

// DryRunOutput is the stdout reported by a dry-run deploy.
const DryRunOutput = "[DRY_RUN] ssh deploy skipped, pretending success"

const defaultTimeout = 30 * time.Minute

// Transport runs a single command on the deploy target and returns its exit
// status. A non-nil error means no exit status was obtained.
type Transport interface {
	Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
}

// Executor drives the remote deploy procedure.
type Executor struct {
	cfg       config.RemoteConfig
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs an executor that talks to the configured host over SSH.
func New(cfg config.RemoteConfig, logger *slog.Logger) *Executor {
	return NewWithTransport(cfg, NewSSHTransport(cfg), logger)
}

// NewWithTransport constructs an executor around a custom transport.
func NewWithTransport(cfg config.RemoteConfig, transport Transport, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Executor{cfg: cfg, transport: transport, logger: logger, now: time.Now}
}

// Command returns the shell procedure executed on the target.
func (e *Executor) Command() string {
	return Command(e.cfg)
}

// Deploy runs the remote procedure once. Failures are reported through the
// returned result; Deploy itself never fails.
func (e *Executor) Deploy(ctx context.Context) domain.ExecutionResult {
	start := e.now()
	if e.cfg.DryRun {
		return e.dryRun(ctx, start)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	command := Command(e.cfg)
	e.logger.Info("remote deploy started", "host", e.cfg.Host, "user", e.cfg.User, "timeout", e.cfg.Timeout.String())

	var stdout, stderr bytes.Buffer
	code, err := e.transport.Run(runCtx, command, &stdout, &stderr)
	elapsed := e.now().Sub(start).Milliseconds()
	if err != nil {
		msg := e.describe(ctx, runCtx, err)
		e.logger.Error("remote deploy failed", "host", e.cfg.Host, "error", msg, "duration_ms", elapsed)
		return domain.ExecutionResult{
			ExitCode:   domain.SentinelExitCode,
			Stdout:     stdout.String(),
			Stderr:     joinOutput(stderr.String(), msg),
			DurationMS: elapsed,
		}
	}
	level := slog.LevelInfo
	if code != 0 {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "remote deploy finished", "host", e.cfg.Host, "exit_code", code, "duration_ms", elapsed)
	return domain.ExecutionResult{
		ExitCode:   code,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: elapsed,
	}
}

func (e *Executor) dryRun(ctx context.Context, start time.Time) domain.ExecutionResult {
	if e.cfg.DryRunDelay > 0 {
		timer := time.NewTimer(e.cfg.DryRunDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
	e.logger.Info("remote deploy skipped", "dry_run", true)
	return domain.ExecutionResult{
		ExitCode:   0,
		Stdout:     DryRunOutput,
		DurationMS: e.now().Sub(start).Milliseconds(),
		DryRun:     true,
	}
}

func (e *Executor) describe(parent, runCtx context.Context, err error) string {
	switch {
	case parent.Err() != nil:
		return fmt.Sprintf("remote command cancelled: %v", parent.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("remote command timed out after %s", e.cfg.Timeout)
	default:
		return err.Error()
	}
}

// Command renders the deploy procedure for cfg: fetch, hard reset to the
// target branch, then tear down and rebuild the compose stack.
func Command(cfg config.RemoteConfig) string {
	branch := strings.TrimSpace(cfg.Branch)
	if branch == "" {
		branch = "main"
	}
	steps := []string{
		"cd " + cfg.ProjectDir,
		"git fetch --prune origin",
		"git reset --hard origin/" + branch,
		"docker compose down",
		"docker compose up -d --build",
	}
	script := strings.Join(steps, " && ")
	wrapper := strings.TrimSpace(cfg.ShellWrapper)
	if wrapper == "" {
		return script
	}
	return wrapper + " bash -lc " + shellQuote(script)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinOutput(captured, msg string) string {
	captured = strings.TrimRight(captured, "\n")
	if captured == "" {
		return msg
	}
	return captured + "\n" + msg
}
