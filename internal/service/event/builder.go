package event

import (
	"strings"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

// Placeholder replaces trigger identity fields that were not supplied.
const Placeholder = "unknown"

// TailLimit caps each captured output stream stored in an event.
const TailLimit = 4096

const shortSHALength = 7

// Timestamp layouts. UTC stamps always end in Z; local stamps carry the offset.
const (
	utcLayout   = "2006-01-02T15:04:05Z"
	localLayout = "2006-01-02T15:04:05-07:00"
)

// Clock supplies the finalization time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// Input is everything a run accumulated before finalization. Probe is nil
// when the health check was skipped.
type Input struct {
	RunID     string
	Trigger   domain.Trigger
	Outcome   domain.Outcome
	Execution domain.ExecutionResult
	Probe     *domain.ProbeResult
	Stages    []domain.StageRecord
}

// Builder assembles DeployEvents. It is a pure function of its input, its
// static config and the clock.
type Builder struct {
	cfg   config.EventConfig
	clock Clock
}

// New constructs a builder. A nil clock reads the wall clock and a nil
// location means UTC.
func New(cfg config.EventConfig, clock Clock) Builder {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return Builder{cfg: cfg, clock: clock}
}

// Now exposes the builder clock so stage records share its time source.
func (b Builder) Now() time.Time {
	return b.clock.Now()
}

// Build assembles the event for one run.
func (b Builder) Build(in Input) domain.DeployEvent {
	now := b.clock.Now()
	trigger := in.Trigger
	source := trigger.Source
	if source == "" {
		source = domain.TriggerWebhook
	}

	return domain.DeployEvent{
		EventType:  domain.EventTypeDeploy,
		DeployID:   in.RunID,
		Trigger:    source,
		Timestamps: b.timestamps(now),
		Env:        domain.EventEnv{Name: b.cfg.EnvName},
		Git: domain.EventGit{
			Repo:      orPlaceholder(trigger.Repository),
			Branch:    orPlaceholder(trigger.Ref),
			Commit:    trigger.Commit,
			CommitSHA: ShortSHA(trigger.Commit),
			Actor:     orPlaceholder(trigger.Actor),
		},
		Targets: domain.EventTargets{
			VDS:    domain.EventVDS{Host: b.cfg.VDSHostname},
			Remote: domain.EventRemote{Host: b.cfg.RemoteHost, SSHUser: b.cfg.RemoteUser},
		},
		Deploy: domain.EventDeploy{
			ExitCode:   in.Execution.ExitCode,
			DurationMS: in.Execution.DurationMS,
			DryRun:     in.Execution.DryRun,
			StdoutTail: Tail(in.Execution.Stdout, TailLimit),
			StderrTail: Tail(in.Execution.Stderr, TailLimit),
		},
		Healthcheck: b.healthcheck(in.Probe),
		Status:      in.Outcome,
		Stages:      b.stages(in.Stages),
	}
}

func (b Builder) timestamps(t time.Time) domain.EventTimestamps {
	return domain.EventTimestamps{
		UTC:    t.UTC().Format(utcLayout),
		Local:  t.In(b.cfg.Location).Format(localLayout),
		Offset: t.In(b.cfg.Location).Format("-07:00"),
	}
}

func (b Builder) healthcheck(probe *domain.ProbeResult) domain.EventHealthcheck {
	out := domain.EventHealthcheck{URL: b.cfg.HealthURL}
	if probe == nil {
		out.Skipped = true
		return out
	}
	out.StatusCode = probe.StatusCode
	out.DurationMS = probe.DurationMS
	if probe.Error != "" {
		msg := probe.Error
		out.Error = &msg
	}
	return out
}

func (b Builder) stages(records []domain.StageRecord) []domain.EventStage {
	out := make([]domain.EventStage, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.EventStage{
			Stage:  rec.Stage,
			Status: rec.Status,
			Info:   rec.Info,
			UTC:    rec.At.UTC().Format(utcLayout),
			Local:  rec.At.In(b.cfg.Location).Format(localLayout),
		})
	}
	return out
}

// ShortSHA returns the first seven characters of commit, or all of it when shorter.
func ShortSHA(commit string) string {
	commit = strings.TrimSpace(commit)
	if len(commit) <= shortSHALength {
		return commit
	}
	return commit[:shortSHALength]
}

// Tail keeps the last limit bytes of s, never splitting a UTF-8 sequence.
func Tail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !isRuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func orPlaceholder(v string) string {
	if strings.TrimSpace(v) == "" {
		return Placeholder
	}
	return v
}
