package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/config"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testBuilder(t *testing.T) Builder {
	t.Helper()
	loc, err := config.ParseOffset("+03:00")
	require.NoError(t, err)
	cfg := config.EventConfig{
		EnvName:     "gpu-prod",
		VDSHostname: "vds",
		RemoteHost:  "10.8.0.2",
		RemoteUser:  "deploy",
		HealthURL:   "http://10.8.0.2:8000/docs",
		Location:    loc,
	}
	return New(cfg, fixedClock{t: time.Date(2025, 3, 1, 21, 30, 15, 0, time.UTC)})
}

func sampleInput() Input {
	at := time.Date(2025, 3, 1, 21, 30, 0, 0, time.UTC)
	return Input{
		RunID: "run-1",
		Trigger: domain.Trigger{
			Source:     domain.TriggerWebhook,
			Repository: "acme/app",
			Ref:        "refs/heads/main",
			Commit:     "0123456789abcdef",
			Actor:      "octocat",
		},
		Outcome:   domain.Succeeded(),
		Execution: domain.ExecutionResult{ExitCode: 0, Stdout: "ok", DurationMS: 1200},
		Probe:     &domain.ProbeResult{StatusCode: 200, DurationMS: 15},
		Stages: []domain.StageRecord{
			{Stage: domain.StageNotifyStart, Status: domain.StageOK, Info: "ok", At: at},
			{Stage: domain.StageFinalize, Status: domain.StageOK, At: at},
		},
	}
}

func TestBuildAssemblesEvent(t *testing.T) {
	ev := testBuilder(t).Build(sampleInput())

	assert.Equal(t, domain.EventTypeDeploy, ev.EventType)
	assert.Equal(t, "run-1", ev.DeployID)
	assert.Equal(t, domain.TriggerWebhook, ev.Trigger)
	assert.Equal(t, "2025-03-01T21:30:15Z", ev.Timestamps.UTC)
	assert.Equal(t, "2025-03-02T00:30:15+03:00", ev.Timestamps.Local)
	assert.Equal(t, "+03:00", ev.Timestamps.Offset)
	assert.Equal(t, "gpu-prod", ev.Env.Name)
	assert.Equal(t, "0123456", ev.Git.CommitSHA)
	assert.Equal(t, "0123456789abcdef", ev.Git.Commit)
	assert.Equal(t, "refs/heads/main", ev.Git.Branch)
	assert.Equal(t, "vds", ev.Targets.VDS.Host)
	assert.Equal(t, "10.8.0.2", ev.Targets.Remote.Host)
	assert.Equal(t, int64(1200), ev.Deploy.DurationMS)
	assert.Equal(t, 200, ev.Healthcheck.StatusCode)
	assert.False(t, ev.Healthcheck.Skipped)
	assert.Nil(t, ev.Healthcheck.Error)
	require.Len(t, ev.Stages, 2)
	assert.Equal(t, "2025-03-02T00:30:00+03:00", ev.Stages[0].Local)
	assert.Equal(t, domain.StageFinalize, ev.Stages[1].Stage)
}

func TestBuildIsByteIdenticalForIdenticalInput(t *testing.T) {
	b := testBuilder(t)
	first, err := json.Marshal(b.Build(sampleInput()))
	require.NoError(t, err)
	second, err := json.Marshal(b.Build(sampleInput()))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestBuildSubstitutesPlaceholders(t *testing.T) {
	in := sampleInput()
	in.Trigger = domain.Trigger{}
	ev := testBuilder(t).Build(in)

	assert.Equal(t, Placeholder, ev.Git.Repo)
	assert.Equal(t, Placeholder, ev.Git.Branch)
	assert.Equal(t, Placeholder, ev.Git.Actor)
	assert.Empty(t, ev.Git.Commit)
	assert.Empty(t, ev.Git.CommitSHA)
	assert.Equal(t, domain.TriggerWebhook, ev.Trigger)
}

func TestBuildSkippedHealthcheck(t *testing.T) {
	in := sampleInput()
	in.Outcome = domain.RemoteExecFailed("compose failed")
	in.Execution = domain.ExecutionResult{ExitCode: 1, Stderr: "compose failed"}
	in.Probe = nil
	ev := testBuilder(t).Build(in)

	assert.True(t, ev.Healthcheck.Skipped)
	assert.Zero(t, ev.Healthcheck.StatusCode)
	assert.Equal(t, "http://10.8.0.2:8000/docs", ev.Healthcheck.URL)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	status := decoded["status"].(map[string]any)
	assert.Equal(t, "failed", status["result"])
	assert.Equal(t, "remote_exec", status["failed_stage"])
	assert.Equal(t, "compose failed", status["error_message"])
}

func TestBuildProbeErrorIsSerialized(t *testing.T) {
	in := sampleInput()
	in.Probe = &domain.ProbeResult{StatusCode: 0, Error: "connection refused"}
	in.Outcome = domain.HealthcheckFailed("connection refused")
	ev := testBuilder(t).Build(in)
	require.NotNil(t, ev.Healthcheck.Error)
	assert.Equal(t, "connection refused", *ev.Healthcheck.Error)
}

func TestBuildTailsLongOutput(t *testing.T) {
	in := sampleInput()
	in.Execution.Stdout = strings.Repeat("a", TailLimit) + "END"
	ev := testBuilder(t).Build(in)
	assert.Len(t, ev.Deploy.StdoutTail, TailLimit)
	assert.True(t, strings.HasSuffix(ev.Deploy.StdoutTail, "END"))
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "", ShortSHA(""))
	assert.Equal(t, "abc", ShortSHA("abc"))
	assert.Equal(t, "abcdefg", ShortSHA("abcdefgh"))
}

func TestTailKeepsRuneBoundary(t *testing.T) {
	s := "xé" // é is two bytes
	assert.Equal(t, "", Tail(s, 1))
	assert.Equal(t, "é", Tail(s, 2))
	assert.Equal(t, s, Tail(s, 10))
}

func TestNewDefaults(t *testing.T) {
	b := New(config.EventConfig{}, nil)
	ev := b.Build(Input{RunID: "x"})
	assert.True(t, strings.HasSuffix(ev.Timestamps.UTC, "Z"))
	assert.Equal(t, "+00:00", ev.Timestamps.Offset)
	assert.NotNil(t, ev.Stages)
}
