package notify

import (
	"fmt"
	"strings"

	"github.com/splax/shipyard/internal/domain"
)

const absent = "-"

const (
	// messageLimit is the Telegram sendMessage text cap, in characters.
	messageLimit = 4096
	tailLimit    = 800
	infoLimit    = 160
)

// RenderStart formats the run-started message.
func RenderStart(envName, runID string, trigger domain.Trigger) string {
	short := trigger.Commit
	if len(short) > 7 {
		short = short[:7]
	}
	lines := []string{
		fmt.Sprintf("Deploy started [%s]", dash(envName)),
		"Run: " + dash(runID),
		"Trigger: " + dash(string(trigger.Source)),
		"Repo: " + dash(trigger.Repository),
		"Branch: " + dash(trigger.Ref),
		"Commit: " + dash(short),
		"Actor: " + dash(trigger.Actor),
	}
	return strings.Join(lines, "\n")
}

// RenderResult formats the finalized event.
func RenderResult(ev domain.DeployEvent) string {
	status := ev.Status
	lines := []string{
		fmt.Sprintf("Deploy %s [%s]", strings.ToUpper(string(status.Result())), dash(ev.Env.Name)),
		"Run: " + dash(ev.DeployID),
		"Trigger: " + dash(string(ev.Trigger)),
		"",
		"Repo: " + dash(ev.Git.Repo),
		"Branch: " + dash(ev.Git.Branch),
		commitLine(ev.Git),
		"Actor: " + dash(ev.Git.Actor),
		"",
		"Time UTC: " + dash(ev.Timestamps.UTC),
		fmt.Sprintf("Time local (%s): %s", dash(ev.Timestamps.Offset), dash(ev.Timestamps.Local)),
		"",
		"VDS host: " + dash(ev.Targets.VDS.Host),
		fmt.Sprintf("Remote: %s (user: %s)", dash(ev.Targets.Remote.Host), dash(ev.Targets.Remote.SSHUser)),
		"",
		remoteLine(ev.Deploy),
		"Healthcheck: " + dash(ev.Healthcheck.URL),
		healthLine(ev.Healthcheck),
		"",
		"Failed stage: " + dash(string(status.FailedStage())),
		"Error: " + dash(status.ErrorMessage()),
	}
	if len(ev.Stages) > 0 {
		lines = append(lines, "", "Stages:")
		for _, st := range ev.Stages {
			lines = append(lines, stageLine(st))
		}
	}
	lines = appendTail(lines, "Stdout tail:", ev.Deploy.StdoutTail)
	lines = appendTail(lines, "Stderr tail:", ev.Deploy.StderrTail)
	return clamp(strings.Join(lines, "\n"), messageLimit)
}

func commitLine(g domain.EventGit) string {
	line := "Commit: " + dash(g.CommitSHA)
	if g.Commit != "" && g.Commit != g.CommitSHA {
		line += " (" + g.Commit + ")"
	}
	return line
}

func stageLine(st domain.EventStage) string {
	line := fmt.Sprintf("  %s %s %s", dash(st.UTC), st.Stage, st.Status)
	if info := strings.TrimSpace(st.Info); info != "" {
		line += ": " + clamp(info, infoLimit)
	}
	return line
}

func appendTail(lines []string, title, tail string) []string {
	tail = strings.TrimRight(tail, "\n")
	if strings.TrimSpace(tail) == "" {
		return lines
	}
	r := []rune(tail)
	if len(r) > tailLimit {
		tail = "…" + string(r[len(r)-tailLimit:])
	}
	return append(lines, "", title, tail)
}

// clamp cuts s to at most limit runes, marking the cut with an ellipsis.
func clamp(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

func remoteLine(d domain.EventDeploy) string {
	line := fmt.Sprintf("Remote exec: exit=%d, %d ms", d.ExitCode, d.DurationMS)
	if d.DryRun {
		line += " (dry run)"
	}
	return line
}

func healthLine(h domain.EventHealthcheck) string {
	if h.Skipped {
		return "  skipped"
	}
	line := fmt.Sprintf("  code=%d, %d ms", h.StatusCode, h.DurationMS)
	if h.Error != nil && *h.Error != "" {
		line += ", error: " + *h.Error
	}
	return line
}

func dash(v string) string {
	if strings.TrimSpace(v) == "" {
		return absent
	}
	return v
}
