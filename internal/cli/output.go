package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/splax/shipyard/internal/domain"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
	failColor    = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	dimColor     = color.New(color.FgHiBlack)
	labelColor   = color.New(color.FgWhite)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resultBadge(o domain.Outcome) string {
	if o.Success() {
		return successColor.Sprint("SUCCESS")
	}
	return failColor.Sprint("FAILED")
}

func printField(w io.Writer, label, value string) {
	if value == "" {
		value = "-"
	}
	labelColor.Fprintf(w, "  %-10s ", label)
	fmt.Fprintln(w, value)
}

// printSummary renders one event for a terminal.
func printSummary(w io.Writer, ev domain.DeployEvent) {
	headerColor.Fprintf(w, "deploy %s", ev.DeployID)
	fmt.Fprintf(w, "  %s\n", resultBadge(ev.Status))

	printField(w, "env", ev.Env.Name)
	printField(w, "trigger", string(ev.Trigger))
	printField(w, "repo", ev.Git.Repo)
	printField(w, "branch", ev.Git.Branch)
	printField(w, "commit", ev.Git.CommitSHA)
	printField(w, "actor", ev.Git.Actor)
	printField(w, "time", ev.Timestamps.UTC+" / "+ev.Timestamps.Local)

	remote := fmt.Sprintf("%s@%s  exit=%d  %dms", ev.Targets.Remote.SSHUser, ev.Targets.Remote.Host, ev.Deploy.ExitCode, ev.Deploy.DurationMS)
	if ev.Deploy.DryRun {
		remote += "  " + warnColor.Sprint("(dry run)")
	}
	printField(w, "remote", remote)

	hc := ev.Healthcheck
	switch {
	case hc.Skipped:
		printField(w, "health", dimColor.Sprint("skipped"))
	case hc.Error != nil:
		printField(w, "health", fmt.Sprintf("%s  %s", hc.URL, *hc.Error))
	default:
		printField(w, "health", fmt.Sprintf("%s  %d  %dms", hc.URL, hc.StatusCode, hc.DurationMS))
	}

	if !ev.Status.Success() {
		failColor.Fprintf(w, "  %-10s ", "failed at")
		fmt.Fprintf(w, "%s: %s\n", ev.Status.FailedStage(), ev.Status.ErrorMessage())
	}
	if len(ev.Stages) > 0 {
		labelColor.Fprintln(w, "  stages")
		for _, st := range ev.Stages {
			line := fmt.Sprintf("    %s %-13s %-6s", st.UTC, st.Stage, st.Status)
			if st.Info != "" {
				line += " " + st.Info
			}
			dimColor.Fprintln(w, line)
		}
	}
}

// printHistoryLine renders one event as a single line.
func printHistoryLine(w io.Writer, ev domain.DeployEvent) {
	stage := "-"
	if fs := ev.Status.FailedStage(); fs != domain.FailedStageNone {
		stage = string(fs)
	}
	fmt.Fprintf(w, "%s  %s  %s  %-7s  %-8s  %s\n",
		ev.Timestamps.UTC, resultBadge(ev.Status), ev.DeployID, ev.Trigger, ev.Git.CommitSHA, stage)
}

// stagePrinter streams stage records while a foreground deploy runs.
type stagePrinter struct {
	w io.Writer
}

func (p stagePrinter) OnStage(runID string, rec domain.StageRecord) {
	status := string(rec.Status)
	switch rec.Status {
	case domain.StageOK:
		status = successColor.Sprint(status)
	case domain.StageFailed:
		status = failColor.Sprint(status)
	}
	fmt.Fprintf(p.w, "%s %-13s %s", dimColor.Sprint(rec.At.UTC().Format("15:04:05")), rec.Stage, status)
	if rec.Info != "" {
		fmt.Fprintf(p.w, " %s", rec.Info)
	}
	fmt.Fprintln(p.w)
}
