package domain

// EventTypeDeploy is the only event type the orchestrator emits.
const EventTypeDeploy = "deploy"

// DeployEvent is the serialized record of one run. Field order is fixed so
// that identical inputs always marshal to identical bytes.
type DeployEvent struct {
	EventType   string           `json:"event_type"`
	DeployID    string           `json:"deploy_id"`
	Trigger     TriggerSource    `json:"trigger"`
	Timestamps  EventTimestamps  `json:"timestamps"`
	Env         EventEnv         `json:"env"`
	Git         EventGit         `json:"git"`
	Targets     EventTargets     `json:"targets"`
	Deploy      EventDeploy      `json:"deploy"`
	Healthcheck EventHealthcheck `json:"healthcheck"`
	Status      Outcome          `json:"status"`
	Stages      []EventStage     `json:"stages"`
}

// EventTimestamps holds the finalization time in UTC and in the local offset.
type EventTimestamps struct {
	UTC    string `json:"utc"`
	Local  string `json:"local"`
	Offset string `json:"offset"`
}

// EventEnv names the deployment environment.
type EventEnv struct {
	Name string `json:"name"`
}

// EventGit carries trigger identity.
type EventGit struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	Commit    string `json:"commit"`
	CommitSHA string `json:"commit_sha"`
	Actor     string `json:"actor"`
}

// EventTargets describes the hosts involved in the deploy.
type EventTargets struct {
	VDS    EventVDS    `json:"vds"`
	Remote EventRemote `json:"remote"`
}

// EventVDS is the host running the orchestrator.
type EventVDS struct {
	Host string `json:"host"`
}

// EventRemote is the SSH deploy target.
type EventRemote struct {
	Host    string `json:"host"`
	SSHUser string `json:"ssh_user"`
}

// EventDeploy summarizes the remote execution.
type EventDeploy struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	DryRun     bool   `json:"dry_run"`
	StdoutTail string `json:"stdout_tail"`
	StderrTail string `json:"stderr_tail"`
}

// EventHealthcheck summarizes the probe. It is zero-valued when the probe was skipped.
type EventHealthcheck struct {
	URL        string  `json:"url"`
	Skipped    bool    `json:"skipped"`
	StatusCode int     `json:"status_code"`
	DurationMS int64   `json:"duration_ms"`
	Error      *string `json:"error"`
}

// EventStage is a serialized StageRecord.
type EventStage struct {
	Stage  StageName   `json:"stage"`
	Status StageStatus `json:"status"`
	Info   string      `json:"info,omitempty"`
	UTC    string      `json:"utc"`
	Local  string      `json:"local"`
}
