package domain

import "time"

// StageName identifies one pipeline step.
type StageName string

// Pipeline stages in execution order.
const (
	StageNotifyStart  StageName = "notify_start"
	StageRemoteExec   StageName = "remote_exec"
	StageHealthcheck  StageName = "healthcheck"
	StageFinalize     StageName = "finalize"
	StageNotifyResult StageName = "notify_result"
)

// StageStatus is the state a stage record reports.
type StageStatus string

// Stage statuses.
const (
	StageStart  StageStatus = "start"
	StageOK     StageStatus = "ok"
	StageFailed StageStatus = "failed"
)

// StageRecord is one append-only entry of a run timeline.
type StageRecord struct {
	Stage  StageName
	Status StageStatus
	Info   string
	At     time.Time
}
