package domain

import "encoding/json"

// TriggerSource identifies how a run was requested.
type TriggerSource string

// Trigger sources.
const (
	TriggerWebhook TriggerSource = "webhook"
	TriggerManual  TriggerSource = "manual"
)

// ManualPlaceholder fills identity fields of manual triggers.
const ManualPlaceholder = "manual"

// Trigger is the immutable input to a deploy run.
type Trigger struct {
	Source     TriggerSource
	Repository string
	Ref        string
	Commit     string
	Actor      string
	Payload    json.RawMessage
}

// ManualTrigger returns the synthetic trigger used for operator-requested deploys.
func ManualTrigger() Trigger {
	return Trigger{
		Source:     TriggerManual,
		Repository: ManualPlaceholder,
		Ref:        ManualPlaceholder,
		Actor:      ManualPlaceholder,
	}
}
