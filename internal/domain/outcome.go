package domain

import (
	"encoding/json"
	"fmt"
)

// Result is the final classification of a run.
type Result string

// Run results.
const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// FailedStage names the stage a failed run stopped at.
type FailedStage string

// Failed stages. FailedStageNone only appears on successful outcomes.
const (
	FailedStageNone        FailedStage = ""
	FailedStageRemoteExec  FailedStage = "remote_exec"
	FailedStageHealthcheck FailedStage = "healthcheck"
)

// Outcome can only be built through Succeeded, RemoteExecFailed and
// HealthcheckFailed, so a successful outcome never carries a failed stage.
type Outcome struct {
	result       Result
	failedStage  FailedStage
	errorMessage string
}

// Succeeded is the outcome of a run whose deploy and health check both passed.
func Succeeded() Outcome {
	return Outcome{result: ResultSuccess}
}

// RemoteExecFailed is the outcome of a run whose remote procedure failed.
func RemoteExecFailed(msg string) Outcome {
	return Outcome{result: ResultFailed, failedStage: FailedStageRemoteExec, errorMessage: msg}
}

// HealthcheckFailed is the outcome of a deployed run that did not pass its probe.
func HealthcheckFailed(msg string) Outcome {
	return Outcome{result: ResultFailed, failedStage: FailedStageHealthcheck, errorMessage: msg}
}

// Result returns success or failed. The zero Outcome reports failed.
func (o Outcome) Result() Result {
	if o.result == "" {
		return ResultFailed
	}
	return o.result
}

// FailedStage returns the failing stage, or FailedStageNone on success.
func (o Outcome) FailedStage() FailedStage { return o.failedStage }

// ErrorMessage returns the failure description, empty on success.
func (o Outcome) ErrorMessage() string { return o.errorMessage }

// Success reports whether the run succeeded.
func (o Outcome) Success() bool { return o.result == ResultSuccess }

type outcomeJSON struct {
	Result       Result       `json:"result"`
	FailedStage  *FailedStage `json:"failed_stage"`
	ErrorMessage *string      `json:"error_message"`
}

// MarshalJSON renders the outcome with null failed_stage and error_message on success.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := outcomeJSON{Result: o.Result()}
	if o.failedStage != FailedStageNone {
		stage := o.failedStage
		out.FailedStage = &stage
	}
	if o.errorMessage != "" {
		msg := o.errorMessage
		out.ErrorMessage = &msg
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts only combinations the constructors can produce.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var in outcomeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	msg := ""
	if in.ErrorMessage != nil {
		msg = *in.ErrorMessage
	}
	stage := FailedStageNone
	if in.FailedStage != nil {
		stage = *in.FailedStage
	}
	switch {
	case in.Result == ResultSuccess && stage == FailedStageNone:
		*o = Succeeded()
	case in.Result == ResultFailed && stage == FailedStageRemoteExec:
		*o = RemoteExecFailed(msg)
	case in.Result == ResultFailed && stage == FailedStageHealthcheck:
		*o = HealthcheckFailed(msg)
	default:
		return fmt.Errorf("invalid outcome: result=%q failed_stage=%q", in.Result, stage)
	}
	return nil
}
