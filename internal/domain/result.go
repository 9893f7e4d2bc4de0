package domain

import "net/http"

// SentinelExitCode marks a remote call that failed before producing an exit status.
const SentinelExitCode = -1

// ExecutionResult is the outcome of the remote deploy procedure.
type ExecutionResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
	DryRun     bool
}

// Succeeded reports whether the remote procedure exited cleanly.
func (r ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0
}

// ProbeResult is the outcome of a single health check request.
type ProbeResult struct {
	// StatusCode is 0 when the endpoint could not be reached.
	StatusCode int
	DurationMS int64
	Error      string
	DryRun     bool
}

// Healthy reports whether the probe saw HTTP 200.
func (r ProbeResult) Healthy() bool {
	return r.StatusCode == http.StatusOK
}
