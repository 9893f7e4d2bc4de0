package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
)

func TestSummarizeExtractsIndexedColumns(t *testing.T) {
	event := domain.DeployEvent{
		EventType:  domain.EventTypeDeploy,
		DeployID:   "run-1",
		Trigger:    domain.TriggerManual,
		Timestamps: domain.EventTimestamps{UTC: "2025-03-01T21:30:15Z"},
		Env:        domain.EventEnv{Name: "gpu-prod"},
		Git:        domain.EventGit{Repo: "manual", CommitSHA: ""},
		Status:     domain.HealthcheckFailed("status_code=502"),
		Stages:     []domain.EventStage{},
	}
	row, err := summarize(event)
	require.NoError(t, err)

	assert.Equal(t, "run-1", row.DeployID)
	assert.Equal(t, "manual", row.Trigger)
	assert.Equal(t, "failed", row.Result)
	require.NotNil(t, row.FailedStage)
	assert.Equal(t, "healthcheck", *row.FailedStage)
	assert.Equal(t, time.Date(2025, 3, 1, 21, 30, 15, 0, time.UTC), row.FinalizedAt)

	decoded, err := decode(row.Payload)
	require.NoError(t, err)
	assert.Equal(t, event.DeployID, decoded.DeployID)
	assert.Equal(t, "status_code=502", decoded.Status.ErrorMessage())
}

func TestSummarizeSuccessHasNoFailedStage(t *testing.T) {
	row, err := summarize(domain.DeployEvent{DeployID: "x", Status: domain.Succeeded(), Timestamps: domain.EventTimestamps{UTC: "bad"}})
	require.NoError(t, err)
	assert.Nil(t, row.FailedStage)
	assert.Equal(t, "success", row.Result)
	assert.False(t, row.FinalizedAt.IsZero())
}

func TestDecodeRejectsInvalidOutcome(t *testing.T) {
	_, err := decode([]byte(`{"deploy_id":"x","status":{"result":"success","failed_stage":"healthcheck","error_message":null}}`))
	require.Error(t, err)
}
