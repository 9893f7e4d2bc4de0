package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository stores deploy events in the deploy_events table.
type Repository struct {
	pool *pgxpool.Pool
}

var _ repository.EventLog = (*Repository)(nil)

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts event. Re-appending the same deploy id is a no-op.
func (r *Repository) Append(ctx context.Context, event domain.DeployEvent) error {
	row, err := summarize(event)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deploy_events
		(deploy_id, trigger_source, env_name, repo, commit_sha, result, failed_stage, finalized_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (deploy_id) DO NOTHING`
	_, err = r.pool.Exec(ctx, query,
		row.DeployID, row.Trigger, row.EnvName, row.Repo, row.CommitSHA,
		row.Result, row.FailedStage, row.FinalizedAt, row.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert deploy event: %w", err)
	}
	return nil
}

// Latest returns the event with the highest insertion sequence.
func (r *Repository) Latest(ctx context.Context) (*domain.DeployEvent, error) {
	const query = `SELECT payload FROM deploy_events ORDER BY seq DESC LIMIT 1`
	var payload []byte
	if err := r.pool.QueryRow(ctx, query).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	event, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// List returns up to limit events, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.DeployEvent, error) {
	const query = `SELECT payload FROM deploy_events ORDER BY seq DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, repository.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.DeployEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		event, err := decode(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

type eventRow struct {
	DeployID    string
	Trigger     string
	EnvName     string
	Repo        string
	CommitSHA   string
	Result      string
	FailedStage *string
	FinalizedAt time.Time
	Payload     []byte
}

func summarize(event domain.DeployEvent) (eventRow, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal event: %w", err)
	}
	finalized, err := time.Parse(time.RFC3339, event.Timestamps.UTC)
	if err != nil {
		finalized = time.Now().UTC()
	}
	row := eventRow{
		DeployID:    event.DeployID,
		Trigger:     string(event.Trigger),
		EnvName:     event.Env.Name,
		Repo:        event.Git.Repo,
		CommitSHA:   event.Git.CommitSHA,
		Result:      string(event.Status.Result()),
		FinalizedAt: finalized,
		Payload:     payload,
	}
	if stage := event.Status.FailedStage(); stage != domain.FailedStageNone {
		s := string(stage)
		row.FailedStage = &s
	}
	return row, nil
}

func decode(payload []byte) (domain.DeployEvent, error) {
	var event domain.DeployEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.DeployEvent{}, fmt.Errorf("decode deploy event: %w", err)
	}
	return event, nil
}
