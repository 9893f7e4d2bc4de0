package repository

import (
	"context"
	"errors"

	"github.com/splax/shipyard/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// DefaultListLimit and MaxListLimit bound history queries.
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// EventLog is the append-only store of finalized deploy events.
type EventLog interface {
	Append(ctx context.Context, event domain.DeployEvent) error
	// Latest returns the most recently appended event or ErrNotFound.
	Latest(ctx context.Context) (*domain.DeployEvent, error)
	// List returns up to limit events, newest first.
	List(ctx context.Context, limit int) ([]domain.DeployEvent, error)
	Ping(ctx context.Context) error
}

// ClampLimit normalizes a caller-supplied history limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
