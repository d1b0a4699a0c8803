// Package store defines the persistence interface for the futures engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/clearline/futures-engine/internal/model"
)

var (
	// ErrNotFound is returned when a position id is unknown.
	ErrNotFound = errors.New("store: position not found")

	// ErrAlreadySettled is returned when SettlePosition targets a
	// position that is no longer open. It backstops the engine's
	// single-settlement invariant at the persistence layer.
	ErrAlreadySettled = errors.New("store: position already settled")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Position records ---

	// InsertPosition persists a newly opened position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position snapshot by id.
	GetPosition(ctx context.Context, id uint64) (*model.Position, error)

	// ListPositions returns all positions, newest first.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// SettlePosition atomically zeroes the margin, flips status to
	// closed, and records the settlement time. Returns ErrAlreadySettled
	// if the position is not open.
	SettlePosition(ctx context.Context, id uint64, settledAt time.Time) error

	// NextPositionID returns the next identifier to allocate: 0 for an
	// empty store, otherwise max(id) + 1.
	NextPositionID(ctx context.Context) (uint64, error)

	// --- Immutable audit events ---

	// InsertEvent appends an immutable audit record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns all events in insertion order.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// ListEventsByPosition returns all events for one position.
	ListEventsByPosition(ctx context.Context, positionID uint64) ([]model.Event, error)
}
