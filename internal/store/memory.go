package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[uint64]*model.Position
	events    []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[uint64]*model.Position),
	}
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID > positions[j].ID })
	return positions, nil
}

// SettlePosition zeroes the margin and flips the status in one critical
// section. No reader can observe a closed position with nonzero margin.
func (s *MemoryStore) SettlePosition(_ context.Context, id uint64, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != model.StatusOpen {
		return ErrAlreadySettled
	}
	p.Margin = decimal.Zero
	p.Status = model.StatusClosed
	t := settledAt
	p.SettledAt = &t
	return nil
}

func (s *MemoryStore) NextPositionID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.positions) == 0 {
		return 0, nil
	}
	var max uint64
	for id := range s.positions {
		if id > max {
			max = id
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, len(s.events))
	copy(events, s.events)
	return events, nil
}

func (s *MemoryStore) ListEventsByPosition(_ context.Context, positionID uint64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		// Funded events are pool-level; they carry no position.
		if e.Type == model.EventFunded {
			continue
		}
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}
