package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	positions   map[string]*model.Position
	orders      map[string]*model.Order
	executions  []model.OrderExecution
	combos      map[string]*model.ComboPosition
	adjustments []model.BalanceAdjustment
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*model.Order),
		combos:    make(map[string]*model.ComboPosition),
	}
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("%w: user %s already exists", errs.ErrValidation, u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	return users, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u *model.User, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return fmt.Errorf("%w: user %s", errs.ErrNotFound, u.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: user %s version %d != expected %d",
			errs.ErrConflict, u.ID, existing.Version, expectedVersion)
	}
	cp := *u
	cp.Version = expectedVersion + 1
	s.users[u.ID] = &cp
	u.Version = cp.Version
	return nil
}

// --- Positions ---

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("%w: position %s already exists", errs.ErrValidation, p.ID)
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", errs.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == model.PositionOpen {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.positions[p.ID]
	if !ok {
		return fmt.Errorf("%w: position %s", errs.ErrNotFound, p.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: position %s version %d != expected %d",
			errs.ErrConflict, p.ID, existing.Version, expectedVersion)
	}
	cp := *p
	cp.Version = expectedVersion + 1
	s.positions[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", errs.ErrValidation, o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", errs.ErrNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListWorkingOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", errs.ErrNotFound, o.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: order %s version %d != expected %d",
			errs.ErrConflict, o.ID, existing.Version, expectedVersion)
	}
	cp := *o
	cp.Version = expectedVersion + 1
	s.orders[o.ID] = &cp
	o.Version = cp.Version
	return nil
}

// --- Executions ---

func (s *MemoryStore) InsertExecution(_ context.Context, e *model.OrderExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions = append(s.executions, *e)
	return nil
}

func (s *MemoryStore) ListExecutionsByOrder(_ context.Context, orderID string) ([]model.OrderExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OrderExecution
	for _, e := range s.executions {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Combos ---

func (s *MemoryStore) InsertCombo(_ context.Context, c *model.ComboPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.combos[c.ID]; exists {
		return fmt.Errorf("%w: combo position %s already exists", errs.ErrValidation, c.ID)
	}
	cp := *c
	s.combos[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCombo(_ context.Context, id string) (*model.ComboPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.combos[id]
	if !ok {
		return nil, fmt.Errorf("%w: combo position %s", errs.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListOpenCombos(_ context.Context) ([]model.ComboPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ComboPosition
	for _, c := range s.combos {
		if c.Status == model.ComboOpen {
			result = append(result, *c)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateCombo(_ context.Context, c *model.ComboPosition, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.combos[c.ID]
	if !ok {
		return fmt.Errorf("%w: combo position %s", errs.ErrNotFound, c.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: combo position %s version %d != expected %d",
			errs.ErrConflict, c.ID, existing.Version, expectedVersion)
	}
	cp := *c
	cp.Version = expectedVersion + 1
	s.combos[c.ID] = &cp
	c.Version = cp.Version
	return nil
}

// --- Adjustments ---

func (s *MemoryStore) InsertAdjustment(_ context.Context, a *model.BalanceAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.adjustments = append(s.adjustments, *a)
	return nil
}

func (s *MemoryStore) ListAdjustmentsByUser(_ context.Context, userID string) ([]model.BalanceAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BalanceAdjustment
	for _, a := range s.adjustments {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}
