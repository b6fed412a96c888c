package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stlr/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: user rows and per-user open positions,
// both hammered by every cross-margin computation. Writes go to the primary
// and invalidate the affected keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Cached reads ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

func (s *CachedStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, openPositionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListOpenPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, openPositionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Writes (primary + invalidation) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) UpdateUser(ctx context.Context, u *model.User, expectedVersion int64) error {
	if err := s.primary.UpdateUser(ctx, u, expectedVersion); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, openPositionsKey(p.UserID))
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position, expectedVersion int64) error {
	if err := s.primary.UpdatePosition(ctx, p, expectedVersion); err != nil {
		return err
	}
	s.rdb.Del(ctx, openPositionsKey(p.UserID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListWorkingOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListWorkingOrders(ctx)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order, expectedVersion int64) error {
	return s.primary.UpdateOrder(ctx, o, expectedVersion)
}

func (s *CachedStore) InsertExecution(ctx context.Context, e *model.OrderExecution) error {
	return s.primary.InsertExecution(ctx, e)
}

func (s *CachedStore) ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.OrderExecution, error) {
	return s.primary.ListExecutionsByOrder(ctx, orderID)
}

func (s *CachedStore) InsertCombo(ctx context.Context, c *model.ComboPosition) error {
	return s.primary.InsertCombo(ctx, c)
}

func (s *CachedStore) GetCombo(ctx context.Context, id string) (*model.ComboPosition, error) {
	return s.primary.GetCombo(ctx, id)
}

func (s *CachedStore) ListOpenCombos(ctx context.Context) ([]model.ComboPosition, error) {
	return s.primary.ListOpenCombos(ctx)
}

func (s *CachedStore) UpdateCombo(ctx context.Context, c *model.ComboPosition, expectedVersion int64) error {
	return s.primary.UpdateCombo(ctx, c, expectedVersion)
}

func (s *CachedStore) InsertAdjustment(ctx context.Context, a *model.BalanceAdjustment) error {
	return s.primary.InsertAdjustment(ctx, a)
}

func (s *CachedStore) ListAdjustmentsByUser(ctx context.Context, userID string) ([]model.BalanceAdjustment, error) {
	return s.primary.ListAdjustmentsByUser(ctx, userID)
}

// --- Cache keys ---

func userKey(id string) string { return fmt.Sprintf("user:%s", id) }

func openPositionsKey(uid string) string { return fmt.Sprintf("open-positions:%s", uid) }
