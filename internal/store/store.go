// Package store defines the persistence interface for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every Update* method takes the expected row version; a mismatch returns
// errs.ErrConflict so lost updates surface as retryable conflicts instead
// of silent overwrites.
package store

import (
	"context"

	"github.com/stlr/margin-engine/internal/model"
)

// Store is the persistence interface.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user row.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users. Consumed by the weekly-reset and
	// reward sweeps.
	ListUsers(ctx context.Context) ([]model.User, error)

	// UpdateUser writes u if its stored version equals expectedVersion,
	// bumping the version on success.
	UpdateUser(ctx context.Context, u *model.User, expectedVersion int64) error

	// --- Positions ---

	InsertPosition(ctx context.Context, p *model.Position) error
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositionsByUser returns the user's open positions only.
	ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	UpdatePosition(ctx context.Context, p *model.Position, expectedVersion int64) error

	// --- Orders ---

	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListWorkingOrders returns every order in a non-terminal status,
	// across all users. Consumed by the fill and expiry sweeps.
	ListWorkingOrders(ctx context.Context) ([]model.Order, error)

	UpdateOrder(ctx context.Context, o *model.Order, expectedVersion int64) error

	// --- Executions (append-only) ---

	InsertExecution(ctx context.Context, e *model.OrderExecution) error
	ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.OrderExecution, error)

	// --- Combo positions ---

	InsertCombo(ctx context.Context, c *model.ComboPosition) error
	GetCombo(ctx context.Context, id string) (*model.ComboPosition, error)

	// ListOpenCombos returns open combos across all users, for the
	// settlement sweep.
	ListOpenCombos(ctx context.Context) ([]model.ComboPosition, error)

	UpdateCombo(ctx context.Context, c *model.ComboPosition, expectedVersion int64) error

	// --- Balance adjustments (append-only audit log) ---

	InsertAdjustment(ctx context.Context, a *model.BalanceAdjustment) error
	ListAdjustmentsByUser(ctx context.Context, userID string) ([]model.BalanceAdjustment, error)
}
