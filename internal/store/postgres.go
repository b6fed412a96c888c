package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stlr/margin-engine/internal/errs"
	"github.com/stlr/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All probabilities and cash amounts are stored as NUMERIC for exact
// decimal precision; sizes and leverage as BIGINT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, cash_balance, reward_points, milestones_awarded, cumulative_profit, weekly_pnl, week_start, version)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		u.ID, u.CashBalance.String(), u.RewardPoints, u.MilestonesAwarded,
		u.CumulativeProfit.String(), u.WeeklyPnL.String(), u.WeekStart, u.Version,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var cash, profit, weekly string

	err := s.pool.QueryRow(ctx,
		`SELECT id, cash_balance::TEXT, reward_points, milestones_awarded,
		        cumulative_profit::TEXT, weekly_pnl::TEXT, week_start, version
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &cash, &u.RewardPoints, &u.MilestonesAwarded,
			&profit, &weekly, &u.WeekStart, &u.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: user %s: %v", errs.ErrNotFound, id, err)
	}

	u.CashBalance, _ = decimal.NewFromString(cash)
	u.CumulativeProfit, _ = decimal.NewFromString(profit)
	u.WeeklyPnL, _ = decimal.NewFromString(weekly)
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, cash_balance::TEXT, reward_points, milestones_awarded,
		        cumulative_profit::TEXT, weekly_pnl::TEXT, week_start, version
		 FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var cash, profit, weekly string
		if err := rows.Scan(&u.ID, &cash, &u.RewardPoints, &u.MilestonesAwarded,
			&profit, &weekly, &u.WeekStart, &u.Version); err != nil {
			return nil, err
		}
		u.CashBalance, _ = decimal.NewFromString(cash)
		u.CumulativeProfit, _ = decimal.NewFromString(profit)
		u.WeeklyPnL, _ = decimal.NewFromString(weekly)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *model.User, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET cash_balance = $2::NUMERIC, reward_points = $3, milestones_awarded = $4,
		     cumulative_profit = $5::NUMERIC, weekly_pnl = $6::NUMERIC, week_start = $7,
		     version = version + 1
		 WHERE id = $1 AND version = $8`,
		u.ID, u.CashBalance.String(), u.RewardPoints, u.MilestonesAwarded,
		u.CumulativeProfit.String(), u.WeeklyPnL.String(), u.WeekStart, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s at version %d", errs.ErrConflict, u.ID, expectedVersion)
	}
	u.Version = expectedVersion + 1
	return nil
}

// --- Positions ---

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	var realized *string
	if p.RealizedPnL != nil {
		v := p.RealizedPnL.String()
		realized = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, side, size, leverage,
		        entry_probability, liquidation_probability, status, realized_pnl,
		        version, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.UserID, p.MarketID, p.Side, p.Size, p.Leverage,
		p.EntryProbability.String(), p.LiquidationProbability.String(),
		p.Status, realized, p.Version, p.CreatedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx, positionSelect+` WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("%w: position %s: %v", errs.ErrNotFound, id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		positionSelect+` WHERE user_id = $1 AND status = 'open' ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position, expectedVersion int64) error {
	var realized *string
	if p.RealizedPnL != nil {
		v := p.RealizedPnL.String()
		realized = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET size = $2, status = $3, realized_pnl = $4::NUMERIC, closed_at = $5,
		     version = version + 1
		 WHERE id = $1 AND version = $6`,
		p.ID, p.Size, p.Status, realized, p.ClosedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s at version %d", errs.ErrConflict, p.ID, expectedVersion)
	}
	p.Version = expectedVersion + 1
	return nil
}

const positionSelect = `SELECT id, user_id, market_id, side, size, leverage,
       entry_probability::TEXT, liquidation_probability::TEXT, status,
       realized_pnl::TEXT, version, created_at, closed_at
 FROM positions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var entry, liq string
	var realized *string
	var closedAt *time.Time

	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &p.Side, &p.Size, &p.Leverage,
		&entry, &liq, &p.Status, &realized, &p.Version, &p.CreatedAt, &closedAt); err != nil {
		return nil, err
	}

	p.EntryProbability, _ = decimal.NewFromString(entry)
	p.LiquidationProbability, _ = decimal.NewFromString(liq)
	if realized != nil {
		v, _ := decimal.NewFromString(*realized)
		p.RealizedPnL = &v
	}
	p.ClosedAt = closedAt
	return &p, nil
}

// --- Orders ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	var limitPrice *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limitPrice = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, order_type, side, total_size,
		        filled_size, visible_size, leverage, limit_price,
		        twap_duration_ms, twap_interval_ms, twap_next_execute_at,
		        status, version, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, o.UserID, o.MarketID, o.Type, o.Side, o.TotalSize,
		o.FilledSize, o.VisibleSize, o.Leverage, limitPrice,
		o.TwapDurationMs, o.TwapIntervalMs, o.TwapNextExecuteAt,
		o.Status, o.Version, o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", errs.ErrNotFound, id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListWorkingOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		orderSelect+` WHERE status IN ('pending', 'active', 'partial') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET filled_size = $2, visible_size = $3, twap_next_execute_at = $4,
		     status = $5, updated_at = $6, version = version + 1
		 WHERE id = $1 AND version = $7`,
		o.ID, o.FilledSize, o.VisibleSize, o.TwapNextExecuteAt,
		o.Status, o.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s at version %d", errs.ErrConflict, o.ID, expectedVersion)
	}
	o.Version = expectedVersion + 1
	return nil
}

const orderSelect = `SELECT id, user_id, market_id, order_type, side, total_size,
       filled_size, visible_size, leverage, limit_price::TEXT,
       twap_duration_ms, twap_interval_ms, twap_next_execute_at,
       status, version, created_at, updated_at, expires_at
 FROM orders`

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var limitPrice *string
	var twapNext, expiresAt *time.Time

	if err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Type, &o.Side, &o.TotalSize,
		&o.FilledSize, &o.VisibleSize, &o.Leverage, &limitPrice,
		&o.TwapDurationMs, &o.TwapIntervalMs, &twapNext,
		&o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}

	if limitPrice != nil {
		v, _ := decimal.NewFromString(*limitPrice)
		o.LimitPrice = &v
	}
	o.TwapNextExecuteAt = twapNext
	o.ExpiresAt = expiresAt
	return &o, nil
}

// --- Executions ---

func (s *PostgresStore) InsertExecution(ctx context.Context, e *model.OrderExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_executions (id, order_id, position_id, execution_price, execution_size, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.OrderID, e.PositionID, e.Price.String(), e.Size, e.ExecutedAt,
	)
	return err
}

func (s *PostgresStore) ListExecutionsByOrder(ctx context.Context, orderID string) ([]model.OrderExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, position_id, execution_price::TEXT, execution_size, executed_at
		 FROM order_executions WHERE order_id = $1 ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []model.OrderExecution
	for rows.Next() {
		var e model.OrderExecution
		var price string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PositionID, &price, &e.Size, &e.ExecutedAt); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(price)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// --- Combos ---

func (s *PostgresStore) InsertCombo(ctx context.Context, c *model.ComboPosition) error {
	var exit, pnl *string
	if c.ExitProbability != nil {
		v := c.ExitProbability.String()
		exit = &v
	}
	if c.PnL != nil {
		v := c.PnL.String()
		pnl = &v
	}
	legs, err := json.Marshal(c.Legs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO combo_positions (id, user_id, combo_id, legs, side, stake, leverage,
		        entry_probability, exit_probability, lock_date, pnl, status,
		        version, created_at, settled_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13, $14, $15)`,
		c.ID, c.UserID, c.ComboID, legs, c.Side, c.Stake.String(), c.Leverage,
		c.EntryProbability.String(), exit, c.LockDate, pnl, c.Status,
		c.Version, c.CreatedAt, c.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetCombo(ctx context.Context, id string) (*model.ComboPosition, error) {
	row := s.pool.QueryRow(ctx, comboSelect+` WHERE id = $1`, id)
	c, err := scanCombo(row)
	if err != nil {
		return nil, fmt.Errorf("%w: combo position %s: %v", errs.ErrNotFound, id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListOpenCombos(ctx context.Context) ([]model.ComboPosition, error) {
	rows, err := s.pool.Query(ctx, comboSelect+` WHERE status = 'open' ORDER BY lock_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var combos []model.ComboPosition
	for rows.Next() {
		c, err := scanCombo(rows)
		if err != nil {
			return nil, err
		}
		combos = append(combos, *c)
	}
	return combos, rows.Err()
}

func (s *PostgresStore) UpdateCombo(ctx context.Context, c *model.ComboPosition, expectedVersion int64) error {
	var exit, pnl *string
	if c.ExitProbability != nil {
		v := c.ExitProbability.String()
		exit = &v
	}
	if c.PnL != nil {
		v := c.PnL.String()
		pnl = &v
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE combo_positions
		 SET exit_probability = $2::NUMERIC, pnl = $3::NUMERIC, status = $4,
		     settled_at = $5, version = version + 1
		 WHERE id = $1 AND version = $6`,
		c.ID, exit, pnl, c.Status, c.SettledAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: combo position %s at version %d", errs.ErrConflict, c.ID, expectedVersion)
	}
	c.Version = expectedVersion + 1
	return nil
}

const comboSelect = `SELECT id, user_id, combo_id, legs, side, stake::TEXT, leverage,
       entry_probability::TEXT, exit_probability::TEXT, lock_date, pnl::TEXT,
       status, version, created_at, settled_at
 FROM combo_positions`

func scanCombo(row rowScanner) (*model.ComboPosition, error) {
	var c model.ComboPosition
	var legs []byte
	var stake, entry string
	var exit, pnl *string
	var settledAt *time.Time

	if err := row.Scan(&c.ID, &c.UserID, &c.ComboID, &legs, &c.Side, &stake, &c.Leverage,
		&entry, &exit, &c.LockDate, &pnl, &c.Status, &c.Version, &c.CreatedAt, &settledAt); err != nil {
		return nil, err
	}

	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &c.Legs); err != nil {
			return nil, err
		}
	}
	c.Stake, _ = decimal.NewFromString(stake)
	c.EntryProbability, _ = decimal.NewFromString(entry)
	if exit != nil {
		v, _ := decimal.NewFromString(*exit)
		c.ExitProbability = &v
	}
	if pnl != nil {
		v, _ := decimal.NewFromString(*pnl)
		c.PnL = &v
	}
	c.SettledAt = settledAt
	return &c, nil
}

// --- Adjustments ---

func (s *PostgresStore) InsertAdjustment(ctx context.Context, a *model.BalanceAdjustment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balance_adjustments (id, user_id, amount, reason, applied_by, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		a.ID, a.UserID, a.Amount.String(), a.Reason, a.AppliedBy, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAdjustmentsByUser(ctx context.Context, userID string) ([]model.BalanceAdjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, reason, applied_by, created_at
		 FROM balance_adjustments WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []model.BalanceAdjustment
	for rows.Next() {
		var a model.BalanceAdjustment
		var amount string
		if err := rows.Scan(&a.ID, &a.UserID, &amount, &a.Reason, &a.AppliedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Amount, _ = decimal.NewFromString(amount)
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}
