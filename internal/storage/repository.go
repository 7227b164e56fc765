package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"whale-swarm/internal/position"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrInconsistent indicates the persisted position set violates an
	// invariant and the process must not trade on it.
	ErrInconsistent = errors.New("storage: position state inconsistent")
)

const (
	ensureSchemaSQL = `CREATE TABLE IF NOT EXISTS positions (
        id             TEXT PRIMARY KEY,
        token          TEXT NOT NULL,
        order_id       TEXT NOT NULL,
        entry_price    NUMERIC NOT NULL,
        size           NUMERIC NOT NULL,
        remaining_size NUMERIC NOT NULL,
        highest_price  NUMERIC NOT NULL,
        state          TEXT NOT NULL,
        fired_tiers    JSONB NOT NULL DEFAULT '[]',
        exit_retries   INT NOT NULL DEFAULT 0,
        opened_at      TIMESTAMPTZ NOT NULL,
        closed_at      TIMESTAMPTZ,
        updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS positions_token_state_idx ON positions (token, state);
    CREATE TABLE IF NOT EXISTS trades (
        id          BIGSERIAL PRIMARY KEY,
        position_id TEXT NOT NULL,
        token       TEXT NOT NULL,
        side        TEXT NOT NULL,
        size        NUMERIC NOT NULL,
        price       NUMERIC NOT NULL,
        reason      TEXT NOT NULL DEFAULT '',
        executed_at TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS trades_executed_at_idx ON trades (executed_at);`

	upsertPositionSQL = `INSERT INTO positions (
        id,
        token,
        order_id,
        entry_price,
        size,
        remaining_size,
        highest_price,
        state,
        fired_tiers,
        exit_retries,
        opened_at,
        closed_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        entry_price    = EXCLUDED.entry_price,
        size           = EXCLUDED.size,
        remaining_size = EXCLUDED.remaining_size,
        highest_price  = EXCLUDED.highest_price,
        state          = EXCLUDED.state,
        fired_tiers    = EXCLUDED.fired_tiers,
        exit_retries   = EXCLUDED.exit_retries,
        closed_at      = EXCLUDED.closed_at,
        updated_at     = now();`

	positionColumns = `id,
        token,
        order_id,
        entry_price,
        size,
        remaining_size,
        highest_price,
        state,
        fired_tiers,
        exit_retries,
        opened_at,
        closed_at`

	listLivePositionsSQL = `SELECT ` + positionColumns + `
    FROM positions
    WHERE state IN ('OPENING', 'OPEN')
    ORDER BY opened_at;`

	listRecentPositionsSQL = `SELECT ` + positionColumns + `
    FROM positions
    ORDER BY opened_at DESC
    LIMIT $1;`

	insertTradeSQL = `INSERT INTO trades (
        position_id,
        token,
        side,
        size,
        price,
        reason,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	realizedPnLSQL = `SELECT
        t.executed_at,
        t.token,
        t.reason,
        t.size,
        t.price,
        p.entry_price
    FROM trades t
    JOIN positions p ON p.id = t.position_id
    WHERE t.side = 'SELL'
      AND t.executed_at >= $1
      AND t.executed_at < $2
    ORDER BY t.executed_at;`

	countDuplicateLiveTokensSQL = `SELECT COUNT(*) FROM (
        SELECT token
        FROM positions
        WHERE state IN ('OPENING', 'OPEN')
        GROUP BY token
        HAVING COUNT(*) > 1
    ) dup;`

	countNegativeRemainingSQL = `SELECT COUNT(*) FROM positions WHERE remaining_size < 0;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PositionStore defines operations for position persistence and recovery.
type PositionStore interface {
	position.Store
	ListLivePositions(ctx context.Context) ([]*position.Position, error)
	ListRecentPositions(ctx context.Context, limit int) ([]*position.Position, error)
	VerifyConsistency(ctx context.Context) error
}

// TradeLedger exposes the realized PnL history.
type TradeLedger interface {
	RealizedPnLBetween(ctx context.Context, from, to time.Time) ([]PnLPoint, error)
}

// Store persists positions and the trade ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. Used to keep a single position manager instance live.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SavePosition persists or updates a position snapshot.
func (s *Store) SavePosition(ctx context.Context, p *position.Position) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	fired, err := json.Marshal(p.FiredTiers)
	if err != nil {
		return fmt.Errorf("marshal fired tiers: %w", err)
	}

	var closedAt interface{}
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}

	_, execErr := pool.Exec(ctx, upsertPositionSQL,
		p.ID,
		p.Token,
		p.OrderID,
		p.EntryPrice.String(),
		p.Size.String(),
		p.RemainingSize.String(),
		p.HighestPrice.String(),
		string(p.State),
		fired,
		p.ExitRetries,
		p.OpenedAt,
		closedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert position: %w", execErr)
	}
	return nil
}

// RecordTrade appends a confirmed fill to the ledger.
func (s *Store) RecordTrade(ctx context.Context, t position.Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertTradeSQL,
		t.PositionID,
		t.Token,
		t.Side,
		t.Size.String(),
		t.Price.String(),
		t.Reason,
		t.At,
	)
	if execErr != nil {
		return fmt.Errorf("record trade: %w", execErr)
	}
	return nil
}

// ListLivePositions returns positions in OPENING or OPEN state, oldest first.
func (s *Store) ListLivePositions(ctx context.Context) ([]*position.Position, error) {
	return s.listPositions(ctx, listLivePositionsSQL)
}

// ListRecentPositions returns the most recently opened positions.
func (s *Store) ListRecentPositions(ctx context.Context, limit int) ([]*position.Position, error) {
	return s.listPositions(ctx, listRecentPositionsSQL, limit)
}

func (s *Store) listPositions(ctx context.Context, query string, args ...interface{}) ([]*position.Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list positions: %w", queryErr)
	}
	defer rows.Close()

	positions := make([]*position.Position, 0)
	for rows.Next() {
		p, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		positions = append(positions, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return positions, nil
}

// RealizedPnLBetween lists confirmed exits in the window with their realized
// PnL relative to entry.
func (s *Store) RealizedPnLBetween(ctx context.Context, from, to time.Time) ([]PnLPoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, realizedPnLSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("realized pnl: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PnLPoint, 0)
	for rows.Next() {
		var (
			at       time.Time
			token    string
			reason   string
			sizeStr  string
			priceStr string
			entryStr string
		)
		if err := rows.Scan(&at, &token, &reason, &sizeStr, &priceStr, &entryStr); err != nil {
			return nil, err
		}

		size, convErr := decimal.NewFromString(sizeStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade size: %w", convErr)
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade price: %w", convErr)
		}
		entry, convErr := decimal.NewFromString(entryStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse entry price: %w", convErr)
		}

		points = append(points, PnLPoint{
			At:       at,
			Token:    token,
			Reason:   reason,
			Size:     size,
			Price:    price,
			Realized: price.Sub(entry).Mul(size),
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// VerifyConsistency checks the persisted position set before recovery.
// Duplicate live positions for a token or negative remaining sizes mean the
// store cannot be trusted and the process must refuse to trade.
func (s *Store) VerifyConsistency(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var duplicates int64
	if scanErr := pool.QueryRow(ctx, countDuplicateLiveTokensSQL).Scan(&duplicates); scanErr != nil {
		return fmt.Errorf("count duplicate live tokens: %w", scanErr)
	}
	if duplicates > 0 {
		return fmt.Errorf("%w: %d tokens with multiple live positions", ErrInconsistent, duplicates)
	}

	var negative int64
	if scanErr := pool.QueryRow(ctx, countNegativeRemainingSQL).Scan(&negative); scanErr != nil {
		return fmt.Errorf("count negative remaining: %w", scanErr)
	}
	if negative > 0 {
		return fmt.Errorf("%w: %d positions with negative remaining size", ErrInconsistent, negative)
	}
	return nil
}

func scanPosition(rows pgx.Rows) (*position.Position, error) {
	var (
		id           string
		token        string
		orderID      string
		entryStr     string
		sizeStr      string
		remainingStr string
		highestStr   string
		state        string
		firedRaw     json.RawMessage
		exitRetries  int
		openedAt     time.Time
		closedAt     sql.NullTime
	)

	if err := rows.Scan(
		&id,
		&token,
		&orderID,
		&entryStr,
		&sizeStr,
		&remainingStr,
		&highestStr,
		&state,
		&firedRaw,
		&exitRetries,
		&openedAt,
		&closedAt,
	); err != nil {
		return nil, err
	}

	entry, err := decimal.NewFromString(entryStr)
	if err != nil {
		return nil, fmt.Errorf("parse entry price: %w", err)
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	remaining, err := decimal.NewFromString(remainingStr)
	if err != nil {
		return nil, fmt.Errorf("parse remaining size: %w", err)
	}
	highest, err := decimal.NewFromString(highestStr)
	if err != nil {
		return nil, fmt.Errorf("parse highest price: %w", err)
	}

	var fired []bool
	if err := json.Unmarshal(firedRaw, &fired); err != nil {
		return nil, fmt.Errorf("parse fired tiers: %w", err)
	}

	p := &position.Position{
		ID:            id,
		Token:         token,
		OrderID:       orderID,
		EntryPrice:    entry,
		Size:          size,
		RemainingSize: remaining,
		HighestPrice:  highest,
		State:         position.State(state),
		FiredTiers:    fired,
		ExitRetries:   exitRetries,
		OpenedAt:      openedAt,
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

var (
	_ PositionStore = (*Store)(nil)
	_ TradeLedger   = (*Store)(nil)
)
