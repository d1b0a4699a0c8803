package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clearline/futures-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, trader, instrument, direction, margin, entry_price, opened_at, expiry, status)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		p.ID, p.Trader, p.Instrument, string(p.Direction),
		p.Margin.String(), p.EntryPrice.String(),
		p.OpenedAt, p.Expiry, string(p.Status),
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, trader, instrument, direction,
		        margin::TEXT, entry_price::TEXT,
		        opened_at, expiry, status, settled_at
		 FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trader, instrument, direction,
		        margin::TEXT, entry_price::TEXT,
		        opened_at, expiry, status, settled_at
		 FROM positions ORDER BY id DESC`)
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

// SettlePosition updates margin and status in one statement guarded on
// status = 'open'; a row count of zero distinguishes unknown ids from
// already-settled positions.
func (s *PostgresStore) SettlePosition(ctx context.Context, id uint64, settledAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET margin = 0, status = 'closed', settled_at = $2
		 WHERE id = $1 AND status = 'open'`,
		id, settledAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadySettled
	}
	return nil
}

func (s *PostgresStore) NextPositionID(ctx context.Context) (uint64, error) {
	var next uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id) + 1, 0) FROM positions`).Scan(&next)
	return next, err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, position_id, trader, liquidator, instrument, direction,
		                     margin, entry_price, payout, pnl, amount, expiry, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		e.ID, e.Type, e.PositionID, e.Trader, e.Liquidator, e.Instrument, string(e.Direction),
		e.Margin.String(), e.EntryPrice.String(), e.Payout.String(), e.PnL.String(), e.Amount.String(),
		e.Expiry, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, eventSelect+` ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByPosition(ctx context.Context, positionID uint64) ([]model.Event, error) {
	// Funded events are pool-level; they carry no position.
	rows, err := s.pool.Query(ctx, eventSelect+` WHERE position_id = $1 AND type <> 'funded' ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

const eventSelect = `SELECT id, type, position_id, trader, liquidator, instrument, direction,
       margin::TEXT, entry_price::TEXT, payout::TEXT, pnl::TEXT, amount::TEXT,
       expiry, timestamp
 FROM events`

// pgxRow is the single-row scan interface shared by QueryRow and Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var direction, status string
	var marginS, entryPriceS string

	if err := row.Scan(&p.ID, &p.Trader, &p.Instrument, &direction,
		&marginS, &entryPriceS,
		&p.OpenedAt, &p.Expiry, &status, &p.SettledAt); err != nil {
		return nil, err
	}

	p.Direction = model.Direction(direction)
	p.Status = model.Status(status)
	p.Margin, _ = decimal.NewFromString(marginS)
	p.EntryPrice, _ = decimal.NewFromString(entryPriceS)
	return &p, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var direction string
		var marginS, entryPriceS, payoutS, pnlS, amountS string

		if err := rows.Scan(&e.ID, &e.Type, &e.PositionID, &e.Trader, &e.Liquidator,
			&e.Instrument, &direction,
			&marginS, &entryPriceS, &payoutS, &pnlS, &amountS,
			&e.Expiry, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Direction = model.Direction(direction)
		e.Margin, _ = decimal.NewFromString(marginS)
		e.EntryPrice, _ = decimal.NewFromString(entryPriceS)
		e.Payout, _ = decimal.NewFromString(payoutS)
		e.PnL, _ = decimal.NewFromString(pnlS)
		e.Amount, _ = decimal.NewFromString(amountS)

		events = append(events, e)
	}
	return events, rows.Err()
}
