package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for lots and events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction. Row locks taken
// by LockLots serialize concurrent mutation of the same (SKU, location) pair;
// read-only callers get a consistent snapshot. The context handed to the
// callback carries the transaction, so other repositories invoked from it
// join the same commit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func (t *txRepo) InsertEvent(ctx context.Context, event Event) error {
	var unitCost *string
	if event.UnitCost != nil {
		s := event.UnitCost.String()
		unitCost = &s
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_events (id, event_type, sku, location, quantity, unit_cost, occurred_at, applied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		event.ID, string(event.Type), event.SKU, event.Location, event.Quantity, unitCost, event.OccurredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (t *txRepo) LockLots(ctx context.Context, sku, location string) ([]CostLot, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, sku, location, received_at, original_qty, remaining_qty, unit_cost, source_event_id
FROM cost_lots WHERE sku=$1 AND location=$2 ORDER BY received_at, id FOR UPDATE`, sku, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (t *txRepo) InsertLot(ctx context.Context, lot CostLot) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO cost_lots (id, sku, location, received_at, original_qty, remaining_qty, unit_cost, source_event_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lot.ID, lot.SKU, lot.Location, lot.ReceivedAt, lot.OriginalQty, lot.RemainingQty, lot.UnitCost, lot.SourceEventID)
	return err
}

func (t *txRepo) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE cost_lots SET remaining_qty=$2 WHERE id=$1`, lotID, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLotNotFound
	}
	return nil
}

// ErrLotNotFound indicates a missing lot row.
var ErrLotNotFound = errors.New("ledger: lot not found")

// GetPosition aggregates the current position for one pair.
func (r *Repository) GetPosition(ctx context.Context, sku, location string) (Position, error) {
	lots, err := r.ListLots(ctx, sku, location)
	if err != nil {
		return Position{}, err
	}
	return PositionFromLots(sku, location, lots), nil
}

// ListPositions aggregates positions for every (SKU, location) pair holding
// at least one lot, reading from a single statement snapshot.
func (r *Repository) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := r.pool.Query(ctx, `SELECT sku, location, SUM(remaining_qty),
CASE WHEN SUM(remaining_qty) <> 0 THEN SUM(remaining_qty * unit_cost) / SUM(remaining_qty) ELSE 0 END,
COUNT(*) FILTER (WHERE remaining_qty <> 0),
MIN(received_at) FILTER (WHERE remaining_qty <> 0)
FROM cost_lots GROUP BY sku, location ORDER BY sku, location`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []Position
	for rows.Next() {
		var pos Position
		var oldest *time.Time
		if err := rows.Scan(&pos.SKU, &pos.Location, &pos.OnHand, &pos.AvgUnitCost, &pos.LotCount, &oldest); err != nil {
			return nil, err
		}
		if oldest != nil {
			pos.OldestSince = *oldest
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// ListLots returns all lots for one pair, consumed lots included.
func (r *Repository) ListLots(ctx context.Context, sku, location string) ([]CostLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sku, location, received_at, original_qty, remaining_qty, unit_cost, source_event_id
FROM cost_lots WHERE sku=$1 AND location=$2 ORDER BY received_at, id`, sku, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

// ListEvents returns applied events for one pair since the given time.
func (r *Repository) ListEvents(ctx context.Context, sku, location string, since time.Time) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, event_type, sku, location, quantity, unit_cost, occurred_at
FROM ledger_events WHERE sku=$1 AND location=$2 AND occurred_at >= $3 ORDER BY occurred_at, id`, sku, location, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var event Event
		var eventType string
		var unitCost *decimal.Decimal
		if err := rows.Scan(&event.ID, &eventType, &event.SKU, &event.Location, &event.Quantity, &unitCost, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Type = EventType(eventType)
		event.UnitCost = unitCost
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanLots(rows pgx.Rows) ([]CostLot, error) {
	var lots []CostLot
	for rows.Next() {
		var lot CostLot
		if err := rows.Scan(&lot.ID, &lot.SKU, &lot.Location, &lot.ReceivedAt, &lot.OriginalQty, &lot.RemainingQty, &lot.UnitCost, &lot.SourceEventID); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}
