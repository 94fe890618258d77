package costing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockproof/stockproof/internal/ledger"
	"github.com/stockproof/stockproof/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for postings, parked
// events and costing configuration.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrDuplicatePosting indicates a posting already exists for the event.
var ErrDuplicatePosting = errors.New("costing: posting already exists for event")

// InsertPosting stores the posting and its lot lines atomically. When the
// context carries a ledger transaction the writes join it, so the posting
// commits or rolls back with the lot consumption.
func (r *Repository) InsertPosting(ctx context.Context, posting Posting) error {
	if db.InTx(ctx) {
		return insertPosting(ctx, db.QuerierFrom(ctx, r.pool), posting)
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return insertPosting(ctx, tx, posting)
	})
}

func insertPosting(ctx context.Context, q db.Querier, posting Posting) error {
	_, err := q.Exec(ctx, `INSERT INTO cogs_postings (id, event_id, sku, location, quantity_consumed, unit_cost_applied, total_cost, costing_method, variance_amount, posted_at, reverses_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))`,
		posting.ID, posting.EventID, posting.SKU, posting.Location, posting.QuantityConsumed,
		posting.UnitCostApplied, posting.TotalCost, string(posting.Method), posting.VarianceAmount,
		posting.PostedAt, posting.ReversesID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicatePosting
		}
		return err
	}
	for _, line := range posting.Lines {
		if _, err := q.Exec(ctx, `INSERT INTO cogs_posting_lines (posting_id, lot_id, quantity, unit_cost) VALUES ($1, $2, $3, $4)`,
			posting.ID, line.LotID, line.Quantity, line.UnitCost); err != nil {
			return err
		}
	}
	return nil
}

// GetPostingByEvent returns the posting created for the given event id.
func (r *Repository) GetPostingByEvent(ctx context.Context, eventID string) (Posting, error) {
	row := r.pool.QueryRow(ctx, selectPosting+` WHERE event_id=$1`, eventID)
	posting, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Posting{}, ErrPostingNotFound
	}
	if err != nil {
		return Posting{}, err
	}
	posting.Lines, err = r.listLines(ctx, posting.ID)
	return posting, err
}

// ListPostings lists postings matching the filter, newest first.
func (r *Repository) ListPostings(ctx context.Context, filter PostingFilter) ([]Posting, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, selectPosting+`
WHERE ($1 = '' OR sku = $1) AND ($2 = '' OR location = $2)
AND ($3::timestamptz IS NULL OR posted_at >= $3) AND ($4::timestamptz IS NULL OR posted_at < $4)
ORDER BY posted_at DESC, id LIMIT $5`,
		filter.SKU, filter.Location, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPostings(rows)
}

// ListUndelivered returns postings not yet confirmed by the external ERP.
func (r *Repository) ListUndelivered(ctx context.Context, limit int) ([]Posting, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, selectPosting+` WHERE delivered_at IS NULL ORDER BY posted_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPostings(rows)
}

// MarkDelivered records successful external delivery.
func (r *Repository) MarkDelivered(ctx context.Context, postingID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE cogs_postings SET delivered_at=$2 WHERE id=$1 AND delivered_at IS NULL`, postingID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPostingNotFound
	}
	return nil
}

// InsertParkedEvent stores the audit record for a rejected event.
func (r *Repository) InsertParkedEvent(ctx context.Context, parked ParkedEvent) error {
	evidence, err := json.Marshal(parked.Evidence)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO parked_events (id, event_id, sku, location, quantity, reason, detail, evidence, parked_at, resolved)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`,
		parked.ID, parked.EventID, parked.SKU, parked.Location, parked.Quantity,
		string(parked.Reason), parked.Detail, evidence, parked.ParkedAt)
	return err
}

// ListParkedEvents lists parked events, oldest first.
func (r *Repository) ListParkedEvents(ctx context.Context, includeResolved bool) ([]ParkedEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, event_id, sku, location, quantity, reason, detail, evidence, parked_at, resolved
FROM parked_events WHERE $1 OR NOT resolved ORDER BY parked_at, id`, includeResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parked []ParkedEvent
	for rows.Next() {
		var p ParkedEvent
		var reason string
		var evidence []byte
		if err := rows.Scan(&p.ID, &p.EventID, &p.SKU, &p.Location, &p.Quantity, &reason, &p.Detail, &evidence, &p.ParkedAt, &p.Resolved); err != nil {
			return nil, err
		}
		p.Reason = ParkReason(reason)
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &p.Evidence)
		}
		parked = append(parked, p)
	}
	return parked, rows.Err()
}

// ResolveParkedEvent marks a parked event handled.
func (r *Repository) ResolveParkedEvent(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE parked_events SET resolved=TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("costing: parked event not found")
	}
	return nil
}

// GetMethodConfig loads per-SKU costing configuration.
func (r *Repository) GetMethodConfig(ctx context.Context, sku string) (MethodConfig, error) {
	var cfg MethodConfig
	var method string
	var standard *decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT sku, category, costing_method, standard_cost FROM costing_methods WHERE sku=$1`, sku).
		Scan(&cfg.SKU, &cfg.Category, &method, &standard)
	if errors.Is(err, pgx.ErrNoRows) {
		return MethodConfig{}, ErrConfigNotFound
	}
	if err != nil {
		return MethodConfig{}, err
	}
	cfg.Method = ledger.CostingMethod(method)
	cfg.StandardCost = standard
	return cfg, nil
}

// UpsertMethodConfig stores per-SKU costing configuration.
func (r *Repository) UpsertMethodConfig(ctx context.Context, cfg MethodConfig) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO costing_methods (sku, category, costing_method, standard_cost, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (sku) DO UPDATE SET category=EXCLUDED.category, costing_method=EXCLUDED.costing_method, standard_cost=EXCLUDED.standard_cost, updated_at=NOW()`,
		cfg.SKU, cfg.Category, string(cfg.Method), cfg.StandardCost)
	return err
}

const selectPosting = `SELECT id, event_id, sku, location, quantity_consumed, unit_cost_applied, total_cost, costing_method, variance_amount, posted_at, COALESCE(reverses_id, ''), delivered_at FROM cogs_postings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosting(row rowScanner) (Posting, error) {
	var posting Posting
	var method string
	if err := row.Scan(&posting.ID, &posting.EventID, &posting.SKU, &posting.Location,
		&posting.QuantityConsumed, &posting.UnitCostApplied, &posting.TotalCost, &method,
		&posting.VarianceAmount, &posting.PostedAt, &posting.ReversesID, &posting.DeliveredAt); err != nil {
		return Posting{}, err
	}
	posting.Method = ledger.CostingMethod(method)
	return posting, nil
}

func collectPostings(rows pgx.Rows) ([]Posting, error) {
	var postings []Posting
	for rows.Next() {
		posting, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		postings = append(postings, posting)
	}
	return postings, rows.Err()
}

func (r *Repository) listLines(ctx context.Context, postingID string) ([]PostingLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT lot_id, quantity, unit_cost FROM cogs_posting_lines WHERE posting_id=$1 ORDER BY lot_id`, postingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PostingLine
	for rows.Next() {
		var line PostingLine
		if err := rows.Scan(&line.LotID, &line.Quantity, &line.UnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
