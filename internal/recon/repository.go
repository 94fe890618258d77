package recon

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for reconciliation
// records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ErrRecordNotFound indicates a missing record row.
var ErrRecordNotFound = errors.New("recon: record not found")

// InsertRecords stores records for one run. Reruns of the same period
// replace the previous pass so the period reflects the latest snapshot;
// records already moved to INVESTIGATING or RESOLVED are kept.
func (r *Repository) InsertRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	period := records[0].Period
	if _, err := tx.Exec(ctx, `DELETE FROM recon_records WHERE period=$1 AND status IN ('MATCHED','VARIANCE')`, period); err != nil {
		return err
	}
	for _, record := range records {
		_, err := tx.Exec(ctx, `INSERT INTO recon_records (id, sku, location, period, wms_quantity, erp_quantity, variance, variance_pct, status, severity, resolution_note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (sku, location, period) DO NOTHING`,
			record.ID, record.SKU, record.Location, record.Period, record.WMSQuantity,
			record.ERPQuantity, record.Variance, record.VariancePct, string(record.Status),
			string(record.Severity), record.ResolutionNote, record.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListRecords lists records for a period, largest variance first.
func (r *Repository) ListRecords(ctx context.Context, period string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, selectRecord+` WHERE period=$1 ORDER BY ABS(variance) DESC, sku, location`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListPeriods lists the most recent reconciled periods, newest first.
func (r *Repository) ListPeriods(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT period FROM recon_records ORDER BY period DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var periods []string
	for rows.Next() {
		var period string
		if err := rows.Scan(&period); err != nil {
			return nil, err
		}
		periods = append(periods, period)
	}
	return periods, rows.Err()
}

// GetRecord loads one record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, selectRecord+` WHERE id=$1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return record, err
}

// UpdateStatus moves the record lifecycle and appends the note.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status RecordStatus, note string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE recon_records SET status=$2, resolution_note=CASE WHEN $3 = '' THEN resolution_note WHEN resolution_note = '' THEN $3 ELSE resolution_note || '; ' || $3 END WHERE id=$1`,
		id, string(status), note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const selectRecord = `SELECT id, sku, location, period, wms_quantity, erp_quantity, variance, variance_pct, status, severity, resolution_note, created_at FROM recon_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var record Record
	var status, severity string
	if err := row.Scan(&record.ID, &record.SKU, &record.Location, &record.Period,
		&record.WMSQuantity, &record.ERPQuantity, &record.Variance, &record.VariancePct,
		&status, &severity, &record.ResolutionNote, &record.CreatedAt); err != nil {
		return Record{}, err
	}
	record.Status = RecordStatus(status)
	record.Severity = Severity(severity)
	return record, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
