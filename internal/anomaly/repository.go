package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for findings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertFinding = `INSERT INTO anomaly_findings
(id, finding_type, sku, location, ref_id, severity, detected_at, evidence, status, resolution_note, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`

// InsertFindings appends findings in one transaction. Findings are
// append-only; there is no update path besides status moves.
func (r *Repository) InsertFindings(ctx context.Context, findings []Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, finding := range findings {
		evidence, err := json.Marshal(finding.Evidence)
		if err != nil {
			return fmt.Errorf("anomaly: marshal evidence: %w", err)
		}
		if _, err := tx.Exec(ctx, insertFinding,
			finding.ID, string(finding.Type), finding.SKU, finding.Location, finding.RefID,
			string(finding.Severity), finding.DetectedAt, evidence, string(finding.Status),
			finding.ResolutionNote,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const selectFinding = `SELECT id, finding_type, sku, location, ref_id, severity, detected_at, evidence, status, resolution_note
FROM anomaly_findings`

func scanFinding(row pgx.Row) (Finding, error) {
	var (
		finding  Finding
		evidence []byte
	)
	if err := row.Scan(&finding.ID, &finding.Type, &finding.SKU, &finding.Location, &finding.RefID,
		&finding.Severity, &finding.DetectedAt, &evidence, &finding.Status, &finding.ResolutionNote,
	); err != nil {
		return Finding{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &finding.Evidence); err != nil {
			return Finding{}, fmt.Errorf("anomaly: unmarshal evidence: %w", err)
		}
	}
	return finding, nil
}

func collectFindings(rows pgx.Rows) ([]Finding, error) {
	defer rows.Close()
	var findings []Finding
	for rows.Next() {
		finding, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}
	return findings, rows.Err()
}

// ListFindings returns findings matching the filter, newest first.
func (r *Repository) ListFindings(ctx context.Context, filter FindingFilter) ([]Finding, error) {
	query := selectFinding + ` WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND finding_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.SKU != "" {
		args = append(args, filter.SKU)
		query += fmt.Sprintf(" AND sku = $%d", len(args))
	}
	if filter.Location != "" {
		args = append(args, filter.Location)
		query += fmt.Sprintf(" AND location = $%d", len(args))
	}
	query += " ORDER BY detected_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectFindings(rows)
}

// OpenFindings returns every finding still awaiting triage.
func (r *Repository) OpenFindings(ctx context.Context) ([]Finding, error) {
	rows, err := r.pool.Query(ctx, selectFinding+` WHERE status = $1 ORDER BY detected_at, id`, string(StatusOpen))
	if err != nil {
		return nil, err
	}
	return collectFindings(rows)
}

// GetFinding loads one finding by id.
func (r *Repository) GetFinding(ctx context.Context, id string) (Finding, error) {
	row := r.pool.QueryRow(ctx, selectFinding+` WHERE id = $1`, id)
	finding, err := scanFinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Finding{}, ErrFindingNotFound
	}
	return finding, err
}

// UpdateStatus moves a finding and appends the note to its resolution trail.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status FindingStatus, note string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE anomaly_findings
SET status = $2,
    resolution_note = CASE
        WHEN $3 = '' THEN resolution_note
        WHEN resolution_note = '' THEN $3
        ELSE resolution_note || '; ' || $3
    END,
    updated_at = $4
WHERE id = $1`,
		id, string(status), note, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFindingNotFound
	}
	return nil
}
