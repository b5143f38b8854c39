package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

const receiptColumns = `id, type, entity_id, ts, payload, payload_digest, prev_digest, citations`

// ReceiptFilter selects receipts for ReadReceipts. Zero values mean "no constraint".
type ReceiptFilter struct {
	Types        []ir.ReceiptType
	EntityID     string
	EntityPrefix string
	From         time.Time // inclusive
	To           time.Time // exclusive
	AfterID      int64     // exclusive
	ThroughID    int64     // inclusive
	Limit        int
}

// ReadReceipt returns the receipt with the given id, or ErrNotFound.
func (s *Store) ReadReceipt(ctx context.Context, id int64) (ir.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Receipt{}, fmt.Errorf("read receipt %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("read receipt %d: %w", id, err)
	}
	return r, nil
}

// ReadHead returns the receipt with the highest id. ok is false for an empty ledger.
func (s *Store) ReadHead(ctx context.Context) (r ir.Receipt, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts ORDER BY id DESC LIMIT 1`)
	r, err = scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Receipt{}, false, nil
	}
	if err != nil {
		return ir.Receipt{}, false, fmt.Errorf("read head: %w", err)
	}
	return r, true, nil
}

// CountReceipts returns the number of stored receipts.
func (s *Store) CountReceipts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return n, nil
}

// LookupUnique returns the id of the receipt holding (type, key).
func (s *Store) LookupUnique(ctx context.Context, typ ir.ReceiptType, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM receipts WHERE type = ? AND unique_key = ?`, string(typ), key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup unique %s/%s: %w", typ, key, err)
	}
	return id, true, nil
}

// ReadReceipts returns receipts matching f in chain order (ORDER BY id ASC).
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadReceipts(ctx context.Context, f ReceiptFilter) ([]ir.Receipt, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.EntityPrefix != "" {
		where = append(where, "substr(entity_id, 1, ?) = ?")
		args = append(args, len(f.EntityPrefix), f.EntityPrefix)
	}
	if !f.From.IsZero() {
		where = append(where, "ts_unix_nano >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "ts_unix_nano < ?")
		args = append(args, f.To.UnixNano())
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	if f.ThroughID > 0 {
		where = append(where, "id <= ?")
		args = append(args, f.ThroughID)
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	receipts := []ir.Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return receipts, nil
}

// LoadThresholds returns every persisted threshold row ordered by domain.
func (s *Store) LoadThresholds(ctx context.Context) ([]ThresholdRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain_id, compression_threshold, fitness_score, last_calibrated_at,
		       sample_count, correct_count, incorrect_count, pruned
		FROM thresholds
		ORDER BY domain_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query thresholds: %w", err)
	}
	defer rows.Close()

	out := []ThresholdRow{}
	for rows.Next() {
		var (
			row    ThresholdRow
			pruned int
		)
		if err := rows.Scan(
			&row.DomainID,
			&row.CompressionThreshold,
			&row.FitnessScore,
			&row.LastCalibratedAt,
			&row.SampleCount,
			&row.CorrectCount,
			&row.IncorrectCount,
			&pruned,
		); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		row.Pruned = pruned != 0
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thresholds: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (ir.Receipt, error) {
	var (
		id                                      int64
		typ, entity, ts, payload, pd, prev, cit string
	)
	if err := sc.Scan(&id, &typ, &entity, &ts, &payload, &pd, &prev, &cit); err != nil {
		return ir.Receipt{}, err
	}

	rec := ir.Record{
		ID:            id,
		Type:          typ,
		Timestamp:     ts,
		EntityID:      entity,
		PayloadDigest: pd,
		PrevDigest:    prev,
	}
	var err error
	if rec.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.Receipt{}, fmt.Errorf("scan receipt %d: %w", id, err)
	}
	if rec.Citations, err = unmarshalCitations(cit); err != nil {
		return ir.Receipt{}, fmt.Errorf("scan receipt %d: %w", id, err)
	}
	return rec.Receipt()
}
