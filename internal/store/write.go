package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// AppendReceipt inserts a receipt row. uniqueKey is empty for receipt types
// without a uniqueness scope.
//
// The payload is stored as canonical JSON so that re-reading it reproduces the
// exact bytes the payload digest was computed over.
func (s *Store) AppendReceipt(ctx context.Context, r ir.Receipt, uniqueKey string) error {
	payloadJSON, err := marshalPayload(r.Payload)
	if err != nil {
		return fmt.Errorf("write receipt %d: %w", r.ID, err)
	}
	citationsJSON, err := marshalCitations(r.Citations)
	if err != nil {
		return fmt.Errorf("write receipt %d: %w", r.ID, err)
	}

	var key sql.NullString
	if uniqueKey != "" {
		key = sql.NullString{String: uniqueKey, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipts
		(id, type, entity_id, ts, ts_unix_nano, payload, payload_digest, prev_digest, citations, unique_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		string(r.Type),
		r.EntityID,
		ir.FormatTimestamp(r.Timestamp),
		r.Timestamp.UnixNano(),
		payloadJSON,
		r.PayloadDigest.String(),
		r.PrevDigest.String(),
		citationsJSON,
		key,
	)
	if err != nil {
		return fmt.Errorf("write receipt %d: %w", r.ID, classifyInsertError(err))
	}

	return nil
}

// ThresholdRow is the persisted form of a domain threshold record.
type ThresholdRow struct {
	DomainID             string
	CompressionThreshold float64
	FitnessScore         float64
	LastCalibratedAt     string
	SampleCount          int64
	CorrectCount         int64
	IncorrectCount       int64
	Pruned               bool
}

// SaveThresholds upserts all rows in a single transaction. Either every row is
// written or none is.
func (s *Store) SaveThresholds(ctx context.Context, rows []ThresholdRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save thresholds: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO thresholds
		(domain_id, compression_threshold, fitness_score, last_calibrated_at, sample_count, correct_count, incorrect_count, pruned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain_id) DO UPDATE SET
			compression_threshold = excluded.compression_threshold,
			fitness_score = excluded.fitness_score,
			last_calibrated_at = excluded.last_calibrated_at,
			sample_count = excluded.sample_count,
			correct_count = excluded.correct_count,
			incorrect_count = excluded.incorrect_count,
			pruned = excluded.pruned
	`)
	if err != nil {
		return fmt.Errorf("save thresholds: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		pruned := 0
		if row.Pruned {
			pruned = 1
		}
		if _, err := stmt.ExecContext(ctx,
			row.DomainID,
			row.CompressionThreshold,
			row.FitnessScore,
			row.LastCalibratedAt,
			row.SampleCount,
			row.CorrectCount,
			row.IncorrectCount,
			pruned,
		); err != nil {
			return fmt.Errorf("save thresholds: %s: %w", row.DomainID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save thresholds: commit: %w", err)
	}
	return nil
}
