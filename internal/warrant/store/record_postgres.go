package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"maskgate/internal/warrant/models"
	"maskgate/pkg/platform/sentinel"
	txcontext "maskgate/pkg/platform/tx"
)

const pgUniqueViolation = "23505"

// PostgresRecords persists AnchorRecords in the anchor_records table.
type PostgresRecords struct {
	db *sql.DB
}

func NewPostgresRecords(db *sql.DB) *PostgresRecords {
	return &PostgresRecords{db: db}
}

const recordColumns = `warrant_id, jti, enterprise_id, state, transaction_reference, block_number,
	retry_count, last_error, warrant_digest, subject_tag, attestation_id, receipt_id, updated_at, version`

func (s *PostgresRecords) Get(ctx context.Context, warrantID string) (*models.AnchorRecord, error) {
	row := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM anchor_records WHERE warrant_id = $1`, warrantID)

	var (
		rec   models.AnchorRecord
		state string
		block int64
	)
	err := row.Scan(&rec.WarrantID, &rec.JTI, &rec.EnterpriseID, &state, &rec.TransactionReference, &block,
		&rec.RetryCount, &rec.LastError, &rec.WarrantDigest, &rec.SubjectTag, &rec.AttestationID, &rec.ReceiptID,
		&rec.UpdatedAt, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("anchor record %s: %w", warrantID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get anchor record: %w", err)
	}
	rec.State = models.State(state)
	rec.BlockNumber = uint64(block)
	return &rec, nil
}

func (s *PostgresRecords) Put(ctx context.Context, rec *models.AnchorRecord) error {
	query := `
		INSERT INTO anchor_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (warrant_id) DO UPDATE SET
			jti = EXCLUDED.jti,
			enterprise_id = EXCLUDED.enterprise_id,
			state = EXCLUDED.state,
			transaction_reference = EXCLUDED.transaction_reference,
			block_number = EXCLUDED.block_number,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			warrant_digest = EXCLUDED.warrant_digest,
			subject_tag = EXCLUDED.subject_tag,
			attestation_id = EXCLUDED.attestation_id,
			receipt_id = EXCLUDED.receipt_id,
			updated_at = EXCLUDED.updated_at,
			version = anchor_records.version + 1
		RETURNING version
	`
	var version int64
	err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, recordArgs(rec)...).Scan(&version)
	if err != nil {
		return fmt.Errorf("put anchor record: %w", err)
	}
	rec.Version = version
	return nil
}

func (s *PostgresRecords) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *models.AnchorRecord) error {
	exec := txcontext.ExecutorFrom(ctx, s.db)
	if expectedVersion == 0 {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO anchor_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		`, recordArgs(rec)...)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
				return fmt.Errorf("anchor record %s already exists: %w", rec.WarrantID, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert anchor record: %w", err)
		}
		rec.Version = 1
		return nil
	}

	args := append(recordArgs(rec), expectedVersion)
	res, err := exec.ExecContext(ctx, `
		UPDATE anchor_records SET
			jti = $2,
			enterprise_id = $3,
			state = $4,
			transaction_reference = $5,
			block_number = $6,
			retry_count = $7,
			last_error = $8,
			warrant_digest = $9,
			subject_tag = $10,
			attestation_id = $11,
			receipt_id = $12,
			updated_at = $13,
			version = version + 1
		WHERE warrant_id = $1 AND version = $14
	`, args...)
	if err != nil {
		return fmt.Errorf("update anchor record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update anchor record: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, rec.WarrantID); errors.Is(getErr, sentinel.ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("anchor record %s moved past version %d: %w", rec.WarrantID, expectedVersion, sentinel.ErrConflict)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func recordArgs(rec *models.AnchorRecord) []any {
	return []any{
		rec.WarrantID,
		rec.JTI,
		rec.EnterpriseID,
		string(rec.State),
		rec.TransactionReference,
		int64(rec.BlockNumber),
		rec.RetryCount,
		rec.LastError,
		rec.WarrantDigest,
		rec.SubjectTag,
		rec.AttestationID,
		rec.ReceiptID,
		rec.UpdatedAt,
	}
}
