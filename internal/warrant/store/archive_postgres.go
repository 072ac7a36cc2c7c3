package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"maskgate/pkg/platform/sentinel"
)

// PostgresArchive stores document bodies as JSONB through a pgx pool.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

func (a *PostgresArchive) Save(ctx context.Context, doc Document) error {
	tag, err := a.pool.Exec(ctx, `
		INSERT INTO warrant_documents (kind, id, warrant_id, digest, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO NOTHING
	`, string(doc.Kind), doc.ID, doc.WarrantID, doc.Digest, []byte(doc.Body), doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive %s: %w", doc.Kind, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var digest string
	err = a.pool.QueryRow(ctx, `SELECT digest FROM warrant_documents WHERE kind = $1 AND id = $2`,
		string(doc.Kind), doc.ID).Scan(&digest)
	if err != nil {
		return fmt.Errorf("archive %s: %w", doc.Kind, err)
	}
	if digest != doc.Digest {
		return fmt.Errorf("%s %s already archived with a different digest: %w", doc.Kind, doc.ID, sentinel.ErrConflict)
	}
	return nil
}

func (a *PostgresArchive) Find(ctx context.Context, kind DocumentKind, id string) (*Document, error) {
	doc := Document{Kind: kind, ID: id}
	var body []byte
	err := a.pool.QueryRow(ctx, `
		SELECT warrant_id, digest, body, created_at FROM warrant_documents WHERE kind = $1 AND id = $2
	`, string(kind), id).Scan(&doc.WarrantID, &doc.Digest, &body, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	doc.Body = body
	return &doc, nil
}

func (a *PostgresArchive) ListByWarrant(ctx context.Context, warrantID string) ([]Document, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT kind, id, digest, body, created_at FROM warrant_documents
		WHERE warrant_id = $1 ORDER BY created_at
	`, warrantID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc := Document{WarrantID: warrantID}
		var (
			kind string
			body []byte
		)
		if err := rows.Scan(&kind, &doc.ID, &doc.Digest, &body, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Kind = DocumentKind(kind)
		doc.Body = body
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}
