package main

import (
	"context"
	"database/sql"
	"time"

	dErrors "maskgate/pkg/domain-errors"
	txcontext "maskgate/pkg/platform/tx"
)

const defaultWarrantTxTimeout = 5 * time.Second

// warrantPostgresTx commits a record transition and its outbox audit row
// together.
type warrantPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newWarrantPostgresTx(db *sql.DB) *warrantPostgresTx {
	return &warrantPostgresTx{db: db}
}

func (t *warrantPostgresTx) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultWarrantTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return txcontext.Run(ctx, t.db, fn)
}
