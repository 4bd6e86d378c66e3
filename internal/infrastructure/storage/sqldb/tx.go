package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	coretx "rowloader/internal/core/tx"
	"rowloader/pkg/logger"
)

var _ coretx.Snapshotter = (*TxManager)(nil)

// TxManager runs functions inside a *sql.Tx stored in the context.
type TxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewTxManager creates a transaction manager. A nil opts uses the driver
// defaults; SQLite gives a deferred transaction a stable snapshot from its
// first read.
func NewTxManager(db *sql.DB, opts *sql.TxOptions) *TxManager {
	return &TxManager{db: db, opts: opts}
}

// RunInSnapshot executes fn within a transaction. If one already exists in
// ctx, it is reused. The transaction is always rolled back: snapshots only read.
func (m *TxManager) RunInSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	if t, ok := ctx.Value(txKey{}).(*sql.Tx); ok && t != nil {
		return fn(ctx)
	}

	t, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := t.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error(ctx, "rollback failed", "error", rbErr)
		}
	}()

	return fn(WithTx(ctx, t))
}
