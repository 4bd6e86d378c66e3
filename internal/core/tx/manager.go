// Package tx defines the snapshot contract loaders run under. A loader call
// issues the page and COUNT(*) statements separately; running both inside
// one snapshot keeps the count consistent with the page.
package tx

import (
	"context"
)

// Snapshotter runs fn against one consistent, read-only view of the
// database. Executors pick the transaction up from the ctx passed to fn.
//
// Nested calls reuse the existing transaction from context.
type Snapshotter interface {
	RunInSnapshot(ctx context.Context, fn func(ctx context.Context) error) error
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// RunInSnapshot calls f.
func (f SnapshotFunc) RunInSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Direct runs fn without a transaction.
var Direct Snapshotter = SnapshotFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
