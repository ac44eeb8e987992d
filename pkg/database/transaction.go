package database

import (
	"context"

	"gorm.io/gorm"
)

// TxFunc runs inside a transaction. A returned error or a panic rolls the
// transaction back.
type TxFunc func(tx *gorm.DB) error

// WithTransactionCtx executes fn in a transaction bound to ctx. The store
// repositories route all multi-statement writes through this seam.
func WithTransactionCtx(ctx context.Context, db *gorm.DB, fn TxFunc) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}
