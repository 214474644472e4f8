package repository

import (
	"context"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

// LedgerRepository defines durable storage for the ledger document.
//
// There is exactly one writer per account: the engine that owns the ledger.
type LedgerRepository interface {
	// Save replaces the stored document atomically
	Save(ctx context.Context, snap *entity.LedgerSnapshot) error

	// Load returns the stored document, or a fresh one seeded with the
	// initial balance when nothing has been stored yet
	Load(ctx context.Context) (*entity.LedgerSnapshot, error)
}
