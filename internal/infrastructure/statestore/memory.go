package statestore

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/domain/repository"
)

var _ repository.LedgerRepository = (*MemoryStore)(nil)

// MemoryStore keeps the encoded document in memory. Saves go through the
// same encoding as the durable stores.
type MemoryStore struct {
	mu             sync.Mutex
	data           []byte
	saves          int
	initialBalance decimal.Decimal

	// FailSave, when set, is returned by Save instead of storing
	FailSave error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(initialBalance decimal.Decimal) *MemoryStore {
	return &MemoryStore{initialBalance: initialBalance}
}

// Save stores the encoded document
func (s *MemoryStore) Save(ctx context.Context, snap *entity.LedgerSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	s.data = data
	s.saves++
	return nil
}

// Load decodes the stored document or seeds a fresh one
func (s *MemoryStore) Load(ctx context.Context) (*entity.LedgerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return entity.NewLedgerSnapshot(s.initialBalance), nil
	}
	return Decode(s.data)
}

// Saves returns how many documents were stored
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Bytes returns the last stored document
func (s *MemoryStore) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}
