package statestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/domain/repository"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

var _ repository.LedgerRepository = (*FileStore)(nil)

// FileStore keeps the ledger document in a single JSON file
type FileStore struct {
	path           string
	initialBalance decimal.Decimal
	log            *logger.Logger
}

// NewFileStore creates a file-backed store at path
func NewFileStore(path string, initialBalance decimal.Decimal, log *logger.Logger) *FileStore {
	if log == nil {
		log = logger.Default()
	}
	return &FileStore{
		path:           path,
		initialBalance: initialBalance,
		log:            log.WithFields(logger.Fields{"component": "statestore", "path": path}),
	}
}

// Path returns the document location
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the document to a temporary file in the same directory, syncs
// it and renames it over the previous one.
func (s *FileStore) Save(ctx context.Context, snap *entity.LedgerSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	committed = true

	s.log.Debug("Ledger saved (%d bytes)", len(data))
	return nil
}

// Load reads the document, seeding a fresh ledger when the file does not exist
func (s *FileStore) Load(ctx context.Context) (*entity.LedgerSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("No state file, starting with %s", s.initialBalance)
		return entity.NewLedgerSnapshot(s.initialBalance), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return snap, nil
}
