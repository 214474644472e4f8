package decision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
	"github.com/zono819/papertrade-engine/internal/infrastructure/logger"
)

// FileSource reads the latest decision an external agent wrote to a file.
// Each version of the file is handed out once; afterwards, and while the
// file is missing, the source yields HOLD.
type FileSource struct {
	path   string
	parser *Parser
	log    *logger.Logger

	mu       sync.Mutex
	consumed time.Time
}

// NewFileSource creates a file source. Files last modified at or before
// consumedUntil count as already executed.
func NewFileSource(path string, parser *Parser, consumedUntil time.Time, log *logger.Logger) *FileSource {
	if log == nil {
		log = logger.Default()
	}
	return &FileSource{
		path:     path,
		parser:   parser,
		log:      log.WithFields(logger.Fields{"component": "decision", "path": path}),
		consumed: consumedUntil,
	}
}

// Next returns the pending decision, or HOLD when there is none
func (s *FileSource) Next(ctx context.Context) (entity.ProposedTrade, error) {
	hold := entity.ProposedTrade{Symbol: s.parser.defaultSymbol, Action: entity.ActionHold}
	if err := ctx.Err(); err != nil {
		return hold, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return hold, nil
	}
	if err != nil {
		return hold, fmt.Errorf("stat decision file: %w", err)
	}
	if !info.ModTime().After(s.consumed) {
		return hold, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return hold, fmt.Errorf("read decision file: %w", err)
	}
	s.consumed = info.ModTime()

	trade := s.parser.Parse(data)
	s.log.Info("Decision: %s %s size=%s%% lev=%d (confidence %.2f)",
		trade.Action, trade.Symbol, trade.PositionSizePct, trade.Leverage, trade.Confidence)
	return trade, nil
}
