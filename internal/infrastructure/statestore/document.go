package statestore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported ledger document version")
	ErrCorruptDocument    = errors.New("corrupt ledger document")
)

// Encode serializes snap as the versioned ledger document
func Encode(snap *entity.LedgerSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrCorruptDocument)
	}
	doc := *snap
	if doc.Version == 0 {
		doc.Version = entity.SnapshotVersion
	}
	if doc.Version > entity.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	return json.MarshalIndent(&doc, "", "  ")
}

// Decode parses a ledger document. Documents written before versioning are
// read as version 1; documents from a newer schema are refused.
func Decode(data []byte) (*entity.LedgerSnapshot, error) {
	var snap entity.LedgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if snap.Version == 0 {
		snap.Version = 1
	}
	if snap.Version > entity.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, snap.Version, entity.SnapshotVersion)
	}
	if !snap.Balance.Consistent() {
		return nil, fmt.Errorf("%w: balance total %s != available %s + in_positions %s",
			ErrCorruptDocument, snap.Balance.Total, snap.Balance.Available, snap.Balance.InPositions)
	}
	if snap.Positions == nil {
		snap.Positions = []entity.Position{}
	}
	if snap.OpenOrders == nil {
		snap.OpenOrders = []entity.Order{}
	}
	if snap.Trades == nil {
		snap.Trades = []entity.Trade{}
	}
	if snap.EquityCurve == nil {
		snap.EquityCurve = []entity.EquitySnapshot{}
	}
	return &snap, nil
}
