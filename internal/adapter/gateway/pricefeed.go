package gateway

import (
	"context"

	"github.com/zono819/papertrade-engine/internal/domain/entity"
)

// PriceFeed supplies the latest mark price per symbol.
//
// Implementations must honor ctx cancellation so a slow provider cannot
// block a cycle past its deadline.
type PriceFeed interface {
	// MarkPrices returns marks for the requested symbols. Symbols the
	// provider does not know are omitted rather than reported as errors.
	MarkPrices(ctx context.Context, symbols []string) (entity.MarkPrices, error)
}
