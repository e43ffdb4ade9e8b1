// Package marketdata fetches quotes and daily history for rule evaluation.
package marketdata

import (
	"context"
	"time"

	"rulewatch/internal/models"
)

// Provider supplies point-in-time snapshots and ordered daily bars.
type Provider interface {
	// Snapshot returns the latest market data for ticker. Optional fields
	// are left nil when the upstream source does not supply them.
	Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error)
	// History returns daily bars in ascending order for [start, end].
	History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error)
}
