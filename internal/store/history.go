package store

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"rulewatch/internal/models"
)

// HistoryFetcher loads daily bars from an upstream source.
type HistoryFetcher interface {
	History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error)
}

// coverageSlack tolerates weekends and market holidays at range edges.
const coverageSlack = 4 * 24 * time.Hour

// CachedHistory serves daily bars from the store, falling back to the
// upstream source when the stored range does not cover the request.
type CachedHistory struct {
	store  Store
	next   HistoryFetcher
	logger zerolog.Logger
}

// NewCachedHistory creates a history source backed by st.
func NewCachedHistory(st Store, next HistoryFetcher, logger zerolog.Logger) *CachedHistory {
	return &CachedHistory{store: st, next: next, logger: logger.With().Str("component", "history").Logger()}
}

// History returns bars for [start, end] in ascending order.
func (h *CachedHistory) History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error) {
	ticker = strings.ToUpper(ticker)

	stored, err := h.store.GetCandles(ctx, ticker, start, end)
	if err != nil {
		h.logger.Warn().Err(err).Str("ticker", ticker).Msg("Failed to read stored candles")
	} else if covers(stored, start, end) {
		return stored, nil
	}

	candles, err := h.next.History(ctx, ticker, start, end)
	if err != nil {
		return nil, err
	}
	if err := h.store.SaveCandles(ctx, ticker, candles); err != nil {
		h.logger.Warn().Err(err).Str("ticker", ticker).Msg("Failed to cache candles")
	}
	return candles, nil
}

func covers(candles []models.Candle, start, end time.Time) bool {
	if len(candles) == 0 {
		return false
	}
	first := candles[0].Timestamp
	last := candles[len(candles)-1].Timestamp
	return !first.After(start.Add(coverageSlack)) && !last.Before(end.Add(-coverageSlack))
}
