package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/pkg/utils"
)

// DefaultYahooBaseURL is the public Yahoo Finance query host.
const DefaultYahooBaseURL = "https://query1.finance.yahoo.com"

// YahooConfig configures the Yahoo Finance provider.
type YahooConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   utils.RetryConfig
}

// YahooProvider reads quotes and charts from Yahoo Finance.
type YahooProvider struct {
	client *resty.Client
	retry  utils.RetryConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewYahooProvider creates a Yahoo Finance provider.
func NewYahooProvider(cfg YahooConfig, logger zerolog.Logger) *YahooProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultYahooBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = utils.DefaultRetryConfig()
	}
	cfg.Retry.ShouldRetry = isTransient

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; rulewatch/1.0)")

	return &YahooProvider{
		client: client,
		retry:  cfg.Retry,
		logger: logger.With().Str("component", "marketdata").Str("source", "yahoo").Logger(),
		now:    time.Now,
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []quoteResult `json:"result"`
		Error  *yahooError   `json:"error"`
	} `json:"quoteResponse"`
}

type quoteResult struct {
	Symbol             string   `json:"symbol"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	CurrentPrice       *float64 `json:"currentPrice"`
	TrailingPE         *float64 `json:"trailingPE"`
	ForwardPE          *float64 `json:"forwardPE"`
	FiftyTwoWeekHigh   *float64 `json:"fiftyTwoWeekHigh"`
	RegularMarketTime  int64    `json:"regularMarketTime"`
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *yahooError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// statusError is a non-2xx reply from the upstream.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// Snapshot returns the current quote for ticker.
func (p *YahooProvider) Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error) {
	var out quoteResponse
	err := utils.Retry(ctx, p.retry, func() error {
		out = quoteResponse{}
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParam("symbols", ticker).
			SetResult(&out).
			Get("/v7/finance/quote")
		return checkResponse(resp, err)
	})
	if err != nil {
		return nil, apperrors.NewDataError("quote", ticker, "fetch failed", err)
	}
	if out.QuoteResponse.Error != nil {
		return nil, apperrors.NewDataError("quote", ticker, out.QuoteResponse.Error.Description, nil)
	}
	if len(out.QuoteResponse.Result) == 0 {
		return nil, apperrors.NewDataError("quote", ticker, "no quote returned", nil)
	}

	q := out.QuoteResponse.Result[0]
	price := firstPositive(q.CurrentPrice, q.RegularMarketPrice)
	if price == nil {
		return nil, apperrors.NewDataError("quote", ticker, "no current price", nil)
	}

	observed := p.now().UTC()
	if q.RegularMarketTime > 0 {
		observed = time.Unix(q.RegularMarketTime, 0).UTC()
	}

	snap := &models.MarketSnapshot{
		Ticker:           ticker,
		CurrentPrice:     *price,
		PERatio:          firstNonZero(q.TrailingPE, q.ForwardPE),
		FiftyTwoWeekHigh: firstPositive(q.FiftyTwoWeekHigh),
		ObservedAt:       observed,
	}

	p.logger.Debug().
		Str("ticker", ticker).
		Float64("price", snap.CurrentPrice).
		Msg("Fetched quote")

	return snap, nil
}

// History returns daily bars for ticker between start and end inclusive.
func (p *YahooProvider) History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error) {
	var out chartResponse
	err := utils.Retry(ctx, p.retry, func() error {
		out = chartResponse{}
		resp, err := p.client.R().
			SetContext(ctx).
			SetPathParam("ticker", ticker).
			SetQueryParams(map[string]string{
				"period1":  strconv.FormatInt(start.Unix(), 10),
				"period2":  strconv.FormatInt(end.AddDate(0, 0, 1).Unix(), 10),
				"interval": "1d",
				"events":   "history",
			}).
			SetResult(&out).
			Get("/v8/finance/chart/{ticker}")
		return checkResponse(resp, err)
	})
	if err != nil {
		return nil, apperrors.NewDataError("history", ticker, "fetch failed", err)
	}
	if out.Chart.Error != nil {
		return nil, apperrors.NewDataError("history", ticker, out.Chart.Error.Description, nil)
	}
	if len(out.Chart.Result) == 0 || len(out.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, apperrors.NewDataError("history", ticker, "no bars returned", nil)
	}

	candles := parseChart(out.Chart.Result[0])
	if len(candles) == 0 {
		return nil, apperrors.NewDataError("history", ticker, "no bars returned", nil)
	}
	return candles, nil
}

// parseChart converts the column-oriented chart payload into candles,
// skipping bars without a close.
func parseChart(r chartResult) []models.Candle {
	q := r.Indicators.Quote[0]
	candles := make([]models.Candle, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		closePrice := at(q.Close, i)
		if closePrice == nil {
			continue
		}
		c := models.Candle{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     *closePrice,
			Open:      valueOr(at(q.Open, i), *closePrice),
			High:      valueOr(at(q.High, i), *closePrice),
			Low:       valueOr(at(q.Low, i), *closePrice),
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			c.Volume = *q.Volume[i]
		}
		candles = append(candles, c)
	}
	return candles
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		body := resp.String()
		if len(body) > 200 {
			body = body[:200]
		}
		return &statusError{status: resp.StatusCode(), body: body}
	}
	return nil
}

// isTransient retries network failures, throttling and server errors.
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

// firstNonZero keeps negative values; loss-making companies report a negative P/E.
func firstNonZero(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil && *v != 0 {
			c := *v
			return &c
		}
	}
	return nil
}

func firstPositive(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil && *v > 0 {
			c := *v
			return &c
		}
	}
	return nil
}
