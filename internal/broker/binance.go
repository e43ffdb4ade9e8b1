package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/security"
)

// DefaultBinanceBaseURL is the Binance spot REST API.
const DefaultBinanceBaseURL = "https://api.binance.com"

const brokerBinance = string(models.BrokerBinance)

// Binance error codes that map to a specific kind.
const (
	binanceTooManyRequests  = -1003
	binanceTimestampOutside = -1021
	binanceInvalidSymbol    = -1121
	binanceOrderRejected    = -2010
	binanceRejectedMBXKey   = -2014
	binanceInvalidAPIKey    = -2015
)

// BinanceConfig configures the Binance gateway.
type BinanceConfig struct {
	BaseURL      string
	RecvWindow   time.Duration
	ReadTimeout  time.Duration
	OrderTimeout time.Duration
}

// BinanceGateway signs every private request with HMAC-SHA256 over the
// query string.
type BinanceGateway struct {
	cfg    BinanceConfig
	creds  Credentials
	client *resty.Client
	logger zerolog.Logger
	now    func() time.Time

	// clock offset in milliseconds between the exchange and local time
	offset atomic.Int64
}

// NewBinanceGateway creates a Binance gateway for one API key pair.
func NewBinanceGateway(cfg BinanceConfig, creds Credentials, logger zerolog.Logger) *BinanceGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBinanceBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}

	return &BinanceGateway{
		cfg:    cfg,
		creds:  creds,
		client: newRestyClient(cfg.BaseURL, cfg.OrderTimeout).SetHeader("X-MBX-APIKEY", creds.APIKey),
		logger: logger.With().Str("component", "broker").Str("broker", brokerBinance).Logger(),
		now:    time.Now,
	}
}

// Name returns the brokerage name.
func (g *BinanceGateway) Name() string { return brokerBinance }

// NormalizeSymbol maps a rule ticker to a Binance pair. Dashed tickers name
// both sides ("ETH-BTC", or "BTC-USD" as quoted by Yahoo); anything else is
// an asset quoted in USDT unless it already ends in USDT.
func NormalizeSymbol(ticker string) string {
	s := strings.ToUpper(strings.TrimSpace(ticker))
	if s == "" {
		return s
	}
	if i := strings.IndexByte(s, '-'); i > 0 && i < len(s)-1 {
		base, quote := s[:i], s[i+1:]
		if quote == "USD" {
			quote = "USDT"
		}
		return base + quote
	}
	if strings.HasSuffix(s, "USDT") && len(s) > len("USDT") {
		return s
	}
	return s + "USDT"
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery adds timestamp and recvWindow to params and appends the
// signature as the last parameter.
func (g *BinanceGateway) signedQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	ts := g.now().UnixMilli() + g.offset.Load()
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindow.Milliseconds(), 10))

	payload := params.Encode()
	return payload + "&signature=" + Sign(g.creds.APISecret, payload)
}

// Authenticate syncs the clock with the exchange and verifies the key pair
// with a signed account request.
func (g *BinanceGateway) Authenticate(ctx context.Context) error {
	ctx, cancel := callTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := g.client.R().SetContext(ctx).SetResult(&serverTime).Get("/api/v3/time")
	if err != nil {
		return transportError(brokerBinance, err)
	}
	if resp.IsError() {
		return g.classify(resp)
	}
	if serverTime.ServerTime > 0 {
		g.offset.Store(serverTime.ServerTime - g.now().UnixMilli())
	}

	if _, err := g.account(ctx); err != nil {
		return err
	}
	g.logger.Debug().Int64("clock_offset_ms", g.offset.Load()).Msg("Authenticated")
	return nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (g *BinanceGateway) account(ctx context.Context) (*binanceAccount, error) {
	var out binanceAccount
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v3/account?" + g.signedQuery(nil))
	if err != nil {
		return nil, transportError(brokerBinance, err)
	}
	if resp.IsError() {
		return nil, g.classify(resp)
	}
	return &out, nil
}

// FetchPortfolio returns every non-zero balance valued in USDT. Binance does
// not report cost basis, so average price and P&L are zero.
func (g *BinanceGateway) FetchPortfolio(ctx context.Context) ([]models.Holding, error) {
	return withReauth(ctx, g.Authenticate, func(ctx context.Context) ([]models.Holding, error) {
		ctx, cancel := callTimeout(ctx, g.cfg.ReadTimeout)
		defer cancel()

		acct, err := g.account(ctx)
		if err != nil {
			return nil, err
		}

		prices, err := g.prices(ctx)
		if err != nil {
			return nil, err
		}

		synced := g.now().UTC()
		holdings := make([]models.Holding, 0)
		for _, b := range acct.Balances {
			free, _ := decimal.NewFromString(b.Free)
			locked, _ := decimal.NewFromString(b.Locked)
			total := free.Add(locked)
			if !total.IsPositive() {
				continue
			}
			price := usdtPrice(b.Asset, prices)
			holdings = append(holdings, models.Holding{
				Ticker:       b.Asset,
				Name:         b.Asset,
				Quantity:     total.InexactFloat64(),
				CurrentPrice: price.InexactFloat64(),
				MarketValue:  total.Mul(price).InexactFloat64(),
				Broker:       models.BrokerBinance,
				SyncedAt:     synced,
			})
		}
		return holdings, nil
	})
}

func (g *BinanceGateway) prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	var tickers []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := g.client.R().SetContext(ctx).SetResult(&tickers).Get("/api/v3/ticker/price")
	if err != nil {
		return nil, transportError(brokerBinance, err)
	}
	if resp.IsError() {
		return nil, g.classify(resp)
	}

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if p, err := decimal.NewFromString(t.Price); err == nil {
			out[t.Symbol] = p
		}
	}
	return out, nil
}

// usdtPrice values one unit of asset in USDT, going through BTC when no
// direct pair exists. Unpriced assets are worth zero.
func usdtPrice(asset string, prices map[string]decimal.Decimal) decimal.Decimal {
	if asset == "USDT" {
		return decimal.NewFromInt(1)
	}
	if p, ok := prices[asset+"USDT"]; ok {
		return p
	}
	viaBTC, ok1 := prices[asset+"BTC"]
	btc, ok2 := prices["BTCUSDT"]
	if ok1 && ok2 {
		return viaBTC.Mul(btc)
	}
	return decimal.Zero
}

type binanceOrderResult struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Price               string `json:"price"`
}

// PlaceOrder submits a MARKET order, or a GTC LIMIT order when a limit
// price is given.
func (g *BinanceGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error) {
	symbol := NormalizeSymbol(req.Ticker)
	clientID := strings.ReplaceAll(uuid.NewString(), "-", "")

	return withReauth(ctx, g.Authenticate, func(ctx context.Context) (*models.ExecutionOutcome, error) {
		ctx, cancel := callTimeout(ctx, g.cfg.OrderTimeout)
		defer cancel()

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("side", string(req.Side))
		params.Set("quantity", req.Quantity.String())
		params.Set("newClientOrderId", clientID)
		params.Set("newOrderRespType", "RESULT")
		if req.Type == models.OrderTypeLimit && req.LimitPrice != nil {
			params.Set("type", "LIMIT")
			params.Set("timeInForce", "GTC")
			params.Set("price", req.LimitPrice.String())
		} else {
			params.Set("type", "MARKET")
		}

		var out binanceOrderResult
		resp, err := g.client.R().
			SetContext(ctx).
			SetResult(&out).
			Post("/api/v3/order?" + g.signedQuery(params))
		if err != nil {
			return nil, transportError(brokerBinance, err)
		}
		if resp.IsError() {
			return nil, g.classify(resp)
		}

		outcome := &models.ExecutionOutcome{
			BrokerOrderID: strconv.FormatInt(out.OrderID, 10),
			Status:        out.Status,
			Raw:           json.RawMessage(resp.Body()),
		}
		executed, _ := decimal.NewFromString(out.ExecutedQty)
		quote, _ := decimal.NewFromString(out.CummulativeQuoteQty)
		switch {
		case executed.IsPositive() && quote.IsPositive():
			outcome.FilledPrice = quote.Div(executed)
		case req.LimitPrice != nil:
			outcome.FilledPrice = *req.LimitPrice
		}

		g.logger.Info().
			Str("symbol", symbol).
			Str("side", string(req.Side)).
			Str("quantity", req.Quantity.String()).
			Str("order_id", outcome.BrokerOrderID).
			Str("status", out.Status).
			Msg("Order placed")

		return outcome, nil
	})
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps a Binance error response to a broker error kind.
func (g *BinanceGateway) classify(resp *resty.Response) error {
	var body binanceError
	_ = json.Unmarshal(resp.Body(), &body)
	msg := security.SanitizeString(body.Msg)
	if msg == "" {
		msg = security.SanitizeString(strings.TrimSpace(resp.String()))
	}
	code := ""
	if body.Code != 0 {
		code = strconv.Itoa(body.Code)
	}

	kind := apperrors.KindUnknown
	switch {
	case body.Code == binanceInvalidSymbol:
		kind = apperrors.KindInvalidSymbol
	case body.Code == binanceOrderRejected && strings.Contains(strings.ToLower(msg), "insufficient"):
		kind = apperrors.KindInsufficientFunds
	case body.Code == binanceTimestampOutside,
		body.Code == binanceRejectedMBXKey,
		body.Code == binanceInvalidAPIKey,
		resp.StatusCode() == http.StatusUnauthorized:
		kind = apperrors.KindAuthExpired
	case body.Code == binanceTooManyRequests,
		resp.StatusCode() == http.StatusTooManyRequests,
		resp.StatusCode() == http.StatusTeapot:
		kind = apperrors.KindRateLimited
	case resp.StatusCode() >= 500:
		msg = fmt.Sprintf("server error: %s", msg)
	}
	return withStatus(apperrors.NewBrokerError(brokerBinance, kind, msg, nil), resp, code)
}

var _ Gateway = (*BinanceGateway)(nil)
