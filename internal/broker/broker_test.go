package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/resilience"
	"rulewatch/internal/security"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func buyOrder(ticker string, qty int64) models.OrderRequest {
	return models.OrderRequest{
		Ticker:   ticker,
		Quantity: decimal.NewFromInt(qty),
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
	}
}

// iolServer issues tok1, tok2, ... on each token request and hands every
// other request to api.
func iolServer(t *testing.T, tokens *atomic.Int32, api http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "password", r.PostForm.Get("grant_type"))
			assert.Equal(t, "alice", r.PostForm.Get("username"))
			n := tokens.Add(1)
			writeJSON(w, http.StatusOK, `{"access_token":"tok`+string(rune('0'+n))+`","token_type":"bearer","expires_in":900}`)
			return
		}
		api(w, r)
	}))
}

func testIOL(url string) *IOLGateway {
	return NewIOLGateway(IOLConfig{BaseURL: url, ReadTimeout: 2 * time.Second, OrderTimeout: 2 * time.Second},
		Credentials{Username: "alice", Password: "secret"}, zerolog.Nop())
}

func TestIOLGateway_FetchPortfolio(t *testing.T) {
	var tokens atomic.Int32
	srv := iolServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/portafolio/argentina", r.URL.Path)
		assert.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"pais":"argentina","activos":[
			{"cantidad":10,"ppc":950,"ultimoPrecio":1000,"valorizado":10000,"gananciaDinero":500,"gananciaPorcentaje":5.26,
			 "titulo":{"simbolo":"GGAL","descripcion":"Grupo Financiero Galicia"}},
			{"simbolo":"YPFD","descripcion":"YPF","cantidad":2,"precioCompra":20000,"ultimoPrecio":21000,"valorizado":42000,"gananciaPerdida":2000,"gananciaPerdidaPorcentaje":5}
		]}`)
	})
	defer srv.Close()

	holdings, err := testIOL(srv.URL).FetchPortfolio(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 2)

	assert.Equal(t, "GGAL", holdings[0].Ticker)
	assert.Equal(t, "Grupo Financiero Galicia", holdings[0].Name)
	assert.Equal(t, 950.0, holdings[0].AvgPrice)
	assert.Equal(t, 500.0, holdings[0].ProfitLoss)
	assert.Equal(t, models.BrokerIOL, holdings[0].Broker)

	assert.Equal(t, "YPFD", holdings[1].Ticker)
	assert.Equal(t, 20000.0, holdings[1].AvgPrice)
	assert.Equal(t, 42000.0, holdings[1].MarketValue)
	assert.Equal(t, int32(1), tokens.Load())
}

func TestIOLGateway_ReauthenticatesOnce(t *testing.T) {
	var tokens, calls atomic.Int32
	srv := iolServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok1" {
			writeJSON(w, http.StatusUnauthorized, `{"message":"Authorization has been denied"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"activos":[]}`)
	})
	defer srv.Close()

	holdings, err := testIOL(srv.URL).FetchPortfolio(context.Background())
	require.NoError(t, err)
	assert.Empty(t, holdings)
	assert.Equal(t, int32(2), tokens.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestIOLGateway_PersistentAuthFailure(t *testing.T) {
	var tokens, calls atomic.Int32
	srv := iolServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{}`)
	})
	defer srv.Close()

	_, err := testIOL(srv.URL).FetchPortfolio(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthExpired(err))
	assert.Equal(t, int32(2), calls.Load(), "exactly one retry")
}

func TestIOLGateway_PlaceOrder(t *testing.T) {
	var tokens atomic.Int32
	srv := iolServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/operar/Vender", r.URL.Path)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bCBA", body["mercado"])
		assert.Equal(t, "GGAL", body["simbolo"])
		assert.Equal(t, 5.0, body["cantidad"])
		assert.Equal(t, 0.0, body["precio"])
		assert.Equal(t, "DAY", body["validez"])

		writeJSON(w, http.StatusOK, `{"ok":true,"numeroOperacion":123456}`)
	})
	defer srv.Close()

	req := buyOrder("ggal", 5)
	req.Side = models.OrderSideSell
	out, err := testIOL(srv.URL).PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "123456", out.BrokerOrderID)
	assert.True(t, out.FilledPrice.IsZero())
	assert.NotEmpty(t, out.Raw)
}

func TestIOLGateway_ClassifiesRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unknown symbol", http.StatusBadRequest, `{"messages":[{"title":"Error","description":"El símbolo no existe"}]}`, apperrors.ErrInvalidSymbol},
		{"not found", http.StatusNotFound, `{}`, apperrors.ErrInvalidSymbol},
		{"no funds", http.StatusBadRequest, `{"messages":[{"title":"Saldo insuficiente"}]}`, apperrors.ErrInsufficientFunds},
		{"rate limited", http.StatusTooManyRequests, `{}`, apperrors.ErrRateLimited},
		{"server", http.StatusInternalServerError, `oops`, apperrors.ErrBrokerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokens atomic.Int32
			srv := iolServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			defer srv.Close()

			_, err := testIOL(srv.URL).PlaceOrder(context.Background(), buyOrder("NOPE", 1))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIOLGateway_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	err := testIOL(srv.URL).Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthExpired(err))
}

const (
	testAPIKey    = "key-123"
	testAPISecret = "shh"
)

// verifySignature checks the HMAC of everything before the trailing
// signature parameter.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, testAPIKey, r.Header.Get("X-MBX-APIKEY"))
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if !assert.Greater(t, idx, 0, "signature must be the last parameter") {
		return
	}
	assert.Equal(t, Sign(testAPISecret, raw[:idx]), raw[idx+len("&signature="):])
	assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
	assert.NotEmpty(t, r.URL.Query().Get("recvWindow"))
}

func testBinance(url string) *BinanceGateway {
	return NewBinanceGateway(BinanceConfig{BaseURL: url, ReadTimeout: 2 * time.Second, OrderTimeout: 2 * time.Second},
		Credentials{APIKey: testAPIKey, APISecret: testAPISecret}, zerolog.Nop())
}

func TestBinanceGateway_PlaceMarketOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		verifySignature(t, r)

		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.5", q.Get("quantity"))
		assert.Empty(t, q.Get("timeInForce"))
		assert.NotEmpty(t, q.Get("newClientOrderId"))

		writeJSON(w, http.StatusOK, `{"symbol":"BTCUSDT","orderId":42,"status":"FILLED","executedQty":"0.5","cummulativeQuoteQty":"15000"}`)
	}))
	defer srv.Close()

	req := models.OrderRequest{Ticker: "btc", Quantity: decimal.RequireFromString("0.5"), Side: models.OrderSideBuy, Type: models.OrderTypeMarket}
	out, err := testBinance(srv.URL).PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", out.BrokerOrderID)
	assert.Equal(t, "FILLED", out.Status)
	assert.True(t, out.FilledPrice.Equal(decimal.NewFromInt(30000)), out.FilledPrice.String())
}

func TestBinanceGateway_PlaceLimitOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		q := r.URL.Query()
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "2500", q.Get("price"))
		assert.Equal(t, "ETHUSDT", q.Get("symbol"))
		writeJSON(w, http.StatusOK, `{"symbol":"ETHUSDT","orderId":7,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`)
	}))
	defer srv.Close()

	limit := decimal.NewFromInt(2500)
	req := models.OrderRequest{Ticker: "ETHUSDT", Quantity: decimal.NewFromInt(1), Side: models.OrderSideBuy, Type: models.OrderTypeLimit, LimitPrice: &limit}
	out, err := testBinance(srv.URL).PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "NEW", out.Status)
	assert.True(t, out.FilledPrice.Equal(limit))
}

func TestBinanceGateway_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid symbol", http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`, apperrors.ErrInvalidSymbol},
		{"insufficient balance", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, apperrors.ErrInsufficientFunds},
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, apperrors.ErrRateLimited},
		{"banned", http.StatusTeapot, `{"code":-1003,"msg":"banned"}`, apperrors.ErrRateLimited},
		{"server", http.StatusBadGateway, `bad gateway`, apperrors.ErrBrokerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := testBinance(srv.URL).PlaceOrder(context.Background(), buyOrder("NOPE", 1))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var be *apperrors.BrokerError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.status, be.StatusCode)
		})
	}
}

func TestBinanceGateway_ReauthOnClockSkew(t *testing.T) {
	var orders, syncs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/time":
			syncs.Add(1)
			writeJSON(w, http.StatusOK, `{"serverTime":`+jsonInt(time.Now().UnixMilli())+`}`)
		case "/api/v3/account":
			verifySignature(t, r)
			writeJSON(w, http.StatusOK, `{"balances":[]}`)
		case "/api/v3/order":
			if orders.Add(1) == 1 {
				writeJSON(w, http.StatusBadRequest, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"orderId":9,"status":"FILLED","executedQty":"1","cummulativeQuoteQty":"10"}`)
		}
	}))
	defer srv.Close()

	out, err := testBinance(srv.URL).PlaceOrder(context.Background(), buyOrder("SOL", 1))
	require.NoError(t, err)
	assert.Equal(t, "9", out.BrokerOrderID)
	assert.Equal(t, int32(2), orders.Load())
	assert.Equal(t, int32(1), syncs.Load())
}

func TestBinanceGateway_FetchPortfolio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/account":
			verifySignature(t, r)
			writeJSON(w, http.StatusOK, `{"balances":[
				{"asset":"BTC","free":"0.4","locked":"0.1"},
				{"asset":"ETH","free":"0","locked":"0"},
				{"asset":"XYZ","free":"10","locked":"0"},
				{"asset":"USDT","free":"100","locked":"0"},
				{"asset":"DUST","free":"5","locked":"0"}
			]}`)
		case "/api/v3/ticker/price":
			writeJSON(w, http.StatusOK, `[
				{"symbol":"BTCUSDT","price":"30000"},
				{"symbol":"XYZBTC","price":"0.0001"}
			]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	holdings, err := testBinance(srv.URL).FetchPortfolio(context.Background())
	require.NoError(t, err)
	require.Len(t, holdings, 4)

	byTicker := map[string]models.Holding{}
	for _, h := range holdings {
		byTicker[h.Ticker] = h
	}
	assert.InDelta(t, 15000.0, byTicker["BTC"].MarketValue, 1e-9)
	assert.InDelta(t, 30.0, byTicker["XYZ"].MarketValue, 1e-9)
	assert.InDelta(t, 100.0, byTicker["USDT"].MarketValue, 1e-9)
	assert.Zero(t, byTicker["DUST"].MarketValue)
	assert.Zero(t, byTicker["BTC"].AvgPrice)
	assert.NotContains(t, byTicker, "ETH")
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"btc", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{"WBTC", "WBTCUSDT"},
		{"steth", "STETHUSDT"},
		{"WBETH", "WBETHUSDT"},
		{"BTC-USD", "BTCUSDT"},
		{"eth-btc", "ETHBTC"},
		{"USDT", "USDTUSDT"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSymbol(tt.in), tt.in)
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type fakePrices struct {
	prices map[string]float64
	err    error
}

func (f *fakePrices) Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.prices[ticker]
	if !ok {
		return nil, apperrors.NewDataError("quote", ticker, "not found", nil)
	}
	return &models.MarketSnapshot{Ticker: ticker, CurrentPrice: p, ObservedAt: time.Now()}, nil
}

func TestPaperGateway(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{"AAPL": 100}}
	gw := NewPaperGateway(PaperConfig{Prices: prices, InitialBalance: decimal.NewFromInt(1000)})
	ctx := context.Background()

	out, err := gw.PlaceOrder(ctx, buyOrder("aapl", 4))
	require.NoError(t, err)
	assert.True(t, out.FilledPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, strings.HasPrefix(out.BrokerOrderID, "PAPER_"))
	assert.True(t, gw.Cash().Equal(decimal.NewFromInt(600)))

	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 7))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.True(t, gw.Cash().Equal(decimal.NewFromInt(600)), "rejected order leaves cash untouched")

	_, err = gw.PlaceOrder(ctx, buyOrder("NOPE", 1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)

	prices.prices["AAPL"] = 110
	sell := buyOrder("AAPL", 4)
	sell.Side = models.OrderSideSell
	_, err = gw.PlaceOrder(ctx, sell)
	require.NoError(t, err)
	assert.True(t, gw.Cash().Equal(decimal.NewFromInt(1040)))

	holdings, err := gw.FetchPortfolio(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	_, err = gw.PlaceOrder(ctx, sell)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestPaperGateway_Portfolio(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{"AAPL": 100, "MSFT": 50}}
	gw := NewPaperGateway(PaperConfig{Prices: prices, InitialBalance: decimal.NewFromInt(10000)})
	ctx := context.Background()

	_, err := gw.PlaceOrder(ctx, buyOrder("MSFT", 2))
	require.NoError(t, err)
	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 1))
	require.NoError(t, err)
	prices.prices["AAPL"] = 120
	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 1))
	require.NoError(t, err)

	holdings, err := gw.FetchPortfolio(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 2)
	assert.Equal(t, "AAPL", holdings[0].Ticker)
	assert.Equal(t, 2.0, holdings[0].Quantity)
	assert.Equal(t, 110.0, holdings[0].AvgPrice)
	assert.Equal(t, 20.0, holdings[0].ProfitLoss)
	assert.Equal(t, models.BrokerPaper, holdings[0].Broker)
}

type fakeConnections map[string]*models.BrokerConnection

func (f fakeConnections) GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error) {
	c, ok := f[id]
	if !ok {
		return nil, apperrors.ErrConnectionNotFound
	}
	return c, nil
}

type bufferCloser struct{ bytes.Buffer }

func (bufferCloser) Close() error { return nil }

func TestResolver(t *testing.T) {
	cipher, err := security.NewCipher("passphrase")
	require.NoError(t, err)
	user, err := cipher.Encrypt("alice")
	require.NoError(t, err)
	pass, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	conns := fakeConnections{
		"paper":    {ID: "paper", UserID: "u1", BrokerName: models.BrokerPaper, IsActive: true},
		"iol":      {ID: "iol", UserID: "u1", BrokerName: models.BrokerIOL, IsActive: true, UsernameEncrypted: user, PasswordEncrypted: pass},
		"inactive": {ID: "inactive", UserID: "u1", BrokerName: models.BrokerIOL, IsActive: false},
		"corrupt":  {ID: "corrupt", UserID: "u1", BrokerName: models.BrokerBinance, IsActive: true, APIKeyEncrypted: "v1:garbage"},
		"other":    {ID: "other", UserID: "u1", BrokerName: "KRAKEN", IsActive: true},
	}

	var audit bufferCloser
	paper := NewPaperGateway(PaperConfig{Prices: &fakePrices{prices: map[string]float64{"AAPL": 10}}})
	r := NewResolver(conns, cipher, security.NewAuditLoggerWriter(&audit), ResolverConfig{Paper: paper}, zerolog.Nop())
	ctx := context.Background()

	gw, err := r.Resolve(ctx, "paper")
	require.NoError(t, err)
	assert.Equal(t, "PAPER", gw.Name())
	again, err := r.Resolve(ctx, "paper")
	require.NoError(t, err)
	assert.Same(t, gw, again)

	gw, err = r.Resolve(ctx, "iol")
	require.NoError(t, err)
	assert.Equal(t, "IOL", gw.Name())
	assert.Contains(t, audit.String(), `"event_type":"CREDENTIAL_ACCESS"`)
	assert.NotContains(t, audit.String(), "secret")

	_, err = r.Resolve(ctx, "inactive")
	assert.ErrorIs(t, err, apperrors.ErrConnectionInactive)

	_, err = r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrConnectionNotFound)

	_, err = r.Resolve(ctx, "corrupt")
	assert.ErrorIs(t, err, apperrors.ErrCredentialAccess)
	assert.Contains(t, audit.String(), `"success":false`)

	_, err = r.Resolve(ctx, "other")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedBroker)

	conns["paper"].IsActive = false
	_, err = r.Resolve(ctx, "paper")
	assert.ErrorIs(t, err, apperrors.ErrConnectionInactive, "cached gateway must not outlive its connection")

	stats := r.BreakerStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "broker:IOL:iol", stats[0].Name)
	assert.Equal(t, resilience.CircuitClosed, stats[1].State)
}

func TestResolver_CircuitIgnoresRejections(t *testing.T) {
	prices := &fakePrices{prices: map[string]float64{}}
	paper := NewPaperGateway(PaperConfig{Prices: prices})
	conns := fakeConnections{"paper": {ID: "paper", BrokerName: models.BrokerPaper, IsActive: true}}
	r := NewResolver(conns, nil, nil, ResolverConfig{
		Paper: paper,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			Timeout:          time.Hour,
		},
	}, zerolog.Nop())
	ctx := context.Background()

	gw, err := r.Resolve(ctx, "paper")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = gw.PlaceOrder(ctx, buyOrder("NOPE", 1))
		assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
	}

	prices.err = errors.New("connection reset")
	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 1))
	require.Error(t, err)

	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 1))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, apperrors.KindUnknown, apperrors.BrokerKind(err))

	r.Forget("paper")
	gw, err = r.Resolve(ctx, "paper")
	require.NoError(t, err)
	_, err = gw.PlaceOrder(ctx, buyOrder("AAPL", 1))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen, "a rebuilt gateway keeps its circuit")
	require.Len(t, r.BreakerStats(), 1)
	assert.Equal(t, resilience.CircuitOpen, r.BreakerStats()[0].State)
}
