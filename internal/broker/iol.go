package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/security"
)

// DefaultIOLBaseURL is the InvertirOnline production API.
const DefaultIOLBaseURL = "https://api.invertironline.com"

const brokerIOL = string(models.BrokerIOL)

// IOLConfig configures the InvertirOnline gateway.
type IOLConfig struct {
	BaseURL      string
	Market       string
	ReadTimeout  time.Duration
	OrderTimeout time.Duration
}

// IOLGateway talks to InvertirOnline with bearer tokens obtained through
// the OAuth2 password grant.
type IOLGateway struct {
	cfg    IOLConfig
	creds  Credentials
	oauth  oauth2.Config
	client *resty.Client
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// NewIOLGateway creates an IOL gateway for one account.
func NewIOLGateway(cfg IOLConfig, creds Credentials, logger zerolog.Logger) *IOLGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultIOLBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Market == "" {
		cfg.Market = "bCBA"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultOrderTimeout
	}

	client := newRestyClient(cfg.BaseURL, cfg.OrderTimeout)

	return &IOLGateway{
		cfg:   cfg,
		creds: creds,
		oauth: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
		http:   &http.Client{Timeout: cfg.ReadTimeout},
		logger: logger.With().Str("component", "broker").Str("broker", brokerIOL).Logger(),
		now:    time.Now,
	}
}

// Name returns the brokerage name.
func (g *IOLGateway) Name() string { return brokerIOL }

// Authenticate exchanges username and password for a fresh token.
func (g *IOLGateway) Authenticate(ctx context.Context) error {
	ctx, cancel := callTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, g.http)
	tok, err := g.oauth.PasswordCredentialsToken(oauthCtx, g.creds.Username, g.creds.Password)
	if err != nil {
		return g.tokenError(err)
	}

	// Refreshes run outside any single call's deadline.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, g.http)

	g.mu.Lock()
	g.tokens = g.oauth.TokenSource(refreshCtx, tok)
	g.mu.Unlock()

	g.logger.Debug().Time("expires_at", tok.Expiry).Msg("Authenticated")
	return nil
}

func (g *IOLGateway) tokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		status := rerr.Response.StatusCode
		kind := apperrors.KindUnknown
		switch {
		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			kind = apperrors.KindAuthExpired
		case status == http.StatusTooManyRequests:
			kind = apperrors.KindRateLimited
		}
		be := apperrors.NewBrokerError(brokerIOL, kind, "token request rejected: "+security.SanitizeString(string(rerr.Body)), nil)
		be.StatusCode = status
		return be
	}
	return transportError(brokerIOL, err)
}

// token returns a valid access token, authenticating when none is held.
func (g *IOLGateway) token(ctx context.Context) (string, error) {
	g.mu.Lock()
	ts := g.tokens
	g.mu.Unlock()

	if ts == nil {
		if err := g.Authenticate(ctx); err != nil {
			return "", err
		}
		g.mu.Lock()
		ts = g.tokens
		g.mu.Unlock()
	}

	tok, err := ts.Token()
	if err != nil {
		return "", apperrors.NewBrokerError(brokerIOL, apperrors.KindAuthExpired, "token refresh failed", err)
	}
	return tok.AccessToken, nil
}

type iolPortfolio struct {
	Pais    string     `json:"pais"`
	Activos []iolAsset `json:"activos"`
}

type iolAsset struct {
	Cantidad                  float64 `json:"cantidad"`
	PPC                       float64 `json:"ppc"`
	PrecioCompra              float64 `json:"precioCompra"`
	UltimoPrecio              float64 `json:"ultimoPrecio"`
	Valorizado                float64 `json:"valorizado"`
	GananciaPerdida           float64 `json:"gananciaPerdida"`
	GananciaPerdidaPorcentaje float64 `json:"gananciaPerdidaPorcentaje"`
	GananciaDinero            float64 `json:"gananciaDinero"`
	GananciaPorcentaje        float64 `json:"gananciaPorcentaje"`
	Simbolo                   string  `json:"simbolo"`
	Descripcion               string  `json:"descripcion"`
	Titulo                    *struct {
		Simbolo     string `json:"simbolo"`
		Descripcion string `json:"descripcion"`
	} `json:"titulo"`
}

// FetchPortfolio returns the Argentine portfolio normalized to holdings.
func (g *IOLGateway) FetchPortfolio(ctx context.Context) ([]models.Holding, error) {
	return withReauth(ctx, g.Authenticate, func(ctx context.Context) ([]models.Holding, error) {
		ctx, cancel := callTimeout(ctx, g.cfg.ReadTimeout)
		defer cancel()

		token, err := g.token(ctx)
		if err != nil {
			return nil, err
		}

		var out iolPortfolio
		resp, err := g.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetResult(&out).
			Get("/api/v2/portafolio/argentina")
		if err != nil {
			return nil, transportError(brokerIOL, err)
		}
		if resp.IsError() {
			return nil, g.classify(resp)
		}

		synced := g.now().UTC()
		holdings := make([]models.Holding, 0, len(out.Activos))
		for _, a := range out.Activos {
			holdings = append(holdings, a.holding(synced))
		}
		return holdings, nil
	})
}

func (a iolAsset) holding(synced time.Time) models.Holding {
	h := models.Holding{
		Ticker:        a.Simbolo,
		Name:          a.Descripcion,
		Quantity:      a.Cantidad,
		AvgPrice:      firstNonZero(a.PrecioCompra, a.PPC),
		CurrentPrice:  a.UltimoPrecio,
		MarketValue:   a.Valorizado,
		ProfitLoss:    firstNonZero(a.GananciaPerdida, a.GananciaDinero),
		ProfitLossPct: firstNonZero(a.GananciaPerdidaPorcentaje, a.GananciaPorcentaje),
		Broker:        models.BrokerIOL,
		SyncedAt:      synced,
	}
	if a.Titulo != nil {
		if h.Ticker == "" {
			h.Ticker = a.Titulo.Simbolo
		}
		if h.Name == "" {
			h.Name = a.Titulo.Descripcion
		}
	}
	return h
}

type iolOrder struct {
	Mercado  string  `json:"mercado"`
	Simbolo  string  `json:"simbolo"`
	Cantidad float64 `json:"cantidad"`
	Precio   float64 `json:"precio"`
	Validez  string  `json:"validez"`
	Plazo    string  `json:"plazo,omitempty"`
}

type iolOrderResult struct {
	Ok              *bool   `json:"ok"`
	NumeroOperacion int64   `json:"numeroOperacion"`
	Precio          float64 `json:"precio"`
	Messages        []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"messages"`
}

// PlaceOrder sends a buy or sell order. Market orders are sent with price 0.
func (g *IOLGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error) {
	path := "/api/v2/operar/Comprar"
	if req.Side == models.OrderSideSell {
		path = "/api/v2/operar/Vender"
	}

	body := iolOrder{
		Mercado:  g.cfg.Market,
		Simbolo:  strings.ToUpper(req.Ticker),
		Cantidad: req.Quantity.InexactFloat64(),
		Validez:  "DAY",
	}
	if req.Type == models.OrderTypeLimit && req.LimitPrice != nil {
		body.Precio = req.LimitPrice.InexactFloat64()
	}

	return withReauth(ctx, g.Authenticate, func(ctx context.Context) (*models.ExecutionOutcome, error) {
		ctx, cancel := callTimeout(ctx, g.cfg.OrderTimeout)
		defer cancel()

		token, err := g.token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := g.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(path)
		if err != nil {
			return nil, transportError(brokerIOL, err)
		}
		if resp.IsError() {
			return nil, g.classify(resp)
		}

		var out iolOrderResult
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, apperrors.NewBrokerError(brokerIOL, apperrors.KindUnknown, "decoding order response", err)
		}
		if out.Ok != nil && !*out.Ok {
			return nil, g.rejection(resp, out.messageText())
		}

		outcome := &models.ExecutionOutcome{
			BrokerOrderID: fmt.Sprintf("%d", out.NumeroOperacion),
			Status:        "EXECUTED",
			Raw:           json.RawMessage(resp.Body()),
		}
		if out.NumeroOperacion == 0 {
			outcome.BrokerOrderID = ""
		}
		if body.Precio > 0 {
			outcome.FilledPrice = decimal.NewFromFloat(body.Precio)
		} else if out.Precio > 0 {
			outcome.FilledPrice = decimal.NewFromFloat(out.Precio)
		}

		g.logger.Info().
			Str("ticker", body.Simbolo).
			Str("side", string(req.Side)).
			Str("quantity", req.Quantity.String()).
			Str("order_id", outcome.BrokerOrderID).
			Msg("Order placed")

		return outcome, nil
	})
}

func (r iolOrderResult) messageText() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, strings.TrimSpace(m.Title+" "+m.Description))
	}
	return strings.Join(parts, "; ")
}

// classify maps an IOL error response to a broker error kind.
func (g *IOLGateway) classify(resp *resty.Response) error {
	msg := security.SanitizeString(strings.TrimSpace(resp.String()))
	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		return withStatus(apperrors.NewBrokerError(brokerIOL, apperrors.KindAuthExpired, "session expired", nil), resp, "")
	case http.StatusNotFound:
		return withStatus(apperrors.NewBrokerError(brokerIOL, apperrors.KindInvalidSymbol, msg, nil), resp, "")
	case http.StatusTooManyRequests:
		return withStatus(apperrors.NewBrokerError(brokerIOL, apperrors.KindRateLimited, msg, nil), resp, "")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return g.rejection(resp, msg)
	}
	if resp.StatusCode() >= 500 {
		return withStatus(apperrors.NewBrokerError(brokerIOL, apperrors.KindUnknown, fmt.Sprintf("server error: %s", msg), nil), resp, "")
	}
	return withStatus(apperrors.NewBrokerError(brokerIOL, apperrors.KindUnknown, msg, nil), resp, "")
}

// rejection inspects the message text of a refused order.
func (g *IOLGateway) rejection(resp *resty.Response, msg string) error {
	lower := strings.ToLower(msg)
	kind := apperrors.KindUnknown
	switch {
	case containsAny(lower, "simbolo", "símbolo", "titulo", "título", "symbol", "instrumento"):
		kind = apperrors.KindInvalidSymbol
	case containsAny(lower, "saldo", "fondos", "insuficiente", "insufficient"):
		kind = apperrors.KindInsufficientFunds
	}
	return withStatus(apperrors.NewBrokerError(brokerIOL, kind, msg, nil), resp, "")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func firstNonZero(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
