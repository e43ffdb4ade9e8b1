package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

const brokerPaper = string(models.BrokerPaper)

// PriceSource quotes the fill price for simulated orders.
type PriceSource interface {
	Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error)
}

// PaperGateway simulates a brokerage account. Orders fill immediately at
// the quoted price, or at the limit price for limit orders.
type PaperGateway struct {
	prices PriceSource
	now    func() time.Time

	mu           sync.Mutex
	cash         decimal.Decimal
	positions    map[string]*paperPosition
	orderCounter int
}

type paperPosition struct {
	quantity decimal.Decimal
	avgPrice decimal.Decimal
	last     decimal.Decimal
}

// PaperConfig holds configuration for the paper gateway.
type PaperConfig struct {
	Prices         PriceSource
	InitialBalance decimal.Decimal
}

// NewPaperGateway creates a simulated account.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	balance := cfg.InitialBalance
	if !balance.IsPositive() {
		balance = decimal.NewFromInt(1_000_000)
	}
	return &PaperGateway{
		prices:    cfg.Prices,
		now:       time.Now,
		cash:      balance,
		positions: make(map[string]*paperPosition),
	}
}

// Name returns the brokerage name.
func (p *PaperGateway) Name() string { return brokerPaper }

// Authenticate is a no-op for paper trading.
func (p *PaperGateway) Authenticate(ctx context.Context) error { return nil }

// Cash returns the simulated available cash.
func (p *PaperGateway) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// FetchPortfolio returns the simulated holdings ordered by ticker.
func (p *PaperGateway) FetchPortfolio(ctx context.Context) ([]models.Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	synced := p.now().UTC()
	holdings := make([]models.Holding, 0, len(p.positions))
	for ticker, pos := range p.positions {
		value := pos.last.Mul(pos.quantity)
		pl := pos.last.Sub(pos.avgPrice).Mul(pos.quantity)
		h := models.Holding{
			Ticker:       ticker,
			Name:         ticker,
			Quantity:     pos.quantity.InexactFloat64(),
			AvgPrice:     pos.avgPrice.InexactFloat64(),
			CurrentPrice: pos.last.InexactFloat64(),
			MarketValue:  value.InexactFloat64(),
			ProfitLoss:   pl.InexactFloat64(),
			Broker:       models.BrokerPaper,
			SyncedAt:     synced,
		}
		if pos.avgPrice.IsPositive() {
			h.ProfitLossPct = pos.last.Sub(pos.avgPrice).Div(pos.avgPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		holdings = append(holdings, h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Ticker < holdings[j].Ticker })
	return holdings, nil
}

// PlaceOrder simulates order placement.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error) {
	ticker := strings.ToUpper(req.Ticker)
	if !req.Quantity.IsPositive() {
		return nil, apperrors.NewBrokerError(brokerPaper, apperrors.KindUnknown, "quantity must be positive", nil)
	}

	price, err := p.quote(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if req.Type == models.OrderTypeLimit && req.LimitPrice != nil && req.LimitPrice.IsPositive() {
		price = *req.LimitPrice
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	value := price.Mul(req.Quantity)
	pos := p.positions[ticker]

	switch req.Side {
	case models.OrderSideBuy:
		if p.cash.LessThan(value) {
			return nil, apperrors.NewBrokerError(brokerPaper, apperrors.KindInsufficientFunds,
				fmt.Sprintf("need %s, have %s", value.StringFixed(2), p.cash.StringFixed(2)), nil)
		}
		if pos == nil {
			pos = &paperPosition{}
			p.positions[ticker] = pos
		}
		total := pos.avgPrice.Mul(pos.quantity).Add(value)
		pos.quantity = pos.quantity.Add(req.Quantity)
		pos.avgPrice = total.Div(pos.quantity)
		pos.last = price
		p.cash = p.cash.Sub(value)

	case models.OrderSideSell:
		if pos == nil || pos.quantity.LessThan(req.Quantity) {
			return nil, apperrors.NewBrokerError(brokerPaper, apperrors.KindInsufficientFunds, "not enough shares to sell", nil)
		}
		pos.quantity = pos.quantity.Sub(req.Quantity)
		pos.last = price
		if pos.quantity.IsZero() {
			delete(p.positions, ticker)
		}
		p.cash = p.cash.Add(value)

	default:
		return nil, apperrors.NewBrokerError(brokerPaper, apperrors.KindUnknown, "unknown order side "+string(req.Side), nil)
	}

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)
	raw, _ := json.Marshal(map[string]any{
		"order_id": orderID,
		"ticker":   ticker,
		"side":     req.Side,
		"quantity": req.Quantity,
		"price":    price,
	})

	return &models.ExecutionOutcome{
		BrokerOrderID: orderID,
		FilledPrice:   price,
		Status:        "EXECUTED",
		Raw:           raw,
	}, nil
}

func (p *PaperGateway) quote(ctx context.Context, ticker string) (decimal.Decimal, error) {
	if p.prices == nil {
		return decimal.Zero, apperrors.NewBrokerError(brokerPaper, apperrors.KindUnknown, "no price source configured", nil)
	}
	snap, err := p.prices.Snapshot(ctx, ticker)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDataUnavailable) {
			return decimal.Zero, apperrors.NewBrokerError(brokerPaper, apperrors.KindInvalidSymbol, "no quote for "+ticker, err)
		}
		return decimal.Zero, transportError(brokerPaper, err)
	}
	if snap == nil || snap.CurrentPrice <= 0 {
		return decimal.Zero, apperrors.NewBrokerError(brokerPaper, apperrors.KindInvalidSymbol, "no quote for "+ticker, nil)
	}
	return decimal.NewFromFloat(snap.CurrentPrice), nil
}

var _ Gateway = (*PaperGateway)(nil)
