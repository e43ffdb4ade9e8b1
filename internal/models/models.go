// Package models provides domain models for the rule engine.
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// BrokerName identifies a supported brokerage.
type BrokerName string

const (
	BrokerIOL     BrokerName = "IOL"
	BrokerBinance BrokerName = "BINANCE"
	BrokerPaper   BrokerName = "PAPER"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// MarketSnapshot is point-in-time market data for one ticker.
// Optional fields are nil when the provider could not supply them.
type MarketSnapshot struct {
	Ticker           string    `json:"ticker"`
	CurrentPrice     float64   `json:"current_price"`
	PERatio          *float64  `json:"pe_ratio,omitempty"`
	FiftyTwoWeekHigh *float64  `json:"fifty_two_week_high,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Holding is one portfolio line normalized across brokers.
type Holding struct {
	Ticker        string     `json:"ticker"`
	Name          string     `json:"name"`
	Quantity      float64    `json:"quantity"`
	AvgPrice      float64    `json:"avg_price"`
	CurrentPrice  float64    `json:"current_price"`
	MarketValue   float64    `json:"market_value"`
	ProfitLoss    float64    `json:"profit_loss"`
	ProfitLossPct float64    `json:"profit_loss_pct"`
	Broker        BrokerName `json:"broker"`
	SyncedAt      time.Time  `json:"synced_at"`
}

// OrderRequest is the brokerage-neutral order placed by the scheduler.
type OrderRequest struct {
	Ticker     string
	Quantity   decimal.Decimal
	Side       OrderSide
	Type       OrderType
	LimitPrice *decimal.Decimal
}

// ExecutionOutcome is the brokerage-neutral result of a placed order.
type ExecutionOutcome struct {
	BrokerOrderID string          `json:"broker_order_id"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	Status        string          `json:"status"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// BrokerConnection links a user to a brokerage account.
// Credential fields hold ciphertext produced by security.Cipher.
type BrokerConnection struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	BrokerName         BrokerName `json:"broker_name"`
	IsActive           bool       `json:"is_active"`
	UsernameEncrypted  string     `json:"-"`
	PasswordEncrypted  string     `json:"-"`
	APIKeyEncrypted    string     `json:"-"`
	APISecretEncrypted string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
}
