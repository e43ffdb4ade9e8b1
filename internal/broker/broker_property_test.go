package broker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"rulewatch/internal/models"
)

func TestProperty_NormalizeSymbolIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("normalizing twice equals normalizing once", prop.ForAll(
		func(s string) bool {
			once := NormalizeSymbol(s)
			return NormalizeSymbol(once) == once
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestProperty_SignatureDependsOnPayload(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("signature is deterministic and payload-sensitive", prop.ForAll(
		func(secret, payload string) bool {
			sig := Sign(secret, payload)
			return len(sig) == 64 &&
				sig == Sign(secret, payload) &&
				sig != Sign(secret, payload+"&")
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: cash plus holdings valued at cost never changes across a round
// trip at a constant price.
func TestProperty_PaperRoundTripConservesCash(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("buy then sell at the same price restores cash", prop.ForAll(
		func(price float64, qty int64) bool {
			prices := &fakePrices{prices: map[string]float64{"ABC": price}}
			start := decimal.NewFromInt(1_000_000_000)
			gw := NewPaperGateway(PaperConfig{Prices: prices, InitialBalance: start})
			ctx := context.Background()

			buy := models.OrderRequest{Ticker: "ABC", Quantity: decimal.NewFromInt(qty), Side: models.OrderSideBuy, Type: models.OrderTypeMarket}
			if _, err := gw.PlaceOrder(ctx, buy); err != nil {
				return false
			}
			sell := buy
			sell.Side = models.OrderSideSell
			if _, err := gw.PlaceOrder(ctx, sell); err != nil {
				return false
			}
			holdings, _ := gw.FetchPortfolio(ctx)
			return gw.Cash().Equal(start) && len(holdings) == 0
		},
		gen.Float64Range(0.01, 10000),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}
