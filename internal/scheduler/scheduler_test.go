package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulewatch/internal/broker"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/notify"
	"rulewatch/internal/security"
	"rulewatch/internal/store"
)

// memStore is an in-memory RuleStore.
type memStore struct {
	mu         sync.Mutex
	rules      []models.Rule
	executions map[string]*models.RuleExecution
	order      []string
	seq        int
}

func newMemStore(rules ...models.Rule) *memStore {
	return &memStore{rules: rules, executions: make(map[string]*models.RuleExecution)}
}

func (m *memStore) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Rule
	for _, r := range m.rules {
		if r.IsActive && r.ExecutionEnabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) RecordAttempt(ctx context.Context, exec *models.RuleExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == exec.RuleID {
			m.seq++
			exec.ID = fmt.Sprintf("exec-%d", m.seq)
			at := exec.TriggeredAt
			m.rules[i].LastExecutionAt = &at
			cp := *exec
			m.executions[exec.ID] = &cp
			m.order = append(m.order, exec.ID)
			return nil
		}
	}
	return apperrors.ErrRuleNotFound
}

func (m *memStore) FinalizeExecution(ctx context.Context, exec *models.RuleExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) all() []models.RuleExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RuleExecution, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.executions[id])
	}
	return out
}

func (m *memStore) rule(id string) models.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r
		}
	}
	return models.Rule{}
}

// fakeMarket serves fixed prices and counts concurrent calls.
type fakeMarket struct {
	prices   map[string]float64
	panicOn  string
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (f *fakeMarket) Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if ticker == f.panicOn {
		panic("provider exploded")
	}
	p, ok := f.prices[ticker]
	if !ok {
		return nil, apperrors.NewDataError("quote", ticker, "no quote", nil)
	}
	return &models.MarketSnapshot{Ticker: ticker, CurrentPrice: p, ObservedAt: time.Now()}, nil
}

// fakeGateway places orders through a function.
type fakeGateway struct {
	name  string
	place func(req models.OrderRequest) (*models.ExecutionOutcome, error)
	calls int32
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) Authenticate(ctx context.Context) error { return nil }

func (g *fakeGateway) FetchPortfolio(ctx context.Context) ([]models.Holding, error) {
	return nil, nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error) {
	atomic.AddInt32(&g.calls, 1)
	return g.place(req)
}

type fakeResolver struct {
	gateways map[string]broker.Gateway
}

func (r *fakeResolver) Resolve(ctx context.Context, id string) (broker.Gateway, error) {
	gw, ok := r.gateways[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, apperrors.ErrConnectionNotFound)
	}
	return gw, nil
}

type recordingSink struct {
	mu         sync.Mutex
	alerts     []models.EvaluationContext
	executions []models.RuleExecution
}

func (s *recordingSink) NotifyAlert(ctx context.Context, rule models.Rule, evalCtx models.EvaluationContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, evalCtx)
}

func (s *recordingSink) NotifyExecution(ctx context.Context, rule models.Rule, exec models.RuleExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec)
}

type bufCloser struct{ *bytes.Buffer }

func (bufCloser) Close() error { return nil }

func strPtr(s string) *string { return &s }

func buyRule(id, ticker string, threshold int64, conn string) models.Rule {
	return models.Rule{
		ID:                 id,
		UserID:             "user-1",
		Ticker:             ticker,
		RuleType:           models.RulePriceBelow,
		ValueThreshold:     decimal.NewFromInt(threshold),
		IsActive:           true,
		ExecutionEnabled:   true,
		ExecutionType:      models.ExecutionBuy,
		Quantity:           decimal.NewFromInt(2),
		CooldownMinutes:    60,
		BrokerConnectionID: strPtr(conn),
	}
}

func filled(id string, price float64) func(models.OrderRequest) (*models.ExecutionOutcome, error) {
	return func(models.OrderRequest) (*models.ExecutionOutcome, error) {
		return &models.ExecutionOutcome{BrokerOrderID: id, FilledPrice: decimal.NewFromFloat(price), Status: "FILLED"}, nil
	}
}

func newTestScheduler(st RuleStore, market SnapshotSource, res GatewayResolver, sink *recordingSink, audit *security.AuditLogger) *Scheduler {
	var ns notify.Sink
	if sink != nil {
		ns = sink
	}
	return New(st, market, res, ns, audit, Config{Workers: 4, OrderTimeout: time.Second}, zerolog.Nop())
}

func TestTick_ExecutesMetRule(t *testing.T) {
	st := newMemStore(buyRule("r1", "NVDA", 100, "conn-1"))
	gw := &fakeGateway{name: "IOL", place: filled("OP-1", 94.5)}
	sink := &recordingSink{}
	var auditBuf bytes.Buffer
	audit := security.NewAuditLoggerWriter(bufCloser{&auditBuf})

	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, sink, audit)
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rules)
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))

	execs := st.all()
	require.Len(t, execs, 1)
	e := execs[0]
	assert.Equal(t, models.StatusExecuted, e.Status)
	assert.Equal(t, "OP-1", *e.BrokerOrderID)
	assert.True(t, decimal.NewFromFloat(94.5).Equal(e.Price))
	assert.True(t, decimal.NewFromInt(189).Equal(e.TotalAmount))
	assert.Equal(t, now, e.TriggeredAt)
	require.NotNil(t, st.rule("r1").LastExecutionAt)
	assert.Equal(t, now, *st.rule("r1").LastExecutionAt)

	require.Len(t, sink.executions, 1)
	assert.Empty(t, sink.alerts)
	assert.Contains(t, auditBuf.String(), `"event_type":"ORDER_PLACED"`)
	assert.Contains(t, auditBuf.String(), `"order_id":"OP-1"`)
}

func TestTick_CooldownSkipsWithoutWriting(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	last := now.Add(-5 * time.Minute)
	rule := buyRule("r1", "NVDA", 100, "conn-1")
	rule.LastExecutionAt = &last

	st := newMemStore(rule)
	gw := &fakeGateway{name: "IOL", place: filled("OP-1", 95)}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, &recordingSink{}, nil)
	s.now = func() time.Time { return now }

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeCooldown))
	assert.Empty(t, st.all())
	assert.Equal(t, last, *st.rule("r1").LastExecutionAt)
	assert.Zero(t, atomic.LoadInt32(&gw.calls))
}

func TestTick_CooldownElapsedExecutesAgain(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	last := now.Add(-61 * time.Minute)
	rule := buyRule("r1", "NVDA", 100, "conn-1")
	rule.LastExecutionAt = &last

	st := newMemStore(rule)
	gw := &fakeGateway{name: "IOL", place: filled("OP-2", 95)}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, nil, nil)
	s.now = func() time.Time { return now }

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))
}

func TestTick_RejectionRecordedAndScanContinues(t *testing.T) {
	bad := buyRule("r1", "NOPE", 100, "conn-1")
	good := buyRule("r2", "NVDA", 100, "conn-1")
	st := newMemStore(bad, good)

	gw := &fakeGateway{name: "BINANCE", place: func(req models.OrderRequest) (*models.ExecutionOutcome, error) {
		if req.Ticker == "NOPE" {
			return nil, apperrors.NewBrokerError("BINANCE", apperrors.KindInvalidSymbol, "Invalid symbol.", nil)
		}
		return filled("77", 90)(req)
	}}
	market := &fakeMarket{prices: map[string]float64{"NOPE": 1, "NVDA": 95}}
	sink := &recordingSink{}
	s := newTestScheduler(st, market, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, sink, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeFailed))
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))

	byRule := map[string]models.RuleExecution{}
	for _, e := range st.all() {
		byRule[e.RuleID] = e
	}
	require.Len(t, byRule, 2)
	assert.Equal(t, models.StatusFailed, byRule["r1"].Status)
	require.NotNil(t, byRule["r1"].ErrorMessage)
	assert.Contains(t, *byRule["r1"].ErrorMessage, "Invalid symbol.")
	assert.Nil(t, byRule["r1"].ExecutedAt)
	assert.NotNil(t, st.rule("r1").LastExecutionAt, "attempts advance last_execution_at")
	assert.Equal(t, models.StatusExecuted, byRule["r2"].Status)
	assert.Len(t, sink.executions, 2)
}

func TestTick_AlertOnlyRule(t *testing.T) {
	rule := buyRule("r1", "NVDA", 100, "")
	rule.ExecutionType = models.ExecutionAlertOnly
	rule.Quantity = decimal.Zero
	rule.BrokerConnectionID = nil
	st := newMemStore(rule)
	sink := &recordingSink{}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, nil, sink, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeAlerted))
	assert.Empty(t, st.all())
	assert.Nil(t, st.rule("r1").LastExecutionAt)
	require.Len(t, sink.alerts, 1)
	assert.True(t, sink.alerts[0].Met)
	assert.Equal(t, "NVDA", sink.alerts[0].Ticker)
}

func TestTick_NotMetAndDataUnavailable(t *testing.T) {
	high := buyRule("r1", "NVDA", 50, "conn-1")
	missing := buyRule("r2", "GHOST", 100, "conn-1")
	st := newMemStore(high, missing)
	gw := &fakeGateway{name: "IOL", place: filled("x", 1)}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, nil, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeNotMet))
	assert.Equal(t, 1, summary.Count(OutcomeDataUnavailable))
	assert.Empty(t, st.all())
	assert.Zero(t, atomic.LoadInt32(&gw.calls))
}

func TestTick_MissingConnectionRecordsFailure(t *testing.T) {
	noConn := buyRule("r1", "NVDA", 100, "")
	noConn.BrokerConnectionID = nil
	unknown := buyRule("r2", "NVDA", 100, "conn-gone")
	st := newMemStore(noConn, unknown)
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{}, nil, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count(OutcomeFailed))

	msgs := map[string]string{}
	for _, e := range st.all() {
		assert.Equal(t, models.StatusFailed, e.Status)
		msgs[e.RuleID] = *e.ErrorMessage
	}
	assert.Contains(t, msgs["r1"], apperrors.ErrNoBrokerConnection.Error())
	assert.Contains(t, msgs["r2"], apperrors.ErrConnectionNotFound.Error())
}

func TestTick_InvalidRuleSkipped(t *testing.T) {
	invalid := buyRule("r1", "NVDA", 100, "conn-1")
	invalid.Quantity = decimal.Zero
	st := newMemStore(invalid)
	gw := &fakeGateway{name: "IOL", place: filled("x", 1)}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, nil, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeInvalid))
	assert.Empty(t, st.all())
}

func TestTick_PanicIsolatedToRule(t *testing.T) {
	st := newMemStore(buyRule("r1", "BOOM", 100, "conn-1"), buyRule("r2", "NVDA", 100, "conn-1"))
	gw := &fakeGateway{name: "IOL", place: filled("ok", 95)}
	market := &fakeMarket{prices: map[string]float64{"NVDA": 95}, panicOn: "BOOM"}
	s := newTestScheduler(st, market, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, nil, nil)

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeError))
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))
	for _, r := range summary.Results {
		if r.RuleID == "r1" {
			assert.Contains(t, r.Message, "provider exploded")
		}
	}
}

func TestTick_ZeroCooldownExecutesEveryTick(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)
	rule := buyRule("r1", "NVDA", 100, "conn-1")
	rule.CooldownMinutes = 0
	rule.LastExecutionAt = &last

	st := newMemStore(rule)
	gw := &fakeGateway{name: "IOL", place: filled("x", 95)}
	s := newTestScheduler(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, &fakeResolver{gateways: map[string]broker.Gateway{"conn-1": gw}}, nil, nil)
	s.now = func() time.Time { return now }

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gw.calls))

	s.now = func() time.Time { return now.Add(time.Second) }
	summary, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))
	assert.Equal(t, int32(2), atomic.LoadInt32(&gw.calls))
}

func TestTick_BoundedFanOutAndSerializedTicks(t *testing.T) {
	var rules []models.Rule
	prices := map[string]float64{}
	for i := 0; i < 12; i++ {
		ticker := fmt.Sprintf("T%02d", i)
		r := buyRule(fmt.Sprintf("r%02d", i), ticker, 10, "conn-1")
		rules = append(rules, r)
		prices[ticker] = 50 // never met
	}
	st := newMemStore(rules...)
	market := &fakeMarket{prices: prices, delay: 10 * time.Millisecond}
	s := New(st, market, nil, nil, nil, Config{Workers: 3}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := s.Tick(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 12, summary.Count(OutcomeNotMet))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&market.maxSeen), int32(3), "one tick at a time, three workers")
}

func TestTick_UserFilter(t *testing.T) {
	mine := buyRule("r1", "NVDA", 50, "conn-1")
	theirs := buyRule("r2", "NVDA", 50, "conn-1")
	theirs.UserID = "user-2"
	st := newMemStore(mine, theirs)
	s := New(st, &fakeMarket{prices: map[string]float64{"NVDA": 95}}, nil, nil, nil, Config{Workers: 1, UserID: "user-2"}, zerolog.Nop())

	summary, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Rules)
	assert.Equal(t, "r2", summary.Results[0].RuleID)
}

// TestTick_SQLiteWithPaperBroker wires the real store, resolver and paper
// gateway end to end.
func TestTick_SQLiteWithPaperBroker(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	defer st.Close()

	cipher, err := security.NewCipher("test-passphrase")
	require.NoError(t, err)

	paperConn := &models.BrokerConnection{UserID: "user-1", BrokerName: models.BrokerPaper, IsActive: true}
	require.NoError(t, st.SaveBrokerConnection(ctx, paperConn))
	inactive := &models.BrokerConnection{UserID: "user-1", BrokerName: models.BrokerPaper, IsActive: false}
	require.NoError(t, st.SaveBrokerConnection(ctx, inactive))

	market := &fakeMarket{prices: map[string]float64{"AAPL": 140, "MSFT": 300}}
	paper := broker.NewPaperGateway(broker.PaperConfig{Prices: market, InitialBalance: decimal.NewFromInt(10000)})
	resolver := broker.NewResolver(st, cipher, nil, broker.ResolverConfig{Paper: paper}, zerolog.Nop())

	buy := buyRule("", "AAPL", 150, paperConn.ID)
	buy.Quantity = decimal.NewFromInt(10)
	require.NoError(t, st.SaveRule(ctx, &buy))

	sell := buyRule("", "MSFT", 400, paperConn.ID)
	sell.ExecutionType = models.ExecutionSell
	require.NoError(t, st.SaveRule(ctx, &sell))

	dormant := buyRule("", "AAPL", 150, inactive.ID)
	require.NoError(t, st.SaveRule(ctx, &dormant))

	cfg := DefaultConfig()
	cfg.Workers = 1
	s := New(st, market, resolver, nil, nil, cfg, zerolog.Nop())
	summary, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Rules)
	assert.Equal(t, 1, summary.Count(OutcomeExecuted))
	assert.Equal(t, 2, summary.Count(OutcomeFailed))

	assert.True(t, decimal.NewFromInt(8600).Equal(paper.Cash()), "bought 10 AAPL @ 140")

	execs, err := st.ListExecutions(ctx, models.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 3)
	statuses := map[string]models.RuleExecution{}
	for _, e := range execs {
		statuses[e.RuleID] = e
	}
	assert.Equal(t, models.StatusExecuted, statuses[buy.ID].Status)
	assert.True(t, strings.HasPrefix(*statuses[buy.ID].BrokerOrderID, "PAPER_"))
	assert.Equal(t, models.StatusFailed, statuses[sell.ID].Status)
	assert.Equal(t, models.StatusFailed, statuses[dormant.ID].Status)
	assert.Contains(t, *statuses[dormant.ID].ErrorMessage, apperrors.ErrConnectionInactive.Error())

	// Second tick: every rule is inside its cooldown now.
	summary, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Count(OutcomeCooldown))
	execs, err = st.ListExecutions(ctx, models.ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}
