package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ob-scalp-bot/internal/config"
	"ob-scalp-bot/internal/exchange"
	"ob-scalp-bot/internal/exec"
	"ob-scalp-bot/internal/market"
	"ob-scalp-bot/internal/metrics"
	"ob-scalp-bot/internal/order"
	"ob-scalp-bot/internal/strategy"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

// fakeExchange serves canned market data and simulates the order lifecycle.
type fakeExchange struct {
	mu         sync.Mutex
	book       market.Book
	trades     []float64
	candles    []market.Candle
	md         order.SymbolMetadata
	balances   exchange.Balances
	orders     map[string]*exchange.OrderStatus
	submitted  []exchange.OrderRequest
	nextID     int
	bookErr    error
	submitErrs []error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders: make(map[string]*exchange.OrderStatus),
		md: order.SymbolMetadata{
			Symbol:            "1000SATSUSDT",
			PricePrecision:    2,
			QuantityPrecision: 2,
			MinQuantity:       0.01,
			LotStep:           0.01,
			MinNotional:       5,
			FetchedAt:         time.Now(),
		},
		balances: exchange.Balances{Quote: 1000},
	}
}

func (f *fakeExchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (market.Book, error) {
	_ = ctx
	_ = symbol
	_ = depth
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return market.Book{}, f.bookErr
	}
	return f.book, nil
}

func (f *fakeExchange) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]float64, error) {
	_ = ctx
	_ = symbol
	_ = limit
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades, nil
}

func (f *fakeExchange) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	_ = ctx
	_ = symbol
	_ = interval
	_ = limit
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

func (f *fakeExchange) FetchSymbolMetadata(ctx context.Context, symbol string) (order.SymbolMetadata, error) {
	_ = ctx
	_ = symbol
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.md, nil
}

func (f *fakeExchange) FetchBalances(ctx context.Context, quoteAsset, baseAsset string) (exchange.Balances, error) {
	_ = ctx
	_ = quoteAsset
	_ = baseAsset
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	_ = ctx
	_ = symbol
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orders[orderID]
	if !ok {
		return exchange.OrderStatus{}, fmt.Errorf("unknown order %s", orderID)
	}
	return *status, nil
}

func (f *fakeExchange) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	_ = ctx
	_ = symbol
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []exchange.OpenOrder
	for id, status := range f.orders {
		if status.Status == exchange.StatusOpen {
			open = append(open, exchange.OpenOrder{ID: id, Side: status.Side})
		}
	}
	return open, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("oid-%d", f.nextID)
	f.submitted = append(f.submitted, req)
	f.orders[id] = &exchange.OrderStatus{ID: id, Side: req.Side, Status: exchange.StatusOpen, FillPrice: req.Price}
	return id, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_ = ctx
	_ = symbol
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if status.Status == exchange.StatusOpen {
		status.Status = exchange.StatusCancelled
	}
	return nil
}

func (f *fakeExchange) fill(orderID string, quantity, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.orders[orderID]
	status.Status = exchange.StatusFilled
	status.FilledQuantity = quantity
	status.FillPrice = price
}

func (f *fakeExchange) submissions() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeExchange) setBook(b market.Book) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.book = b
}

func bookWithImbalance(bidTotal, askTotal float64) market.Book {
	return market.Book{
		Bids: []market.Level{
			{Price: 99, Quantity: bidTotal / 2},
			{Price: 98, Quantity: bidTotal / 2},
		},
		Asks: []market.Level{
			{Price: 100, Quantity: askTotal / 2},
			{Price: 101, Quantity: askTotal / 2},
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyConfig{
			Symbol:           "1000SATSUSDT",
			BaseAsset:        "1000SATS",
			QuoteAsset:       "USDT",
			TradeAmount:      200,
			Interval:         2 * time.Second,
			MaxBaseValue:     50,
			FeeRate:          0.001,
			SettleDelay:      0,
			MaxSellRetries:   5,
			SellShrinkFactor: 0.99,
			MetadataTTL:      time.Hour,
		},
		Exchange: config.ExchangeConfig{Depth: 100, TradeLimit: 100, CandleInterval: "1m", CandleLimit: 30},
		Analyzer: config.AnalyzerConfig{
			MinLevels:          2,
			ImbalanceThreshold: 1.2,
			Mode:               market.ModeImbalance,
			EntrySource:        market.EntryBestAsk,
			SlippageCap:        0.01,
			ExitReference:      market.ExitBestAsk,
			ProfitMargin:       0.0044,
		},
	}
}

func testApp(t *testing.T, fake *fakeExchange) *App {
	t.Helper()
	cfg := testConfig()
	store := newMemoryStore()
	log := zap.NewNop()
	return newApp(cfg, log, store, fake, exec.New(fake, store, log), metrics.NewNoop())
}

func TestBullishFlipPlacesExactlyOneBuy(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected one buy submission, got %d", got)
	}
	if a.machine.State() != strategy.StateBuyPending {
		t.Fatalf("expected %s, got %s", strategy.StateBuyPending, a.machine.State())
	}
	buy := fake.submissions()[0]
	if buy.Side != order.SideBuy {
		t.Fatalf("expected buy, got %s", buy.Side)
	}
	if buy.Price != 100 {
		t.Fatalf("expected entry at best ask 100, got %v", buy.Price)
	}
	if buy.Quantity != 2 {
		t.Fatalf("expected quantity 2 for trade amount 200, got %v", buy.Quantity)
	}

	// Sustained bullish regime must not stack a second order.
	for i := 0; i < 3; i++ {
		if err := a.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected still one submission, got %d", got)
	}
}

func TestNeutralBookDoesNotEnter(t *testing.T) {
	fake := newFakeExchange()
	// Imbalance exactly at the threshold reads neutral.
	fake.setBook(bookWithImbalance(120, 100))
	a := testApp(t, fake)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(fake.submissions()); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
	if a.machine.State() != strategy.StateIdle {
		t.Fatalf("expected %s, got %s", strategy.StateIdle, a.machine.State())
	}
}

func TestBuyFillLeadsToSellAboveFloor(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.fill("oid-1", 2, 100)
	fake.mu.Lock()
	fake.balances.Base = 2
	fake.mu.Unlock()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("fill tick: %v", err)
	}
	if a.machine.State() != strategy.StateHolding {
		t.Fatalf("expected %s, got %s", strategy.StateHolding, a.machine.State())
	}

	if err := a.tick(ctx); err != nil {
		t.Fatalf("sell tick: %v", err)
	}
	subs := fake.submissions()
	if len(subs) != 2 {
		t.Fatalf("expected buy and sell, got %d submissions", len(subs))
	}
	sell := subs[1]
	if sell.Side != order.SideSell {
		t.Fatalf("expected sell, got %s", sell.Side)
	}
	// Exit floor is best ask 100 times the profit margin; the first ask
	// above it is 101.
	if sell.Price != 101 {
		t.Fatalf("expected sell at 101, got %v", sell.Price)
	}
	if sell.Price < 100*1.0044 {
		t.Fatalf("sell price %v below profit floor", sell.Price)
	}
	// Held 2, fee rate 0.001, truncated to lot step.
	if sell.Quantity != 1.99 {
		t.Fatalf("expected sell quantity 1.99, got %v", sell.Quantity)
	}
	if a.machine.State() != strategy.StateSellPending {
		t.Fatalf("expected %s, got %s", strategy.StateSellPending, a.machine.State())
	}

	fake.fill("oid-2", 1.99, 101)
	if err := a.tick(ctx); err != nil {
		t.Fatalf("sell fill tick: %v", err)
	}
	if a.machine.State() != strategy.StateIdle {
		t.Fatalf("expected %s after round trip, got %s", strategy.StateIdle, a.machine.State())
	}
}

func TestBearishFlipCancelsPendingBuy(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.setBook(bookWithImbalance(50, 100))
	if err := a.tick(ctx); err != nil {
		t.Fatalf("bearish tick: %v", err)
	}
	if a.machine.State() != strategy.StateIdle {
		t.Fatalf("expected %s after cancel, got %s", strategy.StateIdle, a.machine.State())
	}
	status, err := fake.QueryOrder(ctx, "1000SATSUSDT", "oid-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status.Status != exchange.StatusCancelled {
		t.Fatalf("expected cancelled order, got %s", status.Status)
	}
}

func TestBearishCancelKeepsFillWhenRaced(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	// Fill lands before the bearish cancel reaches the exchange.
	fake.fill("oid-1", 2, 100)
	fake.setBook(bookWithImbalance(50, 100))
	if err := a.tick(ctx); err != nil {
		t.Fatalf("bearish tick: %v", err)
	}
	if a.machine.State() != strategy.StateHolding {
		t.Fatalf("expected %s for raced fill, got %s", strategy.StateHolding, a.machine.State())
	}
}

func TestTransientErrorSkipsCycleWithoutStateChange(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.mu.Lock()
	fake.bookErr = &exchange.TransientError{Op: "depth", Err: fmt.Errorf("timeout")}
	fake.mu.Unlock()

	err := a.tick(ctx)
	if !exchange.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if a.machine.State() != strategy.StateBuyPending {
		t.Fatalf("expected state unchanged, got %s", a.machine.State())
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected no new submissions, got %d", got)
	}
}

func TestSellShrinksOnInsufficientFunds(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.fill("oid-1", 2, 100)
	fake.mu.Lock()
	fake.balances.Base = 2
	fake.submitErrs = []error{exchange.ErrInsufficientFunds, exchange.ErrInsufficientFunds}
	fake.mu.Unlock()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("fill tick: %v", err)
	}
	if err := a.tick(ctx); err != nil {
		t.Fatalf("sell tick: %v", err)
	}
	subs := fake.submissions()
	if len(subs) != 2 {
		t.Fatalf("expected buy plus one accepted sell, got %d", len(subs))
	}
	sell := subs[1]
	// Two refusals shrink 1.998 by 0.99 twice before truncation.
	if sell.Quantity >= 1.99 {
		t.Fatalf("expected shrunk quantity below 1.99, got %v", sell.Quantity)
	}
	if a.machine.State() != strategy.StateSellPending {
		t.Fatalf("expected %s, got %s", strategy.StateSellPending, a.machine.State())
	}
}

func TestSettleDelayPostponesSell(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	a.cfg.Strategy.SettleDelay = 10 * time.Second
	now := time.Unix(1700000000, 0)
	a.now = func() time.Time { return now }
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.fill("oid-1", 2, 100)
	fake.mu.Lock()
	fake.balances.Base = 2
	fake.mu.Unlock()
	if err := a.tick(ctx); err != nil {
		t.Fatalf("fill tick: %v", err)
	}

	if err := a.tick(ctx); err != nil {
		t.Fatalf("early sell tick: %v", err)
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected sell postponed during settle window, got %d submissions", got)
	}

	now = now.Add(11 * time.Second)
	if err := a.tick(ctx); err != nil {
		t.Fatalf("late sell tick: %v", err)
	}
	if got := len(fake.submissions()); got != 2 {
		t.Fatalf("expected sell after settle window, got %d submissions", got)
	}
}

func TestTrendInsufficientHistorySkipsEntry(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	fake.candles = []market.Candle{{Close: 10}, {Close: 11}, {Close: 12}}
	a := testApp(t, fake)
	a.cfg.Trend = config.TrendConfig{Enabled: true, ShortPeriod: 3, LongPeriod: 21}
	a.trend = &market.TrendFilter{Short: 3, Long: 21}
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(fake.submissions()); got != 0 {
		t.Fatalf("expected no entry without trend history, got %d submissions", got)
	}
	if a.machine.State() != strategy.StateIdle {
		t.Fatalf("expected %s, got %s", strategy.StateIdle, a.machine.State())
	}

	// Enough rising closes arrive: the withheld entry fires on the same edge.
	candles := make([]market.Candle, 30)
	for i := range candles {
		candles[i] = market.Candle{Close: 10 + float64(i)}
	}
	fake.mu.Lock()
	fake.candles = candles
	fake.mu.Unlock()
	if err := a.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected entry once trend history arrived, got %d submissions", got)
	}
}

func TestTrendGapDoesNotBlockExit(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.fill("oid-1", 2, 100)
	fake.mu.Lock()
	fake.balances.Base = 2
	fake.mu.Unlock()

	// The candle feed dries up mid-trade. Fill detection and the exit do not
	// consume the trend and must keep moving.
	a.cfg.Trend = config.TrendConfig{Enabled: true, ShortPeriod: 3, LongPeriod: 21}
	a.trend = &market.TrendFilter{Short: 3, Long: 21}
	if err := a.tick(ctx); err != nil {
		t.Fatalf("fill tick: %v", err)
	}
	if a.machine.State() != strategy.StateHolding {
		t.Fatalf("expected %s, got %s", strategy.StateHolding, a.machine.State())
	}
	if err := a.tick(ctx); err != nil {
		t.Fatalf("sell tick: %v", err)
	}
	if got := len(fake.submissions()); got != 2 {
		t.Fatalf("expected sell despite trend gap, got %d submissions", got)
	}
}

func TestEntryAdoptsForeignOpenOrder(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	fake.orders["oid-manual"] = &exchange.OrderStatus{ID: "oid-manual", Side: order.SideBuy, Status: exchange.StatusOpen}
	a := testApp(t, fake)

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(fake.submissions()); got != 0 {
		t.Fatalf("expected no submission while the exchange tracks an open order, got %d", got)
	}
	if a.machine.State() != strategy.StateBuyPending {
		t.Fatalf("expected %s, got %s", strategy.StateBuyPending, a.machine.State())
	}
	if a.machine.Position().OrderID != "oid-manual" {
		t.Fatalf("expected adopted order id, got %q", a.machine.Position().OrderID)
	}
}

func TestSellAdoptsForeignOpenOrder(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(200, 100))
	a := testApp(t, fake)
	ctx := context.Background()

	if err := a.tick(ctx); err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	fake.fill("oid-1", 2, 100)
	fake.mu.Lock()
	fake.balances.Base = 2
	fake.mu.Unlock()
	if err := a.tick(ctx); err != nil {
		t.Fatalf("fill tick: %v", err)
	}

	// A sell placed outside the bot shows up on the exchange while holding.
	fake.mu.Lock()
	fake.orders["oid-manual"] = &exchange.OrderStatus{ID: "oid-manual", Side: order.SideSell, Status: exchange.StatusOpen}
	fake.mu.Unlock()
	if err := a.tick(ctx); err != nil {
		t.Fatalf("sell tick: %v", err)
	}
	if got := len(fake.submissions()); got != 1 {
		t.Fatalf("expected no second submission, got %d", got)
	}
	if a.machine.State() != strategy.StateSellPending {
		t.Fatalf("expected %s, got %s", strategy.StateSellPending, a.machine.State())
	}
	if a.machine.Position().OrderID != "oid-manual" {
		t.Fatalf("expected adopted order id, got %q", a.machine.Position().OrderID)
	}
}

func TestReconcileAdoptsOpenSellOrder(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(100, 100))
	fake.orders["oid-77"] = &exchange.OrderStatus{ID: "oid-77", Side: order.SideSell, Status: exchange.StatusOpen}
	a := testApp(t, fake)

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if a.machine.State() != strategy.StateSellPending {
		t.Fatalf("expected %s, got %s", strategy.StateSellPending, a.machine.State())
	}
	if a.machine.Position().OrderID != "oid-77" {
		t.Fatalf("expected adopted order id, got %q", a.machine.Position().OrderID)
	}
}

func TestReconcileResolvesFilledBuyToHolding(t *testing.T) {
	fake := newFakeExchange()
	fake.setBook(bookWithImbalance(100, 100))
	fake.orders["oid-5"] = &exchange.OrderStatus{
		ID: "oid-5", Side: order.SideBuy, Status: exchange.StatusFilled,
		FilledQuantity: 2, FillPrice: 100,
	}
	cfg := testConfig()
	store := newMemoryStore()
	log := zap.NewNop()
	a := newApp(cfg, log, store, fake, exec.New(fake, store, log), metrics.NewNoop())
	seed := `{"state":"BUY_PENDING","order_id":"oid-5","latched":true,"prev_regime":"BULLISH","updated_at_ms":1}`
	if err := store.Set(context.Background(), "trade:last_snapshot", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if a.machine.State() != strategy.StateHolding {
		t.Fatalf("expected %s, got %s", strategy.StateHolding, a.machine.State())
	}
	if pos := a.machine.Position(); pos.Quantity != 2 || pos.FillPrice != 100 {
		t.Fatalf("unexpected restored position %+v", pos)
	}
	if !a.machine.Latched() {
		t.Fatal("expected restored latch")
	}
}
