package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ob-scalp-bot/internal/alerts"
	"ob-scalp-bot/internal/config"
	"ob-scalp-bot/internal/exchange"
	"ob-scalp-bot/internal/exec"
	"ob-scalp-bot/internal/journal"
	"ob-scalp-bot/internal/market"
	"ob-scalp-bot/internal/metrics"
	"ob-scalp-bot/internal/order"
	"ob-scalp-bot/internal/state"
	"ob-scalp-bot/internal/state/sqlite"
	"ob-scalp-bot/internal/strategy"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ExchangeClient is the read side of the exchange the loop depends on.
// Order placement and cancellation go through the executor.
type ExchangeClient interface {
	FetchOrderBook(ctx context.Context, symbol string, depth int) (market.Book, error)
	FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]float64, error)
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)
	FetchSymbolMetadata(ctx context.Context, symbol string) (order.SymbolMetadata, error)
	FetchBalances(ctx context.Context, quoteAsset, baseAsset string) (exchange.Balances, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    state.Store
	client   ExchangeClient
	executor *exec.Executor
	analyzer *market.Analyzer
	trend    *market.TrendFilter
	machine  *strategy.Machine
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	journal  *journal.Writer

	metadata    order.SymbolMetadata
	settleUntil time.Time
	now         func() time.Time
}

func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(os.Getenv("BINANCE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("BINANCE_API_KEY is required")
	}
	secretKey := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET"))
	if secretKey == "" {
		return nil, errors.New("BINANCE_API_SECRET is required")
	}
	client := exchange.New(cfg.Exchange, apiKey, secretKey, log)
	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	a := newApp(cfg, log, store, client, exec.New(client, store, log), m)
	a.journal = journalWriter
	return a, nil
}

// newApp wires the loop with explicit collaborators.
func newApp(cfg *config.Config, log *zap.Logger, store state.Store, client ExchangeClient, executor *exec.Executor, m *metrics.Metrics) *App {
	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		client:   client,
		executor: executor,
		analyzer: market.NewAnalyzer(cfg.Analyzer),
		trend:    &market.TrendFilter{Short: cfg.Trend.ShortPeriod, Long: cfg.Trend.LongPeriod},
		machine:  strategy.NewMachine(),
		metrics:  m,
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		now:      time.Now,
	}
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if a.journal != nil {
		a.journal.Start(ctx)
		defer a.journal.Close()
	}
	if err := a.reconcile(ctx); err != nil {
		return err
	}
	a.log.Info("starting polling loop",
		zap.String("symbol", a.cfg.Strategy.Symbol),
		zap.Duration("interval", a.cfg.Strategy.Interval),
		zap.String("state", string(a.machine.State())),
	)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.Strategy.Interval
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	for {
		started := a.now()
		err := a.tick(ctx)
		switch {
		case err == nil:
			policy.Reset()
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case exchange.IsTransient(err):
			a.metrics.CyclesSkipped.Inc()
			a.log.Warn("cycle skipped", zap.Error(err))
		case errors.Is(err, exchange.ErrInsufficientFunds):
			a.log.Warn("order refused for insufficient funds", zap.Error(err))
		default:
			return err
		}

		wait := a.cfg.Strategy.Interval - a.now().Sub(started)
		if err != nil && exchange.IsTransient(err) {
			wait = policy.NextBackOff()
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// reconcile rebuilds the trade state after a restart. The exchange's open
// order list is authoritative; the persisted snapshot fills in quantities
// and the regime latch.
func (a *App) reconcile(ctx context.Context) error {
	snap, found, err := state.LoadTradeSnapshot(ctx, a.store)
	if err != nil {
		return err
	}
	open, err := a.client.ListOpenOrders(ctx, a.cfg.Strategy.Symbol)
	if err != nil {
		return err
	}
	prev := market.Regime(snap.PrevRegime)
	pos := strategy.Position{OrderID: snap.OrderID, Quantity: snap.Quantity, FillPrice: snap.FillPrice}

	for _, o := range open {
		pos.OrderID = o.ID
		switch o.Side {
		case order.SideBuy:
			a.machine.Restore(strategy.StateBuyPending, pos, prev, true)
		case order.SideSell:
			a.machine.Restore(strategy.StateSellPending, pos, prev, true)
		}
		a.log.Info("adopted open order", zap.String("order_id", o.ID), zap.String("side", string(o.Side)))
		return nil
	}

	if !found {
		return nil
	}
	switch strategy.State(snap.State) {
	case strategy.StateBuyPending, strategy.StateSellPending:
		// The persisted order is gone from the book. Ask the exchange what
		// happened to it before deciding where to resume.
		status, err := a.client.QueryOrder(ctx, a.cfg.Strategy.Symbol, snap.OrderID)
		if err != nil {
			return fmt.Errorf("resolve persisted order %s: %w", snap.OrderID, err)
		}
		switch {
		case status.Status == exchange.StatusFilled && status.Side == order.SideBuy:
			pos.OrderID = ""
			pos.Quantity = status.FilledQuantity
			pos.FillPrice = status.FillPrice
			a.machine.Restore(strategy.StateHolding, pos, prev, true)
		case status.Status == exchange.StatusFilled && status.Side == order.SideSell:
			a.machine.Restore(strategy.StateIdle, strategy.Position{}, prev, false)
		case strategy.State(snap.State) == strategy.StateSellPending:
			pos.OrderID = ""
			a.machine.Restore(strategy.StateHolding, pos, prev, true)
		default:
			a.machine.Restore(strategy.StateIdle, strategy.Position{}, prev, false)
		}
	case strategy.StateHolding:
		a.machine.Restore(strategy.StateHolding, pos, prev, snap.Latched)
	default:
		a.machine.Restore(strategy.StateIdle, strategy.Position{}, prev, snap.Latched)
	}
	a.log.Info("restored trade state", zap.String("state", string(a.machine.State())))
	return nil
}

func (a *App) tick(ctx context.Context) error {
	snap, err := a.collect(ctx)
	if err != nil {
		return err
	}
	signal, err := a.analyzer.Analyze(snap)
	if err != nil {
		// A thin or malformed book is a data problem, not a strategy one.
		a.metrics.CyclesSkipped.Inc()
		a.log.Warn("analysis skipped", zap.Error(err))
		return nil
	}
	uptrend, trendChecked := true, false
	if a.cfg.Trend.Enabled {
		up, err := a.trend.Uptrend(market.Closes(snap.Candles))
		if err != nil {
			a.log.Warn("trend check skipped", zap.Error(err))
			// An entry needs a confirmed trend; with too little history the
			// cycle is skipped, never extrapolated. Exits and order polls do
			// not consume the trend and proceed as usual. Skipping before
			// ObserveRegime keeps the bullish edge for the next good cycle.
			if a.machine.State() == strategy.StateIdle {
				a.metrics.CyclesSkipped.Inc()
				return nil
			}
		} else {
			uptrend, trendChecked = up, true
		}
	}

	defer func() {
		a.machine.ObserveRegime(signal.Regime)
		a.persist(ctx)
	}()

	a.journalSignal(signal)

	switch a.machine.State() {
	case strategy.StateBuyPending:
		err = a.pollBuy(ctx, signal)
	case strategy.StateHolding:
		err = a.placeSell(ctx, snap, signal)
	case strategy.StateSellPending:
		err = a.pollSell(ctx)
	default:
		err = a.tryEnter(ctx, signal, uptrend, trendChecked)
	}
	return err
}

func (a *App) collect(ctx context.Context) (market.Snapshot, error) {
	symbol := a.cfg.Strategy.Symbol
	book, err := a.client.FetchOrderBook(ctx, symbol, a.cfg.Exchange.Depth)
	if err != nil {
		return market.Snapshot{}, err
	}
	trades, err := a.client.FetchRecentTrades(ctx, symbol, a.cfg.Exchange.TradeLimit)
	if err != nil {
		return market.Snapshot{}, err
	}
	snap := market.Snapshot{
		Symbol:      symbol,
		Time:        a.now(),
		Book:        book,
		TradePrices: trades,
	}
	if a.cfg.Trend.Enabled {
		candles, err := a.client.FetchCandles(ctx, symbol, a.cfg.Exchange.CandleInterval, a.cfg.Exchange.CandleLimit)
		if err != nil {
			return market.Snapshot{}, err
		}
		snap.Candles = candles
	}
	return snap, nil
}

func (a *App) tryEnter(ctx context.Context, signal market.Signal, uptrend, trendChecked bool) error {
	balances, err := a.client.FetchBalances(ctx, a.cfg.Strategy.QuoteAsset, a.cfg.Strategy.BaseAsset)
	if err != nil {
		return err
	}
	conditions := strategy.EntryConditions{
		Regime:       signal.Regime,
		Uptrend:      uptrend,
		TrendChecked: trendChecked,
		QuoteBalance: balances.Quote,
		TradeAmount:  a.cfg.Strategy.TradeAmount,
		BaseValue:    balances.Base * signal.BestBid,
		MaxBaseValue: a.cfg.Strategy.MaxBaseValue,
	}
	if !a.machine.EntryAllowed(conditions) {
		return nil
	}
	if signal.EntryPrice <= 0 {
		return nil
	}
	if adopted, err := a.adoptOpenOrders(ctx); err != nil || adopted {
		return err
	}
	md, err := a.symbolMetadata(ctx)
	if err != nil {
		return err
	}
	quantity := a.cfg.Strategy.TradeAmount / signal.EntryPrice
	price, quantity, rejection := order.Quantize(md, signal.EntryPrice, quantity)
	if rejection != nil {
		a.metrics.OrdersRejected.Inc()
		a.log.Warn("buy rejected by validator", zap.String("reason", rejection.String()))
		a.refreshMetadataIfStale(ctx)
		return nil
	}
	orderID, err := a.executor.Place(ctx, exchange.OrderRequest{
		Symbol:        a.cfg.Strategy.Symbol,
		Side:          order.SideBuy,
		Price:         price,
		Quantity:      quantity,
		ClientOrderID: exec.NewClientOrderID(),
	})
	if err != nil {
		a.metrics.OrdersFailed.Inc()
		return err
	}
	a.metrics.OrdersPlaced.Inc()
	if err := a.machine.BuyPlaced(orderID); err != nil {
		return err
	}
	a.log.Info("buy placed",
		zap.String("order_id", orderID),
		zap.Float64("price", price),
		zap.Float64("quantity", quantity),
		zap.Float64("imbalance", signal.Imbalance),
	)
	return nil
}

func (a *App) pollBuy(ctx context.Context, signal market.Signal) error {
	pos := a.machine.Position()
	status, err := a.client.QueryOrder(ctx, a.cfg.Strategy.Symbol, pos.OrderID)
	if err != nil {
		return err
	}
	switch status.Status {
	case exchange.StatusFilled:
		return a.onBuyFilled(ctx, status)
	case exchange.StatusCancelled:
		a.log.Info("buy cancelled by exchange", zap.String("order_id", pos.OrderID))
		return a.machine.BuyCancelled()
	}

	if signal.Regime == market.RegimeBearish && a.cfg.Strategy.CancelBuyOnBearishEnabled() {
		if err := a.executor.Cancel(ctx, a.cfg.Strategy.Symbol, pos.OrderID); err != nil {
			return err
		}
		a.metrics.BearishInterrupts.Inc()
		// The order may have filled between the query and the cancel.
		status, err := a.client.QueryOrder(ctx, a.cfg.Strategy.Symbol, pos.OrderID)
		if err != nil {
			return err
		}
		if status.Status == exchange.StatusFilled {
			return a.onBuyFilled(ctx, status)
		}
		a.log.Info("buy cancelled on bearish flip", zap.String("order_id", pos.OrderID))
		a.notify(ctx, func(c context.Context) error {
			return a.alerts.NotifyBearishInterrupt(c, a.cfg.Strategy.Symbol, pos.OrderID)
		})
		return a.machine.BuyCancelled()
	}
	return nil
}

func (a *App) onBuyFilled(ctx context.Context, status exchange.OrderStatus) error {
	if err := a.machine.BuyFilled(status.FilledQuantity, status.FillPrice); err != nil {
		return err
	}
	a.metrics.BuysFilled.Inc()
	a.settleUntil = a.now().Add(a.cfg.Strategy.SettleDelay)
	a.log.Info("buy filled",
		zap.String("order_id", status.ID),
		zap.Float64("quantity", status.FilledQuantity),
		zap.Float64("price", status.FillPrice),
	)
	a.journalFill(status)
	a.notify(ctx, func(c context.Context) error {
		return a.alerts.NotifyBuyFilled(c, a.cfg.Strategy.Symbol, status.FilledQuantity, status.FillPrice)
	})
	return nil
}

// placeSell prices the exit off the live ask ladder, never below the
// profit floor, and sizes it from the settled base balance less the taker
// fee. An insufficient-balance refusal shrinks the quantity and tries
// again, bounded.
func (a *App) placeSell(ctx context.Context, snap market.Snapshot, signal market.Signal) error {
	if a.now().Before(a.settleUntil) {
		return nil
	}
	if adopted, err := a.adoptOpenOrders(ctx); err != nil || adopted {
		return err
	}
	balances, err := a.client.FetchBalances(ctx, a.cfg.Strategy.QuoteAsset, a.cfg.Strategy.BaseAsset)
	if err != nil {
		return err
	}
	quantity := balances.Base * (1 - a.cfg.Strategy.FeeRate)
	if held := a.machine.Position().Quantity; held > 0 && quantity > held {
		quantity = held
	}
	if quantity <= 0 {
		a.log.Warn("no base balance to sell", zap.Float64("base", balances.Base))
		return nil
	}
	md, err := a.symbolMetadata(ctx)
	if err != nil {
		return err
	}
	rawPrice := market.SellPriceAboveFloor(snap.Book.Asks, signal.ExitFloor)

	// The exchange can refuse the full quantity when dust or a pending fee
	// leaves the free balance just short. Shrink and retry, bounded.
	for attempt := 0; attempt <= a.cfg.Strategy.MaxSellRetries; attempt++ {
		price, qty, rejection := order.Quantize(md, rawPrice, quantity)
		if rejection != nil {
			a.metrics.OrdersRejected.Inc()
			a.log.Warn("sell rejected by validator", zap.String("reason", rejection.String()))
			a.refreshMetadataIfStale(ctx)
			return nil
		}
		orderID, err := a.executor.Place(ctx, exchange.OrderRequest{
			Symbol:        a.cfg.Strategy.Symbol,
			Side:          order.SideSell,
			Price:         price,
			Quantity:      qty,
			ClientOrderID: exec.NewClientOrderID(),
		})
		if errors.Is(err, exchange.ErrInsufficientFunds) {
			quantity *= a.cfg.Strategy.SellShrinkFactor
			a.log.Warn("sell refused, shrinking quantity",
				zap.Int("attempt", attempt+1),
				zap.Float64("next_quantity", quantity),
			)
			continue
		}
		if err != nil {
			a.metrics.OrdersFailed.Inc()
			return err
		}
		a.metrics.OrdersPlaced.Inc()
		if err := a.machine.SellPlaced(orderID); err != nil {
			return err
		}
		a.log.Info("sell placed",
			zap.String("order_id", orderID),
			zap.Float64("price", price),
			zap.Float64("quantity", qty),
			zap.Float64("exit_floor", signal.ExitFloor),
		)
		return nil
	}
	a.log.Warn("sell retries exhausted, will re-price next cycle")
	return nil
}

func (a *App) pollSell(ctx context.Context) error {
	pos := a.machine.Position()
	status, err := a.client.QueryOrder(ctx, a.cfg.Strategy.Symbol, pos.OrderID)
	if err != nil {
		return err
	}
	switch status.Status {
	case exchange.StatusFilled:
		if err := a.machine.SellFilled(); err != nil {
			return err
		}
		a.metrics.SellsFilled.Inc()
		a.log.Info("sell filled",
			zap.String("order_id", status.ID),
			zap.Float64("quantity", status.FilledQuantity),
			zap.Float64("price", status.FillPrice),
		)
		a.journalFill(status)
		a.notify(ctx, func(c context.Context) error {
			return a.alerts.NotifySellFilled(c, a.cfg.Strategy.Symbol, status.FilledQuantity, status.FillPrice)
		})
	case exchange.StatusCancelled:
		a.log.Warn("sell cancelled by exchange, re-pricing next cycle", zap.String("order_id", pos.OrderID))
		return a.machine.SellCancelled()
	}
	return nil
}

// adoptOpenOrders re-checks the exchange's open order list right before a
// submission. An order the machine does not know about means local state has
// diverged (a manual order, or a crash between submit and persist); the
// exchange is authoritative, so the order is adopted instead of stacking a
// second one on top of it.
func (a *App) adoptOpenOrders(ctx context.Context) (bool, error) {
	open, err := a.client.ListOpenOrders(ctx, a.cfg.Strategy.Symbol)
	if err != nil {
		return false, err
	}
	for _, o := range open {
		pos := a.machine.Position()
		pos.OrderID = o.ID
		switch o.Side {
		case order.SideBuy:
			a.machine.Restore(strategy.StateBuyPending, pos, a.machine.PrevRegime(), true)
		case order.SideSell:
			a.machine.Restore(strategy.StateSellPending, pos, a.machine.PrevRegime(), true)
		default:
			continue
		}
		a.log.Warn("adopted unexpected open order",
			zap.String("order_id", o.ID),
			zap.String("side", string(o.Side)),
		)
		return true, nil
	}
	return false, nil
}

func (a *App) symbolMetadata(ctx context.Context) (order.SymbolMetadata, error) {
	if a.metadata.Symbol != "" && a.now().Sub(a.metadata.FetchedAt) < a.cfg.Strategy.MetadataTTL {
		return a.metadata, nil
	}
	md, err := a.client.FetchSymbolMetadata(ctx, a.cfg.Strategy.Symbol)
	if err != nil {
		if a.metadata.Symbol != "" {
			a.log.Warn("metadata refresh failed, using cached rules", zap.Error(err))
			return a.metadata, nil
		}
		return order.SymbolMetadata{}, err
	}
	a.metadata = md
	return md, nil
}

// refreshMetadataIfStale forces a rule refetch after a validator rejection:
// the exchange may have changed filters under us.
func (a *App) refreshMetadataIfStale(ctx context.Context) {
	if a.metadata.Symbol == "" {
		return
	}
	if a.now().Sub(a.metadata.FetchedAt) < a.cfg.Strategy.Interval {
		return
	}
	if md, err := a.client.FetchSymbolMetadata(ctx, a.cfg.Strategy.Symbol); err == nil {
		a.metadata = md
	}
}

func (a *App) persist(ctx context.Context) {
	pos := a.machine.Position()
	snapshot := state.TradeSnapshot{
		State:       string(a.machine.State()),
		OrderID:     pos.OrderID,
		Quantity:    pos.Quantity,
		FillPrice:   pos.FillPrice,
		Latched:     a.machine.Latched(),
		PrevRegime:  string(a.machine.PrevRegime()),
		UpdatedAtMS: a.now().UnixMilli(),
	}
	if err := state.SaveTradeSnapshot(ctx, a.store, snapshot); err != nil {
		a.log.Warn("trade snapshot save failed", zap.Error(err))
	}
}

func (a *App) journalSignal(signal market.Signal) {
	if a.journal == nil {
		return
	}
	a.journal.EnqueueSignal(journal.SignalRow{
		Time:       a.now(),
		Symbol:     a.cfg.Strategy.Symbol,
		Regime:     string(signal.Regime),
		Imbalance:  signal.Imbalance,
		BestBid:    signal.BestBid,
		BestAsk:    signal.BestAsk,
		EntryPrice: signal.EntryPrice,
		ExitFloor:  signal.ExitFloor,
		State:      string(a.machine.State()),
	})
}

func (a *App) journalFill(status exchange.OrderStatus) {
	if a.journal == nil {
		return
	}
	a.journal.EnqueueFill(journal.FillRow{
		Time:     a.now(),
		Symbol:   a.cfg.Strategy.Symbol,
		Side:     string(status.Side),
		OrderID:  status.ID,
		Quantity: status.FilledQuantity,
		Price:    status.FillPrice,
	})
}

func (a *App) notify(ctx context.Context, send func(context.Context) error) {
	if a.alerts == nil {
		return
	}
	if err := send(ctx); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
