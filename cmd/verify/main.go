// Command verify performs a one-shot preflight: it fetches live market data
// for the configured symbol, runs the analyzer, and prints the signal and the
// buy order the bot would submit. It never places orders. With -account it
// additionally checks signed-endpoint access using the configured API keys.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ob-scalp-bot/internal/config"
	"ob-scalp-bot/internal/exchange"
	"ob-scalp-bot/internal/logging"
	"ob-scalp-bot/internal/market"
	"ob-scalp-bot/internal/order"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type report struct {
	Symbol       string               `json:"symbol"`
	Regime       string               `json:"regime"`
	Imbalance    float64              `json:"imbalance"`
	BestBid      float64              `json:"best_bid"`
	BestAsk      float64              `json:"best_ask"`
	EntryPrice   float64              `json:"entry_price"`
	ExitFloor    float64              `json:"exit_floor"`
	OrderPrice   float64              `json:"order_price,omitempty"`
	OrderQty     float64              `json:"order_quantity,omitempty"`
	Rejection    string               `json:"rejection,omitempty"`
	QuoteBalance *float64             `json:"quote_balance,omitempty"`
	BaseBalance  *float64             `json:"base_balance,omitempty"`
	OpenOrders   []exchange.OpenOrder `json:"open_orders,omitempty"`
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	checkAccount := flag.Bool("account", false, "also verify signed endpoint access")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_API_SECRET")
	client := exchange.New(cfg.Exchange, apiKey, secretKey, log)
	analyzer := market.NewAnalyzer(cfg.Analyzer)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	symbol := cfg.Strategy.Symbol
	book, err := client.FetchOrderBook(ctx, symbol, cfg.Exchange.Depth)
	if err != nil {
		fatal(err)
	}
	trades, err := client.FetchRecentTrades(ctx, symbol, cfg.Exchange.TradeLimit)
	if err != nil {
		fatal(err)
	}
	signal, err := analyzer.Analyze(market.Snapshot{
		Symbol:      symbol,
		Time:        time.Now(),
		Book:        book,
		TradePrices: trades,
	})
	if err != nil {
		fatal(err)
	}

	out := report{
		Symbol:     symbol,
		Regime:     string(signal.Regime),
		Imbalance:  signal.Imbalance,
		BestBid:    signal.BestBid,
		BestAsk:    signal.BestAsk,
		EntryPrice: signal.EntryPrice,
		ExitFloor:  signal.ExitFloor,
	}

	md, err := client.FetchSymbolMetadata(ctx, symbol)
	if err != nil {
		fatal(err)
	}
	if signal.EntryPrice > 0 {
		price, qty, rejection := order.Quantize(md, signal.EntryPrice, cfg.Strategy.TradeAmount/signal.EntryPrice)
		if rejection != nil {
			out.Rejection = rejection.String()
		} else {
			out.OrderPrice = price
			out.OrderQty = qty
		}
	}

	if *checkAccount {
		balances, err := client.FetchBalances(ctx, cfg.Strategy.QuoteAsset, cfg.Strategy.BaseAsset)
		if err != nil {
			fatal(err)
		}
		out.QuoteBalance = &balances.Quote
		out.BaseBalance = &balances.Base
		open, err := client.ListOpenOrders(ctx, symbol)
		if err != nil {
			fatal(err)
		}
		out.OpenOrders = open
		log.Info("account access verified", zap.Int("open_orders", len(open)))
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	os.Exit(1)
}
