package market

import (
	"errors"
	"fmt"

	"ob-scalp-bot/internal/config"
)

// Regime is the classified short-term market condition.
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeBearish Regime = "BEARISH"
	RegimeNeutral Regime = "NEUTRAL"
)

const (
	ModeImbalance = "imbalance"
	ModeWhale     = "whale"

	EntryBestAsk        = "best_ask"
	EntrySignificantBid = "significant_bid"
	EntryBidVWAP        = "bid_vwap"

	ExitBestAsk = "best_ask"
	ExitDeepBid = "deep_bid"
)

var (
	ErrInsufficientDepth = errors.New("not enough order book levels for analysis")
	ErrZeroAskVolume     = errors.New("total ask volume is zero")
)

// Signal is the analyzer output for one cycle. It is produced fresh every
// cycle and never mutated.
type Signal struct {
	Regime     Regime
	EntryPrice float64
	ExitFloor  float64

	Imbalance float64
	BidVWAP   float64
	AskVWAP   float64
	SellWall  bool
	LargeBid  bool
	LargeAsk  bool
	BestBid   float64
	BestAsk   float64
}

// Analyzer turns a market snapshot into a regime signal. It is a pure
// function of its input: identical snapshots yield identical signals.
type Analyzer struct {
	cfg config.AnalyzerConfig
}

func NewAnalyzer(cfg config.AnalyzerConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Analyze(snap Snapshot) (Signal, error) {
	if err := snap.Book.Validate(); err != nil {
		return Signal{}, err
	}
	bids, asks := snap.Book.Bids, snap.Book.Asks
	if len(bids) < a.cfg.MinLevels || len(asks) < a.cfg.MinLevels {
		return Signal{}, fmt.Errorf("%w: %d bids, %d asks, need %d per side",
			ErrInsufficientDepth, len(bids), len(asks), a.cfg.MinLevels)
	}

	totalBid := totalVolume(bids)
	totalAsk := totalVolume(asks)
	if totalAsk <= 0 {
		return Signal{}, ErrZeroAskVolume
	}

	sig := Signal{
		Imbalance: totalBid / totalAsk,
		BestBid:   snap.Book.BestBid().Price,
		BestAsk:   snap.Book.BestAsk().Price,
		BidVWAP:   vwap(bids),
		AskVWAP:   vwap(asks),
		SellWall:  hasLevelAbove(asks, totalBid/a.cfg.SellWallRatio),
		LargeBid:  hasLevelAbove(bids, a.cfg.LargeOrderFraction*totalBid),
		LargeAsk:  hasLevelAbove(asks, a.cfg.LargeOrderFraction*totalAsk),
	}
	sig.Regime = a.classify(sig)
	sig.EntryPrice = a.entryPrice(snap, sig, totalAsk)
	sig.ExitFloor = a.exitFloor(bids, sig)
	return sig, nil
}

func (a *Analyzer) classify(sig Signal) Regime {
	threshold := a.cfg.ImbalanceThreshold
	switch a.cfg.Mode {
	case ModeWhale:
		// Whale detection is a conjunctive safety filter on top of the
		// imbalance signal, not an alternative to it.
		if sig.SellWall || sig.LargeAsk || sig.Imbalance < 1/threshold {
			return RegimeBearish
		}
		if sig.Imbalance > threshold && sig.LargeBid {
			return RegimeBullish
		}
		return RegimeNeutral
	default:
		if sig.Imbalance > threshold {
			return RegimeBullish
		}
		if sig.Imbalance < 1/threshold {
			return RegimeBearish
		}
		return RegimeNeutral
	}
}

// entryPrice picks the buy price candidate and caps it against the recent
// trade tape so the bot never buys into a spike.
func (a *Analyzer) entryPrice(snap Snapshot, sig Signal, totalAsk float64) float64 {
	var price float64
	switch a.cfg.EntrySource {
	case EntrySignificantBid:
		price = significantBidPrice(snap.Book.Bids, a.cfg.SignificantBidFraction*totalAsk)
		if price == 0 {
			price = sig.BidVWAP
		}
	case EntryBidVWAP:
		price = sig.BidVWAP
	default:
		price = sig.BestAsk
	}
	if lowest, ok := snap.LowestTradePrice(); ok {
		if ceiling := lowest * (1 + a.cfg.SlippageCap); price > ceiling {
			price = lowest
		}
	}
	return price
}

func (a *Analyzer) exitFloor(bids []Level, sig Signal) float64 {
	ref := sig.BestAsk
	if a.cfg.ExitReference == ExitDeepBid {
		i := a.cfg.DeepBidLevel
		if i > len(bids)-1 {
			i = len(bids) - 1
		}
		ref = bids[i].Price
	}
	return ref * (1 + a.cfg.ProfitMargin)
}

// SellPriceAboveFloor scans the live ask ladder for the first level priced
// strictly above the floor; when none exists the floor itself is the best
// fillable choice.
func SellPriceAboveFloor(asks []Level, floor float64) float64 {
	for _, lvl := range asks {
		if lvl.Price > floor {
			return lvl.Price
		}
	}
	return floor
}

func hasLevelAbove(levels []Level, threshold float64) bool {
	for _, lvl := range levels {
		if lvl.Quantity > threshold {
			return true
		}
	}
	return false
}

func significantBidPrice(bids []Level, minQuantity float64) float64 {
	for _, lvl := range bids {
		if lvl.Quantity >= minQuantity {
			return lvl.Price
		}
	}
	return 0
}

func totalVolume(levels []Level) float64 {
	var total float64
	for _, lvl := range levels {
		total += lvl.Quantity
	}
	return total
}

func vwap(levels []Level) float64 {
	var notional, volume float64
	for _, lvl := range levels {
		notional += lvl.Price * lvl.Quantity
		volume += lvl.Quantity
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}
