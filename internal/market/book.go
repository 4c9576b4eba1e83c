package market

import (
	"errors"
	"time"
)

// Level is a single order book price level.
type Level struct {
	Price    float64
	Quantity float64
}

// Book is a depth slice of an order book: bids sorted by descending price,
// asks by ascending price, as the exchange reports them.
type Book struct {
	Bids []Level
	Asks []Level
}

var (
	ErrEmptyBook    = errors.New("order book side is empty")
	ErrUnsortedBook = errors.New("order book levels are not strictly sorted")
)

// Validate checks the ordering the exchange guarantees. A violation means
// the snapshot is corrupt and must not be analyzed.
func (b Book) Validate() error {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return ErrEmptyBook
	}
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price >= b.Bids[i-1].Price {
			return ErrUnsortedBook
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price <= b.Asks[i-1].Price {
			return ErrUnsortedBook
		}
	}
	return nil
}

func (b Book) BestBid() Level { return b.Bids[0] }
func (b Book) BestAsk() Level { return b.Asks[0] }

// Candle is one OHLCV bar as returned by the exchange klines endpoint.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Closes extracts the close price sequence in candle order.
func Closes(candles []Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}

// Snapshot is the immutable market view for one polling cycle.
// TradePrices and Candles are optional; analysis paths that need them
// fail with a distinct error when they are absent.
type Snapshot struct {
	Symbol      string
	Time        time.Time
	Book        Book
	TradePrices []float64
	Candles     []Candle
}

// LowestTradePrice returns the lowest recent trade price, or false when the
// snapshot carries no trade tape.
func (s Snapshot) LowestTradePrice() (float64, bool) {
	if len(s.TradePrices) == 0 {
		return 0, false
	}
	lowest := s.TradePrices[0]
	for _, p := range s.TradePrices[1:] {
		if p < lowest {
			lowest = p
		}
	}
	return lowest, true
}
