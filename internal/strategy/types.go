package strategy

import "ob-scalp-bot/internal/market"

type State string

const (
	StateIdle        State = "IDLE"
	StateBuyPending  State = "BUY_PENDING"
	StateHolding     State = "HOLDING"
	StateSellPending State = "SELL_PENDING"
)

// Position is what the machine knows about the trade it is working.
type Position struct {
	OrderID   string
	Quantity  float64
	FillPrice float64
}

// EntryConditions are the per-cycle inputs to the entry gate.
type EntryConditions struct {
	Regime       market.Regime
	Uptrend      bool
	TrendChecked bool
	QuoteBalance float64
	TradeAmount  float64
	BaseValue    float64
	MaxBaseValue float64
}
