package strategy

import (
	"fmt"
	"sync"

	"ob-scalp-bot/internal/market"
)

// Machine enforces the one-active-trade rule: at most one outstanding order
// or held position at a time. Transitions are guarded; an out-of-order event
// is an error, not a silent no-op, because it means the caller's view of the
// trade lifecycle has diverged.
//
// Entry is edge-triggered. A buy requires the regime to flip from a
// non-bullish reading to bullish, and the latch stays set until the round
// trip completes, so a sustained bullish regime produces exactly one trade.
type Machine struct {
	mu         sync.Mutex
	state      State
	position   Position
	prevRegime market.Regime
	latched    bool
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle, prevRegime: market.RegimeNeutral}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// EntryAllowed is the pure entry gate. It does not mutate the machine;
// BuyPlaced sets the latch once the order actually goes out.
func (m *Machine) EntryAllowed(c EntryConditions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle || m.latched {
		return false
	}
	if c.Regime != market.RegimeBullish || m.prevRegime == market.RegimeBullish {
		return false
	}
	if c.TrendChecked && !c.Uptrend {
		return false
	}
	if c.QuoteBalance < c.TradeAmount {
		return false
	}
	if c.BaseValue > c.MaxBaseValue {
		return false
	}
	return true
}

// ObserveRegime records the cycle's regime for edge detection. Call it once
// per cycle, after all decisions for that cycle are made.
func (m *Machine) ObserveRegime(r market.Regime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevRegime = r
}

func (m *Machine) BuyPlaced(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateIdle, "buy placed"); err != nil {
		return err
	}
	m.state = StateBuyPending
	m.position = Position{OrderID: orderID}
	m.latched = true
	return nil
}

func (m *Machine) BuyFilled(quantity, fillPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateBuyPending, "buy filled"); err != nil {
		return err
	}
	m.state = StateHolding
	m.position.OrderID = ""
	m.position.Quantity = quantity
	m.position.FillPrice = fillPrice
	return nil
}

func (m *Machine) BuyCancelled() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateBuyPending, "buy cancelled"); err != nil {
		return err
	}
	m.state = StateIdle
	m.position = Position{}
	m.latched = false
	return nil
}

func (m *Machine) SellPlaced(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateHolding, "sell placed"); err != nil {
		return err
	}
	m.state = StateSellPending
	m.position.OrderID = orderID
	return nil
}

func (m *Machine) SellFilled() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateSellPending, "sell filled"); err != nil {
		return err
	}
	m.state = StateIdle
	m.position = Position{}
	m.latched = false
	return nil
}

// SellCancelled returns to holding: the position still exists and the next
// cycle re-prices the exit.
func (m *Machine) SellCancelled() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.require(StateSellPending, "sell cancelled"); err != nil {
		return err
	}
	m.state = StateHolding
	m.position.OrderID = ""
	return nil
}

// Restore rebuilds the machine from persisted state at startup. Restored
// trades keep their latch so a restart mid-trade cannot double-enter.
func (m *Machine) Restore(state State, pos Position, prevRegime market.Regime, latched bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.position = pos
	if prevRegime == "" {
		prevRegime = market.RegimeNeutral
	}
	m.prevRegime = prevRegime
	m.latched = latched
}

func (m *Machine) PrevRegime() market.Regime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevRegime
}

func (m *Machine) Latched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latched
}

func (m *Machine) require(want State, event string) error {
	if m.state != want {
		return fmt.Errorf("%s in state %s, want %s", event, m.state, want)
	}
	return nil
}
