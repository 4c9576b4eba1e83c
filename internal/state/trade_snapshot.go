package state

import (
	"context"
	"encoding/json"
	"strings"
)

const TradeSnapshotKey = "trade:last_snapshot"

// TradeSnapshot is the durable view of the trade lifecycle, written after
// every state transition so a restart can resume mid-trade.
type TradeSnapshot struct {
	State       string  `json:"state"`
	OrderID     string  `json:"order_id,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	FillPrice   float64 `json:"fill_price,omitempty"`
	Latched     bool    `json:"latched"`
	PrevRegime  string  `json:"prev_regime"`
	UpdatedAtMS int64   `json:"updated_at_ms"`
}

func LoadTradeSnapshot(ctx context.Context, store Store) (TradeSnapshot, bool, error) {
	if store == nil {
		return TradeSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, TradeSnapshotKey)
	if err != nil {
		return TradeSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return TradeSnapshot{}, false, nil
	}
	var snapshot TradeSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return TradeSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveTradeSnapshot(ctx context.Context, store Store, snapshot TradeSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, TradeSnapshotKey, string(payload))
}
