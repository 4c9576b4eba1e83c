package order

import (
	"fmt"
	"math"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SymbolMetadata holds the exchange trading rules for one symbol. The core
// treats it as read-only and caches it; FetchedAt drives staleness checks.
type SymbolMetadata struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	MinQuantity       float64
	LotStep           float64
	MinNotional       float64
	FetchedAt         time.Time
}

type Reason string

const (
	ReasonBelowMinQuantity Reason = "below_min_quantity"
	ReasonBelowMinNotional Reason = "below_min_notional"
)

// Rejection is a typed validation result, not an error: the state machine
// branches on it instead of unwinding.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Quantize truncates price and quantity to the symbol's trading rules.
// Truncation, never rounding up: downstream notional and balance checks must
// not see values inflated past what the account covers. A nil rejection
// means the returned pair is submittable.
func Quantize(md SymbolMetadata, price, quantity float64) (float64, float64, *Rejection) {
	if quantity < md.MinQuantity {
		return 0, 0, &Rejection{
			Reason: ReasonBelowMinQuantity,
			Detail: fmt.Sprintf("quantity %v below minimum %v", quantity, md.MinQuantity),
		}
	}
	price = TruncateTo(price, md.PricePrecision)
	quantity = TruncateTo(quantity, md.QuantityPrecision)
	if md.LotStep > 0 {
		quantity = truncateToStep(quantity, md.LotStep)
	}
	if quantity < md.MinQuantity {
		return 0, 0, &Rejection{
			Reason: ReasonBelowMinQuantity,
			Detail: fmt.Sprintf("quantity %v below minimum %v after truncation", quantity, md.MinQuantity),
		}
	}
	if notional := price * quantity; notional < md.MinNotional {
		return 0, 0, &Rejection{
			Reason: ReasonBelowMinNotional,
			Detail: fmt.Sprintf("notional %v below minimum %v", notional, md.MinNotional),
		}
	}
	return price, quantity, nil
}

// relativeEpsilon absorbs float representation error so that truncating an
// already-truncated value returns it unchanged.
const relativeEpsilon = 4e-12

// TruncateTo drops decimal places beyond the given precision.
func TruncateTo(value float64, decimals int) float64 {
	if decimals < 0 {
		return value
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor*(1+relativeEpsilon)) / factor
}

func truncateToStep(quantity, step float64) float64 {
	return math.Floor(quantity/step*(1+relativeEpsilon)) * step
}
