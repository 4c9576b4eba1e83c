package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"ob-scalp-bot/internal/market"
	"ob-scalp-bot/internal/order"
)

// OrderRequest is a limit order the core wants placed.
type OrderRequest struct {
	Symbol        string
	Side          order.Side
	Price         float64
	Quantity      float64
	ClientOrderID string
}

// OrderStatus is the exchange's view of a previously placed order.
type OrderStatus struct {
	ID             string
	Side           order.Side
	Status         string // "open", "filled" or "cancelled"
	FilledQuantity float64
	FillPrice      float64
}

const (
	StatusOpen      = "open"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
)

// OpenOrder identifies an order the exchange still tracks as working.
type OpenOrder struct {
	ID   string
	Side order.Side
}

// Balances is the account's free quote and base amounts.
type Balances struct {
	Quote float64
	Base  float64
}

// Binance wire formats. Numbers arrive as strings.

type depthResponse struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (d depthResponse) book() (market.Book, error) {
	bids, err := parseLevels(d.Bids)
	if err != nil {
		return market.Book{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(d.Asks)
	if err != nil {
		return market.Book{}, fmt.Errorf("asks: %w", err)
	}
	return market.Book{Bids: bids, Asks: asks}, nil
}

func parseLevels(raw [][]string) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("malformed level %v", pair)
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, err
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Quantity: qty})
	}
	return levels, nil
}

type tradeResponse struct {
	Price string `json:"price"`
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	Side                string `json:"side"`
	Price               string `json:"price"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (o orderResponse) toStatus() OrderStatus {
	status := OrderStatus{
		ID:   strconv.FormatInt(o.OrderID, 10),
		Side: order.Side(o.Side),
	}
	switch o.Status {
	case "FILLED":
		status.Status = StatusFilled
	case "CANCELED", "EXPIRED", "REJECTED":
		status.Status = StatusCancelled
	default: // NEW, PARTIALLY_FILLED
		status.Status = StatusOpen
	}
	status.FilledQuantity, _ = strconv.ParseFloat(o.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(o.CummulativeQuoteQty, 64)
	if status.FilledQuantity > 0 && quote > 0 {
		status.FillPrice = quote / status.FilledQuantity
	} else {
		status.FillPrice, _ = strconv.ParseFloat(o.Price, 64)
	}
	return status
}

type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// decimalsFromStep derives the number of meaningful decimal places from a
// filter step such as "0.00010000".
func decimalsFromStep(step string) int {
	dot := strings.IndexByte(step, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(step[dot+1:], "0")
	return len(frac)
}
