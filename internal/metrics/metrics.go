package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersRejected    Counter
	OrdersFailed      Counter
	BuysFilled        Counter
	SellsFilled       Counter
	CyclesSkipped     Counter
	BearishInterrupts Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersRejected:    n,
		OrdersFailed:      n,
		BuysFilled:        n,
		SellsFilled:       n,
		CyclesSkipped:     n,
		BearishInterrupts: n,
	}
}
