package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced  Counter
	OrdersFailed  Counter
	BuysFilled    Counter
	SellsFilled   Counter
	CyclesStarted Counter
	TickErrors    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:  n,
		OrdersFailed:  n,
		BuysFilled:    n,
		SellsFilled:   n,
		CyclesStarted: n,
		TickErrors:    n,
	}
}
