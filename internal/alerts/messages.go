package alerts

import "fmt"

// Profit thresholds, in quote currency, that trigger a notification
// when a pair's running total crosses them.
const (
	HighProfitThreshold = 10.0
	HighLossThreshold   = -10.0
)

func CycleCompleted(symbol string, sellPrice, qty, profit float64) string {
	return fmt.Sprintf("%s: cycle complete, sold %.6f at %.4f (profit %.4f)", symbol, qty, sellPrice, profit)
}

func HighProfit(symbol string, total float64) string {
	return fmt.Sprintf("%s: running profit reached %.2f", symbol, total)
}

func SignificantLoss(symbol string, total float64) string {
	return fmt.Sprintf("%s: running loss reached %.2f", symbol, total)
}

func WorkerStopped(symbol string, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: bot stopped with error: %v", symbol, err)
	}
	return fmt.Sprintf("%s: bot stopped", symbol)
}
