package backtest

import (
	"bufio"
	"encoding/json"
	"io"
	"time"
)

// tradeActions are the stdout actions that identify a trade line.
// Everything else the agent prints is ignored.
var tradeActions = map[string]bool{
	"arbitrage_buy":      true,
	"arbitrage_sell":     true,
	"momentum_entry":     true,
	"momentum_exit":      true,
	"market_making_fill": true,
}

// tradeLine is the agent's wire shape for one stdout line.
type tradeLine struct {
	Timestamp string   `json:"timestamp"`
	Action    string   `json:"action"`
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"`
	Price     float64  `json:"price"`
	Amount    float64  `json:"amount"`
	PnL       *float64 `json:"pnl"`
	Reason    string   `json:"reason"`
}

// ParseTrades consumes the agent's stdout and returns the trades in
// emission order. Non-JSON lines and JSON lines without a recognized
// action are skipped silently.
func ParseTrades(r io.Reader) []Trade {
	var trades []Trade

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var tl tradeLine
		if err := json.Unmarshal(line, &tl); err != nil {
			continue
		}
		if !tradeActions[tl.Action] {
			continue
		}

		ts, err := parseTradeTime(tl.Timestamp)
		if err != nil {
			continue
		}

		signal := tl.Reason
		if signal == "" {
			signal = tl.Action
		}
		trades = append(trades, Trade{
			Timestamp: ts,
			Pair:      tl.Symbol,
			Side:      tl.Side,
			Price:     tl.Price,
			Amount:    tl.Amount,
			PnL:       tl.PnL,
			Signal:    signal,
		})
	}
	return trades
}

func parseTradeTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Parse(time.RFC3339, s)
}
