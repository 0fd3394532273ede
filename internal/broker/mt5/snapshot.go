package mt5

import (
	"strconv"
	"strings"

	"tradegate/internal/domain"
)

// Snapshot is the account state an EA reports through /ea/sync.
type Snapshot struct {
	Account   domain.AccountInfo
	Positions []domain.Position
	Quotes    map[string]domain.Quote
	Specs     map[string]domain.SymbolSpec
	DailyPnL  float64
}

// ParseSnapshot reads the loosely typed sync payload. Account fields may sit
// at the top level or under "account"; unknown keys are ignored.
func ParseSnapshot(payload map[string]interface{}) Snapshot {
	snap := Snapshot{
		Account: domain.AccountInfo{
			Equity:  firstFloat(payload, "equity", "account.equity", "account_equity", "metrics.equity"),
			Balance: firstFloat(payload, "balance", "account.balance"),
		},
		Quotes:   map[string]domain.Quote{},
		Specs:    map[string]domain.SymbolSpec{},
		DailyPnL: dailyPnL(payload),
	}

	if positions, ok := getArray(payload, "positions"); ok {
		for _, item := range positions {
			pm, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			pos := domain.Position{
				Symbol:   strings.ToUpper(stringField(pm, "symbol")),
				Side:     positionSide(pm["type"]),
				Quantity: firstFloat(pm, "volume", "quantity"),
				ID:       idField(pm, "ticket", "id"),
				Profit:   valueOrZero(pm, "profit"),
			}
			if pos.Symbol == "" || pos.Side == "" {
				continue
			}
			snap.Positions = append(snap.Positions, pos)
		}
	}

	if quotes, ok := getMap(payload, "quotes"); ok {
		for sym, raw := range quotes {
			qm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			snap.Quotes[strings.ToUpper(sym)] = domain.Quote{
				Bid: valueOrZero(qm, "bid"),
				Ask: valueOrZero(qm, "ask"),
			}
		}
	}

	if specs, ok := getMap(payload, "symbols"); ok {
		for sym, raw := range specs {
			sm, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			snap.Specs[strings.ToUpper(sym)] = domain.SymbolSpec{
				Point:        valueOrZero(sm, "point"),
				Digits:       int(valueOrZero(sm, "digits")),
				TickSize:     firstFloat(sm, "tick_size", "trade_tick_size"),
				VolumeMin:    valueOrZero(sm, "volume_min"),
				VolumeMax:    valueOrZero(sm, "volume_max"),
				VolumeStep:   valueOrZero(sm, "volume_step"),
				MarginPerLot: firstFloat(sm, "margin_initial", "margin_per_lot"),
			}
		}
	}
	return snap
}

// positionSide accepts "BUY"/"SELL" or the terminal's numeric position type
// (0 buy, 1 sell).
func positionSide(v interface{}) domain.Side {
	switch t := v.(type) {
	case string:
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "BUY", "0":
			return domain.SideBuy
		case "SELL", "1":
			return domain.SideSell
		}
	case float64:
		switch t {
		case 0:
			return domain.SideBuy
		case 1:
			return domain.SideSell
		}
	}
	return ""
}

func dailyPnL(snapshot map[string]interface{}) float64 {
	// an explicit daily total wins so open profit is not counted twice
	if v, ok := getFloat(snapshot, "daily_pnl"); ok {
		return v
	}
	if v, ok := getFloat(snapshot, "metrics.daily_pnl"); ok {
		return v
	}

	realized := firstFloat(snapshot,
		"closed_pnl_today",
		"daily_realized_pnl",
		"realized_pnl_today",
		"metrics.realized_pnl_today",
	)

	unrealized := 0.0
	if positions, ok := getArray(snapshot, "positions"); ok {
		for _, item := range positions {
			pm, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			unrealized += valueOrZero(pm, "profit")
			unrealized += valueOrZero(pm, "swap")
			unrealized += valueOrZero(pm, "commission")
		}
	}
	return realized + unrealized
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func idField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func valueOrZero(m map[string]interface{}, key string) float64 {
	v, _ := getFloat(m, key)
	return v
}

func firstFloat(snapshot map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := getFloat(snapshot, key); ok {
			return v
		}
	}
	return 0
}

func getArray(snapshot map[string]interface{}, path string) ([]interface{}, bool) {
	v, ok := getByPath(snapshot, path)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}

func getMap(snapshot map[string]interface{}, path string) (map[string]interface{}, bool) {
	v, ok := getByPath(snapshot, path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func getFloat(snapshot map[string]interface{}, path string) (float64, bool) {
	v, ok := getByPath(snapshot, path)
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func getByPath(snapshot map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = snapshot
	for _, p := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		next, ok := m[p]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}
