package convert

import (
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/config"
	"tradegate/internal/domain"
)

// hedgeSuffix is the MT5 broker suffix some servers put on index futures.
const hedgeSuffix = "_H"

type Converter struct {
	table config.BrokerTable
}

func NewConverter(table config.BrokerTable) *Converter {
	return &Converter{table: table}
}

// Convert maps a producer symbol and volume onto a broker contract.
func (c *Converter) Convert(broker domain.Broker, symbol string, volume float64) (string, float64) {
	settings, _ := c.table.Get(broker)
	native, multiplier := c.lookup(settings, symbol)

	vol := decimal.NewFromFloat(volume).Mul(decimal.NewFromFloat(multiplier))
	if settings.Ratio == nil {
		f, _ := vol.Float64()
		return native, f
	}
	return native, ratioVolume(vol, settings.Ratio)
}

func ratioVolume(vol decimal.Decimal, ratio *config.Ratio) float64 {
	if !vol.IsPositive() {
		return 0
	}
	micros := vol.Mul(decimal.NewFromFloat(ratio.MicrosPerMini)).Floor()
	maxMicros := decimal.NewFromFloat(ratio.MaxMicros).Floor()
	if micros.GreaterThan(maxMicros) {
		micros = maxMicros
	}
	if micros.LessThan(decimal.NewFromInt(1)) {
		micros = decimal.NewFromInt(1)
	}
	f, _ := micros.Float64()
	return f
}

func (c *Converter) lookup(settings config.BrokerSettings, symbol string) (string, float64) {
	raw := strings.ToUpper(strings.TrimSpace(symbol))
	if entry, ok := settings.Symbols[raw]; ok {
		return entry.Name, entry.Multiplier
	}
	if settings.StripContinuousSuffix {
		clean := StripContinuous(raw)
		if entry, ok := settings.Symbols[clean]; ok {
			return entry.Name, entry.Multiplier
		}
		return clean, 1
	}
	return raw, 1
}

// Aliases lists every symbol an open position for this signal might carry on
// the broker side: the native contract, the producer symbol, the cleaned
// root, and the root with the hedge suffix.
func (c *Converter) Aliases(broker domain.Broker, symbol string) []string {
	native, _ := c.Convert(broker, symbol, 0)
	raw := strings.ToUpper(strings.TrimSpace(symbol))
	clean := StripContinuous(raw)
	out := make([]string, 0, 5)
	seen := map[string]bool{}
	for _, s := range []string{strings.ToUpper(native), raw, clean, clean + hedgeSuffix, strings.ToUpper(native) + hedgeSuffix} {
		if s == "" || s == hedgeSuffix || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// StripContinuous removes TradingView continuous contract markers.
func StripContinuous(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "1!", "")
	return strings.ReplaceAll(s, "2!", "")
}

// EquityVolume sizes a position from a percentage of equity against the
// initial margin per lot, clamped to [min, max] and rounded to step.
func EquityVolume(equity, pct, marginPerLot, min, max, step float64) float64 {
	if equity <= 0 || pct <= 0 {
		return 0
	}
	if marginPerLot <= 0 {
		marginPerLot = 1000
	}
	if step <= 0 {
		step = 0.01
	}
	risk := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
	vol := risk.Div(decimal.NewFromFloat(marginPerLot))
	if min > 0 && vol.LessThan(decimal.NewFromFloat(min)) {
		vol = decimal.NewFromFloat(min)
	}
	if max > 0 && vol.GreaterThan(decimal.NewFromFloat(max)) {
		vol = decimal.NewFromFloat(max)
	}
	stepD := decimal.NewFromFloat(step)
	vol = vol.Div(stepD).Round(0).Mul(stepD)
	f, _ := vol.Round(8).Float64()
	return f
}
