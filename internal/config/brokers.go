package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tradegate/internal/domain"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// SymbolEntry maps one producer symbol onto a broker native contract.
type SymbolEntry struct {
	Name       string  `yaml:"name"`
	Multiplier float64 `yaml:"multiplier"`
}

// Ratio switches a broker to mini-to-micro conversion.
type Ratio struct {
	MicrosPerMini float64 `yaml:"micros_per_mini"`
	MaxMicros     float64 `yaml:"max_micros"`
}

type BrokerSettings struct {
	Enabled               bool                   `yaml:"enabled"`
	Mode                  string                 `yaml:"mode"`
	Netting               bool                   `yaml:"netting"`
	OrderKind             domain.OrderKind       `yaml:"order_kind"`
	LimitOffsetTicks      int                    `yaml:"limit_offset_ticks"`
	StripContinuousSuffix bool                   `yaml:"strip_continuous_suffix"`
	Ratio                 *Ratio                 `yaml:"ratio,omitempty"`
	Symbols               map[string]SymbolEntry `yaml:"symbols"`
}

// BrokerTable is the per-broker routing and symbol table.
type BrokerTable map[domain.Broker]BrokerSettings

func (t BrokerTable) Get(b domain.Broker) (BrokerSettings, bool) {
	s, ok := t[b]
	return s, ok
}

// DefaultBrokers reproduces the reference deployment: MT5 netting account,
// TopStep micros at five per mini, IBKR micros one per mini.
func DefaultBrokers() BrokerTable {
	return BrokerTable{
		domain.BrokerMT5: {
			Enabled:          true,
			Mode:             ModeLive,
			Netting:          true,
			OrderKind:        domain.OrderLimit,
			LimitOffsetTicks: 2,
			Symbols: map[string]SymbolEntry{
				"NQ1!": {Name: "NQ", Multiplier: 1},
				"ES1!": {Name: "ES", Multiplier: 1},
			},
		},
		domain.BrokerTopStep: {
			Enabled:   true,
			Mode:      ModeLive,
			OrderKind: domain.OrderMarket,
			Ratio:     &Ratio{MicrosPerMini: 5, MaxMicros: 15},
			Symbols: map[string]SymbolEntry{
				"NQ1!":  {Name: "MNQ", Multiplier: 1},
				"NQ":    {Name: "MNQ", Multiplier: 1},
				"MNQ1!": {Name: "MNQ", Multiplier: 1},
				"ES1!":  {Name: "MES", Multiplier: 1},
				"ES":    {Name: "MES", Multiplier: 1},
				"MES1!": {Name: "MES", Multiplier: 1},
			},
		},
		domain.BrokerIBKR: {
			Enabled:               true,
			Mode:                  ModeLive,
			OrderKind:             domain.OrderMarket,
			StripContinuousSuffix: true,
			Ratio:                 &Ratio{MicrosPerMini: 1, MaxMicros: 3},
			Symbols: map[string]SymbolEntry{
				"NQ": {Name: "MNQ", Multiplier: 1},
				"ES": {Name: "MES", Multiplier: 1},
			},
		},
	}
}

type brokersFile struct {
	Brokers map[string]BrokerSettings `yaml:"brokers"`
}

// LoadBrokers reads path strictly. A missing file yields DefaultBrokers.
func LoadBrokers(path string) (BrokerTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultBrokers(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	table, err := ParseBrokers(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

func ParseBrokers(raw []byte) (BrokerTable, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file brokersFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode brokers: %w", err)
	}
	if len(file.Brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	table := BrokerTable{}
	for name, settings := range file.Brokers {
		b, ok := domain.ParseBroker(name)
		if !ok {
			return nil, fmt.Errorf("unknown broker %q", name)
		}
		if err := normalize(b, &settings); err != nil {
			return nil, err
		}
		table[b] = settings
	}
	return table, nil
}

func normalize(b domain.Broker, s *BrokerSettings) error {
	switch s.Mode {
	case "":
		s.Mode = ModeLive
	case ModeLive, ModePaper:
	default:
		return fmt.Errorf("%s: mode must be live or paper, got %q", b, s.Mode)
	}
	switch strings.ToUpper(string(s.OrderKind)) {
	case "":
		s.OrderKind = domain.OrderMarket
	case string(domain.OrderMarket), string(domain.OrderLimit):
		s.OrderKind = domain.OrderKind(strings.ToUpper(string(s.OrderKind)))
	default:
		return fmt.Errorf("%s: order_kind must be MARKET or LIMIT, got %q", b, s.OrderKind)
	}
	if s.LimitOffsetTicks < 0 {
		return fmt.Errorf("%s: limit_offset_ticks must not be negative", b)
	}
	if s.Ratio != nil {
		if s.Ratio.MicrosPerMini <= 0 {
			return fmt.Errorf("%s: ratio.micros_per_mini must be positive", b)
		}
		if s.Ratio.MaxMicros < 1 {
			return fmt.Errorf("%s: ratio.max_micros must be at least 1", b)
		}
	}
	symbols := make(map[string]SymbolEntry, len(s.Symbols))
	for from, entry := range s.Symbols {
		if strings.TrimSpace(from) == "" || strings.TrimSpace(entry.Name) == "" {
			return fmt.Errorf("%s: symbol entries need a source and a name", b)
		}
		if entry.Multiplier == 0 {
			entry.Multiplier = 1
		}
		if entry.Multiplier < 0 {
			return fmt.Errorf("%s: %s multiplier must be positive", b, from)
		}
		symbols[strings.ToUpper(strings.TrimSpace(from))] = entry
	}
	s.Symbols = symbols
	return nil
}
