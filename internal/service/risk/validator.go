package risk

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/internal/domain"
)

// pruneAfter bounds how long accepted keys are remembered.
const pruneAfter = 60 * time.Second

type Options struct {
	MaxAge          time.Duration
	FutureTolerance time.Duration
	DuplicateWindow time.Duration
	MaxVolume       float64
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Second
	}
	if o.FutureTolerance <= 0 {
		o.FutureTolerance = 60 * time.Second
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = 5 * time.Second
	}
	if o.MaxVolume <= 0 {
		o.MaxVolume = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Validator gates signals on age, field sanity and duplicate suppression.
// It performs no I/O.
type Validator struct {
	opts Options

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewValidator(opts Options) *Validator {
	return &Validator{
		opts: opts.withDefaults(),
		seen: make(map[string]time.Time),
	}
}

// Validate reports whether sig may be dispatched and, if not, why.
func (v *Validator) Validate(sig domain.Signal, receivedAt time.Time) (bool, string) {
	if sig.EmittedAt != nil {
		age := receivedAt.Sub(*sig.EmittedAt)
		if age > v.opts.MaxAge {
			return false, fmt.Sprintf("stale webhook: %.1fs old (max: %.0fs)", age.Seconds(), v.opts.MaxAge.Seconds())
		}
		if age < -v.opts.FutureTolerance {
			return false, fmt.Sprintf("future webhook timestamp: %.1fs", age.Seconds())
		}
	}

	action := domain.Action(strings.ToUpper(strings.TrimSpace(string(sig.Action))))
	if !action.Valid() {
		return false, fmt.Sprintf("invalid action: %s", action)
	}
	symbol := strings.TrimSpace(sig.Symbol)
	if symbol == "" {
		return false, "missing symbol"
	}
	volume := sig.Volume
	var volumeErr error
	if sig.VolumeRaw != "" {
		if parsed, err := ParseVolume(sig.VolumeRaw); err == nil {
			volume = parsed
		} else {
			volumeErr = err
		}
	}
	// closes ignore volume, but it still tells repeats apart
	if action == domain.ActionBuy || action == domain.ActionSell {
		if volumeErr != nil {
			return false, fmt.Sprintf("invalid volume format: %s", sig.VolumeRaw)
		}
		if volume <= 0 {
			return false, fmt.Sprintf("invalid volume: %s", formatVolume(volume))
		}
		if volume > v.opts.MaxVolume {
			return false, fmt.Sprintf("suspiciously large volume: %s", formatVolume(volume))
		}
	}

	key := string(action) + "_" + strings.ToUpper(symbol) + "_" + formatVolume(volume)
	now := v.opts.Now()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.prune(now)
	if last, ok := v.seen[key]; ok && now.Sub(last) < v.opts.DuplicateWindow {
		return false, fmt.Sprintf("duplicate webhook within %.0fs", v.opts.DuplicateWindow.Seconds())
	}
	v.seen[key] = now
	return true, ""
}

// ValidateErr is Validate with the rejection as a *domain.ValidationError.
func (v *Validator) ValidateErr(sig domain.Signal, receivedAt time.Time) error {
	if ok, reason := v.Validate(sig, receivedAt); !ok {
		return &domain.ValidationError{Reason: reason}
	}
	return nil
}

func (v *Validator) prune(now time.Time) {
	for key, at := range v.seen {
		if now.Sub(at) > pruneAfter {
			delete(v.seen, key)
		}
	}
}

// ParseVolume accepts a plain decimal number, surrounding spaces allowed.
func ParseVolume(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

func formatVolume(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
