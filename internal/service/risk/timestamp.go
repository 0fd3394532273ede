package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// msThreshold separates Unix seconds from Unix milliseconds.
const msThreshold = 1e12

var errNoTimestamp = errors.New("no timestamp")

// ParseTimestamp reads a producer timestamp. Numbers are Unix seconds, or
// milliseconds when above 1e12; strings may be numeric or RFC3339 with or
// without a zone. A zone-less string is taken as UTC.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errNoTimestamp
	case float64:
		return fromUnix(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", t.String(), err)
		}
		return fromUnix(f)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, errNoTimestamp
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// IsMissing reports whether err means no timestamp was supplied at all.
func IsMissing(err error) bool {
	return errors.Is(err, errNoTimestamp)
}

func fromUnix(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", f)
	}
	if f > msThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
