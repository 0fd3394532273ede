package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/service/ledger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	state, err := s.pause.Snapshot(r.Context())
	if err != nil {
		s.logger.Warn("health: load pause state", zap.Error(err))
	}

	brokers := make(map[string]interface{}, len(domain.Brokers))
	for _, b := range domain.Brokers {
		entry := map[string]interface{}{
			"connected": false,
			"paused":    state.Paused(b),
		}
		if a, ok := s.dispatcher.Adapter(b); ok {
			entry["connected"] = a.IsConnected()
		} else {
			entry["enabled"] = false
		}
		if br, ok := s.breakers[b]; ok && br != nil {
			entry["breaker"] = br.Status()
		}
		brokers[string(b)] = entry
	}

	var lastTrade interface{}
	if rec, ok, err := s.ledger.Last(r.Context()); err == nil && ok {
		lastTrade = map[string]interface{}{
			"timestamp": rec.Timestamp.UTC().Format(time.RFC3339),
			"platform":  rec.Platform,
			"symbol":    rec.Symbol,
			"action":    rec.Action,
			"status":    rec.Status,
		}
	}

	tradingDay := true
	if s.scheduler != nil {
		tradingDay = s.scheduler.IsTradingDay(now)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"time":           now.UTC().Format(time.RFC3339),
		"trading_day":    tradingDay,
		"last_trade":     lastTrade,
		"brokers":        brokers,
		"mt5_paused":     state.MT5,
		"ibkr_paused":    state.IBKR,
		"topstep_paused": state.TopStep,
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	filter, err := tradeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Platform = r.URL.Query().Get("platform")
	filter.Limit = parseInt(r.URL.Query().Get("limit"), ledger.DefaultQueryLimit)

	trades, err := s.ledger.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("query trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query trades")
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleTradeSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := tradeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.ledger.Summarize(r.Context(), filter)
	if err != nil {
		s.logger.Error("summarize trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize trades")
		return
	}
	if summary == nil {
		summary = []domain.TradeSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func (s *Server) handleTradeExport(w http.ResponseWriter, r *http.Request) {
	filter, err := tradeFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = ledger.FormatCSV
	}
	if format != ledger.FormatCSV && format != ledger.FormatParquet {
		writeError(w, http.StatusBadRequest, "format must be csv or parquet")
		return
	}

	var buf bytes.Buffer
	n, err := s.ledger.Export(r.Context(), filter, format, &buf)
	if errors.Is(err, ledger.ErrNoTrades) {
		writeError(w, http.StatusNotFound, "no trades found")
		return
	}
	if err != nil {
		s.logger.Error("export trades", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to export trades")
		return
	}

	name := fmt.Sprintf("trades_%s.%s", s.now().UTC().Format("20060102_150405"), format)
	w.Header().Set("Content-Type", ledger.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Row-Count", fmt.Sprint(n))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	evts, err := s.eventLog.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": evts,
		"count":  len(evts),
	})
}

// tradeFilter reads start_date and end_date. Plain dates cover the whole
// day, so end_date=2026-03-04 includes trades on the 4th.
func tradeFilter(r *http.Request) (domain.TradeFilter, error) {
	var filter domain.TradeFilter
	q := r.URL.Query()
	if raw := q.Get("start_date"); raw != "" {
		t, _, err := parseDate(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid start_date: %s", raw)
		}
		filter.Start = t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, dateOnly, err := parseDate(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid end_date: %s", raw)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		filter.End = t
	}
	return filter, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t.UTC(), false, err
}
