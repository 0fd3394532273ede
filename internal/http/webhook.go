package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tradegate/internal/domain"
	"tradegate/internal/service/dispatch"
	"tradegate/internal/service/ledger"
	"tradegate/internal/service/pause"
	"tradegate/internal/service/risk"
)

// timestampKeys are the producer timestamp fields, in order of preference.
var timestampKeys = []string{"time", "timestamp", "timenow"}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	receivedAt := s.now().UTC()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var body map[string]interface{}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err := decodeLenient(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	secret, _ := body["secret"].(string)
	if s.cfg.WebhookSecret == "" || !secretEqual(secret, s.cfg.WebhookSecret) {
		s.logger.Warn("webhook rejected: bad secret", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sig := s.signalFromBody(body, receivedAt)
	sig.Raw = redactSecret(body)

	if ok, reason := s.validator.Validate(sig, receivedAt); !ok {
		s.rejectSignal(r, sig, reason)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rejected", "reason": reason})
		return
	}
	if sig.VolumeRaw != "" {
		// already proven parseable by the validator for BUY/SELL
		if v, err := risk.ParseVolume(sig.VolumeRaw); err == nil {
			sig.Volume = v
		}
	}

	state, err := s.pause.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("load pause state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pause state unavailable")
		return
	}

	outcome := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Signal:     sig,
		Pause:      state,
		ReceivedAt: receivedAt,
	})
	response := map[string]interface{}{
		"status":            outcome.Status(),
		"dispatch_id":       outcome.DispatchID,
		"success_count":     outcome.SuccessCount,
		"total_duration_ms": float64(outcome.TotalDuration.Microseconds()) / 1000,
		"results":           outcome.Results,
	}
	if s.events != nil {
		s.events.Stream("dispatch", response)
	}
	writeJSON(w, http.StatusOK, response)
}

// signalFromBody builds the Signal from a leniently decoded body. Numeric
// fields may arrive as numbers or strings.
func (s *Server) signalFromBody(body map[string]interface{}, receivedAt time.Time) domain.Signal {
	sig := domain.Signal{
		Action:     domain.Action(strings.ToUpper(strings.TrimSpace(stringValue(body["action"])))),
		Symbol:     strings.TrimSpace(stringValue(body["symbol"])),
		Price:      numberValue(body["price"]),
		StopLoss:   numberValue(body["sl"]),
		TakeProfit: numberValue(body["tp"]),
		EquityPct:  numberValue(body["equity_pct"]),
		ReceivedAt: receivedAt,
	}
	switch v := body["volume"].(type) {
	case json.Number:
		sig.VolumeRaw = v.String()
	case string:
		sig.VolumeRaw = v
	case nil:
	default:
		sig.VolumeRaw = "invalid"
	}

	for _, key := range timestampKeys {
		v, ok := body[key]
		if !ok {
			continue
		}
		ts, err := risk.ParseTimestamp(v)
		if err != nil {
			if !risk.IsMissing(err) {
				s.logger.Warn("ignoring unparseable webhook timestamp", zap.String("field", key), zap.Error(err))
			}
			continue
		}
		sig.EmittedAt = &ts
		break
	}
	return sig
}

// rejectSignal writes the REJECTED ledger row and the SignalRejected event.
func (s *Server) rejectSignal(r *http.Request, sig domain.Signal, reason string) {
	s.logger.Info("webhook rejected", zap.String("reason", reason), zap.String("symbol", sig.Symbol))
	volume := sig.Volume
	if v, err := risk.ParseVolume(sig.VolumeRaw); err == nil {
		volume = v
	}
	rec := domain.TradeRecord{
		Timestamp:         sig.ReceivedAt,
		Platform:          ledger.PlatformRejected,
		Symbol:            sig.Symbol,
		Action:            string(sig.Action),
		Volume:            volume,
		Status:            string(domain.StatusRejected),
		ErrorKind:         string(domain.KindValidation),
		Details:           reason,
		RejectedReason:    reason,
		WebhookReceivedAt: sig.ReceivedAt.Format(time.RFC3339Nano),
		RawWebhook:        sig.Raw,
	}
	if _, err := s.ledger.Record(r.Context(), rec); err != nil {
		s.logger.Error("record rejected signal", zap.Error(err))
	}
	if s.events != nil {
		s.events.Emit(r.Context(), domain.Event{
			Type: domain.EventSignalRejected,
			Payload: map[string]interface{}{
				"reason": reason,
				"action": string(sig.Action),
				"symbol": sig.Symbol,
			},
		})
	}
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret   string `json:"secret"`
		Platform string `json:"platform"`
	}
	if err := decodeLenient(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	_, admin := s.adminSubject(r)
	if !admin && (s.cfg.WebhookSecret == "" || !secretEqual(req.Secret, s.cfg.WebhookSecret)) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var brokers []domain.Broker
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	if platform == "" || platform == "all" {
		brokers = domain.Brokers
		platform = "all"
	} else {
		b, ok := domain.ParseBroker(platform)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown platform: "+req.Platform)
			return
		}
		brokers = []domain.Broker{b}
	}

	if s.events != nil {
		s.events.Emit(r.Context(), domain.Event{
			Type:    domain.EventCloseAllRequested,
			Payload: map[string]interface{}{"platform": platform},
		})
	}
	results := s.dispatcher.CloseAll(r.Context(), brokers)
	ok := 0
	for _, res := range results {
		if res.OK() {
			ok++
		}
	}
	status := "partial"
	switch ok {
	case len(results):
		status = "success"
	case 0:
		status = "failed"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"results": results,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Paused == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"paused\": bool}")
		return
	}
	name := chi.URLParam(r, "broker")
	if _, err := s.pause.Set(r.Context(), name, *req.Paused); err != nil {
		if errors.Is(err, pause.ErrUnknownBroker) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("set pause", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to persist pause state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"broker": strings.ToLower(name),
		"paused": *req.Paused,
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	b, ok := domain.ParseBroker(chi.URLParam(r, "broker"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown broker")
		return
	}
	br, ok := s.breakers[b]
	if !ok || br == nil {
		writeError(w, http.StatusNotFound, "no breaker for "+string(b))
		return
	}
	br.Reset()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"broker":  b,
		"breaker": br.Status(),
	})
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func numberValue(v interface{}) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case float64:
		return t
	}
	return 0
}

// redactSecret re-encodes the body without its secret for the ledger.
func redactSecret(body map[string]interface{}) string {
	clean := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "secret" {
			continue
		}
		clean[k] = v
	}
	out, err := json.Marshal(clean)
	if err != nil {
		return ""
	}
	return string(out)
}
