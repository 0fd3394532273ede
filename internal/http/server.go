package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"tradegate/internal/broker/mt5"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	"tradegate/internal/logging"
	"tradegate/internal/service/breaker"
	"tradegate/internal/service/dispatch"
	"tradegate/internal/service/events"
	"tradegate/internal/service/ledger"
	"tradegate/internal/service/pause"
	"tradegate/internal/service/risk"
	"tradegate/internal/service/scheduler"
	"tradegate/internal/store"
	"tradegate/internal/stream"
)

type contextKey string

const (
	contextKeyAdminSubject contextKey = "admin_subject"
	contextKeyEASession    contextKey = "ea_session"
)

// maxBody caps request bodies on every route.
const maxBody = 1 << 20

// Deps are the services the API fronts. Bridge may be nil when MT5 runs in
// paper mode; the EA routes are then not mounted.
type Deps struct {
	Config     config.Config
	Validator  *risk.Validator
	Dispatcher *dispatch.Orchestrator
	Pause      *pause.Controller
	Scheduler  *scheduler.Scheduler
	Ledger     *ledger.Ledger
	Events     *events.Bus
	Hub        *stream.Hub
	Bridge     *mt5.Bridge
	Breakers   map[domain.Broker]*breaker.Breaker
	EventLog   store.EventStore
	Now        func() time.Time
}

type Server struct {
	cfg        config.Config
	validator  *risk.Validator
	dispatcher *dispatch.Orchestrator
	pause      *pause.Controller
	scheduler  *scheduler.Scheduler
	ledger     *ledger.Ledger
	events     *events.Bus
	eventLog   store.EventStore
	hub        *stream.Hub
	bridge     *mt5.Bridge
	breakers   map[domain.Broker]*breaker.Breaker
	logger     *zap.Logger
	now        func() time.Time
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:        deps.Config,
		validator:  deps.Validator,
		dispatcher: deps.Dispatcher,
		pause:      deps.Pause,
		scheduler:  deps.Scheduler,
		ledger:     deps.Ledger,
		events:     deps.Events,
		eventLog:   deps.EventLog,
		hub:        deps.Hub,
		bridge:     deps.Bridge,
		breakers:   deps.Breakers,
		logger:     logging.OrNop(logger).Named("http"),
		now:        now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.logger), middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBody))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)
	r.Post("/admin/login", s.handleAdminLogin)
	r.Post("/close_all", s.handleCloseAll)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireOperator)
		protected.Post("/pause/{broker}", s.handlePause)
		protected.Post("/breakers/{broker}/reset", s.handleBreakerReset)
		protected.Get("/trades", s.handleTrades)
		protected.Get("/trades/summary", s.handleTradeSummary)
		protected.Get("/trades/export", s.handleTradeExport)
		protected.Get("/events", s.handleListEvents)
		if s.hub != nil {
			protected.Get("/ws", s.hub.ServeHTTP)
		}
	})

	if s.bridge != nil {
		r.Post("/ea/register", s.handleEARegister)
		r.Group(func(ea chi.Router) {
			ea.Use(s.requireEA)
			ea.Post("/ea/heartbeat", s.handleEAHeartbeat)
			ea.Post("/ea/sync", s.handleEASync)
			ea.Post("/ea/execute", s.handleEAExecute)
			ea.Post("/ea/result", s.handleEAResult)
		})
	}

	return r
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.JWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "operator auth is not configured")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !secretEqual(req.Username, s.cfg.AdminUsername) || !secretEqual(req.Password, s.cfg.AdminPassword) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	now := s.now().UTC()
	ttl := s.cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// adminSubject returns the subject of a valid admin token on r, if any. The
// token may come from the Authorization header or, for websocket clients, a
// token query parameter.
func (s *Server) adminSubject(r *http.Request) (string, bool) {
	if s.cfg.JWTSecret == "" {
		return "", false
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, _ := claims["sub"].(string)
	return sub, true
}

// requireOperator leaves the operator routes open when no JWT secret is
// configured.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		sub, ok := s.adminSubject(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireEA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		session, err := s.bridge.ValidateSession(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid ea token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyEASession, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (mt5.Session, error) {
	v := ctx.Value(contextKeyEASession)
	session, ok := v.(mt5.Session)
	if !ok {
		return mt5.Session{}, errors.New("ea session not found")
	}
	return session, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// decodeLenient allows unknown fields and keeps numbers as json.Number.
func decodeLenient(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
