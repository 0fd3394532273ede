package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradegate/internal/broker"
	"tradegate/internal/broker/ibkr"
	"tradegate/internal/broker/mt5"
	"tradegate/internal/broker/paper"
	"tradegate/internal/broker/topstep"
	"tradegate/internal/config"
	"tradegate/internal/domain"
	apphttp "tradegate/internal/http"
	"tradegate/internal/integrations/discord"
	"tradegate/internal/integrations/relay"
	"tradegate/internal/integrations/telegram"
	"tradegate/internal/logging"
	"tradegate/internal/service/breaker"
	"tradegate/internal/service/convert"
	"tradegate/internal/service/dispatch"
	"tradegate/internal/service/events"
	"tradegate/internal/service/ledger"
	"tradegate/internal/service/netting"
	"tradegate/internal/service/pause"
	"tradegate/internal/service/risk"
	"tradegate/internal/service/scheduler"
	storepkg "tradegate/internal/store"
	"tradegate/internal/store/memory"
	"tradegate/internal/store/postgres"
	"tradegate/internal/store/sqlite"
	"tradegate/internal/stream"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	st := openStore(cfg, logger)
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := stream.NewHub(logger)
	go hub.Run(ctx)
	bus := events.NewBus(st, eventOptions(cfg, hub), logger)

	adapters, breakers, bridge := buildAdapters(ctx, cfg, bus, logger)

	led := ledger.New(st, logger)
	orch := dispatch.New(
		adapters,
		cfg.Brokers,
		convert.NewConverter(cfg.Brokers),
		netting.NewEngine(logger),
		led,
		bus,
		dispatch.Options{
			Workers:          cfg.DispatchWorkers,
			Timeout:          cfg.DispatchTimeout,
			CallTimeout:      cfg.AdapterCallTimeout,
			DefaultEquityPct: cfg.DefaultEquityPct,
		},
		logger,
	)

	schedOpts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		logger.Fatal("scheduler options", zap.Error(err))
	}
	sched := scheduler.New(schedOpts, st, orch, bus, logger)
	go sched.Run(ctx)

	srv := apphttp.NewServer(apphttp.Deps{
		Config: cfg,
		Validator: risk.NewValidator(risk.Options{
			MaxAge:          time.Duration(cfg.MaxAgeSeconds) * time.Second,
			FutureTolerance: time.Duration(cfg.FutureToleranceSeconds) * time.Second,
			DuplicateWindow: time.Duration(cfg.DuplicateWindowSeconds) * time.Second,
			MaxVolume:       cfg.MaxVolume,
		}),
		Dispatcher: orch,
		Pause:      pause.NewController(st, bus, logger),
		Scheduler:  sched,
		Ledger:     led,
		Events:     bus,
		Hub:        hub,
		Bridge:     bridge,
		Breakers:   breakers,
		EventLog:   st,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("tradegate listening", zap.String("addr", cfg.ListenAddr), zap.String("store", cfg.StoreMode))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	bus.Wait()
}

// openStore falls back to the memory store when a database is unreachable so
// the gateway still accepts signals.
func openStore(cfg config.Config, logger *zap.Logger) storepkg.Store {
	switch cfg.StoreMode {
	case "postgres":
		pg, err := postgres.NewStore(cfg.DatabaseURL)
		if err == nil {
			return pg
		}
		logger.Error("postgres store unavailable, falling back to memory store", zap.Error(err))
	case "sqlite":
		lite, err := sqlite.NewStore(cfg.SQLitePath)
		if err == nil {
			return lite
		}
		logger.Error("sqlite store unavailable, falling back to memory store", zap.Error(err), zap.String("path", cfg.SQLitePath))
	}
	return memory.NewStore()
}

func eventOptions(cfg config.Config, hub *stream.Hub) events.Options {
	opts := events.Options{Stream: hub, RelayTimeout: cfg.RelayTimeout}
	if rc := relay.NewClient(cfg.RelayWebhookURL, cfg.RelayTimeout, cfg.RelayMaxRetries, cfg.RelayRetryBase, cfg.RelayRetryMax); rc.Enabled() {
		opts.Relay = rc
	}
	if tg := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID); tg.Enabled() {
		opts.Notifiers = append(opts.Notifiers, tg)
	}
	if dc := discord.NewNotifier(cfg.DiscordWebhookURL); dc.Enabled() {
		opts.Notifiers = append(opts.Notifiers, dc)
	}
	return opts
}

// buildAdapters creates one guarded adapter per enabled broker and connects
// it. A failed connect is logged; the adapter retries on its next call.
func buildAdapters(ctx context.Context, cfg config.Config, bus *events.Bus, logger *zap.Logger) (map[domain.Broker]broker.Adapter, map[domain.Broker]*breaker.Breaker, *mt5.Bridge) {
	adapters := map[domain.Broker]broker.Adapter{}
	breakers := map[domain.Broker]*breaker.Breaker{}
	var bridge *mt5.Bridge

	for _, b := range domain.Brokers {
		settings, ok := cfg.Brokers.Get(b)
		if !ok || !settings.Enabled {
			logger.Info("broker disabled", zap.String("broker", string(b)))
			continue
		}

		var inner broker.Adapter
		switch {
		case settings.Mode == config.ModePaper:
			inner = paper.New(b, paper.Options{}, logger)
		case b == domain.BrokerMT5:
			bridge = mt5.NewBridge(mt5.OptionsFromConfig(cfg), logger)
			inner = bridge
		case b == domain.BrokerIBKR:
			inner = ibkr.NewClient(ibkr.OptionsFromConfig(cfg), logger)
		case b == domain.BrokerTopStep:
			ts := topstep.NewClient(topstep.OptionsFromConfig(cfg), logger)
			go ts.KeepAlive(ctx)
			inner = ts
		}

		br := breaker.New(breaker.Config{
			Broker:       b,
			MaxFailures:  cfg.BreakerMaxFailures,
			Cooldown:     cfg.BreakerCooldown,
			OnTransition: transitionEmitter(bus),
		}, logger)
		policy := breaker.DefaultRetryPolicy()
		policy.Attempts = cfg.MaxRetries
		breakers[b] = br
		adapters[b] = breaker.NewGuard(inner, br, policy, logger)

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := inner.Connect(connectCtx); err != nil {
			logger.Warn("broker connect failed", zap.String("broker", string(b)), zap.Error(err))
		} else {
			logger.Info("broker ready", zap.String("broker", string(b)), zap.String("mode", settings.Mode))
		}
		cancel()
	}
	return adapters, breakers, bridge
}

func transitionEmitter(bus *events.Bus) func(breaker.Transition) {
	return func(tr breaker.Transition) {
		var typ domain.EventType
		switch tr.To {
		case breaker.StateOpen:
			typ = domain.EventCircuitOpened
		case breaker.StateClosed:
			typ = domain.EventCircuitReset
		default:
			return
		}
		bus.Emit(context.Background(), domain.Event{
			Broker: string(tr.Broker),
			Type:   typ,
			Payload: map[string]interface{}{
				"from":     tr.From.String(),
				"to":       tr.To.String(),
				"failures": tr.Failures,
				"reason":   tr.Reason,
				"summary":  fmt.Sprintf("%s breaker %s -> %s", tr.Broker, tr.From, tr.To),
			},
		})
	}
}
