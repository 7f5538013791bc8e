package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/channels/discord"
	"github.com/ttexan1/klavis-sub000/internal/channels/slack"
	"github.com/ttexan1/klavis-sub000/internal/channels/web"
	"github.com/ttexan1/klavis-sub000/internal/channels/whatsapp"
	"github.com/ttexan1/klavis-sub000/internal/config"
	"github.com/ttexan1/klavis-sub000/internal/gateway"
	"github.com/ttexan1/klavis-sub000/internal/observability"
	"github.com/ttexan1/klavis-sub000/internal/providers"
	"github.com/ttexan1/klavis-sub000/internal/sessions"
	"github.com/ttexan1/klavis-sub000/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// bot is a platform bot that runs until its context is cancelled.
type bot interface {
	Run(ctx context.Context) error
}

// app holds everything serve starts.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	stores  storage.StoreSet
	gateway *gateway.Gateway
	bots    map[string]bot
	metrics *http.Server
}

// runServe loads the configuration, starts every enabled bot and blocks
// until a shutdown signal or a bot failure.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if !cfg.AnyChannelEnabled() {
		return errors.New("no channel is enabled")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting chatbridge",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "chatbridge",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger, prometheus.DefaultRegisterer, tracer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.stores.Close(); err != nil {
			logger.Warn("closing stores failed", "error", err)
		}
	}()

	return a.run(ctx, cancel)
}

// buildApp wires stores, provider, gateway and bots from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, tracer *observability.Tracer) (*app, error) {
	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	adapter, err := providers.New(cfg.LLM.Provider, providers.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxAttempts: cfg.LLM.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to create %s adapter: %w", cfg.LLM.Provider, err)
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(reg)
	}

	options := make(map[string]gateway.ServerOptions, len(cfg.MCP.Options))
	for target, opt := range cfg.MCP.Options {
		options[target] = gateway.ServerOptions{Args: opt.Args, Env: opt.Env}
	}

	gw, err := gateway.New(gateway.Config{
		Adapter:           adapter,
		Stores:            stores,
		Locks:             sessions.NewUserLocks(),
		ServerOptions:     options,
		CallTimeout:       cfg.MCP.CallTimeout,
		Headers:           cfg.MCP.Headers,
		TurnTimeout:       cfg.Gateway.TurnTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HistoryLimit:      cfg.Gateway.HistoryLimit,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		stores:  stores,
		gateway: gw,
		bots:    map[string]bot{},
	}
	if err := a.buildBots(metrics); err != nil {
		_ = stores.Close()
		return nil, err
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metrics = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// openStores picks SQL-backed stores when a database driver is configured
// and in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.StoreSet, error) {
	verifier := storage.AllowListVerifier{Allowed: cfg.Gateway.AllowedUsers, LLMID: cfg.LLM.Provider}
	servers := storage.StaticServerSource{Default: cfg.MCP.Servers, PerUser: cfg.MCP.UserServers}

	if cfg.Database.Driver == "" {
		logger.Info("using in-memory stores")
		return storage.NewMemoryStoreSet(verifier, servers, cfg.Gateway.DailyLimit), nil
	}

	sqlCfg := storage.DefaultSQLConfig()
	sqlCfg.Driver = cfg.Database.Driver
	sqlCfg.DSN = cfg.Database.DSN
	sqlCfg.DailyLimit = cfg.Gateway.DailyLimit
	sqlCfg.MaxOpenConns = cfg.Database.MaxConnections
	sqlCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	sqlCfg.Logger = logger

	store, err := storage.OpenSQLStore(ctx, sqlCfg)
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	logger.Info("using sql stores", "driver", cfg.Database.Driver)
	return storage.NewSQLStoreSet(store, verifier, servers), nil
}

func (a *app) baseConfig(metrics *observability.Metrics) channels.BaseConfig {
	return channels.BaseConfig{
		Runner:  a.gateway,
		History: a.stores.Messages,
		Consumer: channels.ConsumerConfig{
			LongRunningTools: a.cfg.Gateway.LongRunningTools,
			MessageDelay:     a.cfg.Gateway.MessageDelay,
			Logger:           a.logger,
			Metrics:          metrics,
		},
	}
}

func (a *app) buildBots(metrics *observability.Metrics) error {
	ch := a.cfg.Channels

	if ch.Discord.Enabled {
		b, err := discord.New(discord.Config{
			Token:  ch.Discord.BotToken,
			Base:   a.baseConfig(metrics),
			Logger: a.logger,
		})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		a.bots["discord"] = b
	}
	if ch.Slack.Enabled {
		b, err := slack.New(slack.Config{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
			Base:     a.baseConfig(metrics),
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		a.bots["slack"] = b
	}
	if ch.WhatsApp.Enabled {
		b, err := whatsapp.New(whatsapp.Config{
			SessionPath: ch.WhatsApp.SessionPath,
			QRCodePath:  ch.WhatsApp.QRCodePath,
			Base:        a.baseConfig(metrics),
			Logger:      a.logger,
		})
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		a.bots["whatsapp"] = b
	}
	if ch.Web.Enabled {
		b, err := web.New(web.Config{
			Listen:    ch.Web.Listen,
			JWTSecret: ch.Web.JWTSecret,
			Base:      a.baseConfig(metrics),
			Logger:    a.logger,
		})
		if err != nil {
			return fmt.Errorf("web: %w", err)
		}
		a.bots["web"] = b
	}
	return nil
}

// run starts the bots and the metrics server, then waits for ctx or the
// first failure and gives everything shutdownTimeout to stop.
func (a *app) run(ctx context.Context, cancel context.CancelFunc) error {
	errCh := make(chan error, len(a.bots)+1)
	var wg sync.WaitGroup

	for name, b := range a.bots {
		wg.Add(1)
		go func(name string, b bot) {
			defer wg.Done()
			if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s bot: %w", name, err)
			}
		}(name, b)
		a.logger.Info("bot started", "channel", name)
	}

	if a.metrics != nil {
		go func() {
			a.logger.Info("metrics endpoint listening", "addr", a.metrics.Addr)
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received, initiating graceful shutdown")
	case runErr = <-errCh:
		a.logger.Error("bot failed, shutting down", "error", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if a.metrics != nil {
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("chatbridge stopped gracefully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}
	return runErr
}
