// The engine binary runs the whole orchestration stack: worker pool, trigger
// dispatcher, deadline poller, janitor, REST API and metrics server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantpipe/quantpipe/internal/agents"
	"github.com/quantpipe/quantpipe/internal/api"
	"github.com/quantpipe/quantpipe/internal/approval"
	"github.com/quantpipe/quantpipe/internal/broker"
	"github.com/quantpipe/quantpipe/internal/config"
	"github.com/quantpipe/quantpipe/internal/dispatch"
	"github.com/quantpipe/quantpipe/internal/events"
	"github.com/quantpipe/quantpipe/internal/executor"
	"github.com/quantpipe/quantpipe/internal/janitor"
	"github.com/quantpipe/quantpipe/internal/llm"
	"github.com/quantpipe/quantpipe/internal/market"
	"github.com/quantpipe/quantpipe/internal/metrics"
	"github.com/quantpipe/quantpipe/internal/monitor"
	"github.com/quantpipe/quantpipe/internal/notify"
	"github.com/quantpipe/quantpipe/internal/pipeline"
	"github.com/quantpipe/quantpipe/internal/store"
	"github.com/quantpipe/quantpipe/internal/tools"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.LoadSecrets(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets")
	}

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Engine exited with error")
	}
	log.Info().Msg("Engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.NewPostgres(ctx, cfg.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer st.Close()

	// market data with a Redis read-through cache; cache loss degrades to
	// direct fetches
	marketHTTP, err := market.NewHTTPClient(cfg.Market.BaseURL, cfg.Market.RequestsPerSecond)
	if err != nil {
		return fmt.Errorf("market client: %w", err)
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	marketClient := market.NewCached(marketHTTP, redisClient,
		time.Duration(cfg.Redis.CacheTTL)*time.Second)

	llmClient := llm.NewGatewayClient(llm.Config{
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.GetTimeout(),
	})

	paper := broker.NewPaper(cfg.Broker.PaperBalance)
	var live broker.Broker
	if cfg.Broker.APIKey != "" {
		live = broker.NewBinance(broker.BinanceConfig{
			APIKey:    cfg.Broker.APIKey,
			SecretKey: cfg.Broker.SecretKey,
			Testnet:   cfg.Broker.Testnet,
		})
		log.Info().Bool("testnet", cfg.Broker.Testnet).Msg("Live broker configured")
	}
	brokerFor := func(mode pipeline.Mode) broker.Broker {
		if mode == pipeline.ModeLive && live != nil {
			return live
		}
		return paper
	}

	notifier := buildNotifier(ctx, cfg)

	var bus *events.Bus
	if cfg.NATS.Enabled {
		bus, err = events.NewNATSBus(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
	} else {
		bus = events.NewBus()
	}
	defer bus.Close()

	budgetCheck := func(ctx context.Context, userID string) (float64, error) {
		id, err := uuid.Parse(userID)
		if err != nil {
			return 0, fmt.Errorf("invalid user id %q: %w", userID, err)
		}
		b, err := st.GetBudget(ctx, id)
		if err != nil {
			return 0, err
		}
		return b.Remaining(), nil
	}

	registry := agents.NewRegistry()
	deps := agents.Deps{
		Tools: tools.NewRegistry(),
		ToolDeps: tools.Deps{
			Broker:    paper,
			BrokerFor: brokerFor,
			Market:    marketClient,
			LLM:       llmClient,
			Notifier:  notifier,
		},
		Log:         log.Logger,
		BudgetCheck: budgetCheck,
	}

	exec := executor.New(st, st, registry, deps, bus, notifier)
	mon := monitor.New(st, brokerFor, bus, notifier)

	pool := dispatch.NewPool(exec, nil, mon, cfg.Engine.Workers)
	gate := approval.New(st, st, pool, bus)
	pool.SetTimeoutHandler(gate)

	dispatcher := dispatch.NewDispatcher(st, st, pool)
	poller := dispatch.NewPoller(st, pool)

	jan := janitor.New(st, st, bus, janitor.Config{
		Interval:          time.Duration(cfg.Engine.JanitorInterval) * time.Second,
		RunningTimeout:    time.Duration(cfg.Engine.RunningTimeout) * time.Second,
		MonitoringTimeout: time.Duration(cfg.Engine.MonitoringTimeout) * time.Second,
		Retention:         time.Duration(cfg.Engine.RetentionDays) * 24 * time.Hour,
	})

	apiServer := api.NewServer(api.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Auth: &api.AuthConfig{Enabled: cfg.API.AuthEnabled, HeaderName: cfg.API.AuthHeader},
	}, st, st, gate, dispatcher, exec, bus, api.NewAPIKeyStore(st.Pool()))

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	log.Info().
		Str("environment", cfg.App.Environment).
		Int("workers", cfg.Engine.Workers).
		Msg("Engine starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	g.Go(func() error { return apiServer.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return apiServer.Stop(shutdownCtx)
	})

	return g.Wait()
}

// buildNotifier assembles the notification fan-out from the configured
// channels. The log channel is always present.
func buildNotifier(ctx context.Context, cfg *config.Config) notify.Notifier {
	channels := []notify.Notifier{notify.LogNotifier{}}

	if cfg.Notify.TelegramToken != "" {
		// chat id resolution comes from user settings; absent a mapping the
		// channel skips the user
		tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, func(uuid.UUID) (int64, bool) {
			return 0, false
		})
		if err != nil {
			log.Warn().Err(err).Msg("Telegram channel disabled")
		} else {
			channels = append(channels, tg)
		}
	}

	if cfg.Notify.FCMCredentials != "" || cfg.Notify.MockWhenMissing {
		fcm, err := notify.NewFCM(ctx, cfg.Notify.FCMCredentials, func(uuid.UUID) []string {
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Msg("FCM channel disabled")
		} else {
			channels = append(channels, fcm)
		}
	}

	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}

	return notify.NewService(channels...)
}
