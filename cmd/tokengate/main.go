package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/tokengate/tokengate/internal/alert"
	"github.com/tokengate/tokengate/internal/api"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/cost"
	"github.com/tokengate/tokengate/internal/httputil"
	"github.com/tokengate/tokengate/internal/metering"
	"github.com/tokengate/tokengate/internal/provider"
	"github.com/tokengate/tokengate/internal/provider/anthropic"
	"github.com/tokengate/tokengate/internal/provider/bedrock"
	"github.com/tokengate/tokengate/internal/provider/openai"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/relay"
	"github.com/tokengate/tokengate/internal/repository"
	"github.com/tokengate/tokengate/internal/router"
	"github.com/tokengate/tokengate/internal/secrets"
	"github.com/tokengate/tokengate/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting tokengate", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "tokengate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	var checkers []api.HealthChecker

	// Storage. Postgres when configured, in-memory otherwise.
	var (
		planStore      quota.PlanStore
		usageReader    quota.UsageReader
		meterStore     metering.Store
		metricSource   alert.MetricSource
		ruleStore      alert.RuleStore
		alertStore     alert.AlertStore
		dashboardStore alert.DashboardStore
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		usageStore := repository.NewPostgresUsageStore(db)
		pgAlerts := repository.NewPostgresAlertStore(db)

		planStore = repository.NewPostgresPlanStore(db)
		usageReader = usageStore
		meterStore = usageStore
		metricSource = usageStore
		ruleStore = pgAlerts
		alertStore = pgAlerts
		dashboardStore = pgAlerts
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres storage")
	} else {
		mem := repository.NewInMemoryStore()
		planStore = mem
		usageReader = mem
		meterStore = mem
		metricSource = mem
		ruleStore = mem
		alertStore = mem
		dashboardStore = mem
		slog.Info("using in-memory storage")
	}

	// Rate-limit buckets. Redis makes the ceiling global across instances.
	var bucketStore ratelimit.BucketStore
	if cfg.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		bucketStore = redisStore
		checkers = append(checkers, api.NewRedisHealthChecker(redisStore.Client()))
		slog.Info("using redis rate-limit store")
	} else {
		bucketStore = ratelimit.NewMemoryStore()
		slog.Info("using in-memory rate-limit store")
	}

	limiter := ratelimit.New(bucketStore, map[ratelimit.Scope]ratelimit.ScopeConfig{
		ratelimit.ScopeIP:   {Capacity: cfg.IPRateLimit, Window: cfg.RateWindow},
		ratelimit.ScopeOrg:  {Capacity: cfg.OrgRateLimit, Window: cfg.RateWindow},
		ratelimit.ScopeUser: {Capacity: cfg.UserRateLimit, Window: cfg.RateWindow},
	})

	guard := quota.NewGuard(planStore, usageReader, quota.AnonymousPlan(cfg.AnonDailyTokens))

	providers, snsClient := setupAWSAndProviders(ctx, cfg)

	if len(providers) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	providerRouter := router.New(providers)

	recorder := metering.NewRecorder(meterStore, cost.NewCalculator(), cfg.UsageFallbackPath)

	var direct alert.DirectSender
	if snsClient != nil && cfg.SNSTopicARN != "" {
		direct = alert.NewSNSSender(snsClient, cfg.SNSTopicARN)
	}
	dispatcher := alert.NewDispatcher(cfg.AlertWebhookURL, httputil.DefaultClient(), direct, dashboardStore)
	engine := alert.NewEngine(ruleStore, alertStore, metricSource, dispatcher)

	scheduler, err := alert.NewScheduler(engine, cfg.AlertSweepSchedule)
	if err != nil {
		slog.Error("failed to build alert scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(api.HandlerConfig{
		Limiter:  limiter,
		Guard:    guard,
		Router:   providerRouter,
		Relay:    relay.New(cfg.PingInterval),
		Recorder: recorder,
		Checkers: checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses outlive any fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// setupAWSAndProviders registers every configured provider adapter. API
// keys from Secrets Manager take precedence over environment variables.
func setupAWSAndProviders(ctx context.Context, cfg *config.Config) (map[string]provider.Provider, *sns.Client) {
	var snsClient *sns.Client

	needsAWS := cfg.BedrockEnabled || cfg.SNSTopicARN != "" || cfg.ProviderSecretName != ""

	openAIKey := cfg.OpenAIAPIKey
	anthropicKey := cfg.AnthropicAPIKey

	providers := make(map[string]provider.Provider)

	if needsAWS {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}

		if cfg.ProviderSecretName != "" {
			manager := secrets.NewManagerWithConfig(awsCfg)
			keys, err := secrets.LoadProviderKeys(ctx, manager, cfg.ProviderSecretName)
			if err != nil {
				slog.Error("failed to load provider keys", "error", err)
				os.Exit(1)
			}
			if keys.OpenAIAPIKey != "" {
				openAIKey = keys.OpenAIAPIKey
			}
			if keys.AnthropicAPIKey != "" {
				anthropicKey = keys.AnthropicAPIKey
			}
			slog.Info("loaded provider keys from secrets manager", "secret", cfg.ProviderSecretName)
		}

		if cfg.BedrockEnabled {
			providers["bedrock"] = bedrock.NewWithConfig(awsCfg)
			slog.Info("registered provider", "provider", "bedrock")
		}

		if cfg.SNSTopicARN != "" {
			snsClient = sns.NewFromConfig(awsCfg)
		}
	}

	if openAIKey != "" {
		providers["openai"] = openai.New(openAIKey, cfg.OpenAIBaseURL)
		slog.Info("registered provider", "provider", "openai")
	}

	if anthropicKey != "" {
		providers["anthropic"] = anthropic.New(anthropicKey)
		slog.Info("registered provider", "provider", "anthropic")
	}

	return providers, snsClient
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
