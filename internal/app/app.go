// Package app wires the shared process dependencies used by every command.
package app

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

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"push-server/config"
	"push-server/internal/daemon"
	"push-server/internal/dispatch"
	"push-server/internal/logger"
	"push-server/internal/metrics"
	"push-server/internal/model"
	"push-server/internal/notification"
	"push-server/internal/plugins"
	"push-server/internal/push"
	"push-server/internal/pushdb"
	"push-server/internal/rates"
	redisstore "push-server/internal/store/redis"
	sqlitestore "push-server/internal/store/sqlite"
)

// App holds the connections and shared services of one process.
type App struct {
	Service string
	Config  *config.Config

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Health   *metrics.HealthStatus

	SQL   *sqlitestore.DB
	DB    *pushdb.DB
	Redis *goredis.Client

	Queue     *redisstore.Queue
	Publisher model.Publisher
	Feed      *redisstore.Feed
	Rates     *rates.Source
	Notifier  notification.Notifier

	buffered   *redisstore.BufferedPublisher
	metricsSrv *metrics.Server
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// New loads configuration, installs the logger and opens SQLite and Redis.
func New(ctx context.Context, service string) (*App, error) {
	cfg := config.Load()
	logger.Init(service, logger.ParseLevel(cfg.LogLevel))
	log.Printf("[%s] starting...", service)

	a := &App{Service: service, Config: cfg}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewMetrics(a.Registry)
	a.Health = metrics.NewHealthStatus(service)

	sqlDB, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a.SQL = sqlDB
	a.DB = pushdb.New(sqlDB)
	a.DB.Events.OnConflict = a.Metrics.Conflict

	client, err := redisstore.Connect(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	a.Redis = client

	a.Queue = redisstore.NewQueue(client, redisstore.QueueConfig{
		Stream:        cfg.QueueStream,
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
	})
	queueBreaker := a.breaker("queue", 5, 10*time.Second)
	a.buffered = redisstore.NewBufferedPublisher(ctx, a.Queue, queueBreaker, 0)
	a.buffered.OnBuffer = a.Metrics.Buffered
	a.Publisher = a.buffered

	a.Feed = redisstore.NewFeed(client)
	a.Rates = rates.NewSource(
		&rates.HTTPUpstream{BaseURL: cfg.RatesURL, Client: &http.Client{Timeout: 10 * time.Second}},
		redisstore.NewRateCache(client, 0),
		a.breaker("rates", 5, 30*time.Second),
	)
	a.Rates.OnLookup = a.Metrics.RateLookup
	a.Notifier = a.notifier()

	a.Health.StartLivenessChecker(ctx, client, sqlDB.SQL(), 15*time.Second)
	a.metricsSrv = metrics.NewServer(cfg.MetricsAddr, a.Health, a.Registry)
	a.metricsSrv.Start()
	return a, nil
}

func (a *App) breaker(name string, maxFailures int, coolDown time.Duration) *redisstore.CircuitBreaker {
	cb := redisstore.NewCircuitBreaker(name, maxFailures, coolDown)
	cb.OnStateChange = func(from, to redisstore.State) {
		a.Metrics.BreakerState(name, int(to), to == redisstore.StateOpen)
	}
	return cb
}

func (a *App) notifier() notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if a.Config.AlertWebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(a.Config.AlertWebhookURL))
	}
	if a.Config.TelegramBotToken != "" && a.Config.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(a.Config.TelegramBotToken, a.Config.TelegramChatID))
	}
	return n
}

// Plugins builds the provider plugin registry from the configured YAML file.
// A missing file yields an empty registry.
func (a *App) Plugins(ctx context.Context) (*plugins.Registry, error) {
	cfg, err := plugins.LoadConfig(a.Config.PluginsFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[%s] no plugin config at %s, running without plugins", a.Service, a.Config.PluginsFile)
		return plugins.NewRegistry(nil), nil
	}
	if err != nil {
		return nil, err
	}
	return plugins.Build(ctx, cfg)
}

// Dispatcher builds the dispatch pipeline over this process's connections.
func (a *App) Dispatcher(reg model.PluginLookup) *dispatch.Dispatcher {
	return &dispatch.Dispatcher{
		Devices: a.DB.Devices,
		Queue:   a.Publisher,
		Plugins: reg,
		Feed:    a.Feed,
		Metrics: a.Metrics,
	}
}

// RunDaemon runs loop every configured period until ctx ends.
func (a *App) RunDaemon(ctx context.Context, name string, loop daemon.Loop) error {
	reg, err := a.Plugins(ctx)
	if err != nil {
		return err
	}
	d := &daemon.Daemon{
		Name:   name,
		Period: a.Config.DaemonPeriod,
		Loop:   loop,
		Tools: daemon.Tools{
			Events:     a.DB.Events,
			Plugins:    reg,
			Rates:      a.Rates,
			Dispatcher: a.Dispatcher(reg),
			Metrics:    a.Metrics,
		},
		Locker:   daemon.NewLocker(a.Redis),
		Notifier: a.Notifier,
		Metrics:  a.Metrics,
	}
	return d.Run(ctx)
}

// ProviderCache resolves api keys to Expo providers through the api key store.
func (a *App) ProviderCache() *push.ProviderCache {
	return push.NewProviderCache(func(ctx context.Context, apiKey string) (push.Provider, error) {
		key, err := a.DB.APIKeys.Get(ctx, apiKey)
		if errors.Is(err, pushdb.ErrNotFound) {
			return nil, push.ErrNoProvider
		}
		if err != nil {
			return nil, err
		}
		return push.NewExpoProvider(a.Config.ExpoHost, key.ProviderToken), nil
	})
}

// Close stops the metrics server and closes connections.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metricsSrv != nil {
		a.metricsSrv.Stop(ctx)
	}
	if a.buffered != nil {
		if held := a.buffered.PendingCount(); held > 0 {
			n := a.buffered.Flush(ctx)
			log.Printf("[%s] flushed %d of %d held publishes", a.Service, n, held)
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.SQL != nil {
		a.SQL.Close()
	}
	log.Printf("[%s] shutdown complete", a.Service)
}
