package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	alertapi "github.com/qiniu/apiguard/internal/alerting/api"
	adb "github.com/qiniu/apiguard/internal/alerting/database"
	"github.com/qiniu/apiguard/internal/alerting/elastic"
	"github.com/qiniu/apiguard/internal/alerting/service/baseline"
	"github.com/qiniu/apiguard/internal/alerting/service/channel"
	"github.com/qiniu/apiguard/internal/alerting/service/detector"
	"github.com/qiniu/apiguard/internal/alerting/service/dispatcher"
	"github.com/qiniu/apiguard/internal/alerting/service/metricstore"
	"github.com/qiniu/apiguard/internal/alerting/service/pipeline"
	"github.com/qiniu/apiguard/internal/alerting/service/scheduler"
	"github.com/qiniu/apiguard/internal/alerting/service/sink"
	"github.com/qiniu/apiguard/internal/config"
	"github.com/qiniu/apiguard/internal/middleware"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	closeLog := setupLogging(cfg.Logging)
	defer closeLog()
	log.Info().Str("version", version).Msg("Starting apiguard detection engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// redis backs dedup, throttle mirror and baseline snapshots; all optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; running without redis-backed state")
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	sinks, reader, closeSinks := buildSinks(ctx, cfg, rdb)
	defer closeSinks()

	store, err := metricstore.New(cfg.MetricStore, cfg.Detection.MaxSamples)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create metric store client")
	}
	if cfg.MetricStore.Backend == "prometheus" {
		log.Warn().Msg("prometheus backend carries no per-request error events; correlation detection is inactive")
	}

	tracker := baseline.NewTracker(baseline.Options{
		Window:        cfg.Detection.Window(),
		MinDataPoints: cfg.Detection.MinDataPoints,
	})
	var snapshots *baseline.RedisSnapshotStore
	if rdb != nil {
		snapshots = baseline.NewRedisSnapshotStore(rdb, 2*cfg.Detection.Window())
		if doc, err := snapshots.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to load baseline snapshot")
		} else if doc != nil {
			n := tracker.Restore(doc.Baselines)
			log.Info().Int("restored", n).Time("taken_at", doc.Timestamp).Msg("restored baselines from snapshot")
		}
	}

	detectors := detector.NewSet(detectorConfig(cfg), tracker.Get)

	disp := dispatcher.New(channel.FromConfig(cfg.Alerting.Channels, config.ParseDuration(cfg.Alerting.Retry.SendTimeout, 10*time.Second)), dispatcherOptions(cfg))
	if rdb != nil && cfg.Alerting.Throttle.MirrorToRedis {
		mirror := dispatcher.NewRedisThrottleStore(rdb)
		disp.SetMirror(mirror)
		if states, err := mirror.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to load mirrored throttle state")
		} else {
			log.Info().Int("restored", disp.Throttle().Restore(states, time.Now())).Msg("restored throttle windows")
		}
	}
	log.Info().Int("channels", len(disp.Routes())).Msg("alert dispatcher ready")

	deps := pipeline.Deps{
		Store:      store,
		Tracker:    tracker,
		Detectors:  detectors,
		Sink:       sinks,
		Dispatcher: disp,
	}
	if snapshots != nil {
		deps.Snapshots = snapshots
	}
	p := pipeline.New(deps, pipelineParams(cfg))

	if path := config.Path(); path != "" {
		go func() {
			err := config.Watch(ctx, path, func(next *config.Config) {
				detectors.Apply(detectorConfig(next))
				disp.SetThrottle(dispatcherOptions(next).Throttle)
				disp.SetRoutes(channel.FromConfig(next.Alerting.Channels, config.ParseDuration(next.Alerting.Retry.SendTimeout, 10*time.Second)))
				p.SetParams(pipelineParams(next))
				if next.Detection.AnalysisInterval != cfg.Detection.AnalysisInterval {
					log.Warn().Int("analysis_interval", next.Detection.AnalysisInterval).Msg("analysis interval changes take effect after restart")
				}
			})
			if err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:   cfg.Detection.Interval(),
		RunOnStart: cfg.Detection.RunOnStart,
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx, p.Cycle)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	alertapi.NewApi(router, alertapi.Deps{
		Anomalies:  reader,
		Tracker:    tracker,
		Dispatcher: disp,
		Status:     p.Status,
	}, cfg.Server.BearerToken)

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("start apiguard api server failed.")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown requested; waiting for the in-flight cycle")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown failed")
	}
	<-schedDone
	log.Info().Msg("apiguard exit...")
}

// buildSinks wires the configured persistence backends. The memory sink is always
// present so the API can answer even without postgres.
func buildSinks(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*sink.Multi, sink.Reader, func()) {
	mem := sink.NewMemory(1000)
	var (
		backends = []sink.Sink{mem}
		reader   sink.Reader = mem
		closers  []func()
	)

	if slices.Contains(cfg.Sink.Backends, "postgres") {
		db, err := adb.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Error().Err(err).Msg("alerting DB init failed; anomalies will not be stored in postgres")
		} else {
			closers = append(closers, func() { _ = db.Close() })
			if cfg.Database.AutoMigrate {
				if err := adb.Migrate(ctx, db.DB(), "up"); err != nil {
					log.Fatal().Err(err).Msg("database migration failed")
				}
			}
			pg := sink.NewPgSink(db)
			backends = append(backends, pg)
			reader = pg
		}
	}

	if slices.Contains(cfg.Sink.Backends, "elasticsearch") {
		es := cfg.MetricStore.Elasticsearch
		client := elastic.New(elastic.Config{BaseURL: es.BaseURL(), Username: es.Username, Password: es.Password})
		if err := client.Ping(ctx); err != nil {
			log.Error().Err(err).Str("url", es.BaseURL()).Msg("elasticsearch unreachable")
		}
		esSink := sink.NewElasticsearchSink(client, es.AnomaliesIndex)
		if err := esSink.EnsureIndex(ctx); err != nil {
			log.Error().Err(err).Str("index", es.AnomaliesIndex).Msg("failed to ensure anomaly index")
		}
		if err := esSink.RecordEvent(ctx, "startup", version, startupConfig(cfg)); err != nil {
			log.Warn().Err(err).Msg("failed to record startup event")
		}
		backends = append(backends, esSink)
	}

	if slices.Contains(cfg.Sink.Backends, "redis") {
		if rdb == nil {
			log.Warn().Msg("redis sink configured but redis is unavailable; skipping")
		} else {
			backends = append(backends, sink.NewRedisDedup(rdb, config.ParseDuration(cfg.Sink.DedupTTL, 48*time.Hour)))
		}
	}

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	log.Info().Strs("backends", names).Msg("anomaly sink ready")

	return sink.NewMulti(backends...), reader, func() {
		for _, c := range closers {
			c()
		}
	}
}

func detectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		ResponseTimeThreshold:      cfg.Detection.ResponseTimeThreshold,
		ErrorRateThreshold:         cfg.Detection.ErrorRateThreshold,
		AnomalyThreshold:           cfg.Detection.AnomalyThreshold,
		CorrelationTimeframe:       config.ParseDuration(cfg.Correlation.Timeframe, 2*time.Minute),
		CorrelationMinEnvironments: cfg.Correlation.MinEnvironments,
	}
}

func dispatcherOptions(cfg *config.Config) dispatcher.Options {
	th := cfg.Alerting.Throttle
	r := cfg.Alerting.Retry
	return dispatcher.Options{
		Throttle: dispatcher.ThrottleParams{
			Realert:            config.ParseDuration(th.Realert, 0),
			ExponentialRealert: config.ParseDuration(th.ExponentialRealert, 0),
			SummaryOnExpiry:    th.SummaryOnExpiry,
		},
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   config.ParseDuration(r.BaseDelay, time.Second),
		MaxDelay:    config.ParseDuration(r.MaxDelay, 30*time.Second),
		SendTimeout: config.ParseDuration(r.SendTimeout, 10*time.Second),
	}
}

func pipelineParams(cfg *config.Config) pipeline.Params {
	return pipeline.Params{
		Interval: cfg.Detection.Interval(),
		Filters: metricstore.Filters{
			IncludedServices: cfg.Detection.IncludedServices,
			ExcludedServices: cfg.Detection.ExcludedServices,
			MaxSamples:       cfg.Detection.MaxSamples,
		},
	}
}

func startupConfig(cfg *config.Config) map[string]any {
	d := cfg.Detection
	return map[string]any{
		"ANALYSIS_INTERVAL":       d.AnalysisInterval,
		"HISTORICAL_WINDOW":       d.HistoricalWindow,
		"MAX_SAMPLES":             d.MaxSamples,
		"ANOMALY_THRESHOLD":       d.AnomalyThreshold,
		"MIN_DATA_POINTS":         d.MinDataPoints,
		"RESPONSE_TIME_THRESHOLD": d.ResponseTimeThreshold,
		"ERROR_RATE_THRESHOLD":    d.ErrorRateThreshold,
		"INCLUDED_SERVICES":       d.IncludedServices,
		"EXCLUDED_SERVICES":       d.ExcludedServices,
		"METRIC_STORE":            cfg.MetricStore.Backend,
		"SINKS":                   cfg.Sink.Backends,
	}
}
