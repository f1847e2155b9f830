package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Redis       RedisConfig       `yaml:"redis"`
	MetricStore MetricStoreConfig `yaml:"metricStore"`
	Detection   DetectionConfig   `yaml:"detection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Sink        SinkConfig        `yaml:"sink"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

type ServerConfig struct {
	BindAddr    string `yaml:"bindAddr"`
	BearerToken string `yaml:"bearerToken"`
}

type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"dbname"`
	SSLMode     string `yaml:"sslmode"`
	AutoMigrate bool   `yaml:"autoMigrate"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json | console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricStoreConfig struct {
	Backend       string              `yaml:"backend"` // elasticsearch | prometheus | http
	FetchTimeout  string              `yaml:"fetchTimeout"`
	Concurrency   int                 `yaml:"concurrency"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	HTTP          BucketAdapterConfig `yaml:"http"`
}

type ElasticsearchConfig struct {
	Scheme         string `yaml:"scheme"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	LogsIndex      string `yaml:"logsIndex"`
	AnomaliesIndex string `yaml:"anomaliesIndex"`
}

// BaseURL is scheme://host:port.
func (e ElasticsearchConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

type PrometheusConfig struct {
	URL            string  `yaml:"url"`
	RequestsMetric string  `yaml:"requestsMetric"`
	DurationMetric string  `yaml:"durationMetric"`
	LatencyScale   float64 `yaml:"latencyScale"` // histogram unit to milliseconds
}

type BucketAdapterConfig struct {
	URL string `yaml:"url"`
}

type DetectionConfig struct {
	AnalysisInterval      int      `yaml:"analysisInterval"` // seconds
	HistoricalWindow      int      `yaml:"historicalWindow"` // hours
	MaxSamples            int      `yaml:"maxSamples"`
	AnomalyThreshold      float64  `yaml:"anomalyThreshold"`
	MinDataPoints         int      `yaml:"minDataPoints"`
	ResponseTimeThreshold float64  `yaml:"responseTimeThreshold"` // ms
	ErrorRateThreshold    float64  `yaml:"errorRateThreshold"`    // fraction
	IncludedServices      []string `yaml:"includedServices"`
	ExcludedServices      []string `yaml:"excludedServices"`
	RunOnStart            bool     `yaml:"runOnStart"`
}

func (d DetectionConfig) Interval() time.Duration {
	return time.Duration(d.AnalysisInterval) * time.Second
}

func (d DetectionConfig) Window() time.Duration {
	return time.Duration(d.HistoricalWindow) * time.Hour
}

type CorrelationConfig struct {
	Timeframe       string `yaml:"timeframe"`
	MinEnvironments int    `yaml:"minEnvironments"`
}

type SinkConfig struct {
	Backends []string `yaml:"backends"` // postgres | elasticsearch | redis
	DedupTTL string   `yaml:"dedupTTL"`
}

type AlertingConfig struct {
	Throttle ThrottleConfig `yaml:"throttle"`
	Retry    RetryConfig    `yaml:"retry"`
	Channels ChannelsConfig `yaml:"channels"`
}

type ThrottleConfig struct {
	Realert            string `yaml:"realert"`
	ExponentialRealert string `yaml:"exponentialRealert"`
	SummaryOnExpiry    bool   `yaml:"summaryOnExpiry"`
	MirrorToRedis      bool   `yaml:"mirrorToRedis"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	BaseDelay   string `yaml:"baseDelay"`
	MaxDelay    string `yaml:"maxDelay"`
	SendTimeout string `yaml:"sendTimeout"`
}

type ChannelsConfig struct {
	Email     EmailConfig     `yaml:"email"`
	Slack     SlackConfig     `yaml:"slack"`
	PagerDuty PagerDutyConfig `yaml:"pagerduty"`
	Command   CommandConfig   `yaml:"command"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type EmailConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Recipients  []string `yaml:"recipients"`
	SMTPAddr    string   `yaml:"smtpAddr"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	From        string   `yaml:"from"`
	MinSeverity string   `yaml:"minSeverity"`
	RatePerMin  int      `yaml:"ratePerMin"`
}

type SlackConfig struct {
	Enabled     bool   `yaml:"enabled"`
	WebhookURL  string `yaml:"webhookURL"`
	Channel     string `yaml:"channel"`
	Username    string `yaml:"username"`
	MinSeverity string `yaml:"minSeverity"`
	RatePerMin  int    `yaml:"ratePerMin"`
}

type PagerDutyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	RoutingKey  string `yaml:"routingKey"`
	EventsURL   string `yaml:"eventsURL"`
	MinSeverity string `yaml:"minSeverity"`
	RatePerMin  int    `yaml:"ratePerMin"`
}

type CommandConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Argv        []string `yaml:"argv"`
	Timeout     string   `yaml:"timeout"`
	MinSeverity string   `yaml:"minSeverity"`
	RatePerMin  int      `yaml:"ratePerMin"`
}

type WebhookConfig struct {
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	MinSeverity string            `yaml:"minSeverity"`
	RatePerMin  int               `yaml:"ratePerMin"`
}

// Load reads .env, the -f config file and the environment, in that order of precedence
// (environment wins over the file).
func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file (yaml or json)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}
	loadedPath = *configFile
	return LoadFile(*configFile)
}

var loadedPath string

// Path is the -f file Load read, or "" when none was given.
func Path() string { return loadedPath }

// LoadFile builds a validated Config from defaults, an optional file and the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{BindAddr: "0.0.0.0:8080"},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "admin",
			DBName:  "apiguard",
			SSLMode: "disable",
		},
		Logging: LoggingConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		MetricStore: MetricStoreConfig{
			Backend:      "elasticsearch",
			FetchTimeout: "30s",
			Concurrency:  4,
			Elasticsearch: ElasticsearchConfig{
				Scheme:         "http",
				Host:           "elasticsearch",
				Port:           9200,
				LogsIndex:      "api-logs-*",
				AnomaliesIndex: "api-anomalies",
			},
			Prometheus: PrometheusConfig{
				URL:            "http://localhost:9090",
				RequestsMetric: "http_requests_total",
				DurationMetric: "http_request_duration_seconds",
				LatencyScale:   1000,
			},
		},
		Detection: DetectionConfig{
			AnalysisInterval:      300,
			HistoricalWindow:      24,
			MaxSamples:            100000,
			AnomalyThreshold:      0.01,
			MinDataPoints:         30,
			ResponseTimeThreshold: 3000,
			ErrorRateThreshold:    0.1,
			RunOnStart:            true,
		},
		Correlation: CorrelationConfig{Timeframe: "2m", MinEnvironments: 2},
		Sink:        SinkConfig{Backends: []string{"postgres"}, DedupTTL: "48h"},
		Alerting: AlertingConfig{
			Throttle: ThrottleConfig{Realert: "10m"},
			Retry:    RetryConfig{MaxAttempts: 3, BaseDelay: "1s", MaxDelay: "30s", SendTimeout: "10s"},
			Channels: ChannelsConfig{
				PagerDuty: PagerDutyConfig{
					EventsURL:   "https://events.pagerduty.com/v2/enqueue",
					MinSeverity: "critical",
				},
				Slack:   SlackConfig{Username: "apiguard"},
				Command: CommandConfig{Timeout: "10s"},
			},
		},
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	// yaml.v3 also accepts JSON documents.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.BindAddr, "SERVER_BIND_ADDR")
	setString(&cfg.Server.BearerToken, "API_BEARER_TOKEN")

	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.DBName, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	setBool(&cfg.Database.AutoMigrate, "DB_AUTO_MIGRATE")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.File, "LOG_FILE")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	ms := &cfg.MetricStore
	setString(&ms.Backend, "METRIC_STORE_BACKEND")
	setString(&ms.FetchTimeout, "METRIC_STORE_FETCH_TIMEOUT")
	setString(&ms.Elasticsearch.Scheme, "ES_SCHEME")
	setString(&ms.Elasticsearch.Host, "ES_HOST")
	setInt(&ms.Elasticsearch.Port, "ES_PORT")
	setString(&ms.Elasticsearch.Username, "ES_USER")
	setString(&ms.Elasticsearch.Password, "ES_PASSWORD")
	setString(&ms.Elasticsearch.LogsIndex, "API_LOGS_INDEX")
	setString(&ms.Elasticsearch.AnomaliesIndex, "ANOMALIES_INDEX")
	setString(&ms.Prometheus.URL, "PROMETHEUS_URL")
	setString(&ms.HTTP.URL, "BUCKET_ADAPTER_URL")

	d := &cfg.Detection
	setInt(&d.AnalysisInterval, "ANALYSIS_INTERVAL")
	setInt(&d.HistoricalWindow, "HISTORICAL_WINDOW")
	setInt(&d.MaxSamples, "MAX_SAMPLES")
	setFloat(&d.AnomalyThreshold, "ANOMALY_THRESHOLD")
	setInt(&d.MinDataPoints, "MIN_DATA_POINTS")
	setFloat(&d.ResponseTimeThreshold, "RESPONSE_TIME_THRESHOLD")
	setFloat(&d.ErrorRateThreshold, "ERROR_RATE_THRESHOLD")
	setList(&d.IncludedServices, "INCLUDED_SERVICES")
	setList(&d.ExcludedServices, "EXCLUDED_SERVICES")

	setString(&cfg.Correlation.Timeframe, "CORRELATION_TIMEFRAME")
	setInt(&cfg.Correlation.MinEnvironments, "CORRELATION_MIN_ENVIRONMENTS")

	setList(&cfg.Sink.Backends, "SINK_BACKENDS")

	th := &cfg.Alerting.Throttle
	setString(&th.Realert, "REALERT")
	setString(&th.ExponentialRealert, "EXPONENTIAL_REALERT")

	ch := &cfg.Alerting.Channels
	if v := os.Getenv("ALERT_EMAIL"); v != "" {
		ch.Email.Enabled = true
		ch.Email.Recipients = splitList(v)
	}
	setString(&ch.Email.SMTPAddr, "SMTP_ADDR")
	setString(&ch.Email.Username, "SMTP_USER")
	setString(&ch.Email.Password, "SMTP_PASSWORD")
	setString(&ch.Email.From, "SMTP_FROM")
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		ch.Slack.Enabled = true
		ch.Slack.WebhookURL = v
	}
	if v := os.Getenv("PAGERDUTY_API_KEY"); v != "" {
		ch.PagerDuty.Enabled = true
		ch.PagerDuty.RoutingKey = v
	}
	if v := os.Getenv("ALERT_COMMAND"); v != "" {
		ch.Command.Enabled = true
		ch.Command.Argv = strings.Fields(v)
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		ch.Webhook.Enabled = true
		ch.Webhook.URL = v
	}
}

// fill reasonable defaults when fields are blanked in the file
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = def.Server.BindAddr
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.MetricStore.FetchTimeout == "" {
		cfg.MetricStore.FetchTimeout = def.MetricStore.FetchTimeout
	}
	if cfg.MetricStore.Concurrency <= 0 {
		cfg.MetricStore.Concurrency = def.MetricStore.Concurrency
	}
	if cfg.Correlation.Timeframe == "" {
		cfg.Correlation.Timeframe = def.Correlation.Timeframe
	}
	if cfg.Correlation.MinEnvironments == 0 {
		cfg.Correlation.MinEnvironments = def.Correlation.MinEnvironments
	}
	if cfg.Alerting.Retry.MaxAttempts == 0 {
		cfg.Alerting.Retry.MaxAttempts = def.Alerting.Retry.MaxAttempts
	}
	if cfg.Alerting.Retry.BaseDelay == "" {
		cfg.Alerting.Retry.BaseDelay = def.Alerting.Retry.BaseDelay
	}
	if cfg.Alerting.Retry.SendTimeout == "" {
		cfg.Alerting.Retry.SendTimeout = def.Alerting.Retry.SendTimeout
	}
	if cfg.Alerting.Channels.PagerDuty.EventsURL == "" {
		cfg.Alerting.Channels.PagerDuty.EventsURL = def.Alerting.Channels.PagerDuty.EventsURL
	}
}

// ParseDuration returns d when s is empty or malformed. Validate rejects malformed values
// before they reach here.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer environment value")
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-numeric environment value")
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
