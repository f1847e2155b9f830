package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.Detection.Interval())
	assert.Equal(t, 24*time.Hour, cfg.Detection.Window())
	assert.Equal(t, 100000, cfg.Detection.MaxSamples)
	assert.Equal(t, 30, cfg.Detection.MinDataPoints)
	assert.Equal(t, 3000.0, cfg.Detection.ResponseTimeThreshold)
	assert.Equal(t, 0.1, cfg.Detection.ErrorRateThreshold)
	assert.Equal(t, "2m", cfg.Correlation.Timeframe)
	assert.Equal(t, "api-logs-*", cfg.MetricStore.Elasticsearch.LogsIndex)
	assert.Equal(t, "host=localhost port=5432 user=admin password= dbname=apiguard sslmode=disable", cfg.Database.DSN())
}

func TestLoadFileYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "apiguard.yaml", `
detection:
  analysisInterval: 60
  responseTimeThreshold: 1000
  includedServices: [user-service, order-service]
alerting:
  throttle:
    realert: 5m
    exponentialRealert: 1h
  channels:
    slack:
      enabled: true
      webhookURL: https://hooks.slack.test/T000
`)
	t.Setenv("RESPONSE_TIME_THRESHOLD", "1500")
	t.Setenv("EXCLUDED_SERVICES", "health , ,metrics")
	t.Setenv("PAGERDUTY_API_KEY", "routing-key")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Detection.AnalysisInterval)
	assert.Equal(t, 1500.0, cfg.Detection.ResponseTimeThreshold, "environment wins over the file")
	assert.Equal(t, []string{"user-service", "order-service"}, cfg.Detection.IncludedServices)
	assert.Equal(t, []string{"health", "metrics"}, cfg.Detection.ExcludedServices)
	assert.Equal(t, "1h", cfg.Alerting.Throttle.ExponentialRealert)
	assert.True(t, cfg.Alerting.Channels.Slack.Enabled)
	assert.True(t, cfg.Alerting.Channels.PagerDuty.Enabled)
	assert.Equal(t, "routing-key", cfg.Alerting.Channels.PagerDuty.RoutingKey)
	assert.Equal(t, "critical", cfg.Alerting.Channels.PagerDuty.MinSeverity)
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "apiguard.json", `{"detection": {"minDataPoints": 5}, "server": {"bindAddr": ""}}`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Detection.MinDataPoints)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"zero interval", func(c *Config) { c.Detection.AnalysisInterval = 0 }, "analysisInterval"},
		{"error rate above one", func(c *Config) { c.Detection.ErrorRateThreshold = 1.5 }, "errorRateThreshold"},
		{"unknown backend", func(c *Config) { c.MetricStore.Backend = "influx" }, "metricStore.backend"},
		{"prometheus without url", func(c *Config) { c.MetricStore.Backend = "prometheus"; c.MetricStore.Prometheus.URL = "" }, "prometheus.url"},
		{"bad realert", func(c *Config) { c.Alerting.Throttle.Realert = "ten minutes" }, "realert"},
		{"exponential shorter than realert", func(c *Config) {
			c.Alerting.Throttle.Realert = "10m"
			c.Alerting.Throttle.ExponentialRealert = "1m"
		}, "exponentialRealert"},
		{"one environment", func(c *Config) { c.Correlation.MinEnvironments = 1 }, "minEnvironments"},
		{"included and excluded", func(c *Config) {
			c.Detection.IncludedServices = []string{"a"}
			c.Detection.ExcludedServices = []string{"a"}
		}, "both included and excluded"},
		{"unknown sink", func(c *Config) { c.Sink.Backends = []string{"s3"} }, "sink backend"},
		{"slack without url", func(c *Config) { c.Alerting.Channels.Slack.Enabled = true }, "slack.webhookURL"},
		{"pagerduty without key", func(c *Config) { c.Alerting.Channels.PagerDuty.Enabled = true }, "routingKey"},
		{"email without smtp", func(c *Config) {
			c.Alerting.Channels.Email.Enabled = true
			c.Alerting.Channels.Email.Recipients = []string{"oncall@example.com"}
		}, "smtpAddr"},
		{"command without argv", func(c *Config) { c.Alerting.Channels.Command.Enabled = true }, "argv"},
		{"bad severity", func(c *Config) {
			c.Alerting.Channels.Webhook = WebhookConfig{Enabled: true, URL: "http://x.test/hook", MinSeverity: "page"}
		}, "minSeverity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, ParseDuration("3s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("bogus", time.Minute))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "apiguard.yaml", "detection:\n  responseTimeThreshold: 1000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  responseTimeThreshold: 2000\n"), 0o600))

	select {
	case c := <-got:
		assert.Equal(t, 2000.0, c.Detection.ResponseTimeThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	// invalid content is not delivered
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  responseTimeThreshold: -1\n"), 0o600))
	select {
	case c := <-got:
		t.Fatalf("unexpected reload with threshold %v", c.Detection.ResponseTimeThreshold)
	case <-time.After(600 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}
