package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate rejects malformed values and enabled channels without credentials so the
// process fails at startup rather than mid-cycle.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	d := c.Detection
	if d.AnalysisInterval <= 0 {
		add("detection.analysisInterval must be positive, got %d", d.AnalysisInterval)
	}
	if d.HistoricalWindow <= 0 {
		add("detection.historicalWindow must be positive, got %d", d.HistoricalWindow)
	}
	if d.MaxSamples <= 0 {
		add("detection.maxSamples must be positive, got %d", d.MaxSamples)
	}
	if d.AnomalyThreshold <= 0 {
		add("detection.anomalyThreshold must be positive, got %g", d.AnomalyThreshold)
	}
	if d.MinDataPoints <= 0 {
		add("detection.minDataPoints must be positive, got %d", d.MinDataPoints)
	}
	if d.ResponseTimeThreshold <= 0 {
		add("detection.responseTimeThreshold must be positive, got %g", d.ResponseTimeThreshold)
	}
	if d.ErrorRateThreshold <= 0 || d.ErrorRateThreshold > 1 {
		add("detection.errorRateThreshold must be in (0, 1], got %g", d.ErrorRateThreshold)
	}
	excluded := make(map[string]struct{}, len(d.ExcludedServices))
	for _, s := range d.ExcludedServices {
		excluded[s] = struct{}{}
	}
	for _, s := range d.IncludedServices {
		if _, ok := excluded[s]; ok {
			add("service %q is both included and excluded", s)
		}
	}

	switch c.MetricStore.Backend {
	case "elasticsearch":
		if c.MetricStore.Elasticsearch.Host == "" || c.MetricStore.Elasticsearch.LogsIndex == "" {
			add("metricStore.elasticsearch requires host and logsIndex")
		}
	case "prometheus":
		checkURL(add, "metricStore.prometheus.url", c.MetricStore.Prometheus.URL)
	case "http":
		checkURL(add, "metricStore.http.url", c.MetricStore.HTTP.URL)
	default:
		add("metricStore.backend %q unknown: want elasticsearch|prometheus|http", c.MetricStore.Backend)
	}
	checkDuration(add, "metricStore.fetchTimeout", c.MetricStore.FetchTimeout, false)

	tf := checkDuration(add, "correlation.timeframe", c.Correlation.Timeframe, false)
	if tf <= 0 {
		add("correlation.timeframe must be positive")
	}
	if c.Correlation.MinEnvironments < 2 {
		add("correlation.minEnvironments must be at least 2, got %d", c.Correlation.MinEnvironments)
	}

	for _, b := range c.Sink.Backends {
		switch b {
		case "postgres", "elasticsearch", "redis":
		default:
			add("sink backend %q unknown: want postgres|elasticsearch|redis", b)
		}
	}
	checkDuration(add, "sink.dedupTTL", c.Sink.DedupTTL, true)

	th := c.Alerting.Throttle
	realert := checkDuration(add, "alerting.throttle.realert", th.Realert, true)
	if th.ExponentialRealert != "" {
		exp := checkDuration(add, "alerting.throttle.exponentialRealert", th.ExponentialRealert, true)
		if exp < realert {
			add("alerting.throttle.exponentialRealert (%s) must not be shorter than realert (%s)", exp, realert)
		}
	}
	r := c.Alerting.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		add("alerting.retry.maxAttempts must be in [1, 10], got %d", r.MaxAttempts)
	}
	checkDuration(add, "alerting.retry.baseDelay", r.BaseDelay, true)
	checkDuration(add, "alerting.retry.maxDelay", r.MaxDelay, true)
	checkDuration(add, "alerting.retry.sendTimeout", r.SendTimeout, true)

	if err := c.Alerting.Channels.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (ch ChannelsConfig) validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if e := ch.Email; e.Enabled {
		if len(e.Recipients) == 0 {
			add("channels.email: recipients required")
		}
		if e.SMTPAddr == "" || e.From == "" {
			add("channels.email: smtpAddr and from required")
		}
		checkSeverity(add, "channels.email", e.MinSeverity)
	}
	if s := ch.Slack; s.Enabled {
		checkURL(add, "channels.slack.webhookURL", s.WebhookURL)
		checkSeverity(add, "channels.slack", s.MinSeverity)
	}
	if p := ch.PagerDuty; p.Enabled {
		if strings.TrimSpace(p.RoutingKey) == "" {
			add("channels.pagerduty: routingKey required")
		}
		checkURL(add, "channels.pagerduty.eventsURL", p.EventsURL)
		checkSeverity(add, "channels.pagerduty", p.MinSeverity)
	}
	if c := ch.Command; c.Enabled {
		if len(c.Argv) == 0 {
			add("channels.command: argv required")
		}
		checkDuration(add, "channels.command.timeout", c.Timeout, true)
		checkSeverity(add, "channels.command", c.MinSeverity)
	}
	if w := ch.Webhook; w.Enabled {
		checkURL(add, "channels.webhook.url", w.URL)
		checkSeverity(add, "channels.webhook", w.MinSeverity)
	}
	return errors.Join(errs...)
}

func checkDuration(add func(string, ...any), field, v string, allowEmpty bool) time.Duration {
	if v == "" {
		if !allowEmpty {
			add("%s is required", field)
		}
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		add("%s: %v", field, err)
		return 0
	}
	if d < 0 {
		add("%s must not be negative", field)
	}
	return d
}

func checkURL(add func(string, ...any), field, v string) {
	u, err := url.Parse(v)
	if v == "" || err != nil || u.Scheme == "" || u.Host == "" {
		add("%s: %q is not an absolute URL", field, v)
	}
}

func checkSeverity(add func(string, ...any), field, v string) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "warning", "warn", "critical", "crit":
	default:
		add("%s.minSeverity %q unknown: want warning|critical", field, v)
	}
}
