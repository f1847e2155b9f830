package model

import (
	"sort"
	"strings"
	"time"
)

// AnomalyType identifies the condition an anomaly describes.
type AnomalyType string

const (
	TypeResponseTime AnomalyType = "response_time"
	TypeErrorRate    AnomalyType = "error_rate"
	TypeCorrelation  AnomalyType = "correlation"
)

// Severity of an anomaly. Only warning and critical are emitted by detectors.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so channels can filter with a minimum level.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts warning/critical (case-insensitive). Empty maps to warning.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warning", "warn":
		return SeverityWarning, true
	case "critical", "crit":
		return SeverityCritical, true
	default:
		return "", false
	}
}

// Detector names recorded on anomalies.
const (
	DetectorThreshold   = "threshold"
	DetectorErrorRate   = "error_rate"
	DetectorDeviation   = "deviation"
	DetectorCorrelation = "correlation"
)

// ErrorEvent is a single 5xx record carried by a bucket for correlation.
type ErrorEvent struct {
	CorrelationID   string    `json:"correlation_id"`
	Service         string    `json:"service"`
	Endpoint        string    `json:"endpoint"`
	Environment     string    `json:"environment"`
	EnvironmentType string    `json:"environment_type"`
	StatusCode      int       `json:"status_code"`
	Timestamp       time.Time `json:"timestamp"`
}

// EnvKey is the environment dimension used for cross-environment correlation.
func (e ErrorEvent) EnvKey() string {
	if e.EnvironmentType != "" && e.EnvironmentType != "unknown" {
		return e.EnvironmentType
	}
	return e.Environment
}

// MetricBucket is the aggregate of one (service, endpoint, environment) over a window.
type MetricBucket struct {
	Service         string       `json:"service"`
	Endpoint        string       `json:"endpoint"`
	Environment     string       `json:"environment"`
	EnvironmentType string       `json:"environment_type,omitempty"`
	WindowStart     time.Time    `json:"window_start"`
	WindowEnd       time.Time    `json:"window_end"`
	Count           int          `json:"count"`
	AvgValue        float64      `json:"avg_value"`
	P95Value        float64      `json:"p95_value"`
	P99Value        float64      `json:"p99_value,omitempty"`
	ErrorCount      int          `json:"error_count"`
	ErrorEvents     []ErrorEvent `json:"error_events,omitempty"`
}

// ErrorRate returns error_count/count, or 0 for an empty bucket.
func (b MetricBucket) ErrorRate() float64 {
	if b.Count <= 0 {
		return 0
	}
	return float64(b.ErrorCount) / float64(b.Count)
}

// BaselineKey identifies the baseline a bucket contributes to.
func (b MetricBucket) BaselineKey() BaselineKey {
	return BaselineKey{Service: b.Service, Endpoint: b.Endpoint}
}

// BaselineKey is (service, endpoint).
type BaselineKey struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

func (k BaselineKey) String() string { return k.Service + ":" + k.Endpoint }

// Anomaly is immutable once a detector returns it.
type Anomaly struct {
	ID                   string      `json:"id"`
	Type                 AnomalyType `json:"type"`
	Service              string      `json:"service"`
	Endpoint             string      `json:"endpoint"`
	Environment          string      `json:"environment"`
	EnvironmentType      string      `json:"environment_type,omitempty"`
	Severity             Severity    `json:"severity"`
	Detector             string      `json:"detector"`
	ObservedValue        float64     `json:"observed_value"`
	BaselineValue        *float64    `json:"baseline_value,omitempty"`
	ThresholdValue       *float64    `json:"threshold_value,omitempty"`
	P95Value             float64     `json:"p95_response_time,omitempty"`
	ErrorRate            float64     `json:"error_rate,omitempty"`
	RequestCount         int         `json:"request_count"`
	Score                float64     `json:"score,omitempty"`
	CorrelationID        string      `json:"correlation_id,omitempty"`
	AffectedEnvironments []string    `json:"affected_environments,omitempty"`
	WindowStart          time.Time   `json:"window_start"`
	WindowEnd            time.Time   `json:"window_end"`
	Timestamp            time.Time   `json:"timestamp"`
}

// ThrottleKey groups repeated alerts for the same condition.
func (a *Anomaly) ThrottleKey() string {
	return strings.Join([]string{string(a.Type), a.Service, a.Endpoint, a.Environment}, "|")
}

// Float returns a pointer to v, for the optional value fields.
func Float(v float64) *float64 { return &v }

// Dedup keeps the first anomaly per id, preserving order.
func Dedup(in []*Anomaly) []*Anomaly {
	seen := make(map[string]struct{}, len(in))
	out := make([]*Anomaly, 0, len(in))
	for _, a := range in {
		if a == nil {
			continue
		}
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// SortedSet returns the distinct non-empty values of in, sorted.
func SortedSet(in []string) []string {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s != "" {
			m[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
