package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

var anomalyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("apiguard/anomaly"))

// AnomalyID derives a stable id from the anomaly's identity fields. Detecting the
// same condition in the same window twice yields the same id.
func AnomalyID(t AnomalyType, service, endpoint, environment string, windowStart time.Time) string {
	name := strings.Join([]string{
		string(t),
		service,
		endpoint,
		environment,
		windowStart.UTC().Format(time.RFC3339Nano),
	}, "|")
	return uuid.NewSHA1(anomalyNamespace, []byte(name)).String()
}

// NewAnomaly fills the identity fields of an anomaly for a bucket and assigns its id.
func NewAnomaly(t AnomalyType, detector string, b *MetricBucket, now time.Time) *Anomaly {
	a := &Anomaly{
		Type:            t,
		Detector:        detector,
		Service:         b.Service,
		Endpoint:        b.Endpoint,
		Environment:     b.Environment,
		EnvironmentType: b.EnvironmentType,
		RequestCount:    b.Count,
		P95Value:        b.P95Value,
		WindowStart:     b.WindowStart,
		WindowEnd:       b.WindowEnd,
		Timestamp:       now.UTC(),
	}
	a.ID = AnomalyID(t, a.Service, a.Endpoint, a.Environment, a.WindowStart)
	return a
}
