package metricstore

import (
	"math"
	"sort"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/model"
)

// Record is one raw API log entry.
type Record struct {
	Timestamp       time.Time
	Service         string
	Endpoint        string
	Environment     string
	EnvironmentType string
	StatusCode      int
	ResponseTime    float64 // ms
	RequestID       string
	Method          string
}

// IsError marks records counted in error_count.
func (r Record) IsError() bool { return r.StatusCode >= 400 }

// IsServerError marks records fed to correlation.
func (r Record) IsServerError() bool { return r.StatusCode >= 500 }

type bucketKey struct {
	service, endpoint, environment string
}

// Aggregate groups records by (service, endpoint, environment) into buckets spanning w.
// Output is sorted by service, endpoint, environment.
func Aggregate(records []Record, w Window) []model.MetricBucket {
	groups := make(map[bucketKey][]Record)
	for _, r := range records {
		k := bucketKey{orUnknown(r.Service), orUnknown(r.Endpoint), orUnknown(r.Environment)}
		groups[k] = append(groups[k], r)
	}

	out := make([]model.MetricBucket, 0, len(groups))
	for k, recs := range groups {
		b := model.MetricBucket{
			Service:     k.service,
			Endpoint:    k.endpoint,
			Environment: k.environment,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			Count:       len(recs),
		}
		values := make([]float64, 0, len(recs))
		envTypes := make(map[string]int)
		sum := 0.0
		for _, r := range recs {
			values = append(values, r.ResponseTime)
			sum += r.ResponseTime
			if r.EnvironmentType != "" {
				envTypes[r.EnvironmentType]++
			}
			if r.IsError() {
				b.ErrorCount++
			}
			if r.IsServerError() && r.RequestID != "" {
				b.ErrorEvents = append(b.ErrorEvents, model.ErrorEvent{
					CorrelationID:   r.RequestID,
					Service:         k.service,
					Endpoint:        k.endpoint,
					Environment:     k.environment,
					EnvironmentType: r.EnvironmentType,
					StatusCode:      r.StatusCode,
					Timestamp:       r.Timestamp,
				})
			}
		}
		sort.Float64s(values)
		b.AvgValue = sum / float64(len(values))
		b.P95Value = Percentile(values, 95)
		b.P99Value = Percentile(values, 99)
		b.EnvironmentType = mostCommon(envTypes)
		out = append(out, b)
	}
	SortBuckets(out)
	return out
}

// SortBuckets orders buckets by service, endpoint, environment.
func SortBuckets(bs []model.MetricBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Service != bs[j].Service {
			return bs[i].Service < bs[j].Service
		}
		if bs[i].Endpoint != bs[j].Endpoint {
			return bs[i].Endpoint < bs[j].Endpoint
		}
		return bs[i].Environment < bs[j].Environment
	})
}

// Percentile interpolates linearly between closest ranks of sorted values.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func mostCommon(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
