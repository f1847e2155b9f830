// Package sink persists anomalies. Every backend is idempotent on the anomaly id.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/apiguard/internal/alerting/metrics"
	"github.com/qiniu/apiguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Result of a successful Persist.
type Result int

const (
	Stored Result = iota + 1
	AlreadyExists
)

func (r Result) String() string {
	switch r {
	case Stored:
		return "stored"
	case AlreadyExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Sink stores anomalies. Failures are returned as *model.PersistenceError.
type Sink interface {
	Name() string
	Persist(ctx context.Context, a *model.Anomaly) (Result, error)
}

// Filter narrows anomaly queries. Zero values match everything.
type Filter struct {
	Service  string
	Type     model.AnomalyType
	Severity model.Severity
	Since    time.Time
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

func (f Filter) match(a *model.Anomaly) bool {
	switch {
	case f.Service != "" && a.Service != f.Service:
		return false
	case f.Type != "" && a.Type != f.Type:
		return false
	case f.Severity != "" && a.Severity != f.Severity:
		return false
	case !f.Since.IsZero() && a.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Reader is implemented by sinks that can serve the ops API.
type Reader interface {
	List(ctx context.Context, f Filter) ([]*model.Anomaly, error)
	Get(ctx context.Context, id string) (*model.Anomaly, bool, error)
}

func persistErr(backend string, a *model.Anomaly, err error) error {
	return &model.PersistenceError{Backend: backend, AnomalyID: a.ID, Err: err}
}

// Multi writes to every backend in order. The anomaly counts as AlreadyExists only when
// every backend that answered had seen it; any Stored wins. Backend failures are
// logged and joined; they never hide a successful write elsewhere.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi { return &Multi{sinks: sinks} }

func (m *Multi) Name() string { return "multi" }

// Sinks returns the configured backends.
func (m *Multi) Sinks() []Sink { return m.sinks }

func (m *Multi) Persist(ctx context.Context, a *model.Anomaly) (Result, error) {
	var (
		errs     []error
		stored   bool
		answered bool
	)
	for _, s := range m.sinks {
		res, err := s.Persist(ctx, a)
		if err != nil {
			metrics.SinkResultsTotal.WithLabelValues(s.Name(), "error").Inc()
			log.Error().Err(err).Str("backend", s.Name()).Str("anomaly_id", a.ID).Msg("failed to persist anomaly")
			if !errors.As(err, new(*model.PersistenceError)) {
				err = persistErr(s.Name(), a, err)
			}
			errs = append(errs, err)
			continue
		}
		metrics.SinkResultsTotal.WithLabelValues(s.Name(), res.String()).Inc()
		answered = true
		if res == Stored {
			stored = true
		}
	}
	err := errors.Join(errs...)
	switch {
	case stored:
		return Stored, err
	case answered:
		return AlreadyExists, err
	default:
		return 0, err
	}
}
