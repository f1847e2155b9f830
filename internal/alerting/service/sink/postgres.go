package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/qiniu/apiguard/internal/alerting/database"
	"github.com/qiniu/apiguard/internal/alerting/model"
)

// PgSink stores anomalies in the anomalies table.
type PgSink struct {
	DB *database.Database
}

func NewPgSink(db *database.Database) *PgSink { return &PgSink{DB: db} }

func (s *PgSink) Name() string { return "postgres" }

func (s *PgSink) Persist(ctx context.Context, a *model.Anomaly) (Result, error) {
	const q = `
	INSERT INTO anomalies (
		id, type, service, endpoint, environment, environment_type, severity, detector,
		observed_value, baseline_value, threshold_value, p95_value, error_rate, request_count,
		score, correlation_id, affected_environments, window_start, window_length, detected_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (id) DO NOTHING
	`
	length := time.Duration(0)
	if a.WindowEnd.After(a.WindowStart) {
		length = a.WindowEnd.Sub(a.WindowStart)
	}
	envs := a.AffectedEnvironments
	if envs == nil {
		envs = []string{}
	}
	res, err := s.DB.ExecContext(ctx, q,
		a.ID, string(a.Type), a.Service, a.Endpoint, a.Environment, a.EnvironmentType,
		string(a.Severity), a.Detector, a.ObservedValue, nullFloat(a.BaselineValue),
		nullFloat(a.ThresholdValue), a.P95Value, a.ErrorRate, a.RequestCount, a.Score,
		a.CorrelationID, pq.Array(envs), a.WindowStart.UTC(), database.DurationToInterval(length),
		a.Timestamp.UTC(),
	)
	if err != nil {
		return 0, persistErr(s.Name(), a, fmt.Errorf("insert anomaly: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr(s.Name(), a, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Stored, nil
}

const selectAnomaly = `
	SELECT id, type, service, endpoint, environment, environment_type, severity, detector,
		observed_value, baseline_value, threshold_value, p95_value, error_rate, request_count,
		score, correlation_id, affected_environments, window_start,
		window_length::text, detected_at
	FROM anomalies`

func (s *PgSink) Get(ctx context.Context, id string) (*model.Anomaly, bool, error) {
	row := s.DB.QueryRowContext(ctx, selectAnomaly+` WHERE id = $1`, id)
	a, err := scanAnomaly(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get anomaly: %w", err)
	}
	return a, true, nil
}

func (s *PgSink) List(ctx context.Context, f Filter) ([]*model.Anomaly, error) {
	q, args := buildListQuery(f)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	out := make([]*model.Anomaly, 0)
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func buildListQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Service != "" {
		add("service = $%d", f.Service)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("detected_at >= $%d", f.Since.UTC())
	}
	q := selectAnomaly
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += fmt.Sprintf(" ORDER BY detected_at DESC LIMIT $%d", len(args))
	return q, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnomaly(sc scanner) (*model.Anomaly, error) {
	var (
		a         model.Anomaly
		typ, sev  string
		baseline  sql.NullFloat64
		threshold sql.NullFloat64
		envs      pq.StringArray
		length    string
	)
	err := sc.Scan(&a.ID, &typ, &a.Service, &a.Endpoint, &a.Environment, &a.EnvironmentType,
		&sev, &a.Detector, &a.ObservedValue, &baseline, &threshold, &a.P95Value, &a.ErrorRate,
		&a.RequestCount, &a.Score, &a.CorrelationID, &envs, &a.WindowStart, &length, &a.Timestamp)
	if err != nil {
		return nil, err
	}
	a.Type = model.AnomalyType(typ)
	a.Severity = model.Severity(sev)
	if baseline.Valid {
		a.BaselineValue = model.Float(baseline.Float64)
	}
	if threshold.Valid {
		a.ThresholdValue = model.Float(threshold.Float64)
	}
	if len(envs) > 0 {
		a.AffectedEnvironments = []string(envs)
	}
	windowLength, err := database.ParseInterval(length)
	if err != nil {
		return nil, err
	}
	a.WindowStart = a.WindowStart.UTC()
	a.WindowEnd = a.WindowStart.Add(windowLength)
	a.Timestamp = a.Timestamp.UTC()
	return &a, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
