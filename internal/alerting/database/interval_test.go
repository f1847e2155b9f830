package database

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationToInterval(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected pgtype.Interval
	}{
		{"zero", 0, pgtype.Interval{Valid: true}},
		{"1 second", time.Second, pgtype.Interval{Microseconds: 1_000_000, Valid: true}},
		{"5 minutes", 5 * time.Minute, pgtype.Interval{Microseconds: 300_000_000, Valid: true}},
		{"1 day", 24 * time.Hour, pgtype.Interval{Days: 1, Valid: true}},
		{"1 day 1 hour", 25 * time.Hour, pgtype.Interval{Days: 1, Microseconds: 3_600_000_000, Valid: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DurationToInterval(tt.duration))
		})
	}
}

func TestIntervalToDuration(t *testing.T) {
	tests := []struct {
		name     string
		interval pgtype.Interval
		expected time.Duration
		wantErr  bool
	}{
		{"microseconds", pgtype.Interval{Microseconds: 1_000_000, Valid: true}, time.Second, false},
		{"days and microseconds", pgtype.Interval{Days: 1, Microseconds: 1_000_000, Valid: true}, 24*time.Hour + time.Second, false},
		{"months", pgtype.Interval{Months: 1, Valid: true}, 0, true},
		{"null", pgtype.Interval{}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IntervalToDuration(tt.interval)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		text     string
		expected time.Duration
		wantErr  bool
	}{
		{"00:05:00", 5 * time.Minute, false},
		{"1 day 01:00:00", 25 * time.Hour, false},
		{"1 mon", 0, true},
		{"five minutes", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParseInterval(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrations.ReadDir(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	body, err := migrations.ReadFile(migrationsDir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "-- +goose Down")
}
