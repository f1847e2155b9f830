package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const microsPerDay = int64(24 * time.Hour / time.Microsecond)

// DurationToInterval splits d into whole days and microseconds.
func DurationToInterval(d time.Duration) pgtype.Interval {
	us := d.Microseconds()
	return pgtype.Interval{
		Days:         int32(us / microsPerDay),
		Microseconds: us % microsPerDay,
		Valid:        true,
	}
}

// IntervalToDuration rejects month components, which have no fixed length.
func IntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, errors.New("interval is null")
	}
	if iv.Months != 0 {
		return 0, errors.New("interval with months cannot be converted to a duration")
	}
	us := int64(iv.Days)*microsPerDay + iv.Microseconds
	return time.Duration(us) * time.Microsecond, nil
}

// ParseInterval converts Postgres' text output of an interval column.
func ParseInterval(text string) (time.Duration, error) {
	var iv pgtype.Interval
	if err := iv.Scan(text); err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", text, err)
	}
	return IntervalToDuration(iv)
}
