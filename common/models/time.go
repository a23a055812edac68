package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	timestampStorageFormat = "2006-01-02 15:04:05.999999-07:00"
	// Timestamps on the wire look like "1 08 24 13:04:05 2026 -0300"; the
	// leading token is the numeric weekday, which Go layouts cannot express,
	// so it is handled separately.
	wireTimeLayout = "01 02 15:04:05 2006 -0700"
)

// Time is a UTC timestamp, rounded to microseconds so sqlite and postgres
// round-trip the same value.
type Time struct {
	time.Time
}

func NewTime(t time.Time) Time {
	return Time{Time: t.UTC().Round(time.Microsecond)}
}

func NewTimePtr(t time.Time) *Time {
	newTime := NewTime(t)
	return &newTime
}

func (s *Time) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	switch t := src.(type) {
	case time.Time:
		*s = NewTime(t)
	case string:
		parsedTime, err := time.Parse(timestampStorageFormat, t)
		if err != nil {
			return errors.Wrap(err, "error parsing time")
		}
		*s = Time{Time: parsedTime.UTC()}
	default:
		return fmt.Errorf("unsupported type: %[1]T (%[1]v)", src)
	}
	return nil
}

func (s Time) Value() (driver.Value, error) {
	return s.Format(timestampStorageFormat), nil
}

// ParseWireTime parses a slave wire timestamp and converts it to UTC.
func ParseWireTime(s string) (Time, error) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return Time{}, fmt.Errorf("error parsing wire time %q: missing weekday prefix", s)
	}
	t, err := time.Parse(wireTimeLayout, parts[1])
	if err != nil {
		return Time{}, errors.Wrapf(err, "error parsing wire time %q", s)
	}
	return NewTime(t), nil
}

// FormatWireTime renders t in the slave wire timestamp format.
func FormatWireTime(t Time) string {
	return fmt.Sprintf("%d %s", int(t.Weekday()), t.Format(wireTimeLayout))
}
