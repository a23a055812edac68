package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWireTime(t *testing.T) {
	parsed, err := ParseWireTime("3 08 19 13:30:00 2026 -0300")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 19, 16, 30, 0, 0, time.UTC), parsed.Time)
}

func TestParseWireTimeMissingWeekday(t *testing.T) {
	_, err := ParseWireTime("garbage")
	assert.Error(t, err)
}

func TestFormatWireTimeRoundTrip(t *testing.T) {
	original := NewTime(time.Date(2026, 8, 19, 16, 30, 0, 0, time.UTC))
	parsed, err := ParseWireTime(FormatWireTime(original))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(original.Time))
}

func TestNewTimeRoundsToMicroseconds(t *testing.T) {
	instant := time.Date(2026, 8, 19, 16, 30, 0, 123456789, time.UTC)
	assert.Equal(t, 123457000, NewTime(instant).Nanosecond())
}
