package timeutil

import (
	"fmt"
	"strings"
	"time"
)

const isoSeconds = "2006-01-02T15:04:05"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	isoSeconds,
	"2006-01-02 15:04:05.999999999",
}

// ParseDurationOrDefault parses duration and returns def on empty or invalid value.
func ParseDurationOrDefault(value string, def time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// Normalize drops the monotonic reading and sub-microsecond precision and moves t to
// local time, so a value survives FormatISO/ParseISO unchanged.
func Normalize(t time.Time) time.Time {
	return t.In(time.Local).Truncate(time.Microsecond)
}

// FormatISO renders t as a naive local ISO-8601 timestamp with microseconds,
// omitting the fraction when it is zero.
func FormatISO(t time.Time) string {
	local := t.In(time.Local)
	out := local.Format(isoSeconds)
	if micros := local.Nanosecond() / 1000; micros != 0 {
		out += fmt.Sprintf(".%06d", micros)
	}
	return out
}

// ParseISO accepts naive local timestamps as well as RFC3339 with an offset.
func ParseISO(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range parseLayouts {
		var (
			parsed time.Time
			err    error
		)
		if layout == time.RFC3339Nano {
			parsed, err = time.Parse(layout, value)
		} else {
			parsed, err = time.ParseInLocation(layout, value, time.Local)
		}
		if err == nil {
			return Normalize(parsed), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
