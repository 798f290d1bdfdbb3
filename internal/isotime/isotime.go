// Package isotime formats and parses the ISO-8601 timestamps used on the wire.
package isotime

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	layoutZoned = "2006-01-02T15:04:05.000000-07:00"
	layoutLocal = "2006-01-02T15:04:05.999999999"
)

// Format renders t in UTC with microsecond precision and an explicit +00:00 offset.
func Format(t time.Time) string {
	return t.UTC().Format(layoutZoned)
}

// FormatNaive renders t in UTC without an offset, as legacy producers did.
func FormatNaive(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000")
}

// Parse reads an ISO-8601 timestamp. Strings carrying an offset (or "Z") are
// absolute; naive strings are interpreted in loc. The result is always UTC.
func Parse(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	s = strings.Replace(s, " ", "T", 1)
	if hasOffset(s) {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(layoutLocal, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Truncate drops precision below one microsecond, the resolution of the wire format.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func hasOffset(s string) bool {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return true
	}
	// date part "2006-01-02" has dashes too, look only after the time separator
	i := strings.IndexByte(s, 'T')
	if i < 0 {
		return false
	}
	return strings.ContainsAny(s[i:], "+-")
}

// MaxSeconds is the largest whole number of seconds a time.Duration holds.
const MaxSeconds = math.MaxInt64 / int64(time.Second)

// Seconds converts a number of seconds to a Duration. It reports false for
// NaN, infinities and magnitudes beyond MaxSeconds.
func Seconds(secs float64) (time.Duration, bool) {
	if math.IsNaN(secs) || math.Abs(secs) > float64(MaxSeconds) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
