package main

import (
	"fmt"
	"strconv"
	"time"
)

// dateArgumentLayouts are tried in order when a date argument isn't a bare
// number of hours.
var dateArgumentLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102150405",
	"20060102",
}

// parseDateArgument accepts either a floating-point number of hours before
// now (UTC) or an ISO-ish absolute datetime, matching the CLI's documented
// --from/--to syntax.
func parseDateArgument(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if hours, err := strconv.ParseFloat(raw, 64); err == nil {
		return now.UTC().Add(-time.Duration(hours * float64(time.Hour))), nil
	}
	for _, layout := range dateArgumentLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date argument %q", raw)
}
