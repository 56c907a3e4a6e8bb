// Package dateutil parses and formats the date strings kept in the record store.
package dateutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DatabaseLayout is the layout every stored date is written with.
const DatabaseLayout = "2006-01-02T15:04:05.000"

// DateLayout is accepted on input for values captured without a time part.
const DateLayout = "2006-01-02"

// ErrEmpty is returned when there is no date to parse.
var ErrEmpty = errors.New("empty date")

// Parse reads a stored date string. It never substitutes a default value;
// callers decide what to do when the value is unparsable.
func Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrEmpty
	}
	for _, layout := range []string{DatabaseLayout, time.RFC3339, DateLayout} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", value)
}

// Format writes t in the stored layout.
func Format(t time.Time) string {
	return t.Format(DatabaseLayout)
}

// AddDays moves t by a number of calendar days.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
