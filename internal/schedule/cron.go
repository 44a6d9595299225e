// Package schedule validates job schedule expressions and computes next-run
// times.
package schedule

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidExpression marks schedule expressions that fail the shape check.
var ErrInvalidExpression = errors.New("invalid schedule expression")

const fieldCount = 5

// Validate checks the shape of a schedule expression: exactly five
// whitespace-separated fields (minute, hour, day-of-month, month,
// day-of-week) over the usual cron character set. Field ranges are not
// checked.
func Validate(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return ErrInvalidExpression
	}
	for _, field := range fields {
		if !validField(field) {
			return ErrInvalidExpression
		}
	}
	return nil
}

// Next returns the next time strictly after now at which a job with the given
// expression should fire.
//
// The expression's fields are not interpreted yet: every valid expression
// currently yields now + 1 hour. Callers and tests rely on this interval
// behavior, so changing it is a breaking semantic change.
// TODO: evaluate the five cron fields once the intended firing semantics are
// agreed with the dashboard team.
func Next(expr string, now time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return now.UTC().Add(time.Hour), nil
}

func validField(field string) bool {
	for _, r := range field {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r == '*' || r == ',' || r == '/' || r == '-':
		default:
			return false
		}
	}
	return field != ""
}
