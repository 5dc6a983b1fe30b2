package prescription

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Frequency keywords in the order they are tried. The first match wins, so
// "twice daily" counts as two doses, not one.
var dosesPerDay = []struct {
	pattern *regexp.Regexp
	doses   int
}{
	{regexp.MustCompile(`\b(four times|qid|q6h)\b`), 4},
	{regexp.MustCompile(`\b(three times|thrice|tid|q8h)\b`), 3},
	{regexp.MustCompile(`\b(twice|bid|q12h)\b`), 2},
	{regexp.MustCompile(`\bq4h\b`), 6},
	{regexp.MustCompile(`\b(once|daily|qd|q24h)\b`), 1},
}

var digitRun = regexp.MustCompile(`\d+`)

// maxDurationDays caps a parsed duration at ten years.
const maxDurationDays = 3650

// DosesPerDay reads a free-text frequency. Unrecognised text counts as one
// dose a day.
func DosesPerDay(frequency string) int {
	f := strings.ToLower(frequency)
	for _, k := range dosesPerDay {
		if k.pattern.MatchString(f) {
			return k.doses
		}
	}
	return 1
}

// DurationDays returns the first run of digits in duration, capped at
// maxDurationDays.
func DurationDays(duration string) (int, bool) {
	m := digitRun.FindString(duration)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	if err != nil || n > maxDurationDays {
		n = maxDurationDays
	}
	return n, true
}

// AutoQuantity derives the dispense quantity from frequency and duration.
// When the duration has no digits current is returned unchanged.
func AutoQuantity(frequency, duration string, current int) int {
	days, ok := DurationDays(duration)
	if !ok {
		return current
	}
	return DosesPerDay(frequency) * days
}
