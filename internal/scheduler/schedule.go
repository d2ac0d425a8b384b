package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FallbackInterval is used when a schedule expression does not parse, so a
// misconfigured task still runs eventually.
const FallbackInterval = time.Hour

var (
	dailyTimeRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	everyRe     = regexp.MustCompile(`^\*/(\d+)\s+(minute|minutes|min|mins|hour|hours|hr|hrs)$`)
)

// ParseSchedule returns the wait until the expression's next fire relative to
// now. Three forms are accepted: "HH:MM" daily local time, "*/N minutes" or
// "*/N hours", and a bare positive integer of seconds.
func ParseSchedule(expr string, now time.Time) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, fmt.Errorf("empty schedule expression")
	}

	if m := dailyTimeRe.FindStringSubmatch(expr); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return 0, fmt.Errorf("schedule %q: time out of range", expr)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next.Sub(now), nil
	}

	if m := everyRe.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n <= 0 {
			return 0, fmt.Errorf("schedule %q: interval must be positive", expr)
		}
		unit := time.Minute
		if strings.HasPrefix(m[2], "h") {
			unit = time.Hour
		}
		return time.Duration(n) * unit, nil
	}

	if secs, err := strconv.Atoi(expr); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("schedule %q: seconds must be positive", expr)
		}
		return time.Duration(secs) * time.Second, nil
	}

	return 0, fmt.Errorf("unrecognized schedule expression %q", expr)
}
