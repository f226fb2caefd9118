package policy

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"ums-aaa/internal/models"
)

var rateRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([kKmMgG]?)$`)

// ParseRate converts "512k", "5M", "1.5G" or a bare bits-per-second number
// into bits per second.
func ParseRate(rate string) (uint64, error) {
	m := rateRe.FindStringSubmatch(strings.TrimSpace(rate))
	if m == nil {
		return 0, models.NewValidationError(models.CodeInvalidRateFormat, "%q", rate)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0, models.NewValidationError(models.CodeInvalidRateFormat, "%q", rate)
	}
	switch strings.ToLower(m[2]) {
	case "k":
		value *= 1e3
	case "m":
		value *= 1e6
	case "g":
		value *= 1e9
	}
	return uint64(value), nil
}

var durationRe = regexp.MustCompile(`(?i)^(\d+)\s*(mins?|minutes?|hrs?|hours?|days?|weeks?|months?)$`)

// ParseDuration understands the voucher duration strings used by the
// access-code pages: "30 minutes", "1 hour", "2 days", "1 week", "1 month".
// A month is 30 days.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, models.NewValidationError(models.CodeInvalidDuration, "%q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, models.NewValidationError(models.CodeInvalidDuration, "%q", s)
	}

	unit := strings.ToLower(m[2])
	var base time.Duration
	switch {
	case strings.HasPrefix(unit, "min"):
		base = time.Minute
	case strings.HasPrefix(unit, "h"):
		base = time.Hour
	case strings.HasPrefix(unit, "day"):
		base = 24 * time.Hour
	case strings.HasPrefix(unit, "week"):
		base = 7 * 24 * time.Hour
	case strings.HasPrefix(unit, "month"):
		base = 30 * 24 * time.Hour
	}
	return time.Duration(n) * base, nil
}
