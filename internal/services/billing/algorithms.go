package billing

import (
	"fmt"
	"time"
)

const bytesPerMegabyte = 1024 * 1024

// Tariff prices session usage in minor units. Duration is billed per started
// minute, traffic per started megabyte after the included allowance.
type Tariff struct {
	PerMinute         int64           `yaml:"per_minute"`
	PerMegabyte       int64           `yaml:"per_megabyte"`
	IncludedMegabytes uint64          `yaml:"included_megabytes"`
	Intervals         []PriceInterval `yaml:"intervals"`
}

// PriceInterval scales prices for sessions that start before Until (HH:MM)
// and after the previous interval. Intervals are listed in day order.
type PriceInterval struct {
	Until   string `yaml:"until"`
	Percent int64  `yaml:"percent"`
}

// Plan is a tariff plan an account can be on
type Plan struct {
	MonthlyFee int64  `yaml:"monthly_fee"`
	Tariff     Tariff `yaml:"tariff"`
}

// Cost prices a usage of durationSeconds and bytes for a session that
// started at startedAt.
func (t Tariff) Cost(durationSeconds int64, bytes uint64, startedAt time.Time) int64 {
	var cost int64
	if durationSeconds > 0 && t.PerMinute > 0 {
		minutes := (durationSeconds + 59) / 60
		cost += minutes * t.PerMinute
	}
	if t.PerMegabyte > 0 {
		payable, _ := calculateOverlimit(bytes, t.IncludedMegabytes*bytesPerMegabyte)
		megabytes := int64((payable + bytesPerMegabyte - 1) / bytesPerMegabyte)
		cost += megabytes * t.PerMegabyte
	}
	if pct, ok := t.percentAt(startedAt); ok {
		cost = cost * pct / 100
	}
	return cost
}

// percentAt finds the interval covering the time of day of at.
func (t Tariff) percentAt(at time.Time) (int64, bool) {
	if len(t.Intervals) == 0 || at.IsZero() {
		return 0, false
	}
	todaySeconds := at.Hour()*3600 + at.Minute()*60 + at.Second()
	for _, iv := range t.Intervals {
		boundary, err := secondsOfDay(iv.Until)
		if err != nil {
			continue
		}
		if todaySeconds < boundary {
			return iv.Percent, true
		}
	}
	return 0, false
}

// Validate checks tariff fields loaded from configuration
func (t Tariff) Validate() error {
	if t.PerMinute < 0 || t.PerMegabyte < 0 {
		return fmt.Errorf("negative tariff price")
	}
	for _, iv := range t.Intervals {
		if _, err := secondsOfDay(iv.Until); err != nil {
			return err
		}
		if iv.Percent < 0 {
			return fmt.Errorf("negative percent for interval until %s", iv.Until)
		}
	}
	return nil
}

func secondsOfDay(hhmm string) (int, error) {
	if hhmm == "24:00" {
		return 24 * 3600, nil
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("invalid interval boundary %q: %w", hhmm, err)
	}
	return t.Hour()*3600 + t.Minute()*60, nil
}

// calculateOverlimit splits octets into the payable part and what is left of
// the allowance.
func calculateOverlimit(octets uint64, limit uint64) (payableOctets uint64, remainingLimit uint64) {
	if octets <= limit {
		return 0, limit - octets
	}
	return octets - limit, 0
}
