// Package hours decides when campaign working-hours configuration permits an
// action to execute, and when the next permitted instant is. Everything here
// is a pure mapping from (now, config); callers inject the clock.
package hours

import (
	"fmt"
	"time"

	"linkflow/internal/domain"
)

// Location resolves the configured timezone. Empty means UTC.
func Location(cfg domain.WorkingHours) (*time.Location, error) {
	if cfg.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	return loc, nil
}

// Allowed reports whether now falls inside the configured window.
func Allowed(now time.Time, cfg domain.WorkingHours) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}
	loc, err := Location(cfg)
	if err != nil {
		return false, err
	}
	local := now.In(loc)
	if isWeekend(local.Weekday()) && !cfg.WeekendsAllowed {
		return false, nil
	}
	h := local.Hour()
	return h >= cfg.StartHour && h < cfg.EndHour, nil
}

// NextAllowed returns the earliest instant at or after now that the window
// permits. If now is already allowed it is returned unchanged.
func NextAllowed(now time.Time, cfg domain.WorkingHours) (time.Time, error) {
	ok, err := Allowed(now, cfg)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return now, nil
	}

	loc, err := Location(cfg)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)

	day := local
	if local.Hour() >= cfg.EndHour {
		day = day.AddDate(0, 0, 1)
	}
	for isWeekend(day.Weekday()) && !cfg.WeekendsAllowed {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), cfg.StartHour, 0, 0, 0, loc), nil
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
