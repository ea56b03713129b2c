package target

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadTargetTime 無法辨識的開售時間格式
var ErrBadTargetTime = errors.New("target: unrecognised target time")

// Canonical layout used when the sniper writes a target time.
const Layout = "2006/01/02 15:04:05"

var fullLayouts = []string{
	Layout,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02 15:04",
}

// Short page form "11.11 20:00": month.day hour:minute, year taken from now.
const shortLayout = "1.2 15:04"

// ParseTargetTime reads a human target time in zone.
func ParseTargetTime(value string, zone *time.Location, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrBadTargetTime)
	}
	if zone == nil {
		zone = time.UTC
	}

	for _, layout := range fullLayouts {
		if t, err := time.ParseInLocation(layout, value, zone); err == nil {
			return t, nil
		}
	}

	if t, err := time.ParseInLocation(shortLayout, value, zone); err == nil {
		year := now.In(zone).Year()
		return time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, zone), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTargetTime, value)
}
