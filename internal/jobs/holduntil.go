package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadHoldValue is returned for job-hold-until values that are neither a
// known keyword nor an HH:MM[:SS] time.
var ErrBadHoldValue = errors.New("bad job-hold-until value")

var holdKeywords = map[string]bool{
	"no-hold":      true,
	"indefinite":   true,
	"day-time":     true,
	"evening":      true,
	"night":        true,
	"second-shift": true,
	"third-shift":  true,
	"weekend":      true,
}

// ValidHoldUntil reports whether v would be accepted by SetHoldUntil.
func ValidHoldUntil(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || holdKeywords[v] {
		return true
	}
	_, err := parseHoldClock(v)
	return err == nil
}

// SetHoldUntil parses and records a job-hold-until value. "no-hold" clears
// the hold and leaves the resulting state to the caller; any other accepted
// value stores the keyword/time. When api is true the "job-hold-until"
// attribute carried by the job is updated as well, so the change is visible
// in Get-Job-Attributes.
func (s *Store) SetHoldUntil(j *Job, when string, api bool) error {
	when = strings.TrimSpace(when)
	if when == "" {
		when = "indefinite"
	}
	if !holdKeywords[when] {
		if _, err := parseHoldClock(when); err != nil {
			return ErrBadHoldValue
		}
	}
	s.mu.Lock()
	if when == "no-hold" {
		j.HoldUntil = ""
	} else {
		j.HoldUntil = when
	}
	if api {
		setStringAttr(&j.Attrs, "job-hold-until", when)
	}
	s.dirty = true
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// HoldExpired reports whether a held job's hold window has opened at now.
// Jobs held "indefinite" (or with no hold value) never release on their own.
func HoldExpired(j *Job, now time.Time) bool {
	switch j.HoldUntil {
	case "", "indefinite":
		return false
	case "no-hold":
		return true
	case "day-time":
		return inWindow(now, 6, 18)
	case "evening":
		return inWindow(now, 18, 24) || inWindow(now, 0, 6)
	case "night":
		return inWindow(now, 22, 24) || inWindow(now, 0, 6)
	case "second-shift":
		return inWindow(now, 16, 24)
	case "third-shift":
		return inWindow(now, 0, 8)
	case "weekend":
		wd := now.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	}
	clock, err := parseHoldClock(j.HoldUntil)
	if err != nil {
		return false
	}
	nowClock := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return nowClock >= clock
}

func inWindow(now time.Time, fromHour, toHour int) bool {
	h := now.Hour()
	return h >= fromHour && h < toHour
}

func parseHoldClock(v string) (int, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("not a time value: %q", v)
	}
	secs := 0
	mult := []int{3600, 60, 1}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("not a time value: %q", v)
		}
		secs += n * mult[i]
	}
	if secs >= 24*3600 {
		return 0, fmt.Errorf("time out of range: %q", v)
	}
	return secs, nil
}
