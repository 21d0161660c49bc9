package schedule

import (
	"fmt"
	"regexp"
)

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// IsClockTime reports whether s is a well-formed "HH:MM" time.
func IsClockTime(s string) bool {
	return clockPattern.MatchString(s)
}

// clockToMinutes converts "HH:MM" to minutes since midnight.
func clockToMinutes(s string) (int, error) {
	if !IsClockTime(s) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	return h*60 + m, nil
}

// minutesToClock converts minutes since midnight (mod 24h) to "HH:MM".
func minutesToClock(minutes int) string {
	minutes = ((minutes % 1440) + 1440) % 1440
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// inRange reports whether t lies within [earliest, latest].
// Ranges with earliest > latest wrap past midnight: membership is then
// t >= earliest OR t <= latest, not a naive numeric comparison.
func inRange(t, earliest, latest int) bool {
	if earliest <= latest {
		return t >= earliest && t <= latest
	}
	return t >= earliest || t <= latest
}
