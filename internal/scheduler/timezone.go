package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/tripclaw/internal/types"
)

// NaiveLayout is the form a rescheduled runAt is written back in.
const NaiveLayout = "2006-01-02T15:04:05"

// naiveLayouts are the accepted wall-clock forms without an offset.
var naiveLayouts = []string{
	NaiveLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// LoadZone resolves an IANA zone name. The empty name means UTC.
func LoadZone(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ResolveRunAt converts runAt to an absolute instant. Timestamps carrying
// an offset or Z are used as-is. Naive wall-clock timestamps are resolved
// in tz with the zone's offset at the candidate instant, never a fixed
// offset.
func ResolveRunAt(runAt, tz string) (time.Time, error) {
	runAt = strings.TrimSpace(runAt)
	if runAt == "" {
		return time.Time{}, fmt.Errorf("runAt is empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, runAt); err == nil {
		return t, nil
	}

	loc, err := LoadZone(tz)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range naiveLayouts {
		if wall, err := time.ParseInLocation(layout, runAt, time.UTC); err == nil {
			return resolveWallClock(wall, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse runAt %q: unsupported format", runAt)
}

// resolveWallClock maps the wall-clock fields of wall (read as UTC) to an
// instant in loc. The candidate is the fields taken as UTC; the zone's offset
// at the candidate is subtracted, then the offset at that result is checked.
// Wall times skipped by a spring-forward transition resolve to the later of
// the two instants, after the gap. Repeated wall times resolve to the first
// occurrence.
func resolveWallClock(wall time.Time, loc *time.Location) time.Time {
	cand := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)

	_, off := cand.In(loc).Zone()
	first := cand.Add(-time.Duration(off) * time.Second)
	_, off = first.In(loc).Zone()
	second := cand.Add(-time.Duration(off) * time.Second)

	if sameWallClock(second.In(loc), cand) {
		return second.In(loc)
	}
	if sameWallClock(first.In(loc), cand) {
		return first.In(loc)
	}
	if first.After(second) {
		return first.In(loc)
	}
	return second.In(loc)
}

func sameWallClock(local, cand time.Time) bool {
	y, m, d := local.Date()
	cy, cm, cd := cand.Date()
	return y == cy && m == cm && d == cd &&
		local.Hour() == cand.Hour() && local.Minute() == cand.Minute() && local.Second() == cand.Second()
}

// NextDaily returns the same local wall-clock time on the next calendar day
// in tz, as a naive runAt string and as an instant. The UTC offset of the
// result may differ from the input's when a DST boundary lies in between.
func NextDaily(runAt, tz string) (string, time.Time, error) {
	current, err := ResolveRunAt(runAt, tz)
	if err != nil {
		return "", time.Time{}, err
	}
	loc, err := LoadZone(tz)
	if err != nil {
		return "", time.Time{}, err
	}
	if tz == "" {
		loc = current.Location()
	}

	local := current.In(loc)
	y, m, d := local.Date()
	wall := time.Date(y, m, d+1, local.Hour(), local.Minute(), local.Second(), 0, time.UTC)
	return wall.Format(NaiveLayout), resolveWallClock(wall, loc), nil
}

// ValidateSchedule reports whether s can be resolved to an instant.
func ValidateSchedule(s types.Schedule) error {
	if _, err := LoadZone(s.Timezone); err != nil {
		return err
	}
	if _, err := ResolveRunAt(s.RunAt, s.Timezone); err != nil {
		return err
	}
	return nil
}
