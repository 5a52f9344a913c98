package reports

import (
	"fmt"
	"sort"
	"time"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// ToUTC converts a wall-clock time in loc to UTC. The wall clock is taken
// from the fields of wall; its location is ignored.
//
// A wall-clock time inside a DST gap has no instant and one inside a fold has
// two. Under PolicyReject these return domain.ErrNonexistentLocalTime and
// domain.ErrAmbiguousLocalTime. Under PolicyShiftForward a gap resolves to the
// first instant after it and a fold to its later instant.
func ToUTC(wall time.Time, loc *time.Location, policy Policy) (time.Time, error) {
	naive := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)

	// Transitions are rare enough that the offsets a day either side cover
	// every candidate.
	offsets := []int{offsetAt(naive.Add(-24*time.Hour), loc), offsetAt(naive.Add(24*time.Hour), loc)}

	var valid []time.Time
	for _, off := range offsets {
		inst := naive.Add(-time.Duration(off) * time.Second)
		if sameWallClock(inst.In(loc), naive) && !containsInstant(valid, inst) {
			valid = append(valid, inst)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Before(valid[j]) })

	switch len(valid) {
	case 1:
		return valid[0], nil
	case 0:
		if policy != PolicyShiftForward {
			return time.Time{}, fmt.Errorf("%w: %s in %s", domain.ErrNonexistentLocalTime, naive.Format("2006-01-02 15:04:05"), loc)
		}
		// Read with the pre-gap offset the wall clock lands past the
		// transition; the zone period containing that instant starts at
		// the transition itself.
		inst := naive.Add(-time.Duration(offsets[0]) * time.Second)
		start, _ := inst.In(loc).ZoneBounds()
		if start.IsZero() {
			return inst, nil
		}
		return start.UTC(), nil
	default:
		if policy != PolicyShiftForward {
			return time.Time{}, fmt.Errorf("%w: %s in %s", domain.ErrAmbiguousLocalTime, naive.Format("2006-01-02 15:04:05"), loc)
		}
		return valid[len(valid)-1], nil
	}
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

func sameWallClock(local, naive time.Time) bool {
	y, mo, d := local.Date()
	h, mi, s := local.Clock()
	return y == naive.Year() && mo == naive.Month() && d == naive.Day() &&
		h == naive.Hour() && mi == naive.Minute() && s == naive.Second() &&
		local.Nanosecond() == naive.Nanosecond()
}

func containsInstant(ts []time.Time, t time.Time) bool {
	for _, v := range ts {
		if v.Equal(t) {
			return true
		}
	}
	return false
}
