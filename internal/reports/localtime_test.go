package reports

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

func wall(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return loc
}

func TestToUTC_FixedOffset(t *testing.T) {
	loc := time.FixedZone("UTC-06:00", -6*3600)

	got, err := ToUTC(wall(2024, 5, 1, 12, 30, 0), loc, PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, wall(2024, 5, 1, 18, 30, 0), got)

	// A fixed offset has no gaps or folds.
	got, err = ToUTC(wall(2024, 3, 10, 2, 30, 0), loc, PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, wall(2024, 3, 10, 8, 30, 0), got)
}

func TestToUTC_IgnoresInputLocation(t *testing.T) {
	loc := time.FixedZone("UTC-06:00", -6*3600)
	in := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("elsewhere", 9*3600))

	got, err := ToUTC(in, loc, PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, wall(2024, 5, 1, 18, 30, 0), got)
}

func TestToUTC_ZoneRegularTimes(t *testing.T) {
	loc := chicago(t)
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"summer", wall(2024, 5, 1, 12, 30, 0), wall(2024, 5, 1, 17, 30, 0)},
		{"winter", wall(2024, 1, 15, 12, 30, 0), wall(2024, 1, 15, 18, 30, 0)},
		{"just before gap", wall(2024, 3, 10, 1, 59, 59), wall(2024, 3, 10, 7, 59, 59)},
		{"gap end", wall(2024, 3, 10, 3, 0, 0), wall(2024, 3, 10, 8, 0, 0)},
		{"just after fold", wall(2024, 11, 3, 2, 0, 0), wall(2024, 11, 3, 8, 0, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, policy := range []Policy{PolicyReject, PolicyShiftForward} {
				got, err := ToUTC(tc.in, loc, policy)
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
				assert.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestToUTC_Nonexistent(t *testing.T) {
	loc := chicago(t)
	in := wall(2024, 3, 10, 2, 30, 0)

	_, err := ToUTC(in, loc, PolicyReject)
	require.ErrorIs(t, err, domain.ErrNonexistentLocalTime)

	got, err := ToUTC(in, loc, PolicyShiftForward)
	require.NoError(t, err)
	assert.Equal(t, wall(2024, 3, 10, 8, 0, 0), got)
}

func TestToUTC_Ambiguous(t *testing.T) {
	loc := chicago(t)
	in := wall(2024, 11, 3, 1, 30, 0)

	_, err := ToUTC(in, loc, PolicyReject)
	require.ErrorIs(t, err, domain.ErrAmbiguousLocalTime)

	got, err := ToUTC(in, loc, PolicyShiftForward)
	require.NoError(t, err)
	assert.Equal(t, wall(2024, 11, 3, 7, 30, 0), got)
}

func TestToUTC_RoundTrip(t *testing.T) {
	loc := chicago(t)
	// Every instant of a year at 17-minute steps renders to a wall clock
	// that converts back to the same instant unless it sits in the fold.
	for inst := wall(2024, 1, 1, 0, 0, 0); inst.Year() == 2024; inst = inst.Add(17 * time.Minute) {
		local := inst.In(loc)
		got, err := ToUTC(local, loc, PolicyReject)
		if err != nil {
			require.ErrorIs(t, err, domain.ErrAmbiguousLocalTime, inst)
			continue
		}
		require.True(t, got.Equal(inst), "instant %s local %s got %s", inst, local, got)
	}
}
