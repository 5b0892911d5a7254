package audit

import (
	"testing"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "09:30", want: 570},
		{in: "18:00:00", want: 1080},
		{in: " 7:05 ", want: 425},
		{in: "25:00", wantErr: true},
		{in: "10:75", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseClock(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestActivityWindowWrapsToMidnight(t *testing.T) {
	w, err := activityWindow(models.Activity{StartTime: "21:00", EndTime: "00:30"})
	require.NoError(t, err)
	require.Equal(t, window{start: 21 * 60, end: minutesPerDay}, w)

	w, err = activityWindow(models.Activity{StartTime: "10:00", EndTime: "10:00"})
	require.NoError(t, err)
	require.Equal(t, minutesPerDay, w.end)
}

func TestWindowsOverlapHalfOpen(t *testing.T) {
	morning := window{start: 600, end: 660}
	require.False(t, morning.overlaps(window{start: 660, end: 720}))
	require.True(t, morning.overlaps(window{start: 659, end: 720}))
	require.True(t, morning.overlaps(window{start: 610, end: 620}))
}

func TestCoverageMergesAdjacentSlots(t *testing.T) {
	windows, allDay := coverage([]string{models.SlotEvening, models.SlotAfternoon, "bogus"})
	require.False(t, allDay)
	require.Equal(t, []window{{start: 14 * 60, end: 22 * 60}}, windows)
	require.True(t, covers(windows, window{start: 17 * 60, end: 19 * 60}))
	require.False(t, covers(windows, window{start: 13 * 60, end: 15 * 60}))

	windows, allDay = coverage([]string{models.SlotMorning, models.SlotEvening})
	require.False(t, allDay)
	require.Len(t, windows, 2)
	require.False(t, covers(windows, window{start: 11 * 60, end: 19 * 60}))

	_, allDay = coverage([]string{models.SlotMorning, models.SlotAllDay})
	require.True(t, allDay)
}
