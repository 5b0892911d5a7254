package audit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gmboard/gmboard/internal/models"
)

const minutesPerDay = 24 * 60

type window struct {
	start int
	end   int
}

var slotWindows = map[string]window{
	models.SlotMorning:   {start: 8 * 60, end: 12 * 60},
	models.SlotAfternoon: {start: 14 * 60, end: 18 * 60},
	models.SlotEvening:   {start: 18 * 60, end: 22 * 60},
}

// parseClock converts HH:MM (or HH:MM:SS) into minutes since midnight.
func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 24 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	return hours*60 + minutes, nil
}

// activityWindow returns the half-open [start, end) interval of an activity.
// An end at or before the start runs to midnight.
func activityWindow(activity models.Activity) (window, error) {
	start, err := parseClock(activity.StartTime)
	if err != nil {
		return window{}, err
	}
	end, err := parseClock(activity.EndTime)
	if err != nil {
		return window{}, err
	}
	if end <= start {
		end = minutesPerDay
	}
	return window{start: start, end: end}, nil
}

func (w window) overlaps(other window) bool {
	return w.start < other.end && other.start < w.end
}

// coverage merges the declared slots into disjoint windows. allDay is true
// when a slot makes any time acceptable.
func coverage(slots []string) (windows []window, allDay bool) {
	for _, slot := range slots {
		if slot == models.SlotAllDay {
			return nil, true
		}
		if w, ok := slotWindows[slot]; ok {
			windows = append(windows, w)
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })

	merged := make([]window, 0, len(windows))
	for _, w := range windows {
		if n := len(merged); n > 0 && w.start <= merged[n-1].end {
			if w.end > merged[n-1].end {
				merged[n-1].end = w.end
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged, false
}

func covers(windows []window, target window) bool {
	for _, w := range windows {
		if w.start <= target.start && target.end <= w.end {
			return true
		}
	}
	return false
}
