package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// nightEndHour is the local hour at which "tonight" ends.
const nightEndHour = 4

// nightStartHour is the local hour at which an evening begins.
const nightStartHour = 17

// TimeResolution is what the normalizer could make of the time expressions
// in an utterance. Window holds the first (calendar-literal) interpretation;
// Candidates has more than one entry when the expression is ambiguous.
type TimeResolution struct {
	Expression string
	Window     *contracts.EffectiveWindow
	Candidates []contracts.Candidate
	// AfterTime is a recurring "after HH:MM" condition, e.g. for transfer rules.
	AfterTime  string
	AfterAlt   []string
	RangeStart string
	RangeEnd   string
	// Day bounds the calendar day named by today/tonight/tomorrow, for queries.
	Day *contracts.EffectiveWindow
}

// Ambiguous reports whether more than one interpretation remains.
func (r TimeResolution) Ambiguous() bool {
	return len(r.Candidates) > 1 || len(r.AfterAlt) > 1
}

var (
	reTomorrowNight = regexp.MustCompile(`(?i)\btomorrow\s+(night|evening)\b|明晚|明天晚上`)
	reTonight       = regexp.MustCompile(`(?i)\btonight\b|\bthis\s+evening\b|今晚|今天晚上`)
	reTomorrow      = regexp.MustCompile(`(?i)\btomorrow\b|明天`)
	reToday         = regexp.MustCompile(`(?i)\btoday\b|\brest\s+of\s+the\s+day\b|今天`)
	reUntil         = regexp.MustCompile(`(?i)\buntil\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?|到\s*(\d{1,2})\s*点\s*为止`)
	reAfter         = regexp.MustCompile(`(?i)\bafter\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
	reAfterZH       = regexp.MustCompile(`(晚上|下午|早上|上午)?\s*(\d{1,2})\s*点\s*(?:以后|之后|后)`)
	reRange         = regexp.MustCompile(`(?i)(?:^|[^\d+])(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\s*点?\s*(?:到|-|~|to|until)\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?(?:[^\d]|$)`)
)

// ResolveTime interprets relative time expressions against now in loc.
func ResolveTime(text string, now time.Time, loc *time.Location) TimeResolution {
	local := now.In(loc)
	var res TimeResolution

	switch {
	case reTomorrowNight.MatchString(text):
		res.Expression = reTomorrowNight.FindString(text)
		literal := evening(local, 1, loc)
		res.Window = literal
		if local.Hour() < nightEndHour {
			res.Candidates = []contracts.Candidate{
				{ID: "calendar_tomorrow", Label: describeEvening(literal), Window: literal},
				{ID: "coming_evening", Label: describeEvening(evening(local, 0, loc)), Window: evening(local, 0, loc)},
			}
		}
	case reTonight.MatchString(text):
		res.Expression = reTonight.FindString(text)
		end := dayStart(local, 1, loc).Add(nightEndHour * time.Hour)
		res.Window = window(local, end, loc)
		res.Day = window(dayStart(local, 0, loc), dayStart(local, 1, loc), loc)
		if local.Hour() < nightEndHour {
			current := window(local, dayStart(local, 0, loc).Add(nightEndHour*time.Hour), loc)
			res.Window = current
			res.Candidates = []contracts.Candidate{
				{ID: "current_night", Label: describeEnd(current), Window: current},
				{ID: "coming_night", Label: describeEnd(window(local, end, loc)), Window: window(local, end, loc)},
			}
		}
	case reTomorrow.MatchString(text):
		res.Expression = reTomorrow.FindString(text)
		start := dayStart(local, 1, loc)
		res.Window = window(start, dayStart(local, 2, loc), loc)
		res.Day = res.Window
	case reToday.MatchString(text):
		res.Expression = reToday.FindString(text)
		res.Window = window(local, dayStart(local, 1, loc), loc)
		res.Day = window(dayStart(local, 0, loc), dayStart(local, 1, loc), loc)
	case reUntil.MatchString(text):
		m := reUntil.FindStringSubmatch(text)
		res.Expression = m[0]
		hourStr, minStr, suffix := m[1], m[2], strings.ToLower(m[3])
		if hourStr == "" {
			hourStr, suffix = m[4], "zh"
		}
		h, mi := clock(hourStr, minStr, suffix)
		res.Window = window(local, nextClock(local, h, mi, loc), loc)
		if suffix == "" && h >= 1 && h < 12 {
			// Whichever of the two readings comes first is the literal one.
			first, second := nextClock(local, h, mi, loc), nextClock(local, h+12, mi, loc)
			if second.Before(first) {
				first, second = second, first
			}
			res.Window = window(local, first, loc)
			res.Candidates = []contracts.Candidate{
				{ID: "until_" + first.Format("15:04"), Label: describeEnd(res.Window), Window: res.Window},
				{ID: "until_" + second.Format("15:04"), Label: describeEnd(window(local, second, loc)), Window: window(local, second, loc)},
			}
		}
	}

	if m := reAfter.FindStringSubmatch(text); m != nil {
		res.AfterTime, res.AfterAlt = afterClock(m[1], m[2], strings.ToLower(m[3]))
	} else if m := reAfterZH.FindStringSubmatch(text); m != nil {
		suffix := ""
		switch m[1] {
		case "晚上", "下午":
			suffix = "pm"
		case "早上", "上午":
			suffix = "am"
		}
		res.AfterTime, res.AfterAlt = afterClock(m[2], "", suffix)
	}

	if m := reRange.FindStringSubmatch(text); m != nil {
		sh, sm := clock(m[1], m[2], strings.ToLower(m[3]))
		eh, em := clock(m[4], m[5], strings.ToLower(m[6]))
		if m[3] == "" && m[6] == "" && eh < sh && eh < 12 {
			eh += 12
		}
		if validClock(sh, sm) && validClock(eh, em) {
			res.RangeStart = fmt.Sprintf("%02d:%02d", sh, sm)
			res.RangeEnd = fmt.Sprintf("%02d:%02d", eh, em)
		}
	}
	return res
}

// nextClock returns the first h:m at or after now, rolling to tomorrow.
func nextClock(now time.Time, h, m int, loc *time.Location) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// afterClock converts "after N" into HH:MM. A bare hour below 12 could be
// morning or evening, so both readings are returned as alternatives.
func afterClock(hourStr, minStr, suffix string) (string, []string) {
	h, m := clock(hourStr, minStr, suffix)
	if !validClock(h, m) {
		return "", nil
	}
	primary := fmt.Sprintf("%02d:%02d", h, m)
	if suffix == "" && h >= 1 && h < 12 {
		return primary, []string{primary, fmt.Sprintf("%02d:%02d", h+12, m)}
	}
	return primary, nil
}

func clock(hourStr, minStr, suffix string) (int, int) {
	h, _ := strconv.Atoi(hourStr)
	m := 0
	if minStr != "" {
		m, _ = strconv.Atoi(minStr)
	}
	switch suffix {
	case "pm", "zh":
		if h < 12 && suffix == "pm" {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h, m
}

func validClock(h, m int) bool {
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}

func dayStart(t time.Time, offsetDays int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+offsetDays, 0, 0, 0, 0, loc)
}

// evening returns the evening of the day offsetDays after t.
func evening(t time.Time, offsetDays int, loc *time.Location) *contracts.EffectiveWindow {
	start := dayStart(t, offsetDays, loc).Add(nightStartHour * time.Hour)
	if start.Before(t) {
		start = t
	}
	end := dayStart(t, offsetDays+1, loc).Add(nightEndHour * time.Hour)
	return window(start, end, loc)
}

func window(start, end time.Time, loc *time.Location) *contracts.EffectiveWindow {
	s := start.UTC()
	e := end.UTC()
	return &contracts.EffectiveWindow{StartAt: &s, EndAt: &e, Timezone: loc.String()}
}

func describeEvening(w *contracts.EffectiveWindow) string {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s evening", w.StartAt.In(loc).Format("Mon Jan 2"))
}

func describeEnd(w *contracts.EffectiveWindow) string {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return fmt.Sprintf("until %s", w.EndAt.In(loc).Format("Mon Jan 2 15:04"))
}
