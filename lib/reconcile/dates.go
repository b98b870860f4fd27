package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// Layouts with a full calendar date, tried before anything relative.
var absoluteLayouts = []string{
	"2006.01.02 15:04",
	"2006.01.02 3:04 PM",
	"2006/01/02 15:04",
	"2006/01/02 3:04 PM",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"01/02/2006 3:04 PM",
	"01/02/2006 15:04",
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006 15:04",
	"Mon, Jan 2, 2006 3:04 PM",
	"2006.01.02",
	"2006/01/02",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
	"Mon, Jan 2, 2006",
	time.RFC3339,
}

// Layouts carrying a month and day but no year.
var monthDayLayouts = []string{
	"01.02 15:04",
	"01.02 3:04 PM",
	"01/02 15:04",
	"01/02 3:04 PM",
	"Jan 2 15:04",
	"Jan 2 3:04 PM",
	"01.02",
	"01/02",
	"Jan 2",
	"Mon, Jan 2",
}

var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3:04 pm",
	"3:04pm",
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var (
	naturalOnce   sync.Once
	naturalMu     sync.Mutex
	naturalParser *when.Parser
)

func natural() *when.Parser {
	naturalOnce.Do(func() {
		naturalParser = when.New(nil)
		naturalParser.Add(en.All...)
		naturalParser.Add(common.All...)
	})
	return naturalParser
}

// ResolveDate turns a date label scraped from the client into an absolute
// time. A label that does not parse, or parses into the future, is retried
// against a reference one week back with a forward bias. If the result is
// still in the future it is discarded.
func ResolveDate(text string, now time.Time) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	t, ok := parseDate(text, now, false)
	if !ok || t.After(now) {
		t, ok = parseDate(text, now.AddDate(0, 0, -7), true)
		if !ok || t.After(now) {
			return time.Time{}, false
		}
	}
	return t, true
}

// parseDate interprets text relative to ref. Without forward, incomplete
// dates resolve to the closest match at or before ref; with forward, to the
// closest match at or after it.
func parseDate(text string, ref time.Time, forward bool) (time.Time, bool) {
	loc := ref.Location()

	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}

	for _, layout := range monthDayLayouts {
		t, err := time.ParseInLocation(layout, text, loc)
		if err != nil {
			continue
		}
		t = time.Date(ref.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
		switch {
		case forward && t.Before(ref):
			t = t.AddDate(1, 0, 0)
		case !forward && t.After(ref):
			t = t.AddDate(-1, 0, 0)
		}
		return t, true
	}

	if t, ok := parseRelative(text, ref, forward); ok {
		return t, true
	}

	naturalMu.Lock()
	r, err := natural().Parse(text, ref)
	naturalMu.Unlock()
	if err != nil || r == nil {
		return time.Time{}, false
	}
	return r.Time, true
}

// parseRelative handles "<day> <clock>" where day is Today, Yesterday or a
// weekday name and either part may be missing.
func parseRelative(text string, ref time.Time, forward bool) (time.Time, bool) {
	day, clock := text, ""
	if i := strings.IndexByte(text, ' '); i > 0 {
		day, clock = text[:i], strings.TrimSpace(text[i+1:])
	}
	day = strings.TrimSuffix(strings.ToLower(day), ",")

	base := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	hasDay := true
	switch day {
	case "today":
	case "yesterday":
		base = base.AddDate(0, 0, -1)
	default:
		wd, ok := weekdays[day]
		if !ok {
			// no day label; the whole text must be a clock
			hasDay = false
			clock = text
			break
		}
		if forward {
			base = base.AddDate(0, 0, (int(wd)-int(ref.Weekday())+7)%7)
		} else {
			base = base.AddDate(0, 0, -((int(ref.Weekday()) - int(wd) + 7) % 7))
		}
	}

	var hour, minute, second int
	if clock != "" {
		c, ok := parseClock(clock)
		if !ok {
			return time.Time{}, false
		}
		hour, minute, second = c.Hour(), c.Minute(), c.Second()
	}
	t := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, second, 0, ref.Location())

	if forward && t.Before(ref) {
		switch {
		case !hasDay:
			t = t.AddDate(0, 0, 1)
		case day != "today" && day != "yesterday":
			t = t.AddDate(0, 0, 7)
		}
	}
	return t, true
}

func parseClock(text string) (time.Time, bool) {
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
