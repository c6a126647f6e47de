package pscontent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
)

// ParseError is returned for a time constraint string that doesn't follow
// either accepted format.
type ParseError struct {
	input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("can't parse time constraint string %q; should be in the format [MTWRF:]HH:MM-HH:MM or [MTWRF:]HHMM-HHMM", e.input)
}

// Day letters as the fleet tooling has always abbreviated them, with R
// standing in for Thursday.
var letterToDay = map[rune]time.Weekday{
	'M': time.Monday,
	'T': time.Tuesday,
	'W': time.Wednesday,
	'R': time.Thursday,
	'F': time.Friday,
}

var dayToLetter = map[time.Weekday]string{
	time.Monday:    "M",
	time.Tuesday:   "T",
	time.Wednesday: "W",
	time.Thursday:  "R",
	time.Friday:    "F",
}

var (
	colonWindowRE   = regexp.MustCompile(`^([MTWRFmtwrf]*):?(\d{2}):(\d{2})-(\d{2}):(\d{2})$`)
	compactWindowRE = regexp.MustCompile(`^([MTWRFmtwrf]*):?(\d{2})(\d{2})-(\d{2})(\d{2})$`)
)

// A TimeConstraint is a day-of-week plus time-of-day window. An empty day
// set means the window applies every day. Begin and End are minutes of the
// day in [0, 1440), and the window covers Begin up to but not including End.
// A window with Begin > End never matches anything.
type TimeConstraint struct {
	Days  map[time.Weekday]struct{}
	Begin int
	End   int
}

// ParseTimeConstraint parses a window like `MWF:08:20-09:10` or `0945-1100`.
// Day letters are case-insensitive and tolerate duplicates and any order.
func ParseTimeConstraint(s string) (TimeConstraint, error) {
	match := colonWindowRE.FindStringSubmatch(s)
	if match == nil {
		match = compactWindowRE.FindStringSubmatch(s)
	}
	if match == nil {
		return TimeConstraint{}, &ParseError{s}
	}

	constraint := TimeConstraint{Days: make(map[time.Weekday]struct{})}
	for _, letter := range strings.ToUpper(match[1]) {
		constraint.Days[letterToDay[letter]] = struct{}{}
	}

	var err error
	constraint.Begin, err = minuteOfDay(match[2], match[3], s)
	if err != nil {
		return TimeConstraint{}, err
	}
	constraint.End, err = minuteOfDay(match[4], match[5], s)
	if err != nil {
		return TimeConstraint{}, err
	}

	return constraint, nil
}

func minuteOfDay(hourStr, minuteStr, input string) (int, error) {
	hour, _ := strconv.Atoi(hourStr)
	minute, _ := strconv.Atoi(minuteStr)
	if hour > 23 || minute > 59 {
		return 0, &ParseError{input}
	}
	return hour*60 + minute, nil
}

// Matches reports whether t falls inside the window.
func (c TimeConstraint) Matches(t time.Time) bool {
	if len(c.Days) > 0 {
		if _, ok := c.Days[t.Weekday()]; !ok {
			return false
		}
	}

	minute := t.Hour()*60 + t.Minute()
	return c.Begin <= minute && minute < c.End
}

// String renders the canonical form of the window, with day letters in
// Monday-first order. Feeding the result back through ParseTimeConstraint
// yields an equivalent constraint.
func (c TimeConstraint) String() string {
	var sb strings.Builder

	if len(c.Days) > 0 {
		days := maps.Keys(c.Days)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		for _, day := range days {
			sb.WriteString(dayToLetter[day])
		}
		sb.WriteByte(':')
	}

	fmt.Fprintf(&sb, "%02d:%02d-%02d:%02d", c.Begin/60, c.Begin%60, c.End/60, c.End%60)
	return sb.String()
}

// Only restricts an item to displaying inside its window.
type Only struct {
	TimeConstraint
}

func ParseOnly(s string) (Only, error) {
	constraint, err := ParseTimeConstraint(s)
	if err != nil {
		return Only{}, err
	}
	return Only{constraint}, nil
}

func (o Only) ShouldDisplay(t time.Time) bool { return o.Matches(t) }

// Except blocks an item from displaying inside its window.
type Except struct {
	TimeConstraint
}

func ParseExcept(s string) (Except, error) {
	constraint, err := ParseTimeConstraint(s)
	if err != nil {
		return Except{}, err
	}
	return Except{constraint}, nil
}

func (e Except) ShouldDisplay(t time.Time) bool { return !e.Matches(t) }
