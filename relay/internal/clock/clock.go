// Package clock maps wall-clock time to a trading-session phase.
package clock

import (
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// Phase is a trading-session phase.
type Phase int

const (
	Closed Phase = iota
	Pre
	Open
	Post
)

func (p Phase) String() string {
	switch p {
	case Pre:
		return "pre"
	case Open:
		return "open"
	case Post:
		return "post"
	default:
		return "closed"
	}
}

// Session boundaries in exchange-local minutes after midnight.
const (
	preOpenMinute   = 4 * 60
	regularOpen     = 9*60 + 30
	regularClose    = 16 * 60
	postCloseMinute = 20 * 60
)

// Clock reports the session phase of one exchange.
type Clock struct {
	cal *calendar.Calendar
	loc *time.Location
	now func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// New creates a clock for the exchange identified by its MIC (e.g. "xnys").
// If the calendar cannot be loaded the clock falls back to Mon-Fri 09:30-16:00 New York time.
func New(mic string, opts ...Option) *Clock {
	mic = strings.ToLower(strings.TrimSpace(mic))
	if mic == "" {
		mic = "xnys"
	}

	c := &Clock{now: time.Now}
	c.cal = calendar.GetCalendar(mic)
	if c.cal == nil {
		c.cal = calendar.GetCalendar("xnys")
	}
	if c.cal != nil {
		c.loc = c.cal.Loc
	}
	if c.loc == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		c.loc = loc
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Location returns the exchange time zone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Phase returns the current session phase.
func (c *Clock) Phase() Phase {
	return c.PhaseAt(c.now())
}

// PhaseAt returns the session phase at t.
func (c *Clock) PhaseAt(t time.Time) Phase {
	t = t.In(c.loc)
	if !c.isTradingDay(t) {
		return Closed
	}

	minute := t.Hour()*60 + t.Minute()
	if c.isOpen(t, minute) {
		return Open
	}

	switch {
	case minute >= preOpenMinute && minute < regularOpen:
		return Pre
	case minute >= regularOpen && minute < postCloseMinute:
		// Early-close days end the regular session before 16:00.
		return Post
	default:
		return Closed
	}
}

func (c *Clock) isTradingDay(t time.Time) bool {
	if c.cal == nil {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// isOpen reports whether minute falls in the regular session. The session
// end is exclusive: the closing minute already belongs to post-market.
func (c *Clock) isOpen(t time.Time, minute int) bool {
	open, closing := regularOpen, regularClose
	if c.cal != nil {
		sess := c.cal.Session()
		if sess == nil || sess.IsZero() {
			return minute >= open && minute < closing
		}
		open = int(sess.Open / time.Minute)
		closing = int(sess.Close / time.Minute)
		if sess.EarlyClose > 0 && c.cal.IsEarlyClose(t) {
			closing = int(sess.EarlyClose / time.Minute)
		}
		if sess.HasBreak() {
			breakStart := int(sess.BreakStart / time.Minute)
			breakStop := int(sess.BreakStop / time.Minute)
			if minute >= breakStart && minute < breakStop {
				return false
			}
		}
	}
	return minute >= open && minute < closing
}
