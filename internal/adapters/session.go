package adapters

import (
	"sync"
	"time"
)

// SessionState represents US equity market session phases.
type SessionState string

const (
	SessionPre     SessionState = "PRE"
	SessionOpen    SessionState = "RTH"
	SessionPost    SessionState = "POST"
	SessionClosed  SessionState = "CLOSED"
	SessionUnknown SessionState = "UNKNOWN"
)

const (
	preOpenMinute   = 4 * 60    // 4:00 AM ET
	openMinute      = 9*60 + 30 // 9:30 AM ET
	closeMinute     = 16 * 60   // 4:00 PM ET
	postCloseMinute = 20 * 60   // 8:00 PM ET
)

var (
	etOnce sync.Once
	etLoc  *time.Location
)

// easternTime returns the exchange timezone. A process that cannot load
// tzdata falls back to UTC, which the session helpers report as UNKNOWN.
func easternTime() *time.Location {
	etOnce.Do(func() {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			etLoc = time.UTC
			return
		}
		etLoc = loc
	})
	return etLoc
}

// SessionAt classifies an instant against regular NYSE hours. Holidays
// are not modeled; weekends are.
func SessionAt(at time.Time) SessionState {
	loc := easternTime()
	if loc == time.UTC {
		return SessionUnknown
	}
	et := at.In(loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return SessionClosed
	}
	m := et.Hour()*60 + et.Minute()
	switch {
	case m >= preOpenMinute && m < openMinute:
		return SessionPre
	case m >= openMinute && m < closeMinute:
		return SessionOpen
	case m >= closeMinute && m < postCloseMinute:
		return SessionPost
	default:
		return SessionClosed
	}
}

// CurrentSession classifies the present moment.
func CurrentSession() SessionState {
	return SessionAt(time.Now())
}

// MinuteOfSession returns whole minutes since the 9:30 ET open; negative
// before the open. Entry-window checks key off this.
func MinuteOfSession(at time.Time) int {
	et := at.In(easternTime())
	return et.Hour()*60 + et.Minute() - openMinute
}

// MinuteOfDay returns ET minutes since midnight, for fixed time-of-day
// rules such as force-close times.
func MinuteOfDay(at time.Time) int {
	et := at.In(easternTime())
	return et.Hour()*60 + et.Minute()
}

// SessionDate returns the ET trading date, the key daily counters roll
// over on.
func SessionDate(at time.Time) string {
	return at.In(easternTime()).Format("2006-01-02")
}
