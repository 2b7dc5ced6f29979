package payment

import "time"

// TimeLeft is the remaining access window shown on the dashboard.
type TimeLeft struct {
	Days      int  `json:"days"`
	Hours     int  `json:"hours"`
	Minutes   int  `json:"minutes"`
	Seconds   int  `json:"seconds"`
	IsExpired bool `json:"isExpired"`
}

// Remaining splits the time until end into calendar-style parts.
func Remaining(end, now time.Time) TimeLeft {
	d := end.Sub(now)
	if d <= 0 {
		return TimeLeft{IsExpired: true}
	}
	secs := int(d / time.Second)
	return TimeLeft{
		Days:    secs / 86400,
		Hours:   secs % 86400 / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
	}
}
