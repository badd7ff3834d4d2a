package ledger

import (
	"time"
)

// DateFormat is the calendar-date key format for daily records.
const DateFormat = "2006-01-02"

// Record is the per-day activity record. Records are keyed by local calendar
// date; at most one exists per date.
type Record struct {
	Date             string    `json:"date"`
	WorkingMinutes   int       `json:"workingMinutes"`
	ExtendedSessions int       `json:"extendedSessions"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// Zero reports whether the record carries no activity.
func (r Record) Zero() bool {
	return r.WorkingMinutes == 0 && r.ExtendedSessions == 0
}
