package memorykit

import "time"

// Record is one item read from the account's repository. Text and Likes are
// optional on the wire; absent values decode to their zero value.
type Record struct {
	URI       string    `json:"uri"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Likes     int64     `json:"likes"`
}

// Selected is the single record chosen for the current day plus how many
// years back it was created. It is derived per request and never stored.
type Selected struct {
	Record   Record `json:"record"`
	YearsAgo int    `json:"yearsAgo"`
}

// Window is a half-open interval [Start, End) in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the instant falls inside the window.
func (window Window) Contains(instant time.Time) bool {
	return !instant.Before(window.Start) && instant.Before(window.End)
}
