package model

import "time"

// Credentials is the ephemeral username/password pair handed to the
// identity bridge. It is never persisted.
type Credentials struct {
	Username string
	Password string
}

// Event is a calendar event as stored per user. It is identified by the
// pair (UID, UserID).
type Event struct {
	ID     string // row identifier, stable across upserts
	UserID string
	UID    string // iCalendar UID (or derived instance UID for recurrences)

	Title       string
	Description string
	Location    string

	AllDay bool
	Start  time.Time
	End    time.Time

	// SourceURL is the feed this event was last seen in.
	SourceURL string

	Cancelled  bool
	LastSynced time.Time

	// Notes is owned by the CRUD layer; the sync engine never writes it.
	Notes []string
}

// SyncRecord is the per-user sync attempt bookkeeping.
type SyncRecord struct {
	UserID      string
	LastAttempt time.Time
	LastSuccess *time.Time
	// LastError is the classification of the most recent problem, or nil.
	LastError *string
}
