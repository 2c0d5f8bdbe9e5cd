package visitdb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the visitdsessions table, one row per
// daemon lifetime.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// VisitMessage is the information required to make an entry in the visits
// table, one row per allocation handed to a consumer.
type VisitMessage struct {
	ID     string // allocation ulid
	Visit  int
	Caller string
	Name   string
	AdHoc  bool
	Issued time.Time
}

// FieldMessage is the information required to make an entry in the fields
// table, one row per declared field.
type FieldMessage struct {
	ID       string // allocation ulid
	DesignID uint64
	Visit0   int
	Declared time.Time
}
