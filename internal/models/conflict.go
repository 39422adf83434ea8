package models

import "time"

// ConflictStatus tracks whether a conflict still awaits a decision.
type ConflictStatus string

const (
	ConflictStatusPending ConflictStatus = "pending"
)

// ConflictRecord pairs an unsynced local reading with the diverging server
// version of the same backend entity.
type ConflictRecord struct {
	EntityID   string         `db:"entity_id" json:"entity_id"`
	BackendID  string         `db:"backend_id" json:"backend_id"`
	Local      *Reading       `db:"local_version" json:"local_reading"`
	Server     *Reading       `db:"server_version" json:"server_reading"`
	Fields     []string       `db:"fields" json:"fields"`
	DetectedAt int64          `db:"detected_at" json:"detected_at"`
	Status     ConflictStatus `db:"status" json:"status"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflicts"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
