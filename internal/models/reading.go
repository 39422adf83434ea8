// Package models provides the persisted data model of the sync core.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Units accepted for glucose readings.
const (
	UnitMgDL  = "mg/dL"
	UnitMmolL = "mmol/L"
)

// Reading is one glucose measurement captured on the device.
type Reading struct {
	ID          string  `db:"id" json:"id"`
	BackendID   string  `db:"backend_id" json:"backend_id,omitempty"` // empty until first successful push
	Value       float64 `db:"value" json:"value"`
	Unit        string  `db:"unit" json:"unit"`
	Timestamp   int64   `db:"timestamp" json:"timestamp"`
	MealContext string  `db:"meal_context" json:"meal_context,omitempty"`
	Notes       string  `db:"notes" json:"notes,omitempty"`
	Synced      bool    `db:"synced" json:"synced"`
	IsLocalOnly bool    `db:"is_local_only" json:"is_local_only"`
	// ServerHash fingerprints the content the server last held for this
	// reading. Empty when that state is unknown.
	ServerHash  string  `db:"server_hash" json:"-"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
	UpdatedAt   int64   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Reading.
func (Reading) TableName() string {
	return "readings"
}

// TimestampTime returns the measurement time.
func (r *Reading) TimestampTime() time.Time {
	return time.Unix(r.Timestamp, 0)
}

// HasBackendID reports whether the reading has a server-side counterpart.
func (r *Reading) HasBackendID() bool {
	return r.BackendID != ""
}

// Touch marks the reading as locally modified.
func (r *Reading) Touch() {
	r.UpdatedAt = time.Now().Unix()
	r.Synced = false
}

// MarkSynced records that the server holds exactly this content.
func (r *Reading) MarkSynced(backendID string) {
	r.BackendID = backendID
	r.Synced = true
	r.IsLocalOnly = false
	r.ServerHash = r.ContentHash()
}

// ContentHash fingerprints the user-editable fields.
func (r *Reading) ContentHash() string {
	h := sha256.New()
	for _, field := range []string{
		strconv.FormatFloat(r.Value, 'g', -1, 64),
		r.Unit,
		strconv.FormatInt(r.Timestamp, 10),
		r.MealContext,
		r.Notes,
	} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks field-level constraints and the synced invariant.
func (r *Reading) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("reading id is required")
	}
	if r.Value <= 0 {
		return fmt.Errorf("reading value must be positive, got %v", r.Value)
	}
	switch r.Unit {
	case UnitMgDL, UnitMmolL:
	default:
		return fmt.Errorf("unsupported unit %q", r.Unit)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("reading timestamp is required")
	}
	if r.Synced && !r.HasBackendID() {
		return fmt.Errorf("reading %s is marked synced without a backend id", r.ID)
	}
	return nil
}

// Clone returns a copy safe to mutate.
func (r *Reading) Clone() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
