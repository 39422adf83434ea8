// Package workflow runs the fixed catalogue of multi-step actions that
// combine sync, identity, appointments, export and account linking.
package workflow

import (
	"time"

	"github.com/diabetactic/glucosync/internal/appointment"
)

// Type names a workflow in the catalogue.
type Type string

const (
	TypeFullSync            Type = "FULL_SYNC"
	TypeAuthAndSync         Type = "AUTH_AND_SYNC"
	TypeAppointmentWithData Type = "APPOINTMENT_WITH_DATA"
	TypeDataExport          Type = "DATA_EXPORT"
	TypeAccountLink         Type = "ACCOUNT_LINK"
)

// Types lists the catalogue in a stable order.
func Types() []Type {
	return []Type{TypeFullSync, TypeAuthAndSync, TypeAppointmentWithData, TypeDataExport, TypeAccountLink}
}

// Status is the state of a workflow execution.
type Status string

const (
	// StatusPending covers a created record whose preconditions are still
	// being checked.
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus is the state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Service is a collaborator a step depends on.
type Service string

const (
	ServiceSync         Service = "sync"
	ServiceAuth         Service = "auth"
	ServiceAppointments Service = "appointments"
	ServiceExport       Service = "export"
	ServiceAccounts     Service = "accounts"
)

// Params are the caller inputs a workflow may need. Secrets are kept in
// memory for Retry and never serialized.
type Params struct {
	Username        string                    `json:"username,omitempty"`
	Password        string                    `json:"-"`
	Form            *appointment.ClinicalForm `json:"form,omitempty"`
	HospitalAccount string                    `json:"hospital_account,omitempty"`
	ExportPath      string                    `json:"export_path,omitempty"`
	ExportPassword  string                    `json:"-"`
	ExportKeep      int                       `json:"export_keep,omitempty"`
}

// StepRecord is the stored outcome of one step.
type StepRecord struct {
	Name       string     `json:"name"`
	Service    Service    `json:"service"`
	Critical   bool       `json:"critical"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
	StartTime  time.Time  `json:"start_time,omitzero"`
	EndTime    time.Time  `json:"end_time,omitzero"`
}

// Workflow is the record of one execution.
type Workflow struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Status    Status            `json:"status"`
	Steps     []StepRecord      `json:"steps"`
	Params    Params            `json:"params"`
	Output    map[string]string `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	RetryOf   string            `json:"retry_of,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitzero"`
}

// Step returns the record of the named step.
func (w *Workflow) Step(name string) (StepRecord, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepRecord{}, false
}

func (w *Workflow) clone() *Workflow {
	c := *w
	c.Steps = append([]StepRecord(nil), w.Steps...)
	if w.Output != nil {
		c.Output = make(map[string]string, len(w.Output))
		for k, v := range w.Output {
			c.Output[k] = v
		}
	}
	return &c
}
