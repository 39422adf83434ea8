// Package appointment implements the per-user appointment request lifecycle.
package appointment

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
)

// Status is the lifecycle state of the active appointment request.
type Status string

const (
	StatusNone     Status = "NONE"
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusDenied   Status = "DENIED"
	StatusCreated  Status = "CREATED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusPending, StatusAccepted, StatusDenied, StatusCreated:
		return true
	}
	return false
}

// Action is something an actor attempts on the request.
type Action string

const (
	ActionSubmit           Action = "submit"
	ActionAccept           Action = "accept"
	ActionDeny             Action = "deny"
	ActionSubmitForm       Action = "submit_form"
	ActionAttachResolution Action = "attach_resolution"
)

var transitions = map[Status]map[Action]Status{
	StatusNone:     {ActionSubmit: StatusPending},
	StatusPending:  {ActionSubmit: StatusPending, ActionAccept: StatusAccepted, ActionDeny: StatusDenied},
	StatusAccepted: {ActionSubmitForm: StatusCreated},
	StatusCreated:  {ActionAttachResolution: StatusCreated},
}

// Next returns the state reached by applying a to from, and false when the
// transition is not allowed.
func Next(from Status, a Action) (Status, bool) {
	to, ok := transitions[from][a]
	return to, ok
}

// ResolutionStatus tells a created appointment with a clinician
// recommendation apart from one still waiting for it.
type ResolutionStatus string

const (
	ResolutionUnresolved ResolutionStatus = "unresolved"
	ResolutionResolved   ResolutionStatus = "resolved"
)

// Snapshot is the read model of the active request.
type Snapshot struct {
	Status             Status      `json:"status"`
	Placement          int         `json:"placement,omitempty"`
	AppointmentID      string      `json:"appointment_id,omitempty"`
	ResolutionAttached bool        `json:"resolution_attached"`
	Resolution         *Resolution `json:"resolution,omitempty"`
	// ResolutionStatus is only set while CREATED.
	ResolutionStatus ResolutionStatus `json:"resolution_status,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	// Stale is set when the snapshot comes from cache because the gateway
	// could not be reached.
	Stale bool `json:"stale,omitempty"`
}

func (s *Snapshot) deriveResolutionStatus() {
	switch {
	case s.Status != StatusCreated:
		s.ResolutionStatus = ""
	case s.ResolutionAttached:
		s.ResolutionStatus = ResolutionResolved
	default:
		s.ResolutionStatus = ResolutionUnresolved
	}
}

// ClinicalForm is what the patient submits once the request is accepted.
// Numeric fields are pointers so that a zero value can be told apart from a
// missing one.
type ClinicalForm struct {
	GlucoseObjective *float64 `json:"glucose_objective"`
	InsulinType      string   `json:"insulin_type"`
	Dose             *float64 `json:"dose"`
	FastInsulin      string   `json:"fast_insulin"`
	FixedDose        *float64 `json:"fixed_dose"`
	Ratio            *float64 `json:"ratio"`
	Sensitivity      *float64 `json:"sensitivity"`
	PumpType         string   `json:"pump_type"`
	Motives          []string `json:"motive"`
	OtherMotive      string   `json:"other_motive,omitempty"`
	ControlData      string   `json:"control_data,omitempty"`
}

// Validate returns a *ValidationError listing every missing field.
func (f ClinicalForm) Validate() error {
	v := &ValidationError{Subject: "clinical form"}
	v.requireNumber("glucose_objective", f.GlucoseObjective)
	v.requireString("insulin_type", f.InsulinType)
	v.requireNumber("dose", f.Dose)
	v.requireString("fast_insulin", f.FastInsulin)
	v.requireNumber("fixed_dose", f.FixedDose)
	v.requireNumber("ratio", f.Ratio)
	v.requireNumber("sensitivity", f.Sensitivity)
	v.requireString("pump_type", f.PumpType)

	motives := 0
	for _, m := range f.Motives {
		if strings.TrimSpace(m) != "" {
			motives++
		}
	}
	if motives == 0 {
		v.add("motive", "at least one motive is required")
	}
	return v.orNil()
}

// Appointment is a created appointment with the form it was created from.
type Appointment struct {
	AppointmentID string       `json:"appointment_id"`
	Form          ClinicalForm `json:"form"`
}

// InsulinAdjustment is a clinician's change to one insulin regimen.
type InsulinAdjustment struct {
	Type string   `json:"type,omitempty"`
	Dose *float64 `json:"dose"`
}

// ScaleTier maps the glucose range [Min, Max) to a correction dose.
type ScaleTier struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Units float64 `json:"units"`
}

// ScaleTiers is the number of tiers in a correction scale.
const ScaleTiers = 3

// Resolution is the clinician's recommendation attached to a created
// appointment.
type Resolution struct {
	Basal InsulinAdjustment `json:"basal"`
	Fast  InsulinAdjustment `json:"fast"`
	Scale []ScaleTier       `json:"scale"`
	Notes string            `json:"notes,omitempty"`
}

// Validate checks the adjustments and that the scale has three ordered,
// non-overlapping tiers.
func (r Resolution) Validate() error {
	v := &ValidationError{Subject: "resolution"}
	v.requireNumber("basal.dose", r.Basal.Dose)
	if r.Basal.Dose != nil && *r.Basal.Dose < 0 {
		v.add("basal.dose", "must not be negative")
	}
	v.requireNumber("fast.dose", r.Fast.Dose)
	if r.Fast.Dose != nil && *r.Fast.Dose < 0 {
		v.add("fast.dose", "must not be negative")
	}

	if len(r.Scale) != ScaleTiers {
		v.add("scale", fmt.Sprintf("must have %d tiers, got %d", ScaleTiers, len(r.Scale)))
		return v.orNil()
	}
	for i, tier := range r.Scale {
		field := fmt.Sprintf("scale[%d]", i)
		if tier.Min >= tier.Max {
			v.add(field, "min must be below max")
		}
		if tier.Units < 0 {
			v.add(field, "units must not be negative")
		}
		if i > 0 && tier.Min < r.Scale[i-1].Max {
			v.add(field, "overlaps or precedes the previous tier")
		}
	}
	return v.orNil()
}

// FieldProblem describes one invalid field.
type FieldProblem struct {
	Field  string
	Reason string
}

// ValidationError is returned when a form or resolution is incomplete. It
// unwraps to an APPOINTMENT_INVALID AppError.
type ValidationError struct {
	Subject  string
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Field + ": " + p.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return apperrors.New(apperrors.ErrAppointmentInvalid, "invalid "+e.Subject)
}

// Fields returns the names of the invalid fields in order.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p.Field
	}
	return out
}

func (e *ValidationError) add(field, reason string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Reason: reason})
}

func (e *ValidationError) requireNumber(field string, v *float64) {
	if v == nil {
		e.add(field, "required")
	}
}

func (e *ValidationError) requireString(field, v string) {
	if strings.TrimSpace(v) == "" {
		e.add(field, "required")
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
