package gateway

import (
	"encoding/json"

	"github.com/diabetactic/glucosync/internal/models"
)

// RemoteReading is a reading as the gateway stores it.
type RemoteReading struct {
	ID          json.Number `json:"id,omitempty"`
	Value       float64     `json:"value"`
	Unit        string      `json:"unit"`
	Timestamp   int64       `json:"timestamp"`
	MealContext string      `json:"meal_context,omitempty"`
	Notes       string      `json:"notes,omitempty"`
}

// FromReading builds the wire form of a local reading.
func FromReading(r *models.Reading) RemoteReading {
	return RemoteReading{
		ID:          json.Number(r.BackendID),
		Value:       r.Value,
		Unit:        r.Unit,
		Timestamp:   r.Timestamp,
		MealContext: r.MealContext,
		Notes:       r.Notes,
	}
}

// ApplyTo copies the remote content onto r and marks it synced.
func (rr RemoteReading) ApplyTo(r *models.Reading) {
	r.Value = rr.Value
	r.Unit = rr.Unit
	r.Timestamp = rr.Timestamp
	r.MealContext = rr.MealContext
	r.Notes = rr.Notes
	r.MarkSynced(rr.ID.String())
}

// QueueState is the gateway read model of the patient's appointment request.
type QueueState struct {
	State         string          `json:"state"`
	Placement     int             `json:"placement,omitempty"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	Resolution    json.RawMessage `json:"resolution,omitempty"`
}

// SubmitResponse answers EndpointAppointmentSubmit.
type SubmitResponse struct {
	Placement int `json:"placement"`
}

// CreateAppointmentResponse answers EndpointAppointmentCreate.
type CreateAppointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
}

// LinkRequest is the body of EndpointLinkAccount.
type LinkRequest struct {
	HospitalAccount string `json:"hospital_account"`
}
