package appointment

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/telemetry"
)

// Machine drives the appointment request through the gateway. The mutex
// guards only the cached snapshot; it is never held across a gateway call.
// Transitions the current state does not allow are no-ops that return the
// unchanged snapshot, so redundant calls are safe.
type Machine struct {
	client gateway.Client
	tracer trace.Tracer

	mu     sync.Mutex
	snap   Snapshot
	loaded bool
}

// NewMachine creates a machine in state NONE. The first operation hydrates
// the cache from the gateway.
func NewMachine(client gateway.Client) *Machine {
	return &Machine{
		client: client,
		tracer: telemetry.Tracer(),
		snap:   Snapshot{Status: StatusNone},
	}
}

// State returns the cached snapshot without contacting the gateway.
func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Available reports whether the gateway answers its health check.
func (m *Machine) Available(ctx context.Context) bool {
	return m.client.Request(ctx, gateway.EndpointHealth, gateway.Options{}).Success
}

// SubmitRequest puts the patient in the review queue. Submitting while
// already PENDING returns the current placement without a gateway call.
func (m *Machine) SubmitRequest(ctx context.Context) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "appointment.submit")
	defer span.End()

	cur := m.current(ctx)
	if cur.Status == StatusPending {
		return cur, nil
	}
	to, ok := Next(cur.Status, ActionSubmit)
	if !ok {
		return cur, nil
	}

	resp := m.client.Request(ctx, gateway.EndpointAppointmentSubmit, gateway.Options{Body: struct{}{}})
	if err := resp.Err(); err != nil {
		return m.rejected(ctx, span, "submit", err)
	}
	var sr gateway.SubmitResponse
	if err := resp.Decode(&sr); err != nil {
		return m.rejected(ctx, span, "submit", apperrors.Wrap(apperrors.ErrGatewayRejected, "decode submit response", err))
	}

	return m.commit(ctx, ActionSubmit, func(s *Snapshot) {
		*s = Snapshot{Status: to, Placement: sr.Placement}
	}), nil
}

// AcceptRequest approves the pending request at placement.
func (m *Machine) AcceptRequest(ctx context.Context, placement int) (Snapshot, error) {
	return m.decide(ctx, ActionAccept, gateway.EndpointAppointmentAccept, placement)
}

// DenyRequest rejects the pending request at placement. DENIED ends the cycle.
func (m *Machine) DenyRequest(ctx context.Context, placement int) (Snapshot, error) {
	return m.decide(ctx, ActionDeny, gateway.EndpointAppointmentDeny, placement)
}

func (m *Machine) decide(ctx context.Context, action Action, endpoint gateway.Endpoint, placement int) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "appointment."+string(action),
		trace.WithAttributes(attribute.Int("placement", placement)))
	defer span.End()

	cur := m.current(ctx)
	to, ok := Next(cur.Status, action)
	if !ok || cur.Placement != placement {
		return cur, nil
	}

	resp := m.client.Request(ctx, endpoint, gateway.Options{
		Params: map[string]string{"placement": strconv.Itoa(placement)},
	})
	if err := resp.Err(); err != nil {
		return m.rejected(ctx, span, string(action), err)
	}

	return m.commit(ctx, action, func(s *Snapshot) {
		*s = Snapshot{Status: to}
	}), nil
}

// SubmitClinicalForm creates the appointment from an accepted request. An
// incomplete form returns a *ValidationError and nothing is sent.
func (m *Machine) SubmitClinicalForm(ctx context.Context, form ClinicalForm) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "appointment.submit_form")
	defer span.End()

	if err := form.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return m.State(), err
	}

	cur := m.current(ctx)
	to, ok := Next(cur.Status, ActionSubmitForm)
	if !ok {
		return cur, nil
	}

	resp := m.client.Request(ctx, gateway.EndpointAppointmentCreate, gateway.Options{Body: form})
	if err := resp.Err(); err != nil {
		return m.rejected(ctx, span, "submit_form", err)
	}
	var cr gateway.CreateAppointmentResponse
	if err := resp.Decode(&cr); err != nil {
		return m.rejected(ctx, span, "submit_form", apperrors.Wrap(apperrors.ErrGatewayRejected, "decode create response", err))
	}

	return m.commit(ctx, ActionSubmitForm, func(s *Snapshot) {
		*s = Snapshot{Status: to, AppointmentID: cr.AppointmentID}
	}), nil
}

// AttachResolution records the clinician's recommendation. The status stays
// CREATED; attaching a second resolution is a no-op.
func (m *Machine) AttachResolution(ctx context.Context, appointmentID string, res Resolution) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "appointment.attach_resolution",
		trace.WithAttributes(attribute.String("appointment.id", appointmentID)))
	defer span.End()

	if err := res.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return m.State(), err
	}

	cur := m.current(ctx)
	if _, ok := Next(cur.Status, ActionAttachResolution); !ok ||
		cur.AppointmentID != appointmentID || cur.ResolutionAttached {
		return cur, nil
	}

	resp := m.client.Request(ctx, gateway.EndpointResolutionPost, gateway.Options{
		Body:   res,
		Params: map[string]string{"id": appointmentID},
	})
	if err := resp.Err(); err != nil {
		return m.rejected(ctx, span, "attach_resolution", err)
	}

	return m.commit(ctx, ActionAttachResolution, func(s *Snapshot) {
		s.ResolutionAttached = true
		r := res
		s.Resolution = &r
	}), nil
}

// GetAppointmentStatus polls the gateway read model, fetching the resolution
// of a created appointment separately. When the gateway is unreachable the
// cached snapshot is returned with Stale set.
func (m *Machine) GetAppointmentStatus(ctx context.Context) (Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "appointment.status")
	defer span.End()

	snap, err := m.refresh(ctx)
	if err == nil {
		return snap, nil
	}
	if apperrors.Is(err, apperrors.ErrGatewayUnreachable) {
		logging.WarnCtx(ctx, "appointment status served from cache", map[string]any{"error": err.Error()})
		cached := m.State()
		cached.Stale = true
		return cached, nil
	}
	span.SetStatus(codes.Error, err.Error())
	return m.State(), err
}

// current returns the cached snapshot, hydrating it from the gateway once.
// A failed hydration leaves the cache as it is.
func (m *Machine) current(ctx context.Context) Snapshot {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if !loaded {
		if _, err := m.refresh(ctx); err != nil {
			logging.Debug("appointment state not hydrated", map[string]any{"error": err.Error()})
		}
	}
	return m.State()
}

func (m *Machine) refresh(ctx context.Context) (Snapshot, error) {
	resp := m.client.Request(ctx, gateway.EndpointAppointmentState, gateway.Options{})
	if err := resp.Err(); err != nil {
		return Snapshot{}, err
	}
	var qs gateway.QueueState
	if err := resp.Decode(&qs); err != nil {
		return Snapshot{}, apperrors.Wrap(apperrors.ErrGatewayRejected, "decode appointment state", err)
	}

	snap, err := snapshotFromQueue(qs)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Status == StatusCreated && snap.AppointmentID != "" && !snap.ResolutionAttached {
		res, err := m.fetchResolution(ctx, snap.AppointmentID)
		if err != nil {
			return Snapshot{}, err
		}
		if res != nil {
			snap.Resolution = res
			snap.ResolutionAttached = true
			snap.deriveResolutionStatus()
		}
	}

	m.mu.Lock()
	m.snap = snap
	m.loaded = true
	m.mu.Unlock()
	return snap, nil
}

// fetchResolution returns nil when no clinician has answered yet.
func (m *Machine) fetchResolution(ctx context.Context, appointmentID string) (*Resolution, error) {
	resp := m.client.Request(ctx, gateway.EndpointResolutionGet, gateway.Options{
		Params: map[string]string{"id": appointmentID},
	})
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var res Resolution
	if err := resp.Decode(&res); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrGatewayRejected, "decode resolution", err)
	}
	return &res, nil
}

// ListAppointments returns the appointments created for the patient so far,
// in the order the gateway lists them.
func (m *Machine) ListAppointments(ctx context.Context) ([]Appointment, error) {
	ctx, span := m.tracer.Start(ctx, "appointment.list")
	defer span.End()

	resp := m.client.Request(ctx, gateway.EndpointAppointmentsMine, gateway.Options{})
	if err := resp.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	var list []Appointment
	if err := resp.Decode(&list); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrGatewayRejected, "decode appointments", err)
	}
	if list == nil {
		list = []Appointment{}
	}
	return list, nil
}

func snapshotFromQueue(qs gateway.QueueState) (Snapshot, error) {
	status := Status(qs.State)
	if !status.Valid() {
		return Snapshot{}, apperrors.Newf(apperrors.ErrGatewayRejected, "unknown appointment state %q", qs.State)
	}
	snap := Snapshot{
		Status:        status,
		AppointmentID: qs.AppointmentID,
		UpdatedAt:     time.Now(),
	}
	if status == StatusPending {
		snap.Placement = qs.Placement
	}
	if len(qs.Resolution) > 0 && string(qs.Resolution) != "null" {
		var res Resolution
		if err := json.Unmarshal(qs.Resolution, &res); err != nil {
			return Snapshot{}, apperrors.Wrap(apperrors.ErrGatewayRejected, "decode resolution", err)
		}
		snap.Resolution = &res
		snap.ResolutionAttached = true
	}
	snap.deriveResolutionStatus()
	return snap, nil
}

func (m *Machine) commit(ctx context.Context, action Action, apply func(*Snapshot)) Snapshot {
	m.mu.Lock()
	from := m.snap.Status
	apply(&m.snap)
	m.snap.deriveResolutionStatus()
	m.snap.UpdatedAt = time.Now()
	m.loaded = true
	snap := m.snap
	m.mu.Unlock()

	logging.InfoCtx(ctx, "appointment transition", map[string]any{
		"action": string(action),
		"from":   string(from),
		"to":     string(snap.Status),
	})
	return snap
}

// rejected leaves the state untouched and reports the gateway error.
func (m *Machine) rejected(ctx context.Context, span trace.Span, action string, err error) (Snapshot, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logging.WarnCtx(ctx, "appointment gateway call failed", map[string]any{
		"action": action,
		"error":  err.Error(),
	})
	return m.State(), err
}
