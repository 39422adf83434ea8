package appointment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/gateway/gatewaytest"
)

func newMachine(t *testing.T) (*Machine, *gatewaytest.Server) {
	t.Helper()
	srv := gatewaytest.New(t)
	client, err := gateway.NewHTTPClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)
	return NewMachine(client), srv
}

func TestMachine_denyScenario(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	require.Positive(t, snap.Placement)

	snap, err = m.DenyRequest(ctx, snap.Placement)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, snap.Status)

	snap, err = m.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, snap.Status)
	assert.Empty(t, snap.ResolutionStatus)
	assert.False(t, snap.Stale)
}

func TestMachine_fullLifecycle(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)

	snap, err = m.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, snap.Status)

	snap, err = m.SubmitClinicalForm(ctx, validForm())
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, snap.Status)
	assert.Equal(t, ResolutionUnresolved, snap.ResolutionStatus)
	require.NotEmpty(t, snap.AppointmentID)

	snap, err = m.AttachResolution(ctx, snap.AppointmentID, validResolution())
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, snap.Status)
	assert.True(t, snap.ResolutionAttached)
	assert.Equal(t, ResolutionResolved, snap.ResolutionStatus)

	// A second resolution is ignored.
	other := validResolution()
	other.Notes = "second"
	snap, err = m.AttachResolution(ctx, snap.AppointmentID, other)
	require.NoError(t, err)
	assert.Empty(t, snap.Resolution.Notes)
	assert.Equal(t, 1, srv.Calls(gateway.EndpointResolutionPost))

	status, err := m.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status.Status)
	assert.Equal(t, ResolutionResolved, status.ResolutionStatus)
	require.NotNil(t, status.Resolution)
	assert.Len(t, status.Resolution.Scale, ScaleTiers)
	assert.Equal(t, 1, srv.Calls(gateway.EndpointResolutionGet))
}

func TestMachine_submitIdempotentWhilePending(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	first, err := m.SubmitRequest(ctx)
	require.NoError(t, err)
	second, err := m.SubmitRequest(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Placement, second.Placement)
	assert.Equal(t, 1, srv.Calls(gateway.EndpointAppointmentSubmit))
}

func TestMachine_illegalTransitionsAreNoOps(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.AcceptRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusNone, snap.Status)

	snap, err = m.SubmitClinicalForm(ctx, validForm())
	require.NoError(t, err)
	assert.Equal(t, StatusNone, snap.Status)

	snap, err = m.AttachResolution(ctx, "apt-1", validResolution())
	require.NoError(t, err)
	assert.Equal(t, StatusNone, snap.Status)

	assert.Zero(t, srv.Calls(gateway.EndpointAppointmentAccept))
	assert.Zero(t, srv.Calls(gateway.EndpointAppointmentCreate))
	assert.Zero(t, srv.Calls(gateway.EndpointResolutionPost))
}

func TestMachine_placementMismatchIsNoOp(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)

	after, err := m.AcceptRequest(ctx, snap.Placement+7)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status)
	assert.Equal(t, snap.Placement, after.Placement)
	assert.Zero(t, srv.Calls(gateway.EndpointAppointmentAccept))
}

func TestMachine_deniedIsTerminal(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)
	_, err = m.DenyRequest(ctx, snap.Placement)
	require.NoError(t, err)

	snap, err = m.SubmitRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, snap.Status)
	assert.Equal(t, 1, srv.Calls(gateway.EndpointAppointmentSubmit))
}

func TestMachine_invalidFormDoesNotTransition(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)
	_, err = m.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)

	form := validForm()
	form.Motives = nil
	snap, err = m.SubmitClinicalForm(ctx, form)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"motive"}, verr.Fields())
	assert.Equal(t, StatusAccepted, snap.Status)
	assert.Zero(t, srv.Calls(gateway.EndpointAppointmentCreate))
}

func TestMachine_gatewayRejectionPreservesState(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)

	srv.SetFailure(http.StatusInternalServerError)
	after, err := m.AcceptRequest(ctx, snap.Placement)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrGatewayRejected))
	assert.Equal(t, StatusPending, after.Status)
	assert.Equal(t, snap.Placement, after.Placement)

	srv.SetFailure(0)
	after, err = m.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, after.Status)
}

func TestMachine_hydratesFromGateway(t *testing.T) {
	srv := gatewaytest.New(t)
	client, err := gateway.NewHTTPClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	first := NewMachine(client)
	snap, err := first.SubmitRequest(ctx)
	require.NoError(t, err)

	// A fresh machine, as after a restart, learns the pending placement.
	second := NewMachine(client)
	after, err := second.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, after.Status)
}

func TestMachine_statusFallsBackToCache(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)

	srv.Close()

	cached, err := m.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.True(t, cached.Stale)
	assert.Equal(t, StatusPending, cached.Status)
	assert.Equal(t, snap.Placement, cached.Placement)
	assert.False(t, m.State().Stale)
}

func TestMachine_statusRejectionReturnsError(t *testing.T) {
	m, srv := newMachine(t)

	srv.SetFailure(http.StatusServiceUnavailable)
	snap, err := m.GetAppointmentStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusNone, snap.Status)
	assert.False(t, snap.Stale)
}

func TestMachine_statusFetchesClinicianResolution(t *testing.T) {
	srv := gatewaytest.New(t)
	client, err := gateway.NewHTTPClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	patient := NewMachine(client)
	snap, err := patient.SubmitRequest(ctx)
	require.NoError(t, err)
	_, err = patient.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)
	created, err := patient.SubmitClinicalForm(ctx, validForm())
	require.NoError(t, err)

	status, err := patient.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResolutionUnresolved, status.ResolutionStatus, "no resolution yet")
	assert.Nil(t, status.Resolution)

	clinician := NewMachine(client)
	_, err = clinician.AttachResolution(ctx, created.AppointmentID, validResolution())
	require.NoError(t, err)

	status, err = patient.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status.Status)
	assert.True(t, status.ResolutionAttached)
	assert.Equal(t, ResolutionResolved, status.ResolutionStatus)
	require.NotNil(t, status.Resolution)
	assert.Equal(t, created.AppointmentID, status.AppointmentID)
}

func TestMachine_listAppointments(t *testing.T) {
	m, srv := newMachine(t)
	ctx := context.Background()

	list, err := m.ListAppointments(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)

	snap, err := m.SubmitRequest(ctx)
	require.NoError(t, err)
	_, err = m.AcceptRequest(ctx, snap.Placement)
	require.NoError(t, err)
	created, err := m.SubmitClinicalForm(ctx, validForm())
	require.NoError(t, err)

	list, err = m.ListAppointments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.AppointmentID, list[0].AppointmentID)
	assert.Equal(t, validForm().InsulinType, list[0].Form.InsulinType)
	assert.Equal(t, 2, srv.Calls(gateway.EndpointAppointmentsMine))

	srv.SetFailure(http.StatusServiceUnavailable)
	_, err = m.ListAppointments(ctx)
	assert.Error(t, err)
}
