package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/glucosync/internal/appointment"
	"github.com/diabetactic/glucosync/internal/config"
	"github.com/diabetactic/glucosync/internal/gateway/gatewaytest"
	"github.com/diabetactic/glucosync/internal/models"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
	"github.com/diabetactic/glucosync/internal/workflow"
)

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.BaseURL = baseURL
	cfg.Gateway.Timeout = 5 * time.Second
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestOpen_logsInAndSyncs(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.RequireAuth = true
	srv.AddUser("ana", "secret")

	cfg := testConfig(t, srv.URL)
	cfg.Auth.Username = "ana"
	cfg.Auth.Password = "secret"
	a := openApp(t, cfg)
	ctx := context.Background()

	require.True(t, a.Monitor.Status().Online)
	_, ok := a.Auth.AccessToken()
	require.True(t, ok)

	reading, err := a.Engine.RecordReading(ctx, syncpkg.ReadingInput{
		Value: 142, Unit: models.UnitMgDL, Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)

	wf := a.Workflows.Execute(ctx, workflow.TypeFullSync, workflow.Params{})
	require.Equal(t, workflow.StatusCompleted, wf.Status, wf.Error)
	assert.Equal(t, "1", wf.Output[workflow.OutputPushed])

	stored, err := a.Repo.GetReading(ctx, reading.ID)
	require.NoError(t, err)
	assert.True(t, stored.Synced)
	assert.Len(t, srv.Readings(), 1)
}

func TestOpen_rejectedLoginStaysSignedOut(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.RequireAuth = true

	cfg := testConfig(t, srv.URL)
	cfg.Auth.Username = "ana"
	cfg.Auth.Password = "wrong"
	a := openApp(t, cfg)

	_, ok := a.Auth.AccessToken()
	assert.False(t, ok)

	wf := a.Workflows.Execute(context.Background(), workflow.TypeAccountLink, workflow.Params{HospitalAccount: "H-1"})
	assert.Equal(t, workflow.StatusFailed, wf.Status)
	assert.Empty(t, srv.Links())
}

func TestOpen_offlineGateway(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Close()

	a := openApp(t, testConfig(t, srv.URL))
	ctx := context.Background()

	assert.False(t, a.Monitor.Status().Online)

	_, err := a.Engine.RecordReading(ctx, syncpkg.ReadingInput{
		Value: 5.4, Unit: models.UnitMmolL, Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Queue.Len())

	wf := a.Workflows.Execute(ctx, workflow.TypeFullSync, workflow.Params{})
	assert.Equal(t, workflow.ErrNoNetwork, wf.Error)

	wf = a.Workflows.Execute(ctx, workflow.TypeDataExport, workflow.Params{})
	require.Equal(t, workflow.StatusCompleted, wf.Status, wf.Error)
	step, _ := wf.Step("sync-before-export")
	assert.Equal(t, workflow.StepSkipped, step.Status)
	assert.FileExists(t, wf.Output[workflow.OutputArchive])
}

func TestOpen_queueSurvivesRestart(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Close()
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	first, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = first.Engine.RecordReading(ctx, syncpkg.ReadingInput{
		Value: 99, Unit: models.UnitMgDL, Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := openApp(t, cfg)
	assert.Equal(t, 1, second.Queue.Len())
}

func TestOpen_appointmentDenied(t *testing.T) {
	srv := gatewaytest.New(t)
	a := openApp(t, testConfig(t, srv.URL))
	ctx := context.Background()

	snap, err := a.Appointments.SubmitRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, appointment.StatusPending, snap.Status)

	_, err = a.Appointments.DenyRequest(ctx, snap.Placement)
	require.NoError(t, err)

	snap, err = a.Appointments.GetAppointmentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusDenied, snap.Status)
}

func TestOpen_invalidConfig(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestStartBackground_periodicSync(t *testing.T) {
	srv := gatewaytest.New(t)
	cfg := testConfig(t, srv.URL)
	cfg.Sync.Interval = 20 * time.Millisecond
	cfg.Sync.ProbeInterval = 20 * time.Millisecond
	a := openApp(t, cfg)
	require.NotNil(t, a.Scheduler)

	ctx := context.Background()
	_, err := a.Engine.RecordReading(ctx, syncpkg.ReadingInput{
		Value: 130, Unit: models.UnitMgDL, Timestamp: time.Now().Unix(),
	})
	require.NoError(t, err)

	a.StartBackground(ctx)
	require.Eventually(t, func() bool { return len(srv.Readings()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.Scheduler.IsRunning())
}
