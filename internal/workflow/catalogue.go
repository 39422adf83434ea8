package workflow

import (
	"context"
	"strconv"

	"github.com/diabetactic/glucosync/internal/appointment"
	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/export"
	syncpkg "github.com/diabetactic/glucosync/internal/sync"
)

// Syncer is the sync engine surface used by workflows.
type Syncer interface {
	Push(ctx context.Context) syncpkg.PushResult
	Pull(ctx context.Context) syncpkg.PullResult
	FullSync(ctx context.Context) syncpkg.FullSyncResult
}

// Authenticator signs the user in.
type Authenticator interface {
	Login(ctx context.Context, username, password string) error
	AccessToken() (string, bool)
}

// Appointments is the appointment machine surface used by workflows.
type Appointments interface {
	SubmitClinicalForm(ctx context.Context, form appointment.ClinicalForm) (appointment.Snapshot, error)
	GetAppointmentStatus(ctx context.Context) (appointment.Snapshot, error)
}

// AccountLinker links a hospital account.
type AccountLinker interface {
	Link(ctx context.Context, hospitalAccount string) error
}

// Deps are the collaborators workflow steps call into.
type Deps struct {
	Sync         Syncer
	Auth         Authenticator
	Appointments Appointments
	Export       export.ServiceInterface
	Accounts     AccountLinker
}

// Run is the per-execution scratch space shared by the steps of one workflow.
type Run struct {
	Params Params
	output map[string]string
}

// Set records an output value.
func (r *Run) Set(key, value string) { r.output[key] = value }

// Get returns an output value set by an earlier step.
func (r *Run) Get(key string) string { return r.output[key] }

// StepDefinition is one step of a workflow type.
type StepDefinition struct {
	Name     string                                  `json:"name"`
	Service  Service                                 `json:"service"`
	Critical bool                                    `json:"critical"`
	Action   func(ctx context.Context, run *Run) error `json:"-"`
}

// Definition is a workflow type: a static ordered list of steps.
type Definition struct {
	Type            Type             `json:"type"`
	RequiresNetwork bool             `json:"requires_network"`
	Steps           []StepDefinition `json:"steps"`
}

// Output keys written by catalogue steps.
const (
	OutputPushed            = "pushed"
	OutputMerged            = "merged"
	OutputInserted          = "inserted"
	OutputConflicts         = "conflicts"
	OutputAppointmentStatus = "appointment_status"
	OutputAppointmentID     = "appointment_id"
	OutputArchive           = "archive"
	OutputReadings          = "readings"
	OutputUser              = "user"
)

// Catalogue builds the fixed set of workflow definitions over deps.
func Catalogue(deps Deps) map[Type]Definition {
	return map[Type]Definition{
		TypeFullSync: {
			Type:            TypeFullSync,
			RequiresNetwork: true,
			Steps: []StepDefinition{
				{Name: "push", Service: ServiceSync, Critical: true, Action: pushStep(deps)},
				{Name: "pull", Service: ServiceSync, Critical: true, Action: pullStep(deps)},
			},
		},
		TypeAuthAndSync: {
			Type:            TypeAuthAndSync,
			RequiresNetwork: true,
			Steps: []StepDefinition{
				{Name: "authenticate", Service: ServiceAuth, Critical: true, Action: authenticateStep(deps)},
				{Name: "full-sync", Service: ServiceSync, Action: fullSyncStep(deps)},
				{Name: "refresh-appointment", Service: ServiceAppointments, Action: refreshAppointmentStep(deps)},
			},
		},
		TypeAppointmentWithData: {
			Type:            TypeAppointmentWithData,
			RequiresNetwork: true,
			Steps: []StepDefinition{
				{Name: "share-readings", Service: ServiceSync, Critical: true, Action: pushStep(deps)},
				{Name: "submit-clinical-form", Service: ServiceAppointments, Critical: true, Action: submitFormStep(deps)},
				{Name: "refresh-appointment", Service: ServiceAppointments, Action: refreshAppointmentStep(deps)},
			},
		},
		TypeDataExport: {
			Type: TypeDataExport,
			Steps: []StepDefinition{
				{Name: "sync-before-export", Service: ServiceSync, Action: fullSyncStep(deps)},
				{Name: "export-readings", Service: ServiceExport, Critical: true, Action: exportStep(deps)},
				{Name: "verify-archive", Service: ServiceExport, Action: verifyStep(deps)},
			},
		},
		TypeAccountLink: {
			Type:            TypeAccountLink,
			RequiresNetwork: true,
			Steps: []StepDefinition{
				{Name: "verify-session", Service: ServiceAuth, Critical: true, Action: verifySessionStep(deps)},
				{Name: "link-account", Service: ServiceAccounts, Critical: true, Action: linkStep(deps)},
				{Name: "sync-after-link", Service: ServiceSync, Action: fullSyncStep(deps)},
			},
		},
	}
}

func pushStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		res := deps.Sync.Push(ctx)
		run.Set(OutputPushed, strconv.Itoa(res.Success))
		return pushError(res)
	}
}

func pullStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		res := deps.Sync.Pull(ctx)
		recordPull(run, res)
		return pullError(res)
	}
}

func fullSyncStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		res := deps.Sync.FullSync(ctx)
		run.Set(OutputPushed, strconv.Itoa(res.Push.Success))
		recordPull(run, res.Pull)
		if err := pushError(res.Push); err != nil {
			return err
		}
		return pullError(res.Pull)
	}
}

func recordPull(run *Run, res syncpkg.PullResult) {
	run.Set(OutputMerged, strconv.Itoa(res.Merged))
	run.Set(OutputInserted, strconv.Itoa(res.Inserted))
	run.Set(OutputConflicts, strconv.Itoa(res.Conflicts))
}

// pushError fails a step when any queued change could not be pushed; the
// items stay queued for the next attempt.
func pushError(res syncpkg.PushResult) error {
	if res.Failed > 0 {
		return apperrors.Newf(apperrors.ErrSyncFailed, "%d of %d queued changes failed to push",
			res.Failed, res.Failed+res.Success)
	}
	return nil
}

func pullError(res syncpkg.PullResult) error {
	if res.Error != "" {
		return apperrors.New(apperrors.ErrSyncFailed, "pull failed: "+res.Error)
	}
	return nil
}

func authenticateStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		if run.Params.Username == "" || run.Params.Password == "" {
			return apperrors.New(apperrors.ErrInvalid, "username and password are required")
		}
		if err := deps.Auth.Login(ctx, run.Params.Username, run.Params.Password); err != nil {
			return err
		}
		run.Set(OutputUser, run.Params.Username)
		return nil
	}
}

func verifySessionStep(deps Deps) func(context.Context, *Run) error {
	return func(context.Context, *Run) error {
		if _, ok := deps.Auth.AccessToken(); !ok {
			return apperrors.New(apperrors.ErrNotLoggedIn, "no active session")
		}
		return nil
	}
}

func refreshAppointmentStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		snap, err := deps.Appointments.GetAppointmentStatus(ctx)
		if err != nil {
			return err
		}
		run.Set(OutputAppointmentStatus, string(snap.Status))
		return nil
	}
}

// submitFormStep succeeds when the appointment ends up CREATED, including
// when an earlier attempt already created it.
func submitFormStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		if run.Params.Form == nil {
			return apperrors.New(apperrors.ErrInvalid, "clinical form is required")
		}
		snap, err := deps.Appointments.SubmitClinicalForm(ctx, *run.Params.Form)
		if err != nil {
			return err
		}
		if snap.Status != appointment.StatusCreated {
			return apperrors.Newf(apperrors.ErrAppointmentInvalid,
				"appointment request is %s, form needs %s", snap.Status, appointment.StatusAccepted)
		}
		run.Set(OutputAppointmentID, snap.AppointmentID)
		run.Set(OutputAppointmentStatus, string(snap.Status))
		return nil
	}
}

func exportStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		res, err := deps.Export.Export(ctx, export.Options{
			OutputPath: run.Params.ExportPath,
			Password:   run.Params.ExportPassword,
			Keep:       run.Params.ExportKeep,
		})
		if err != nil {
			return err
		}
		run.Set(OutputArchive, res.Path)
		run.Set(OutputReadings, strconv.Itoa(res.ReadingCount))
		return nil
	}
}

func verifyStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		path := run.Get(OutputArchive)
		if path == "" {
			return apperrors.New(apperrors.ErrNotFound, "no archive to verify")
		}
		_, err := deps.Export.Verify(ctx, path, run.Params.ExportPassword)
		return err
	}
}

func linkStep(deps Deps) func(context.Context, *Run) error {
	return func(ctx context.Context, run *Run) error {
		return deps.Accounts.Link(ctx, run.Params.HospitalAccount)
	}
}
