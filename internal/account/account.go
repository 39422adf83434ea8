// Package account links the patient's app account to a hospital account.
package account

import (
	"context"
	"strings"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/logging"
)

// Linker posts link requests to the gateway.
type Linker struct {
	client gateway.Client
}

// NewLinker creates a Linker.
func NewLinker(client gateway.Client) *Linker {
	return &Linker{client: client}
}

// Link associates hospitalAccount with the current user.
func (l *Linker) Link(ctx context.Context, hospitalAccount string) error {
	hospitalAccount = strings.TrimSpace(hospitalAccount)
	if hospitalAccount == "" {
		return apperrors.New(apperrors.ErrInvalid, "hospital account is required")
	}

	resp := l.client.Request(ctx, gateway.EndpointLinkAccount, gateway.Options{
		Body: gateway.LinkRequest{HospitalAccount: hospitalAccount},
	})
	if err := resp.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrAccountLinkFail, "link account", err)
	}

	logging.InfoCtx(ctx, "account linked", map[string]any{"hospital_account": hospitalAccount})
	return nil
}

// Available reports whether the gateway answers.
func (l *Linker) Available(ctx context.Context) bool {
	return l.client.Request(ctx, gateway.EndpointHealth, gateway.Options{}).Success
}
