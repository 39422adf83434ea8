// Package auth obtains and holds the gateway access token using the OAuth2
// resource-owner password grant.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/logging"
)

// Service logs the patient in and supplies bearer tokens to the gateway
// client.
type Service struct {
	config     oauth2.Config
	httpClient *http.Client

	mu     sync.RWMutex
	source oauth2.TokenSource
	user   string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewService creates a service that requests tokens from the gateway's
// /token endpoint.
func NewService(baseURL, clientID string, timeout time.Duration) *Service {
	return &Service{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(baseURL, "/") + gateway.EndpointToken.Path,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
		ready:      make(chan struct{}),
	}
}

// Login exchanges credentials for a token. The service counts as initialized
// after the first attempt, successful or not.
func (s *Service) Login(ctx context.Context, username, password string) error {
	defer s.markInitialized()

	if username == "" || password == "" {
		return apperrors.New(apperrors.ErrAuthFailed, "username and password are required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := s.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		logging.Warn("login failed", map[string]any{"user": username, "error": err.Error()})
		return apperrors.Wrap(apperrors.ErrAuthFailed, "login failed", err)
	}

	s.mu.Lock()
	s.source = s.config.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, s.httpClient), token)
	s.user = username
	s.mu.Unlock()

	logging.Info("logged in", map[string]any{"user": username})
	return nil
}

// Logout drops the current token.
func (s *Service) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = nil
	s.user = ""
}

// AccessToken returns the current access token, if any.
func (s *Service) AccessToken() (string, bool) {
	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		return "", false
	}
	token, err := source.Token()
	if err != nil || !token.Valid() {
		return "", false
	}
	return token.AccessToken, true
}

// User returns the logged-in username.
func (s *Service) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// TokenSource returns a source that always reflects the current session and
// fails with ErrNotLoggedIn when there is none.
func (s *Service) TokenSource() oauth2.TokenSource {
	return sessionSource{s}
}

type sessionSource struct{ s *Service }

func (ss sessionSource) Token() (*oauth2.Token, error) {
	ss.s.mu.RLock()
	source := ss.s.source
	ss.s.mu.RUnlock()
	if source == nil {
		return nil, apperrors.New(apperrors.ErrNotLoggedIn, "not logged in")
	}
	return source.Token()
}

// MarkInitialized releases WaitForInitialization without logging in.
func (s *Service) MarkInitialized() {
	s.markInitialized()
}

func (s *Service) markInitialized() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// WaitForInitialization blocks until the first login attempt finished.
func (s *Service) WaitForInitialization(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
