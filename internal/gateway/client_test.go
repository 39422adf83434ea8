package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/gateway/gatewaytest"
)

func newClient(t *testing.T, baseURL string, ts oauth2.TokenSource) *gateway.HTTPClient {
	t.Helper()
	c, err := gateway.NewHTTPClient(baseURL, ts, 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_rejectsBadURL(t *testing.T) {
	_, err := gateway.NewHTTPClient("not a url", nil, time.Second)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRequest_createAndList(t *testing.T) {
	ctx := context.Background()
	srv := gatewaytest.New(t)
	c := newClient(t, srv.URL, nil)

	resp := c.Request(ctx, gateway.EndpointReadingCreate, gateway.Options{
		Body: gateway.RemoteReading{Value: 110, Unit: "mg/dL", Timestamp: 1000},
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created gateway.RemoteReading
	require.NoError(t, resp.Decode(&created))
	assert.NotEmpty(t, created.ID.String())

	resp = c.Request(ctx, gateway.EndpointReadingsMine, gateway.Options{})
	require.True(t, resp.Success)
	var list []gateway.RemoteReading
	require.NoError(t, resp.Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
}

func TestRequest_pathAndQueryParams(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/api/", nil)
	resp := c.Request(context.Background(), gateway.EndpointReadingDelete, gateway.Options{
		Params: map[string]string{"id": "42", "hard": "true"},
	})

	require.True(t, resp.Success)
	assert.Equal(t, "/api/glucose/42", gotPath)
	assert.Equal(t, "hard=true", gotQuery)
	assert.Empty(t, resp.Data)
}

func TestRequest_missingPathParam(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", nil)
	resp := c.Request(context.Background(), gateway.EndpointReadingUpdate, gateway.Options{})

	assert.False(t, resp.Success)
	assert.Zero(t, resp.StatusCode)
	assert.Contains(t, resp.Error, "missing path parameter")
}

func TestRequest_rejectionCarriesDetail(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.SetFailure(http.StatusServiceUnavailable)
	c := newClient(t, srv.URL, nil)

	resp := c.Request(context.Background(), gateway.EndpointReadingsMine, gateway.Options{})

	assert.False(t, resp.Success)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", resp.Error)
	assert.True(t, apperrors.Is(resp.Err(), apperrors.ErrGatewayRejected))
}

func TestRequest_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, nil)
	resp := c.Request(context.Background(), gateway.EndpointHealth, gateway.Options{})

	assert.False(t, resp.Success)
	assert.Zero(t, resp.StatusCode)
	assert.True(t, apperrors.Is(resp.Err(), apperrors.ErrGatewayUnreachable))
	assert.False(t, c.Healthy(context.Background()))
}

func TestRequest_bearerTokenOnAuthenticatedRoutesOnly(t *testing.T) {
	headers := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers[r.URL.Path] = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc", TokenType: "Bearer"})
	c := newClient(t, srv.URL, ts)

	require.True(t, c.Request(context.Background(), gateway.EndpointReadingsMine, gateway.Options{}).Success)
	require.True(t, c.Healthy(context.Background()))

	assert.Equal(t, "Bearer abc", headers["/glucose/mine"])
	assert.Empty(t, headers["/health"])
}

func TestRequest_fakeRequiresToken(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.RequireAuth = true
	c := newClient(t, srv.URL, nil)

	resp := c.Request(context.Background(), gateway.EndpointReadingsMine, gateway.Options{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Not authenticated", resp.Error)
}

func TestResponse_Err(t *testing.T) {
	assert.NoError(t, gateway.Response{Success: true}.Err())
	assert.Error(t, gateway.Response{Data: nil}.Decode(&struct{}{}))
}
