// Package gateway is the JSON/HTTP client for the remote API gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/logging"
)

// Options carries the request body and parameters. Params matching a {name}
// placeholder in the path are substituted; the rest become query parameters.
type Options struct {
	Body   any
	Params map[string]string
}

// Response is the outcome of a gateway call. Transport failures have
// StatusCode 0.
type Response struct {
	Success    bool
	StatusCode int
	Data       json.RawMessage
	Error      string
}

// Decode unmarshals Data into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Data, v)
}

// Err converts a failed response into a coded error, nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.StatusCode == 0 {
		return apperrors.New(apperrors.ErrGatewayUnreachable, r.Error)
	}
	return apperrors.Newf(apperrors.ErrGatewayRejected, "%d: %s", r.StatusCode, r.Error)
}

// Client performs gateway requests.
type Client interface {
	Request(ctx context.Context, endpoint Endpoint, opts Options) Response
}

// HTTPClient is the Client used against a real gateway.
type HTTPClient struct {
	baseURL *url.URL
	timeout time.Duration
	public  *http.Client
	authed  *http.Client
}

// NewHTTPClient creates a client for baseURL. Non-public endpoints carry a
// bearer token from ts; a nil ts sends every request unauthenticated.
func NewHTTPClient(baseURL string, ts oauth2.TokenSource, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid gateway url %q", baseURL)
	}

	c := &HTTPClient{
		baseURL: u,
		timeout: timeout,
		public:  &http.Client{},
	}
	c.authed = c.public
	if ts != nil {
		c.authed = oauth2.NewClient(context.Background(), ts)
	}
	return c, nil
}

// BaseURL returns the gateway root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL.String()
}

// Request sends one request and never returns a Go error: failures are
// reported through Response.
func (c *HTTPClient) Request(ctx context.Context, endpoint Endpoint, opts Options) Response {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target, err := c.buildURL(endpoint.Path, opts.Params)
	if err != nil {
		return Response{Error: err.Error()}
	}

	var body io.Reader
	if opts.Body != nil {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return Response{Error: fmt.Sprintf("encode body: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, endpoint.Method, target, body)
	if err != nil {
		return Response{Error: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.authed
	if endpoint.Public {
		httpClient = c.public
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		logging.Debug("gateway request failed", map[string]any{"endpoint": endpoint.String(), "error": err.Error()})
		return Response{Error: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Error: fmt.Sprintf("read body: %v", err)}
	}

	out := Response{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
	if json.Valid(data) {
		out.Data = data
	}
	if !out.Success {
		out.Error = errorMessage(resp.StatusCode, data)
	}
	return out
}

// Healthy reports whether the gateway answers EndpointHealth.
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	return c.Request(ctx, EndpointHealth, Options{}).Success
}

func (c *HTTPClient) buildURL(path string, params map[string]string) (string, error) {
	query := url.Values{}

	// Sorted for deterministic URLs.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(params[k]))
			continue
		}
		query.Set(k, params[k])
	}
	if i := strings.IndexByte(path, '{'); i >= 0 {
		return "", fmt.Errorf("missing path parameter in %s", path)
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// errorMessage extracts {"detail": "..."} or {"error": "..."} bodies.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Detail.(string); ok && s != "" {
			return s
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return http.StatusText(status)
}
