package gateway

import "net/http"

// Endpoint is a gateway route. Path may contain {name} placeholders that are
// filled from Options.Params.
type Endpoint struct {
	Method string
	Path   string
	// Public endpoints are called without a bearer token.
	Public bool
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

// Gateway routes used by the sync core.
var (
	EndpointToken  = Endpoint{Method: http.MethodPost, Path: "/token", Public: true}
	EndpointHealth = Endpoint{Method: http.MethodGet, Path: "/health", Public: true}

	EndpointReadingsMine  = Endpoint{Method: http.MethodGet, Path: "/glucose/mine"}
	EndpointReadingCreate = Endpoint{Method: http.MethodPost, Path: "/glucose/create"}
	EndpointReadingUpdate = Endpoint{Method: http.MethodPut, Path: "/glucose/{id}"}
	EndpointReadingDelete = Endpoint{Method: http.MethodDelete, Path: "/glucose/{id}"}

	EndpointAppointmentState  = Endpoint{Method: http.MethodGet, Path: "/appointments/state"}
	EndpointAppointmentSubmit = Endpoint{Method: http.MethodPost, Path: "/appointments/submit"}
	EndpointAppointmentCreate = Endpoint{Method: http.MethodPost, Path: "/appointments/create"}
	EndpointAppointmentsMine  = Endpoint{Method: http.MethodGet, Path: "/appointments/mine"}
	EndpointResolutionGet     = Endpoint{Method: http.MethodGet, Path: "/appointments/{id}/resolution"}
	EndpointResolutionPost    = Endpoint{Method: http.MethodPost, Path: "/appointments/{id}/resolution"}
	EndpointAppointmentAccept = Endpoint{Method: http.MethodPut, Path: "/appointments/accept/{placement}"}
	EndpointAppointmentDeny   = Endpoint{Method: http.MethodPut, Path: "/appointments/deny/{placement}"}

	EndpointLinkAccount = Endpoint{Method: http.MethodPost, Path: "/users/link"}
)
