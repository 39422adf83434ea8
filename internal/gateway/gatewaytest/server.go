// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/diabetactic/glucosync/internal/gateway"
)

// Server is a fake gateway backed by in-memory state.
type Server struct {
	*httptest.Server

	// RequireAuth rejects authenticated routes without a token issued by
	// /token.
	RequireAuth bool

	mu            sync.Mutex
	readings      map[string]gateway.RemoteReading
	order         []string
	nextID        int
	calls         map[string]int
	failStatus    int
	gate          chan struct{}
	users         map[string]string
	tokens        map[string]string
	queue         gateway.QueueState
	nextPlacement int
	forms         map[string]json.RawMessage
	resolutions   map[string]json.RawMessage
	links         []string
}

// New starts a fake gateway that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		readings:      make(map[string]gateway.RemoteReading),
		nextID:        100,
		calls:         make(map[string]int),
		users:         make(map[string]string),
		tokens:        make(map[string]string),
		queue:         gateway.QueueState{State: "NONE"},
		nextPlacement: 1,
		forms:         make(map[string]json.RawMessage),
		resolutions:   make(map[string]json.RawMessage),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countCalls)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/token", s.token)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate, s.gated, s.failing)

		r.Get("/glucose/mine", s.listReadings)
		r.Post("/glucose/create", s.createReading)
		r.Put("/glucose/{id}", s.updateReading)
		r.Delete("/glucose/{id}", s.deleteReading)

		r.Get("/appointments/state", s.queueState)
		r.Post("/appointments/submit", s.submit)
		r.Put("/appointments/accept/{placement}", s.decide("ACCEPTED"))
		r.Put("/appointments/deny/{placement}", s.decide("DENIED"))
		r.Post("/appointments/create", s.createAppointment)
		r.Get("/appointments/mine", s.myAppointments)
		r.Get("/appointments/{id}/resolution", s.getResolution)
		r.Post("/appointments/{id}/resolution", s.postResolution)

		r.Post("/users/link", s.link)
	})
	return r
}

// Calls returns how many requests reached endpoint.
func (s *Server) Calls(endpoint gateway.Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint.String()]
}

// SetFailure makes every authenticated route answer status. Zero clears it.
func (s *Server) SetFailure(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
}

// Block holds authenticated requests until the returned release function is
// called.
func (s *Server) Block() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gate = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// AddUser registers credentials accepted by /token.
func (s *Server) AddUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// SeedReading stores a reading server-side and returns its id.
func (s *Server) SeedReading(rr gateway.RemoteReading) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rr).ID.String()
}

// SetReading replaces the server copy of reading id.
func (s *Server) SetReading(id string, rr gateway.RemoteReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr.ID = json.Number(id)
	if _, ok := s.readings[id]; !ok {
		s.order = append(s.order, id)
	}
	s.readings[id] = rr
}

// Reading returns the server copy of reading id.
func (s *Server) Reading(id string) (gateway.RemoteReading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rr, ok := s.readings[id]
	return rr, ok
}

// Readings returns all server readings in creation order.
func (s *Server) Readings() []gateway.RemoteReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.RemoteReading, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.readings[id])
	}
	return out
}

// QueueState returns the appointment read model.
func (s *Server) QueueState() gateway.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Links returns the hospital accounts linked so far.
func (s *Server) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.links...)
}

func (s *Server) insertLocked(rr gateway.RemoteReading) gateway.RemoteReading {
	s.nextID++
	id := strconv.Itoa(s.nextID)
	rr.ID = json.Number(id)
	s.readings[id] = rr
	s.order = append(s.order, id)
	return rr
}

// =====================================================
// Middleware
// =====================================================

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			s.mu.Lock()
			s.calls[r.Method+" "+rctx.RoutePattern()]++
			s.mu.Unlock()
		}
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RequireAuth {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			s.mu.Lock()
			_, ok := s.tokens[token]
			s.mu.Unlock()
			if !found || !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) gated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) failing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.failStatus
		s.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =====================================================
// Handlers
// =====================================================

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.users[username]; !ok || want != password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
		return
	}
	token := fmt.Sprintf("tok-%s-%d", username, len(s.tokens)+1)
	s.tokens[token] = username
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

func (s *Server) listReadings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Readings())
}

func (s *Server) createReading(w http.ResponseWriter, r *http.Request) {
	var rr gateway.RemoteReading
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil || rr.Value <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid reading"})
		return
	}
	s.mu.Lock()
	rr = s.insertLocked(rr)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, rr)
}

func (s *Server) updateReading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rr gateway.RemoteReading
	if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid reading"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readings[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "reading not found"})
		return
	}
	rr.ID = json.Number(id)
	s.readings[id] = rr
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) deleteReading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readings[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "reading not found"})
		return
	}
	delete(s.readings, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// queueState answers without the resolution; clients fetch it from
// /appointments/{id}/resolution.
func (s *Server) queueState(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	state := s.queue
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) submit(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.queue.State {
	case "PENDING":
	case "NONE", "DENIED":
		s.queue = gateway.QueueState{State: "PENDING", Placement: s.nextPlacement}
		s.nextPlacement++
	default:
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "request already processed"})
		return
	}
	writeJSON(w, http.StatusOK, gateway.SubmitResponse{Placement: s.queue.Placement})
}

func (s *Server) decide(to string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		placement, err := strconv.Atoi(chi.URLParam(r, "placement"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid placement"})
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.queue.State != "PENDING" || s.queue.Placement != placement {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no pending request at placement"})
			return
		}
		s.queue = gateway.QueueState{State: to}
		writeJSON(w, http.StatusOK, s.queue)
	}
}

func (s *Server) createAppointment(w http.ResponseWriter, r *http.Request) {
	var form json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid form"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.State != "ACCEPTED" {
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "request not accepted"})
		return
	}
	id := fmt.Sprintf("apt-%d", len(s.forms)+1)
	s.forms[id] = form
	s.queue = gateway.QueueState{State: "CREATED", AppointmentID: id}
	writeJSON(w, http.StatusCreated, gateway.CreateAppointmentResponse{AppointmentID: id})
}

func (s *Server) myAppointments(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.forms))
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"appointment_id": id, "form": s.forms[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getResolution(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res, ok := s.resolutions[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no resolution"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postResolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var res json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid resolution"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forms[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "appointment not found"})
		return
	}
	s.resolutions[id] = res
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) link(w http.ResponseWriter, r *http.Request) {
	var req gateway.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HospitalAccount == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "hospital_account is required"})
		return
	}
	s.mu.Lock()
	s.links = append(s.links, req.HospitalAccount)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
