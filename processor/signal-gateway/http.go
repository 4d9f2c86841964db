package signalgateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/tenant"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultListLimit bounds list responses when the caller does not ask
// for a page size.
const defaultListLimit = 50

// RegisterHTTPHandlers registers the gateway's HTTP handlers under the
// given prefix. The prefix should be the path segment without a
// trailing slash (e.g. "api/signals"). Handlers are registered as:
//
//	POST <prefix>/ingest
//	GET  <prefix>/signals            (?status=pending|failed&limit=&cursor=)
//	GET  <prefix>/signals/{id}
//	POST <prefix>/signals/{id}/retry
//	GET  <prefix>/routes
//	POST <prefix>/routes
//	GET  <prefix>/routes/{id}
//	PUT  <prefix>/routes/{id}
//	DELETE <prefix>/routes/{id}
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"ingest", c.handleIngest)
	mux.HandleFunc(prefix+"signals", c.handleListSignals)
	mux.HandleFunc(prefix+"signals/", c.handleSignalByID(prefix+"signals/"))
	mux.HandleFunc(prefix+"routes", c.handleRoutes)
	mux.HandleFunc(prefix+"routes/", c.handleRouteByID(prefix+"routes/"))
}

// ----------------------------------------------------------------------------
// POST <prefix>/ingest
// ----------------------------------------------------------------------------

// ingestBody is the HTTP ingest contract. The agency comes from the
// caller's identity headers, never from the body.
type ingestBody struct {
	Source   string         `json:"source"`
	ClientID string         `json:"client_id,omitempty"`
	Payload  map[string]any `json:"payload"`
}

func (c *Component) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agencyID, ok := authenticate(w, r)
	if !ok {
		return
	}

	var body ingestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := c.ingest(r.Context(), signal.IngestRequest{
		AgencyID: agencyID,
		Source:   body.Source,
		ClientID: body.ClientID,
		Payload:  body.Payload,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if result.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// ----------------------------------------------------------------------------
// GET <prefix>/signals
// ----------------------------------------------------------------------------

// signalListResponse pages signals by status.
type signalListResponse struct {
	Signals []*signal.Signal `json:"signals"`
	Cursor  string           `json:"cursor,omitempty"`
}

func (c *Component) handleListSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	agencyID, ok := authenticate(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", defaultListLimit)
	cursor := r.URL.Query().Get("cursor")

	var (
		signals []*signal.Signal
		next    string
		err     error
	)
	switch status := r.URL.Query().Get("status"); status {
	case "", "pending":
		signals, next, err = c.router.PendingSignals(r.Context(), agencyID, limit, cursor)
	case "failed":
		signals, next, err = c.router.FailedSignals(r.Context(), agencyID, limit, cursor)
	default:
		writeError(w, http.StatusBadRequest, errors.New("status must be pending or failed"))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, signalListResponse{Signals: signals, Cursor: next})
}

// ----------------------------------------------------------------------------
// GET <prefix>/signals/{id} and POST <prefix>/signals/{id}/retry
// ----------------------------------------------------------------------------

func (c *Component) handleSignalByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agencyID, ok := authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}

		switch {
		case action == "" && r.Method == http.MethodGet:
			sig, err := c.router.GetSignal(r.Context(), agencyID, id)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sig)

		case action == "retry" && r.Method == http.MethodPost:
			result, err := c.router.Retry(r.Context(), agencyID, id)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			c.publishIngested(r.Context(), result)
			writeJSON(w, http.StatusOK, result)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// ----------------------------------------------------------------------------
// GET/POST <prefix>/routes
// ----------------------------------------------------------------------------

// routeBody is the route create/update contract.
type routeBody struct {
	Source        string         `json:"source"`
	MatchCriteria map[string]any `json:"match_criteria,omitempty"`
	WorkflowID    string         `json:"workflow_id"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Priority      int            `json:"priority"`
}

func (c *Component) handleRoutes(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		routes, err := c.routes.List(r.Context(), agencyID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": routes})

	case http.MethodPost:
		var body routeBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		now := time.Now().UTC()
		enabled := true
		if body.Enabled != nil {
			enabled = *body.Enabled
		}
		route := &signal.Route{
			ID:            signal.NewRouteID(),
			AgencyID:      agencyID,
			Source:        body.Source,
			MatchCriteria: body.MatchCriteria,
			WorkflowID:    body.WorkflowID,
			Enabled:       enabled,
			Priority:      body.Priority,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := route.Validate(); err != nil {
			writeDomainError(w, err)
			return
		}
		if err := c.routes.Create(r.Context(), route); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, route)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ----------------------------------------------------------------------------
// GET/PUT/DELETE <prefix>/routes/{id}
// ----------------------------------------------------------------------------

func (c *Component) handleRouteByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agencyID, ok := authenticate(w, r)
		if !ok {
			return
		}

		id := strings.TrimPrefix(r.URL.Path, prefix)
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}

		route, err := c.routes.Get(r.Context(), agencyID, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, route)

		case http.MethodPut:
			var body routeBody
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if body.Source != "" {
				route.Source = body.Source
			}
			if body.WorkflowID != "" {
				route.WorkflowID = body.WorkflowID
			}
			if body.MatchCriteria != nil {
				route.MatchCriteria = body.MatchCriteria
			}
			if body.Enabled != nil {
				route.Enabled = *body.Enabled
			}
			route.Priority = body.Priority
			route.UpdatedAt = time.Now().UTC()

			if err := route.Validate(); err != nil {
				writeDomainError(w, err)
				return
			}
			if err := c.routes.Update(r.Context(), route); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, route)

		case http.MethodDelete:
			if err := c.routes.Delete(r.Context(), agencyID, id); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// authenticate resolves the caller's identity and the agency the
// request operates on. Super-admins may name another agency with the
// X-Target-Agency header; everyone else is pinned to their own. On
// failure the error response has already been written.
func authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal := tenant.FromRequest(r)
	if err := principal.Validate(); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return "", false
	}
	agencyID, err := tenant.ScopedAgency(principal, r)
	if err != nil {
		writeDomainError(w, err)
		return "", false
	}
	return agencyID, true
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case signal.IsValidation(err), errors.Is(err, signal.ErrUnsupportedSource):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, signal.ErrSignalProcessed), errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, tenant.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// writeError writes a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to do.
		_ = err
	}
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
