package slamonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/signalflow/sla"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/tenant"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers the monitor's HTTP handlers under the
// given prefix. The prefix should be the path segment without a
// trailing slash (e.g. "api/sla"). Handlers are registered as:
//
//	GET/POST       <prefix>/slas
//	GET/PUT/DELETE <prefix>/slas/{id}
//	GET/PUT        <prefix>/slas/{id}/escalations
//	POST           <prefix>/resources
//	GET            <prefix>/resources/{id}/check
//	POST           <prefix>/resources/{id}/acknowledge
//	POST           <prefix>/resources/{id}/complete
//	GET            <prefix>/breaches
//	GET            <prefix>/breaches/{id}
//	GET            <prefix>/breaches/{id}/events
//	POST           <prefix>/breaches/{id}/acknowledge
//	POST           <prefix>/breaches/{id}/resolve
//	POST           <prefix>/scan
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"slas", c.handleDefinitions)
	mux.HandleFunc(prefix+"slas/", c.handleDefinitionByID(prefix+"slas/"))
	mux.HandleFunc(prefix+"resources", c.handleResources)
	mux.HandleFunc(prefix+"resources/", c.handleResourceByID(prefix+"resources/"))
	mux.HandleFunc(prefix+"breaches", c.handleBreaches)
	mux.HandleFunc(prefix+"breaches/", c.handleBreachByID(prefix+"breaches/"))
	mux.HandleFunc(prefix+"scan", c.handleScan)
}

// ----------------------------------------------------------------------------
// Definitions
// ----------------------------------------------------------------------------

func (c *Component) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	_, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		defs, err := c.engine.ListDefinitions(r.Context(), agencyID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, map[string]any{"slas": defs, "count": len(defs)})

	case http.MethodPost:
		var d sla.Definition
		if err := decodeBody(w, r, &d); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		// Identity comes from the caller's headers, never the body.
		d.AgencyID = agencyID
		if err := d.Validate(); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		created, err := c.engine.CreateDefinition(r.Context(), &d)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDefinitionByID routes definition subresources: {id} and
// {id}/escalations.
func (c *Component) handleDefinitionByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		slaID, tail, _ := strings.Cut(rest, "/")
		if slaID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch tail {
		case "":
			c.handleDefinition(w, r, agencyID, slaID)
		case "escalations":
			c.handleChain(w, r, agencyID, slaID)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func (c *Component) handleDefinition(w http.ResponseWriter, r *http.Request, agencyID, slaID string) {
	switch r.Method {
	case http.MethodGet:
		d, err := c.engine.GetDefinition(r.Context(), agencyID, slaID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, d)

	case http.MethodPut:
		var d sla.Definition
		if err := decodeBody(w, r, &d); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		d.ID = slaID
		d.AgencyID = agencyID
		if err := d.Validate(); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		updated, err := c.engine.UpdateDefinition(r.Context(), &d)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := c.engine.DeleteDefinition(r.Context(), agencyID, slaID); err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.requestsServed.Add(1)
		c.updateLastActivity()
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Component) handleChain(w http.ResponseWriter, r *http.Request, agencyID, slaID string) {
	switch r.Method {
	case http.MethodGet:
		chain, err := c.engine.GetChain(r.Context(), agencyID, slaID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		if chain == nil {
			c.fail(w, http.StatusNotFound, fmt.Errorf("sla %s has no escalation chain", slaID))
			return
		}
		c.ok(w, http.StatusOK, chain)

	case http.MethodPut:
		var chain sla.EscalationChain
		if err := decodeBody(w, r, &chain); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		chain.AgencyID = agencyID
		chain.SlaID = slaID
		if err := chain.Validate(); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		if err := c.engine.PutChain(r.Context(), &chain); err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, &chain)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ----------------------------------------------------------------------------
// Tracked resources
// ----------------------------------------------------------------------------

// handleResources upserts a tracked resource snapshot. The surrounding
// platform posts these as its tasks and projects change.
func (c *Component) handleResources(w http.ResponseWriter, r *http.Request) {
	_, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var res sla.Resource
	if err := decodeBody(w, r, &res); err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	res.AgencyID = agencyID
	if res.ID == "" {
		c.fail(w, http.StatusBadRequest, fmt.Errorf("id is required"))
		return
	}
	switch res.Type {
	case sla.ResourceTask, sla.ResourceProject, sla.ResourceInitiative:
	default:
		c.fail(w, http.StatusBadRequest, fmt.Errorf("unknown resource type %q", res.Type))
		return
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	if err := c.resources.Upsert(r.Context(), &res); err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusOK, &res)
}

// handleResourceByID routes {id}/check, {id}/acknowledge, and
// {id}/complete.
func (c *Component) handleResourceByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		resourceID, action, _ := strings.Cut(rest, "/")
		if resourceID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch action {
		case "check":
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			result, err := c.engine.CheckTask(r.Context(), agencyID, resourceID)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, result)

		case "acknowledge":
			c.handleResourceStamp(w, r, agencyID, resourceID, func(res *sla.Resource, now time.Time) {
				if res.AcknowledgedAt == nil {
					res.AcknowledgedAt = &now
				}
			})

		case "complete":
			c.handleResourceStamp(w, r, agencyID, resourceID, func(res *sla.Resource, now time.Time) {
				if res.CompletedAt == nil {
					res.CompletedAt = &now
				}
			})

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

// handleResourceStamp loads the resource, applies stamp, and persists
// it. Stamping twice is a no-op: the first timestamp stands.
func (c *Component) handleResourceStamp(w http.ResponseWriter, r *http.Request, agencyID, resourceID string, stamp func(*sla.Resource, time.Time)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := c.resources.Get(r.Context(), agencyID, resourceID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	stamp(res, time.Now().UTC())
	if err := c.resources.Upsert(r.Context(), res); err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusOK, res)
}

// ----------------------------------------------------------------------------
// Breaches
// ----------------------------------------------------------------------------

type breachActionBody struct {
	Notes      string `json:"notes,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (c *Component) handleBreaches(w http.ResponseWriter, r *http.Request) {
	_, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	breaches, err := c.engine.ListOpenBreaches(r.Context(), agencyID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusOK, map[string]any{"breaches": breaches, "count": len(breaches)})
}

// handleBreachByID routes {id}, {id}/events, {id}/acknowledge, and
// {id}/resolve.
func (c *Component) handleBreachByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		breachID, action, _ := strings.Cut(rest, "/")
		if breachID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			b, err := c.engine.GetBreach(r.Context(), agencyID, breachID)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, b)

		case "events":
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			events, err := c.engine.BreachEvents(r.Context(), agencyID, breachID)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})

		case "acknowledge":
			c.handleBreachTransition(w, r, func(body breachActionBody) (*sla.Breach, error) {
				return c.engine.Acknowledge(r.Context(), agencyID, breachID, principal.UserID, body.Notes)
			})

		case "resolve":
			c.handleBreachTransition(w, r, func(body breachActionBody) (*sla.Breach, error) {
				return c.engine.Resolve(r.Context(), agencyID, breachID, principal.UserID, body.Resolution)
			})

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func (c *Component) handleBreachTransition(w http.ResponseWriter, r *http.Request, transition func(breachActionBody) (*sla.Breach, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body is fine: notes and resolution are optional.
	var body breachActionBody
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		c.fail(w, http.StatusBadRequest, err)
		return
	}

	b, err := transition(body)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusOK, b)
}

// ----------------------------------------------------------------------------
// Scans
// ----------------------------------------------------------------------------

// handleScan runs an on-demand scan for the caller's agency without
// waiting for the next ticker cycle.
func (c *Component) handleScan(w http.ResponseWriter, r *http.Request) {
	_, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := c.engine.RunScan(r.Context(), agencyID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.recordScan(result)
	c.ok(w, http.StatusOK, result)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// authenticate extracts and validates the caller's identity, writing a
// 401 when it is missing, and resolves the agency the request operates
// on. Super-admins may name another agency with the X-Target-Agency
// header; everyone else is pinned to their own.
func (c *Component) authenticate(w http.ResponseWriter, r *http.Request) (tenant.Principal, string, bool) {
	principal := tenant.FromRequest(r)
	if err := principal.Validate(); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return tenant.Principal{}, "", false
	}
	agencyID, err := tenant.ScopedAgency(principal, r)
	if err != nil {
		c.writeDomainError(w, err)
		return tenant.Principal{}, "", false
	}
	return principal, agencyID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v)
}

// writeDomainError maps domain sentinels onto HTTP status codes.
func (c *Component) writeDomainError(w http.ResponseWriter, err error) {
	c.requestsFailed.Add(1)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, sla.ErrBreachClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, tenant.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ok writes a success response and records the request.
func (c *Component) ok(w http.ResponseWriter, status int, v any) {
	c.requestsServed.Add(1)
	c.updateLastActivity()
	writeJSON(w, status, v)
}

// fail writes an error response and records the failure.
func (c *Component) fail(w http.ResponseWriter, status int, err error) {
	c.requestsFailed.Add(1)
	writeError(w, status, err)
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
