package automationapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/signalflow/rule"
	"github.com/c360studio/signalflow/signal"
	"github.com/c360studio/signalflow/storage"
	"github.com/c360studio/signalflow/tenant"
	"github.com/c360studio/signalflow/workflow"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers the API's HTTP handlers under the
// given prefix. The prefix should be the path segment without a
// trailing slash (e.g. "api/automation"). Handlers are registered as:
//
//	GET/POST    <prefix>/rules
//	GET/DELETE  <prefix>/rules/{id}
//	POST        <prefix>/rules/{id}/versions
//	PUT         <prefix>/rules/{id}/versions/{vid}
//	POST        <prefix>/rules/{id}/versions/{vid}/publish
//	POST        <prefix>/rules/{id}/versions/{vid}/test
//	GET         <prefix>/rules/{id}/evaluations   (?limit=)
//	GET         <prefix>/rules/{id}/audits        (?limit=)
//	GET/POST    <prefix>/workflows
//	GET/PUT/DELETE <prefix>/workflows/{id}
//	POST        <prefix>/workflows/{id}/activate
//	POST        <prefix>/workflows/{id}/archive
//	POST        <prefix>/workflows/{id}/duplicate
//	POST        <prefix>/workflows/{id}/validate
//	POST        <prefix>/workflows/{id}/execute
//	GET         <prefix>/workflows/{id}/executions (?limit=)
//	GET         <prefix>/executions/{id}
//	GET         <prefix>/executions/{id}/events
//	GET         <prefix>/lineage/executions/{id}
//	GET         <prefix>/lineage/entities/{id}
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"rules", c.handleRules)
	mux.HandleFunc(prefix+"rules/", c.handleRuleByID(prefix+"rules/"))
	mux.HandleFunc(prefix+"workflows", c.handleWorkflows)
	mux.HandleFunc(prefix+"workflows/", c.handleWorkflowByID(prefix+"workflows/"))
	mux.HandleFunc(prefix+"executions/", c.handleExecutionByID(prefix+"executions/"))
	mux.HandleFunc(prefix+"lineage/", c.handleLineage(prefix+"lineage/"))
}

// ----------------------------------------------------------------------------
// Rules
// ----------------------------------------------------------------------------

type ruleBody struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *Component) handleRules(w http.ResponseWriter, r *http.Request) {
	principal, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		rules, err := c.rules.ListRules(r.Context(), agencyID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, map[string]any{"rules": rules, "count": len(rules)})

	case http.MethodPost:
		var body ruleBody
		if err := decodeBody(w, r, &body); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		created, err := c.rules.CreateRule(r.Context(), agencyID, body.Name, body.Description, principal.UserID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRuleByID routes rule subresources:
// {id}, {id}/versions, {id}/versions/{vid}[/publish|/test],
// {id}/evaluations, {id}/audits.
func (c *Component) handleRuleByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		ruleID, tail, _ := strings.Cut(rest, "/")
		if ruleID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch {
		case tail == "":
			c.handleRule(w, r, principal, agencyID, ruleID)
		case tail == "versions":
			c.handleAddVersion(w, r, principal, agencyID, ruleID)
		case strings.HasPrefix(tail, "versions/"):
			versionID, action, _ := strings.Cut(strings.TrimPrefix(tail, "versions/"), "/")
			c.handleVersion(w, r, principal, agencyID, ruleID, versionID, action)
		case tail == "evaluations":
			c.handleRuleTrail(w, r, ruleID, func(limit int) (any, error) {
				return c.rules.ListEvaluations(r.Context(), agencyID, ruleID, limit)
			})
		case tail == "audits":
			c.handleRuleTrail(w, r, ruleID, func(limit int) (any, error) {
				return c.rules.ListAudits(r.Context(), agencyID, ruleID, limit)
			})
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func (c *Component) handleRule(w http.ResponseWriter, r *http.Request, principal tenant.Principal, agencyID, ruleID string) {
	switch r.Method {
	case http.MethodGet:
		found, err := c.rules.GetRule(r.Context(), agencyID, ruleID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, found)

	case http.MethodDelete:
		if err := c.rules.DeleteRule(r.Context(), agencyID, ruleID, principal.UserID); err != nil {
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

func (c *Component) handleAddVersion(w http.ResponseWriter, r *http.Request, principal tenant.Principal, agencyID, ruleID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var v rule.Version
	if err := decodeBody(w, r, &v); err != nil {
		c.fail(w, http.StatusBadRequest, err)
		return
	}
	created, err := c.rules.AddVersion(r.Context(), agencyID, ruleID, &v, principal.UserID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusCreated, created)
}

func (c *Component) handleVersion(w http.ResponseWriter, r *http.Request, principal tenant.Principal, agencyID, ruleID, versionID, action string) {
	if versionID == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var v rule.Version
		if err := decodeBody(w, r, &v); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		v.ID = versionID
		updated, err := c.rules.UpdateVersion(r.Context(), agencyID, ruleID, &v, principal.UserID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, updated)

	case "publish":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		published, err := c.rules.Publish(r.Context(), agencyID, ruleID, versionID, principal.UserID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, published)

	case "test":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var evalCtx rule.Context
		if err := decodeBody(w, r, &evalCtx); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		found, err := c.rules.GetRule(r.Context(), agencyID, ruleID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		result, err := c.rules.TestEvaluate(r.Context(), found, versionID, &evalCtx)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, result)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (c *Component) handleRuleTrail(w http.ResponseWriter, r *http.Request, _ string, list func(limit int) (any, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := list(queryInt(r, "limit", c.config.ListLimit))
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	c.ok(w, http.StatusOK, map[string]any{"entries": entries})
}

// ----------------------------------------------------------------------------
// Workflows
// ----------------------------------------------------------------------------

func (c *Component) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	_, agencyID, ok := c.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		workflows, err := c.workflows.List(r.Context(), agencyID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})

	case http.MethodPost:
		var wf workflow.Workflow
		if err := decodeBody(w, r, &wf); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		// Identity comes from the caller's headers, never the body.
		wf.AgencyID = agencyID
		created, err := c.workflows.Create(r.Context(), &wf)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusCreated, created)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// executeBody queues a manual run.
type executeBody struct {
	// TriggerID makes manual runs idempotent when set; empty runs
	// unconditionally.
	TriggerID string         `json:"trigger_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (c *Component) handleWorkflowByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		workflowID, action, _ := strings.Cut(rest, "/")
		if workflowID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch action {
		case "":
			c.handleWorkflow(w, r, agencyID, workflowID)
		case "activate", "archive", "duplicate", "validate", "execute":
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			c.handleWorkflowAction(w, r, agencyID, workflowID, action)
		case "executions":
			if r.Method != http.MethodGet {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			execs, err := c.workflows.ListExecutions(r.Context(), agencyID, workflowID, queryInt(r, "limit", c.config.ListLimit))
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func (c *Component) handleWorkflow(w http.ResponseWriter, r *http.Request, agencyID, workflowID string) {
	switch r.Method {
	case http.MethodGet:
		wf, err := c.workflows.Get(r.Context(), agencyID, workflowID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, wf)

	case http.MethodPut:
		var wf workflow.Workflow
		if err := decodeBody(w, r, &wf); err != nil {
			c.fail(w, http.StatusBadRequest, err)
			return
		}
		wf.ID = workflowID
		wf.AgencyID = agencyID
		updated, err := c.workflows.Update(r.Context(), &wf)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, updated)

	case http.MethodDelete:
		if err := c.workflows.Delete(r.Context(), agencyID, workflowID); err != nil {
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

func (c *Component) handleWorkflowAction(w http.ResponseWriter, r *http.Request, agencyID, workflowID, action string) {
	ctx := r.Context()

	switch action {
	case "activate":
		wf, err := c.workflows.Activate(ctx, agencyID, workflowID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, wf)

	case "archive":
		wf, err := c.workflows.Archive(ctx, agencyID, workflowID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, wf)

	case "duplicate":
		dup, err := c.workflows.Duplicate(ctx, agencyID, workflowID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusCreated, dup)

	case "validate":
		wf, err := c.workflows.Get(ctx, agencyID, workflowID)
		if err != nil {
			c.writeDomainError(w, err)
			return
		}
		c.ok(w, http.StatusOK, wf.Validate())

	case "execute":
		c.handleExecute(w, r, agencyID, workflowID)
	}
}

// handleExecute queues a manual run onto the execution request
// subject. The workflow runner is the only executor; the API never
// runs steps in-process.
func (c *Component) handleExecute(w http.ResponseWriter, r *http.Request, agencyID, workflowID string) {
	ctx := r.Context()

	// An empty body runs with no payload.
	var body executeBody
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		c.fail(w, http.StatusBadRequest, err)
		return
	}

	wf, err := c.workflows.Get(ctx, agencyID, workflowID)
	if err != nil {
		c.writeDomainError(w, err)
		return
	}
	if !wf.IsActive() {
		c.writeDomainError(w, workflow.ErrWorkflowNotActive)
		return
	}

	event := &signal.ExecutionRequestedEvent{
		AgencyID:    agencyID,
		WorkflowID:  workflowID,
		SignalID:    body.TriggerID,
		Source:      "manual",
		TriggerType: string(workflow.TriggerManual),
		Payload:     body.Payload,
	}
	msg := message.NewBaseMessage(event.Schema(), event, c.name)
	data, err := json.Marshal(msg)
	if err != nil {
		c.fail(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := c.dispatcher.Publish(ctx, signal.ExecutionRequestSubject(workflowID), data); err != nil {
		c.fail(w, http.StatusBadGateway, err)
		return
	}

	c.ok(w, http.StatusAccepted, map[string]any{
		"workflow_id": workflowID,
		"trigger_id":  body.TriggerID,
		"status":      "queued",
	})
}

// ----------------------------------------------------------------------------
// Executions
// ----------------------------------------------------------------------------

func (c *Component) handleExecutionByID(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		executionID, sub, _ := strings.Cut(rest, "/")
		if executionID == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch sub {
		case "":
			exec, err := c.workflows.GetExecution(r.Context(), agencyID, executionID)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, exec)

		case "events":
			events, err := c.workflows.ExecutionEvents(r.Context(), agencyID, executionID)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

// ----------------------------------------------------------------------------
// Lineage
// ----------------------------------------------------------------------------

func (c *Component) handleLineage(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, agencyID, ok := c.authenticate(w, r)
		if !ok {
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, prefix)
		kind, id, _ := strings.Cut(rest, "/")
		if id == "" {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		switch kind {
		case "executions":
			trace, err := c.resolver.TraceExecution(r.Context(), agencyID, id)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, trace)

		case "entities":
			trace, err := c.resolver.TraceEntity(r.Context(), agencyID, id)
			if err != nil {
				c.writeDomainError(w, err)
				return
			}
			c.ok(w, http.StatusOK, trace)

		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// authenticate extracts and validates the caller's identity and
// resolves the agency the request operates on. Missing identity writes
// a 401; naming another agency without super-admin writes a 403.
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
	case errors.Is(err, rule.ErrVersionNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, rule.ErrRevisionConflict), errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, workflow.ErrWorkflowNotActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, rule.ErrVersionImmutable), errors.Is(err, rule.ErrNoDefaultVersion), errors.Is(err, workflow.ErrNotValid):
		writeError(w, http.StatusUnprocessableEntity, err)
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
