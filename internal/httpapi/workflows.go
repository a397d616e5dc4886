package httpapi

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/ingest"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

func field(name, typ string, required bool, extra ...any) map[string]any {
	f := map[string]any{"name": name, "type": typ, "required": required}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	return f
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	// Static catalog; the editor is data-driven.
	catalog := []map[string]any{
		{"type": engine.NodeTrigger, "label": "Trigger", "fields": []map[string]any{
			field("triggerType", "string", false, "enum", []string{ingest.EventLeadSignup, ingest.EventProductPurchase, ingest.EventTagAdded, ingest.EventEmailOpened, ingest.EventLinkClicked, ingest.EventManual}),
		}},
		{"type": engine.NodeEmail, "label": "Send email", "fields": []map[string]any{
			field("templateId", "string", true),
		}},
		{"type": engine.NodeDelay, "label": "Wait", "fields": []map[string]any{
			field("delayDays", "int", false, "default", 0),
			field("delayHours", "int", false, "default", 0),
			field("delayMinutes", "int", false, "default", 0),
		}},
		{"type": engine.NodeCondition, "label": "Condition", "handles": []string{"true", "false"}, "fields": []map[string]any{
			field("condition", "json", false, "help", "{field, operator, value} over contact fields, e.g. {field:'tags', operator:'contains', value:'vip'}"),
			field("conditionType", "string", false, "enum", []string{"opened_email", "clicked_link", "has_tag", "has_purchased_product", "time_based"}),
			field("conditionData", "json", false),
		}},
		{"type": engine.NodeWebhook, "label": "Webhook", "fields": []map[string]any{
			field("webhookUrl", "string", true),
		}},
		{"type": engine.NodeGoal, "label": "Goal", "fields": []map[string]any{
			field("goalType", "string", true, "enum", []string{"has_purchased", "has_opened_email", "has_clicked_link", "tag_applied"}),
			field("goalValue", "string", false),
		}},
		{"type": engine.NodeSplit, "label": "A/B split", "handles": []string{"a", "b"}, "fields": []map[string]any{
			field("splitPercentage", "int", false, "default", 50),
			field("winner", "string", false, "enum", []string{"A", "B"}),
		}},
		{"type": engine.NodeAction, "label": "Action", "fields": []map[string]any{
			field("actionType", "string", true, "enum", []string{"add_tag", "remove_tag"}),
			field("tagId", "string", false),
		}},
		{"type": engine.NodeNotify, "label": "Notify", "fields": []map[string]any{}},
		{"type": engine.NodeStop, "label": "Stop", "fields": []map[string]any{}},
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": catalog, "version": "campaigns"})
}

type workflowPayload struct {
	Name        string          `json:"name"`
	StoreID     string          `json:"storeId"`
	TriggerType string          `json:"triggerType"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

// normalizeDefinition validates raw and returns its canonical encoding plus
// the trigger type declared by its trigger node.
func normalizeDefinition(raw json.RawMessage) ([]byte, string, error) {
	if len(raw) == 0 {
		return nil, "", errors.New("definition is required")
	}
	g, err := engine.ParseDefinition(raw)
	if err != nil {
		return nil, "", err
	}
	b, err := json.Marshal(g.Definition())
	if err != nil {
		return nil, "", err
	}
	return b, g.TriggerType(), nil
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	out := make([]store.Workflow, 0, len(rows))
	for _, wf := range rows {
		if canAccess(r, wf.StoreID) {
			out = append(out, wf)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// loadWorkflow fetches the {id} workflow and enforces store ownership.
func (s *Server) loadWorkflow(w http.ResponseWriter, r *http.Request) (*store.Workflow, bool) {
	id, ok := parseID(w, r, "id", "workflow")
	if !ok {
		return nil, false
	}
	wf, err := s.repo.GetWorkflow(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "workflow")
		return nil, false
	}
	if !canAccess(r, wf.StoreID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return wf, true
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var p workflowPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	storeID, ok := callerStore(r, p.StoreID)
	if !ok {
		writeError(w, http.StatusForbidden, "store not accessible")
		return
	}
	def, trigger, err := normalizeDefinition(p.Definition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t := strings.TrimSpace(p.TriggerType); t != "" {
		trigger = t
	}
	wf := &store.Workflow{
		StoreID:     storeID,
		Name:        name,
		Enabled:     p.Enabled != nil && *p.Enabled,
		TriggerType: trigger,
		Definition:  datatypes.JSON(def),
		CreatedBy:   callerSubject(r),
	}
	if err := s.repo.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}
	_ = s.engine.ReloadNow(r.Context())
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	var p workflowPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if name := strings.TrimSpace(p.Name); name != "" {
		wf.Name = name
	}
	if p.Enabled != nil {
		wf.Enabled = *p.Enabled
	}
	if len(p.Definition) > 0 {
		def, trigger, err := normalizeDefinition(p.Definition)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		wf.Definition = datatypes.JSON(def)
		wf.TriggerType = trigger
	}
	if t := strings.TrimSpace(p.TriggerType); t != "" {
		wf.TriggerType = t
	}
	if err := s.repo.UpdateWorkflow(r.Context(), wf); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update workflow")
		return
	}
	_ = s.engine.ReloadNow(r.Context())
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "workflow")
	if !ok {
		return
	}
	if err := s.repo.DeleteWorkflow(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete workflow")
		return
	}
	_ = s.engine.ReloadNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleEnableWorkflow(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, ok := s.loadWorkflow(w, r)
		if !ok {
			return
		}
		if err := s.repo.SetWorkflowEnabled(r.Context(), wf.ID, enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update workflow")
			return
		}
		_ = s.engine.ReloadNow(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
	}
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "workflow")
	if !ok {
		return
	}
	var subject engine.Subject
	if !decodeJSON(w, r, &subject) {
		return
	}
	wf, err := s.repo.GetWorkflow(r.Context(), id)
	switch {
	case err == nil:
		if !canAccess(r, wf.StoreID) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		subject.StoreID = wf.StoreID
	case errors.Is(err, store.ErrNotFound):
		// Still recorded as a failed run below.
		storeID, ok := callerStore(r, subject.StoreID)
		if !ok {
			writeError(w, http.StatusForbidden, "store not accessible")
			return
		}
		subject.StoreID = storeID
	default:
		writeStoreError(w, err, "workflow")
		return
	}

	h, err := s.engine.StartRun(r.Context(), id, subject)
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "run_id": h.RunID.String()})
	case errors.Is(err, engine.ErrDefinitionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error(), "code": http.StatusNotFound, "run_id": h.RunID.String()})
	case errors.Is(err, engine.ErrInvalidDefinition):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "code": http.StatusUnprocessableEntity, "run_id": h.RunID.String()})
	case errors.Is(err, engine.ErrWorkflowDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to start run")
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	runs, err := s.repo.ListRuns(r.Context(), wf.ID, queryLimit(r, 20, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, r, "run_id", "run")
	if !ok {
		return
	}
	run, steps, err := s.repo.GetRunWithSteps(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "run")
		return
	}
	if !canAccess(r, run.StoreID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	failures, err := s.repo.ListDeliveryFailures(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load delivery failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps, "delivery_failures": failures})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, r, "run_id", "run")
	if !ok {
		return
	}
	run, err := s.repo.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err, "run")
		return
	}
	if !canAccess(r, run.StoreID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	err = s.engine.Cancel(r.Context(), engine.RunHandle{RunID: run.ID, WorkflowID: run.WorkflowID})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	case errors.Is(err, engine.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
	}
}

func (s *Server) handleABReport(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.loadWorkflow(w, r)
	if !ok {
		return
	}
	stats, err := s.engine.ABReport(r.Context(), wf.ID, chi.URLParam(r, "node_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": wf.ID, "node_id": chi.URLParam(r, "node_id"), "variants": stats})
}

func (s *Server) handleCreateABTest(w http.ResponseWriter, r *http.Request) {
	var t engine.ABTest
	if !decodeJSON(w, r, &t) {
		return
	}
	storeID, ok := callerStore(r, t.StoreID)
	if !ok {
		writeError(w, http.StatusForbidden, "store not accessible")
		return
	}
	t.StoreID = storeID
	wf, err := s.engine.CreateABTest(r.Context(), t, callerSubject(r))
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) || errors.Is(err, engine.ErrInvalidDefinition) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create ab test")
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

type templatePayload struct {
	StoreID  string `json:"storeId"`
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"htmlBody"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var p templatePayload
	if !decodeJSON(w, r, &p) {
		return
	}
	storeID, ok := callerStore(r, p.StoreID)
	if !ok {
		writeError(w, http.StatusForbidden, "store not accessible")
		return
	}
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Subject) == "" || strings.TrimSpace(p.HTMLBody) == "" {
		writeError(w, http.StatusBadRequest, "name, subject and htmlBody are required")
		return
	}
	if _, err := template.New("body").Parse(p.HTMLBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template: "+err.Error())
		return
	}
	t := &store.EmailTemplate{StoreID: storeID, Name: strings.TrimSpace(p.Name), Subject: p.Subject, HTMLBody: p.HTMLBody}
	if err := s.repo.CreateTemplate(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "template")
	if !ok {
		return
	}
	t, err := s.repo.GetTemplate(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "template")
		return
	}
	if !canAccess(r, t.StoreID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if s.ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "event ingest not configured")
		return
	}
	var ev ingest.TriggerEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	storeID, ok := callerStore(r, ev.StoreID)
	if !ok {
		writeError(w, http.StatusForbidden, "store not accessible")
		return
	}
	ev.StoreID = storeID
	handles, err := s.ingestor.Handle(r.Context(), ev)
	if errors.Is(err, ingest.ErrInvalidEvent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.RunID.String())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": ids})
}
