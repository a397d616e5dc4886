package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/itsandyd/ppr-academy-sub023/internal/automation"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

type automationPayload struct {
	StoreID      string   `json:"storeId"`
	Name         string   `json:"name"`
	Active       *bool    `json:"active,omitempty"`
	TriggerType  string   `json:"triggerType"`
	Keywords     []string `json:"keywords"`
	MatchType    string   `json:"matchType"`
	ListenerType string   `json:"listenerType"`
	Prompt       string   `json:"prompt"`
	CommentReply *string  `json:"commentReply,omitempty"`
	Posts        []string `json:"posts"`
	AccessToken  string   `json:"accessToken,omitempty"`
	PlanTier     string   `json:"planTier"`
}

// apply copies the set fields of p onto a and validates the result.
func (p automationPayload) apply(a *store.Automation) string {
	if name := strings.TrimSpace(p.Name); name != "" {
		a.Name = name
	}
	if p.Active != nil {
		a.Active = *p.Active
	}
	if t := strings.ToUpper(strings.TrimSpace(p.TriggerType)); t != "" {
		a.TriggerType = t
	}
	if p.Keywords != nil {
		a.Keywords = store.EncodeStrings(p.Keywords)
	}
	if m := strings.ToLower(strings.TrimSpace(p.MatchType)); m != "" {
		a.MatchType = m
	}
	if l := strings.ToUpper(strings.TrimSpace(p.ListenerType)); l != "" {
		a.ListenerType = l
	}
	if p.Prompt != "" {
		a.Prompt = p.Prompt
	}
	if p.CommentReply != nil {
		a.CommentReply = *p.CommentReply
	}
	if p.Posts != nil {
		a.Posts = store.EncodeStrings(p.Posts)
	}
	if p.AccessToken != "" {
		a.AccessToken = p.AccessToken
	}
	if t := strings.ToUpper(strings.TrimSpace(p.PlanTier)); t != "" {
		a.PlanTier = t
	}

	switch {
	case a.Name == "":
		return "name is required"
	case a.TriggerType != store.TriggerDM && a.TriggerType != store.TriggerComment:
		return "triggerType must be DM or COMMENT"
	case a.ListenerType != store.ListenerMessage && a.ListenerType != store.ListenerSmartAI:
		return "listenerType must be MESSAGE or SMART_AI"
	case !slices.Contains([]string{automation.MatchExact, automation.MatchContains, automation.MatchStartsWith, automation.MatchRegex}, a.MatchType):
		return "unsupported matchType"
	case a.PlanTier != store.PlanFree && a.PlanTier != store.PlanPro:
		return "planTier must be FREE or PRO"
	case len(a.KeywordList()) == 0:
		return "at least one keyword is required"
	case a.TriggerType == store.TriggerComment && len(a.PostList()) == 0:
		return "comment automations need at least one post"
	}
	if a.MatchType == automation.MatchRegex {
		for _, kw := range a.KeywordList() {
			if _, err := regexp.Compile(kw); err != nil {
				return "invalid keyword pattern: " + err.Error()
			}
		}
	}
	return ""
}

func (s *Server) reloadAutomations(r *http.Request) {
	if rl, ok := s.inbound.(interface{ Reload(context.Context) error }); ok {
		if err := rl.Reload(r.Context()); err != nil {
			slog.Warn("automation reload failed", "error", err)
		}
	}
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.repo.ListAutomations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list automations")
		return
	}
	out := make([]store.Automation, 0, len(rows))
	for _, a := range rows {
		if canAccess(r, a.StoreID) {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": out})
}

func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var p automationPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	storeID, ok := callerStore(r, p.StoreID)
	if !ok {
		writeError(w, http.StatusForbidden, "store not accessible")
		return
	}
	a := &store.Automation{StoreID: storeID, MatchType: automation.MatchExact, PlanTier: store.PlanFree}
	if msg := p.apply(a); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.repo.CreateAutomation(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create automation")
		return
	}
	s.reloadAutomations(r)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) loadAutomation(w http.ResponseWriter, r *http.Request) (*store.Automation, bool) {
	id, ok := parseID(w, r, "id", "automation")
	if !ok {
		return nil, false
	}
	a, err := s.repo.GetAutomation(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "automation")
		return nil, false
	}
	if !canAccess(r, a.StoreID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return a, true
}

func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAutomation(w, r)
	if !ok {
		return
	}
	var p automationPayload
	if !decodeJSON(w, r, &p) {
		return
	}
	if msg := p.apply(a); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.repo.UpdateAutomation(r.Context(), a); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update automation")
		return
	}
	s.reloadAutomations(r)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAutomation(w, r)
	if !ok {
		return
	}
	turns, err := s.repo.ListTurns(r.Context(), a.ID, chi.URLParam(r, "sender_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automation_id": a.ID, "sender_id": chi.URLParam(r, "sender_id"), "turns": turns})
}
