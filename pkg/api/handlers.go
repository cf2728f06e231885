package api

import (
	"net/http"
	"strconv"

	"github.com/erichecan/AIrest/pkg/api/apierror"
	"github.com/erichecan/AIrest/pkg/auth"
	"github.com/erichecan/AIrest/pkg/command"
	"github.com/erichecan/AIrest/pkg/contracts"
)

// CommandRequest is the body of POST /nl/command.
type CommandRequest struct {
	Text         string `json:"text"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	Language     string `json:"language,omitempty"`
	Source       string `json:"source,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

// IntentRequest is the body of POST /nl/confirm, /nl/cancel and /nl/clarify.
type IntentRequest struct {
	IntentID     string `json:"intent_id"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	Choice       string `json:"choice,omitempty"`
}

// UndoRequest is the body of POST /nl/undo. Neither selector reverts the
// latest change.
type UndoRequest struct {
	UndoToken    string `json:"undo_token,omitempty"`
	ChangeID     string `json:"change_id,omitempty"`
	RestaurantID string `json:"restaurant_id,omitempty"`
	Language     string `json:"language,omitempty"`
}

// operator resolves the caller and the restaurant scope of a request.
func (s *Server) operator(w http.ResponseWriter, r *http.Request, restaurantID string) (*auth.Principal, contracts.Scope, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		apierror.WriteUnauthorized(w, r, "")
		return nil, contracts.Scope{}, false
	}
	if restaurantID == "" {
		restaurantID = s.opts.DefaultRestaurantID
	}
	return p, contracts.Scope{TenantID: p.TenantID, RestaurantID: restaurantID}, true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, resp contracts.Response, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decode(w, r, &req) {
		return
	}
	p, scope, ok := s.operator(w, r, req.RestaurantID)
	if !ok {
		return
	}
	resp, err := s.opts.Service.Handle(r.Context(), command.Request{
		Scope:    scope,
		ActorID:  p.ID,
		Source:   contracts.Source(req.Source),
		Text:     req.Text,
		Language: req.Language,
		DryRun:   req.DryRun,
	})
	s.respond(w, r, resp, err)
}

func (s *Server) intentRequest(w http.ResponseWriter, r *http.Request) (*auth.Principal, contracts.Scope, IntentRequest, bool) {
	var req IntentRequest
	if !decode(w, r, &req) {
		return nil, contracts.Scope{}, req, false
	}
	if req.IntentID == "" {
		apierror.WriteBadRequest(w, r, "intent_id is required")
		return nil, contracts.Scope{}, req, false
	}
	p, scope, ok := s.operator(w, r, req.RestaurantID)
	return p, scope, req, ok
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	p, scope, req, ok := s.intentRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.opts.Service.Confirm(r.Context(), scope, p.ID, req.IntentID)
	s.respond(w, r, resp, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, scope, req, ok := s.intentRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.opts.Service.Cancel(r.Context(), scope, p.ID, req.IntentID)
	s.respond(w, r, resp, err)
}

func (s *Server) handleClarify(w http.ResponseWriter, r *http.Request) {
	p, scope, req, ok := s.intentRequest(w, r)
	if !ok {
		return
	}
	if req.Choice == "" {
		apierror.WriteBadRequest(w, r, "choice is required")
		return
	}
	resp, err := s.opts.Service.Clarify(r.Context(), scope, p.ID, req.IntentID, req.Choice)
	s.respond(w, r, resp, err)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	var req UndoRequest
	if !decode(w, r, &req) {
		return
	}
	p, scope, ok := s.operator(w, r, req.RestaurantID)
	if !ok {
		return
	}
	resp, err := s.opts.Service.Undo(r.Context(), command.UndoRequest{
		Scope:     scope,
		ActorID:   p.ID,
		UndoToken: req.UndoToken,
		ChangeID:  req.ChangeID,
		Language:  req.Language,
	})
	s.respond(w, r, resp, err)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	_, scope, ok := s.operator(w, r, r.URL.Query().Get("restaurant_id"))
	if !ok {
		return
	}
	view, err := s.opts.Service.Config(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	_, scope, ok := s.operator(w, r, q.Get("restaurant_id"))
	if !ok {
		return
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			apierror.WriteBadRequest(w, r, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.opts.Service.Audit(r.Context(), contracts.AuditFilter{
		TenantID:     scope.TenantID,
		RestaurantID: scope.RestaurantID,
		IntentID:     q.Get("intent_id"),
		Limit:        limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
