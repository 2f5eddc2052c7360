package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var ErrIncidentExists = errors.New("incident already exists")

type CreateIncidentRequest struct {
	ID          string           `json:"id,omitempty"`
	Key         string           `json:"key"`
	Category    string           `json:"category"`
	Environment string           `json:"environment,omitempty"`
	Evidence    []types.Evidence `json:"evidence,omitempty"`
}

type IncidentResponse struct {
	Incident types.Incident   `json:"incident"`
	Evidence []types.Evidence `json:"evidence"`
}

// RunRequest selects a playbook. With no playbook_id the incident category
// decides; version is a semver constraint such as "^2".
type RunRequest struct {
	PlaybookID string `json:"playbook_id,omitempty"`
	Version    string `json:"version,omitempty"`
}

func (s *Service) CreateIncident(req CreateIncidentRequest) (IncidentResponse, error) {
	if req.Key == "" || req.Category == "" {
		return IncidentResponse{}, fmt.Errorf("%w: key and category are required", ErrBadRequest)
	}
	if req.Environment != "" {
		env, err := playbook.CanonicalEnvironment(req.Environment)
		if err != nil {
			return IncidentResponse{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		req.Environment = env
	}
	for _, e := range req.Evidence {
		if e.Kind == "" {
			return IncidentResponse{}, fmt.Errorf("%w: evidence kind is required", ErrBadRequest)
		}
	}
	id := req.ID
	if id == "" {
		id = s.NewID()
	}
	if _, ok := s.Store.GetIncident(id); ok {
		return IncidentResponse{}, fmt.Errorf("%w: %s", ErrIncidentExists, id)
	}
	now := s.Now().UTC().Format(time.RFC3339Nano)
	inc := types.Incident{
		ID:          id,
		Key:         req.Key,
		Category:    req.Category,
		Status:      types.IncidentOpen,
		Environment: req.Environment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.PutIncident(inc); err != nil {
		return IncidentResponse{}, err
	}
	for _, e := range req.Evidence {
		if err := s.Store.AddEvidence(id, e); err != nil {
			return IncidentResponse{}, err
		}
	}
	return s.Incident(id)
}

func (s *Service) Incident(id string) (IncidentResponse, error) {
	inc, ok := s.Store.GetIncident(id)
	if !ok {
		return IncidentResponse{}, fmt.Errorf("%w: %s", playbook.ErrIncidentNotFound, id)
	}
	evidence, err := s.Store.ListEvidence(id)
	if err != nil {
		return IncidentResponse{}, err
	}
	redacted := make([]types.Evidence, len(evidence))
	for i, e := range evidence {
		redacted[i] = types.Evidence{Kind: e.Kind, Ref: playbook.RedactOutput(e.Ref)}
	}
	return IncidentResponse{Incident: inc, Evidence: redacted}, nil
}

// RunPlaybook resolves a playbook for the incident and executes it.
func (s *Service) RunPlaybook(ctx context.Context, reg *playbook.Registry, orch *playbook.Orchestrator, incidentID string, req RunRequest) (playbook.Run, error) {
	inc, ok := s.Store.GetIncident(incidentID)
	if !ok {
		return playbook.Run{}, fmt.Errorf("%w: %s", playbook.ErrIncidentNotFound, incidentID)
	}
	var (
		pb  playbook.Playbook
		err error
	)
	switch {
	case req.PlaybookID != "" && req.Version != "":
		pb, err = reg.Resolve(req.PlaybookID, req.Version)
	case req.PlaybookID != "":
		var found bool
		if pb, found = reg.Get(req.PlaybookID); !found {
			err = fmt.Errorf("%w: %s", playbook.ErrNoPlaybook, req.PlaybookID)
		}
	default:
		pb, err = reg.ForCategory(inc.Category)
	}
	if err != nil {
		return playbook.Run{}, err
	}
	return orch.Run(ctx, pb, incidentID)
}

func (s *Service) ListRuns(incidentID string) ([]json.RawMessage, error) {
	if _, ok := s.Store.GetIncident(incidentID); !ok {
		return nil, fmt.Errorf("%w: %s", playbook.ErrIncidentNotFound, incidentID)
	}
	records, err := s.Store.ListRuns(incidentID)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		out = append(out, json.RawMessage(r.BodyJSON))
	}
	return out, nil
}

func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.Service.CreateIncident(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.Incident(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RunPlaybook(w http.ResponseWriter, r *http.Request) {
	if h.Playbooks == nil || h.Orchestrator == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "playbook execution not configured"})
		return
	}
	var req RunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	run, err := h.Service.RunPlaybook(r.Context(), h.Playbooks, h.Orchestrator, r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Service.ListRuns(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
