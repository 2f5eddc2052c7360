package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/adaefler-art/codefactory-control/internal/auth"
	"github.com/adaefler-art/codefactory-control/internal/gate"
	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/logging"
	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/internal/verdict"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	Auth      auth.Authenticator
	Service   *Service
	Playbooks *playbook.Registry

	// Orchestrator enables incident runs; nil answers 501.
	Orchestrator *playbook.Orchestrator
	Logger       zerolog.Logger
}

func (h *Handler) CreateVerdict(w http.ResponseWriter, r *http.Request) {
	var req CreateVerdictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, replayed, err := h.Service.CreateVerdict(req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, v)
}

func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	vp, ok := h.Service.Store.GetVerdictWithPolicy(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "verdict not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verdict":        vp.Verdict,
		"policy_version": vp.Policy.Version,
		"simple_verdict": verdict.ToSimpleVerdict(vp.Verdict.VerdictType),
		"action":         verdict.GetActionForVerdictType(vp.Verdict.VerdictType),
	})
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.Audit(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) AppendAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.Service.AppendAuditEvent(r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) Gate(w http.ResponseWriter, r *http.Request) {
	var req GateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.Service.Gate(req)
	var blocked *gate.DeploymentBlockedError
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusConflict, map[string]any{"error": blocked.Error(), "result": blocked.Result})
	case err != nil:
		h.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) Consistency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := ledger.VerdictQuery{
		ExecutionID:      q.Get("execution_id"),
		FingerprintID:    q.Get("fingerprint_id"),
		ErrorClass:       q.Get("error_class"),
		PolicySnapshotID: q.Get("policy_snapshot_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		query.Limit = n
	}
	m, err := h.Service.Consistency(query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Store.VerdictStatistics()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	if h.Playbooks == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "playbook registry not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": h.Playbooks.Definitions()})
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	_, err := h.Auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		l := logging.FromContext(r.Context())
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, verdict.ErrNoSignals),
		errors.Is(err, verdict.ErrInvalidConfidence),
		errors.Is(err, ledger.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, verdict.ErrUnknownErrorClass):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrVerdictMissing),
		errors.Is(err, verdict.ErrPolicyNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, playbook.ErrIncidentNotFound),
		errors.Is(err, playbook.ErrNoPlaybook):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrImmutable),
		errors.Is(err, ErrIncidentExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
