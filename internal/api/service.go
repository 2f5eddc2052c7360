package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adaefler-art/codefactory-control/internal/audit"
	"github.com/adaefler-art/codefactory-control/internal/classifier"
	"github.com/adaefler-art/codefactory-control/internal/gate"
	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/verdict"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var (
	ErrBadRequest     = errors.New("bad request")
	ErrVerdictMissing = errors.New("verdict not found")
)

type CreateVerdictRequest struct {
	ExecutionID      string                `json:"execution_id"`
	PolicySnapshotID string                `json:"policy_snapshot_id,omitempty"`
	Signals          []types.FailureSignal `json:"signals"`
	Locked           bool                  `json:"locked,omitempty"`
}

// GateRequest carries exactly one of the three accepted input shapes.
type GateRequest struct {
	VerdictID     string `json:"verdict_id,omitempty"`
	VerdictType   string `json:"verdict_type,omitempty"`
	SimpleVerdict string `json:"simple_verdict,omitempty"`
	Enforce       bool   `json:"enforce,omitempty"`
}

type AuditEventRequest struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

type AuditResponse struct {
	Report  audit.Report              `json:"report"`
	Entries []types.VerdictAuditEntry `json:"entries"`
}

// VerdictObserver is the metrics hook; nil disables it.
type VerdictObserver interface {
	ObserveVerdict(v types.Verdict)
	ObserveGate(r gate.Result)
}

// Service is the transport-free core of the HTTP surface.
type Service struct {
	Store     ledger.Store
	Generator *verdict.Generator
	Idem      IdemStore
	Observer  VerdictObserver
	Now       func() time.Time
	NewID     func() string

	createMu sync.Mutex
}

func NewService(store ledger.Store) *Service {
	return &Service{
		Store:     store,
		Generator: verdict.NewGenerator(store, classifier.New()),
		Idem:      NewInMemoryIdemStore(),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// CreateVerdict generates a verdict and stores it together with its
// "created" audit entry. A repeated idemKey returns the original verdict.
func (s *Service) CreateVerdict(req CreateVerdictRequest, idemKey string) (types.Verdict, bool, error) {
	if req.ExecutionID == "" {
		return types.Verdict{}, false, fmt.Errorf("%w: execution_id is required", ErrBadRequest)
	}
	if idemKey != "" {
		s.createMu.Lock()
		defer s.createMu.Unlock()
		if rec, ok := s.Idem.Get(idemKey); ok {
			v, found := s.Store.GetVerdict(rec.VerdictID)
			if !found {
				return types.Verdict{}, false, fmt.Errorf("%w: %s", ErrVerdictMissing, rec.VerdictID)
			}
			return v, true, nil
		}
	}

	policyID := req.PolicySnapshotID
	if policyID == "" {
		latest, ok := s.Store.GetLatestPolicySnapshot()
		if !ok {
			return types.Verdict{}, false, verdict.ErrPolicyNotFound
		}
		policyID = latest.ID
	}
	var opts []verdict.Option
	if req.Locked {
		opts = append(opts, verdict.WithLock())
	}
	v, err := s.Generator.Generate(req.ExecutionID, policyID, req.Signals, opts...)
	if err != nil {
		return types.Verdict{}, false, err
	}

	entry := types.VerdictAuditEntry{
		ID:        s.NewID(),
		VerdictID: v.ID,
		EventType: types.AuditCreated,
		EventData: map[string]any{
			"policy_snapshot_id": v.PolicySnapshotID,
			"verdict_type":       string(v.VerdictType),
		},
		CreatedAt: s.Now().UTC().Format(time.RFC3339Nano),
	}
	err = s.Store.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutVerdict(v); err != nil {
			return err
		}
		return tx.AppendAudit(entry)
	})
	if err != nil {
		return types.Verdict{}, false, err
	}
	if idemKey != "" {
		s.Idem.Put(IdemRecord{IdemKey: idemKey, VerdictID: v.ID})
	}
	if s.Observer != nil {
		s.Observer.ObserveVerdict(v)
	}
	return v, false, nil
}

func (s *Service) AppendAuditEvent(verdictID string, req AuditEventRequest) (types.VerdictAuditEntry, error) {
	et := types.AuditEventType(req.EventType)
	if !et.IsValid() || et == types.AuditCreated {
		return types.VerdictAuditEntry{}, fmt.Errorf("%w: event_type must be reviewed, overridden or archived", ErrBadRequest)
	}
	entry := types.VerdictAuditEntry{
		ID:        s.NewID(),
		VerdictID: verdictID,
		EventType: et,
		EventData: req.EventData,
		CreatedAt: s.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.Store.AppendAudit(entry); err != nil {
		return types.VerdictAuditEntry{}, err
	}
	return entry, nil
}

func (s *Service) Audit(verdictID string) (AuditResponse, error) {
	vp, ok := s.Store.GetVerdictWithPolicy(verdictID)
	if !ok {
		return AuditResponse{}, fmt.Errorf("%w: %s", ErrVerdictMissing, verdictID)
	}
	entries, err := s.Store.ListAudit(verdictID)
	if err != nil {
		return AuditResponse{}, err
	}
	return AuditResponse{
		Report:  audit.AuditVerdict(vp.Verdict, vp.Policy, audit.WithHistory(entries)),
		Entries: entries,
	}, nil
}

// Gate evaluates the deployment gate. With Enforce set a blocked result is
// also returned as a *gate.DeploymentBlockedError.
func (s *Service) Gate(req GateRequest) (gate.Result, error) {
	set := 0
	for _, f := range []string{req.VerdictID, req.VerdictType, req.SimpleVerdict} {
		if f != "" {
			set++
		}
	}
	if set != 1 {
		return gate.Result{}, fmt.Errorf("%w: exactly one of verdict_id, verdict_type, simple_verdict is required", ErrBadRequest)
	}

	var (
		res gate.Result
		err error
	)
	switch {
	case req.VerdictID != "":
		v, ok := s.Store.GetVerdict(req.VerdictID)
		if !ok {
			return gate.Result{}, fmt.Errorf("%w: %s", ErrVerdictMissing, req.VerdictID)
		}
		res = gate.Check(v)
		if req.Enforce {
			err = gate.Validate(v)
		}
	case req.VerdictType != "":
		vt, perr := verdict.ParseVerdictType(req.VerdictType)
		if perr != nil {
			return gate.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, perr)
		}
		res = gate.Check(vt)
		if req.Enforce {
			err = gate.Validate(vt)
		}
	default:
		sv, perr := verdict.ParseSimpleVerdict(req.SimpleVerdict)
		if perr != nil {
			return gate.Result{}, fmt.Errorf("%w: %v", ErrBadRequest, perr)
		}
		res = gate.Check(sv)
		if req.Enforce {
			err = gate.Validate(sv)
		}
	}
	if s.Observer != nil {
		s.Observer.ObserveGate(res)
	}
	return res, err
}

func (s *Service) Consistency(q ledger.VerdictQuery) (audit.ConsistencyMetrics, error) {
	verdicts, err := s.Store.ListVerdicts(q)
	if err != nil {
		return audit.ConsistencyMetrics{}, err
	}
	return audit.CalculateConsistencyMetrics(verdicts), nil
}
