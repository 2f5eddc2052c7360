package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adaefler-art/codefactory-control/internal/idem"
	"github.com/adaefler-art/codefactory-control/internal/ledger"
)

var ErrIncidentNotFound = errors.New("playbook: incident not found")

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunAborted   RunStatus = "ABORTED"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepOutcome is the redacted record of one step.
type StepOutcome struct {
	StepID         string     `json:"stepId"`
	Status         StepStatus `json:"status"`
	Optional       bool       `json:"optional,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	Result         StepResult `json:"result"`
	StartedAt      string     `json:"startedAt,omitempty"`
	FinishedAt     string     `json:"finishedAt,omitempty"`
}

type Run struct {
	ID              string        `json:"id"`
	PlaybookID      string        `json:"playbookId"`
	PlaybookVersion string        `json:"playbookVersion"`
	IncidentID      string        `json:"incidentId"`
	Status          RunStatus     `json:"status"`
	Steps           []StepOutcome `json:"steps"`
	Error           *StepError    `json:"error,omitempty"`
	CreatedAt       string        `json:"createdAt"`
	UpdatedAt       string        `json:"updatedAt"`
}

// Observer receives run telemetry. Implementations must not block.
type Observer interface {
	StepFinished(playbookID, stepID string, status StepStatus, code Code)
	RunFinished(playbookID string, status RunStatus, elapsed time.Duration)
}

// Orchestrator executes one playbook run at a time per call. It holds no
// per-run state; concurrent runs are safe as long as the stores are.
type Orchestrator struct {
	Incidents ledger.IncidentStore
	// Runs, Claims and Observer are optional.
	Runs     ledger.RunStore
	Claims   idem.Store
	ClaimTTL time.Duration
	Observer Observer

	Logger zerolog.Logger
	Tracer trace.Tracer
	Now    func() time.Time
	NewID  func() string
}

type Option func(*Orchestrator)

func WithRunStore(rs ledger.RunStore) Option { return func(o *Orchestrator) { o.Runs = rs } }

func WithClaims(s idem.Store, ttl time.Duration) Option {
	return func(o *Orchestrator) { o.Claims, o.ClaimTTL = s, ttl }
}

func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.Observer = obs } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.Logger = l } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.Tracer = t } }

func NewOrchestrator(incidents ledger.IncidentStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Incidents: incidents,
		Logger:    zerolog.Nop(),
		Tracer:    otel.Tracer("github.com/adaefler-art/codefactory-control/internal/playbook"),
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes pb against an incident. The returned error covers
// infrastructure failures only (bad playbook, unknown incident, run store);
// step failures are reported in the Run.
func (o *Orchestrator) Run(ctx context.Context, pb Playbook, incidentID string) (Run, error) {
	if err := pb.Validate(); err != nil {
		return Run{}, err
	}
	validator, err := NewEvidenceValidator(pb.Definition.ID, pb.Definition.RequiredEvidence)
	if err != nil {
		return Run{}, err
	}
	inc, ok := o.Incidents.GetIncident(incidentID)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	evidence, err := o.Incidents.ListEvidence(incidentID)
	if err != nil {
		return Run{}, fmt.Errorf("playbook: list evidence: %w", err)
	}

	start := o.Now()
	run := Run{
		ID:              o.NewID(),
		PlaybookID:      pb.Definition.ID,
		PlaybookVersion: pb.Definition.Version,
		IncidentID:      incidentID,
		Status:          RunPending,
		Steps:           make([]StepOutcome, 0, len(pb.Steps)),
		CreatedAt:       formatTime(start),
		UpdatedAt:       formatTime(start),
	}
	log := o.Logger.With().
		Str("run_id", run.ID).
		Str("playbook", pb.Definition.ID).
		Str("playbook_version", pb.Definition.Version).
		Str("incident_id", incidentID).
		Logger()

	ctx, span := o.Tracer.Start(ctx, "playbook.run", trace.WithAttributes(
		attribute.String("playbook.id", pb.Definition.ID),
		attribute.String("playbook.version", pb.Definition.Version),
		attribute.String("incident.id", incidentID),
	))
	defer span.End()

	if err := o.persist(run); err != nil {
		return run, err
	}

	if serr := validator.Validate(evidence); serr != nil {
		run.Error = redactError(serr)
		for _, s := range pb.Steps {
			run.Steps = append(run.Steps, StepOutcome{StepID: s.Definition.StepID, Status: StepSkipped, Optional: s.Definition.Optional})
		}
		log.Warn().Str("code", string(serr.Code)).Msg("evidence validation failed")
		return o.finish(run, start, span, log)
	}

	run.Status = RunRunning
	sc := StepContext{
		IncidentID:  inc.ID,
		IncidentKey: inc.Key,
		Environment: inc.Environment,
		Evidence:    evidence,
		Inputs:      map[string]map[string]any{},
	}
	aborted := false
	for _, step := range pb.Steps {
		if aborted {
			run.Steps = append(run.Steps, StepOutcome{StepID: step.Definition.StepID, Status: StepSkipped, Optional: step.Definition.Optional})
			continue
		}
		outcome, raw := o.runStep(ctx, pb.Definition.ID, step, sc)
		run.Steps = append(run.Steps, outcome)
		if o.Observer != nil {
			var code Code
			if outcome.Result.Error != nil {
				code = outcome.Result.Error.Code
			}
			o.Observer.StepFinished(pb.Definition.ID, step.Definition.StepID, outcome.Status, code)
		}

		ev := log.Info()
		if outcome.Status == StepFailed {
			ev = log.Warn().Str("code", string(outcome.Result.Error.Code)).Str("error", outcome.Result.Error.Message)
		}
		ev.Str("step", step.Definition.StepID).Str("status", string(outcome.Status)).Msg("step finished")

		if outcome.Status == StepSucceeded {
			sc.Inputs[step.Definition.StepID] = raw.Output
			// later steps see evidence added by earlier ones
			if fresh, err := o.Incidents.ListEvidence(incidentID); err == nil {
				sc.Evidence = fresh
			}
			continue
		}
		if !step.Definition.Optional {
			aborted = true
			run.Error = outcome.Result.Error
		}
	}
	return o.finish(run, start, span, log)
}

func (o *Orchestrator) runStep(ctx context.Context, playbookID string, step Step, sc StepContext) (StepOutcome, StepResult) {
	outcome := StepOutcome{
		StepID:    step.Definition.StepID,
		Optional:  step.Definition.Optional,
		StartedAt: formatTime(o.Now()),
	}
	ctx, span := o.Tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("playbook.id", playbookID),
		attribute.String("step.id", step.Definition.StepID),
		attribute.String("step.action_type", step.Definition.ActionType),
	))
	defer span.End()

	var res StepResult
	key, kerr := safeKey(step, sc)
	switch {
	case kerr != nil:
		res = FailedWith(kerr)
	case key != "" && o.Claims != nil:
		claimed, err := o.Claims.Claim(ctx, key, o.ClaimTTL)
		switch {
		case err != nil:
			res = Failed(CodeClaimFailed, "idempotency claim failed: "+err.Error(), nil)
		case !claimed:
			res = Failed(CodeDuplicateExecution, "step already executed for this idempotency key", map[string]any{"idempotencyKey": key})
		default:
			res = safeRun(ctx, step, o.Incidents, sc)
			if !res.Success && res.Error != nil && res.Error.Code.releasesClaim() {
				o.releaseClaim(ctx, key)
			}
		}
	default:
		res = safeRun(ctx, step, o.Incidents, sc)
	}
	if !res.Success && res.Error == nil {
		res.Error = newStepError(CodeStepPanic, "step reported failure without an error", nil)
	}

	outcome.IdempotencyKey = key
	outcome.FinishedAt = formatTime(o.Now())
	outcome.Result = StepResult{Success: res.Success, Output: RedactOutput(res.Output), Error: redactError(res.Error)}
	if res.Success {
		outcome.Status = StepSucceeded
		span.SetStatus(codes.Ok, "")
	} else {
		outcome.Status = StepFailed
		span.SetAttributes(attribute.String("step.error_code", string(res.Error.Code)))
		span.SetStatus(codes.Error, string(res.Error.Code))
	}
	return outcome, res
}

func (o *Orchestrator) releaseClaim(ctx context.Context, key string) {
	if err := o.Claims.Release(context.WithoutCancel(ctx), key); err != nil {
		o.Logger.Warn().Err(err).Str("idempotency_key", key).Msg("claim release failed")
	}
}

func safeRun(ctx context.Context, step Step, store ledger.IncidentStore, sc StepContext) (res StepResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(CodeStepPanic, fmt.Sprintf("step %s panicked: %v", step.Definition.StepID, r),
				map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return step.Run(ctx, store, sc)
}

func safeKey(step Step, sc StepContext) (key string, serr *StepError) {
	if step.IdempotencyKey == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			serr = newStepError(CodeStepPanic, fmt.Sprintf("idempotency key for %s panicked: %v", step.Definition.StepID, r), nil)
		}
	}()
	return step.IdempotencyKey(sc), nil
}

func (o *Orchestrator) finish(run Run, start time.Time, span trace.Span, log zerolog.Logger) (Run, error) {
	end := o.Now()
	if run.Error != nil {
		run.Status = RunAborted
		span.SetStatus(codes.Error, string(run.Error.Code))
	} else {
		run.Status = RunCompleted
		span.SetStatus(codes.Ok, "")
	}
	run.UpdatedAt = formatTime(end)
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if o.Observer != nil {
		o.Observer.RunFinished(run.PlaybookID, run.Status, end.Sub(start))
	}
	log.Info().Str("status", string(run.Status)).Dur("elapsed", end.Sub(start)).Msg("playbook run finished")
	return run, o.persist(run)
}

func (o *Orchestrator) persist(run Run) error {
	if o.Runs == nil {
		return nil
	}
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("playbook: encode run: %w", err)
	}
	rec := ledger.RunRecord{
		RunID:           run.ID,
		PlaybookID:      run.PlaybookID,
		PlaybookVersion: run.PlaybookVersion,
		IncidentID:      run.IncidentID,
		Status:          string(run.Status),
		BodyJSON:        body,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	if err := o.Runs.PutRun(rec); err != nil {
		return fmt.Errorf("playbook: persist run: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
