package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// Lawbook flags gating each mutating action. A flag that is absent denies.
const (
	FlagSafeRetryDispatch = "playbook.safe_retry_runner.dispatch"
	FlagServiceReset      = "playbook.service_health_reset.apply_reset"
	FlagRedeployLKG       = "playbook.redeploy_lkg.dispatch_deploy"
)

type Lawbook interface {
	Allowed(flag string) bool
}

// StaticLawbook is a fixed flag set, usually loaded from config.
type StaticLawbook map[string]bool

func (l StaticLawbook) Allowed(flag string) bool {
	return l[flag]
}

// RequireLawbook is the first check of every mutating step.
func RequireLawbook(lb Lawbook, flag string) *StepError {
	if lb == nil || !lb.Allowed(flag) {
		return newStepError(CodeLawbookDenied, fmt.Sprintf("lawbook flag %s is not enabled", flag), map[string]any{"flag": flag})
	}
	return nil
}

const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

var (
	ErrInvalidEnvironment  = errors.New("invalid environment")
	ErrEnvironmentRequired = errors.New("environment required")
)

// CanonicalEnvironment is the only way an environment string is compared or
// keyed. Unknown names are rejected, never guessed.
func CanonicalEnvironment(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "":
		return "", ErrEnvironmentRequired
	case "prod", "production", "prd":
		return EnvProduction, nil
	case "stage", "staging", "stg":
		return EnvStaging, nil
	case "dev", "development":
		return EnvDevelopment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
}

func environmentStepError(err error) *StepError {
	if errors.Is(err, ErrEnvironmentRequired) {
		return newStepError(CodeEnvironmentRequired, "environment is required", nil)
	}
	return newStepError(CodeInvalidEnvironment, err.Error(), nil)
}

var digestRE = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// ContainerImage pins one container of a deployment.
type ContainerImage struct {
	Name   string `json:"name"`
	Image  string `json:"image"`
	Digest string `json:"digest"`
}

// LKGCandidate is a last-known-good deployment as reported by the deploy
// adapter.
type LKGCandidate struct {
	DeploymentID string           `json:"deploymentId"`
	Repo         string           `json:"repo"`
	Environment  string           `json:"environment"`
	CommitSHA    string           `json:"commitSha,omitempty"`
	ChangeSetID  string           `json:"changeSetId,omitempty"`
	ImageDigest  string           `json:"imageDigest,omitempty"`
	Containers   []ContainerImage `json:"containers,omitempty"`
	Workflow     string           `json:"workflow,omitempty"`
	Ref          string           `json:"ref,omitempty"`
}

// Pinning failure reasons reported in DETERMINISM_REQUIRED details.
const (
	ReasonCommitOnly        = "commit_only"
	ReasonChangeSetUnpinned = "changeset_unpinned"
	ReasonNoReference       = "no_immutable_reference"
	ReasonDigestMalformed   = "digest_malformed"
	ReasonContainerUnpinned = "container_unpinned"
)

// CheckPinned rejects any candidate not pinned by image digest. When
// containers are listed every one of them must carry a digest.
func CheckPinned(c LKGCandidate) *StepError {
	deny := func(reason, msg string, extra map[string]any) *StepError {
		details := map[string]any{"reason": reason, "deploymentId": c.DeploymentID}
		for k, v := range extra {
			details[k] = v
		}
		return newStepError(CodeDeterminismRequired, msg, details)
	}

	if c.ImageDigest == "" && len(c.Containers) == 0 {
		switch {
		case c.ChangeSetID != "":
			return deny(ReasonChangeSetUnpinned, "change set id may resolve to a mutable tag; an image digest is required", nil)
		case c.CommitSHA != "":
			return deny(ReasonCommitOnly, "commit hash alone does not pin the deployed artifact; an image digest is required", nil)
		default:
			return deny(ReasonNoReference, "candidate carries no immutable reference", nil)
		}
	}
	if c.ImageDigest != "" && !digestRE.MatchString(c.ImageDigest) {
		return deny(ReasonDigestMalformed, "image digest is not sha256:<64 hex>", map[string]any{"digest": c.ImageDigest})
	}
	for _, ci := range c.Containers {
		if !digestRE.MatchString(ci.Digest) {
			return deny(ReasonContainerUnpinned, fmt.Sprintf("container %s is not pinned by digest", ci.Name), map[string]any{"container": ci.Name})
		}
	}
	return nil
}

// PromotionInput is everything the final status step may look at.
type PromotionInput struct {
	Stable                  bool
	Verified                bool
	VerificationEnvironment string
	IncidentEnvironment     string
}

type PromotionDecision struct {
	Promote     bool     `json:"promote"`
	Environment string   `json:"environment,omitempty"`
	Reasons     []string `json:"reasons"`
}

// DecidePromotion allows MITIGATED only when the target is stable, the
// verification passed, and both environments canonicalize to the same value.
func DecidePromotion(in PromotionInput) PromotionDecision {
	d := PromotionDecision{Reasons: []string{}}
	if !in.Stable {
		d.Reasons = append(d.Reasons, "target_not_stable")
	}
	if !in.Verified {
		d.Reasons = append(d.Reasons, "verification_not_passed")
	}

	verEnv, verErr := CanonicalEnvironment(in.VerificationEnvironment)
	incEnv, incErr := CanonicalEnvironment(in.IncidentEnvironment)
	switch {
	case errors.Is(verErr, ErrEnvironmentRequired):
		d.Reasons = append(d.Reasons, "verification_environment_missing")
	case verErr != nil:
		d.Reasons = append(d.Reasons, "verification_environment_invalid")
	}
	switch {
	case errors.Is(incErr, ErrEnvironmentRequired):
		d.Reasons = append(d.Reasons, "incident_environment_missing")
	case incErr != nil:
		d.Reasons = append(d.Reasons, "incident_environment_invalid")
	}
	if verErr == nil && incErr == nil && verEnv != incEnv {
		d.Reasons = append(d.Reasons, "environment_mismatch")
	}

	d.Promote = len(d.Reasons) == 0
	if d.Promote {
		d.Environment = verEnv
	}
	return d
}

// ServiceTarget is the compute resource a reset acts on.
type ServiceTarget struct {
	Cluster string `json:"cluster"`
	Service string `json:"service"`
}

// TargetMapper resolves front-end resources to the service behind them. It
// must be an explicit mapping; no lookup by naming convention.
type TargetMapper interface {
	ServiceForTargetGroup(ctx context.Context, targetGroupArn string) (ServiceTarget, bool, error)
}

// StaticTargetMapper maps target group ARNs to services.
type StaticTargetMapper map[string]ServiceTarget

func (m StaticTargetMapper) ServiceForTargetGroup(_ context.Context, arn string) (ServiceTarget, bool, error) {
	t, ok := m[arn]
	return t, ok, nil
}

const (
	EvidenceECSService     = "ecs_service"
	EvidenceALBTargetGroup = "alb_target_group"
)

// ResolveServiceTarget prefers direct service evidence and only falls back to
// a target group when an explicit mapping exists for it.
func ResolveServiceTarget(ctx context.Context, evidence []types.Evidence, mapper TargetMapper) (ServiceTarget, *StepError) {
	e, serr := RequireEvidence(evidence, []string{EvidenceECSService, EvidenceALBTargetGroup})
	if serr != nil {
		return ServiceTarget{}, serr
	}
	if e.Kind == EvidenceECSService {
		if _, serr := RequireEvidence([]types.Evidence{e}, []string{EvidenceECSService}, "cluster", "service"); serr != nil {
			return ServiceTarget{}, serr
		}
		cluster, _ := RefString(e.Ref, "cluster")
		service, _ := RefString(e.Ref, "service")
		return ServiceTarget{Cluster: cluster, Service: service}, nil
	}

	arn, ok := RefString(e.Ref, "targetGroupArn")
	if !ok {
		return ServiceTarget{}, newStepError(CodeInvalidEvidence, "alb_target_group evidence missing ref fields targetGroupArn",
			map[string]any{"kind": e.Kind, "missing": []string{"targetGroupArn"}})
	}
	if mapper == nil {
		return ServiceTarget{}, newStepError(CodeMappingRequired, "no target mapping configured for target group evidence", map[string]any{"targetGroupArn": arn})
	}
	target, found, err := mapper.ServiceForTargetGroup(ctx, arn)
	if err != nil {
		return ServiceTarget{}, newStepError(CodeMappingRequired, "target mapping lookup failed: "+err.Error(), map[string]any{"targetGroupArn": arn})
	}
	if !found || target.Cluster == "" || target.Service == "" {
		return ServiceTarget{}, newStepError(CodeMappingRequired, "target group has no explicit service mapping", map[string]any{"targetGroupArn": arn})
	}
	return target, nil
}

var (
	pemBlockRE     = regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]+-----.*?-----END [A-Z0-9 ]+-----`)
	kvSecretRE     = regexp.MustCompile(`(?i)\b(password|passwd|passphrase|secret|token|api[_-]?key|client[_-]?secret|private[_-]?key)\b(\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&]+)`)
	bearerRE       = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`)
	awsAccessKeyRE = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
	jwtRE          = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)
	githubTokenRE  = regexp.MustCompile(`\b(ghp|gho|ghu|ghs|ghr|github_pat)_[A-Za-z0-9_]{20,}\b`)
	urlCredsRE     = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`)
	urlTokenRE     = regexp.MustCompile(`(?i)([?&](?:token|access_token|sig|signature|x-amz-signature|x-amz-security-token|code)=)[^&\s"']+`)
)

// Redact strips secret-shaped substrings. Every persisted or logged step
// output goes through it.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = pemBlockRE.ReplaceAllString(s, "[REDACTED PEM BLOCK]")
	s = urlCredsRE.ReplaceAllString(s, "${1}[REDACTED]@")
	s = urlTokenRE.ReplaceAllString(s, "${1}[REDACTED]")
	s = kvSecretRE.ReplaceAllString(s, "${1}${2}[REDACTED]")
	s = bearerRE.ReplaceAllString(s, "${1} [REDACTED]")
	s = awsAccessKeyRE.ReplaceAllString(s, "[REDACTED_AWS_ACCESS_KEY]")
	s = jwtRE.ReplaceAllString(s, "[REDACTED_JWT]")
	s = githubTokenRE.ReplaceAllString(s, "[REDACTED_GITHUB_TOKEN]")
	return s
}

var sensitiveKeys = []string{"password", "secret", "token", "apikey", "api_key", "authorization", "credential", "privatekey", "private_key"}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactValue applies Redact to every string inside v and blanks values
// stored under secret-looking keys. The input is not modified.
func RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]any:
		return RedactOutput(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = RedactValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = Redact(e)
		}
		return out
	case []types.Evidence:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = map[string]any{"kind": e.Kind, "ref": RedactOutput(e.Ref)}
		}
		return out
	case nil, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return v
	}
	return redactEncoded(v)
}

// redactEncoded redacts structs and typed collections through their JSON
// form. Values that cannot be encoded are dropped entirely.
func redactEncoded(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return "[REDACTED]"
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "[REDACTED]"
	}
	return RedactValue(decoded)
}

func RedactOutput(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]any, len(m))
	for _, k := range keys {
		if isSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = RedactValue(m[k])
	}
	return out
}

func redactError(e *StepError) *StepError {
	if e == nil {
		return nil
	}
	return &StepError{Code: e.Code, Message: Redact(e.Message), Details: RedactOutput(e.Details)}
}
