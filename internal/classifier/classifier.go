// Package classifier turns raw failure signals into an error class, a raw
// confidence, a service name and a stable fingerprint, using the rules carried
// by a policy snapshot.
package classifier

import (
	"errors"
	"regexp"
	"strings"

	"github.com/adaefler-art/codefactory-control/internal/canon"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var ErrNoSignals = errors.New("classifier: no signals")

type Classification struct {
	ErrorClass    string
	RawConfidence float64
	Fingerprint   string
	Service       string
	MatchedRuleID string
}

// Classifier is the port the verdict generator depends on.
type Classifier interface {
	Classify(snapshot policy.Snapshot, signals []types.FailureSignal) (Classification, error)
	ExtractTokens(signals []types.FailureSignal) []string
}

// RuleClassifier classifies with the snapshot's own rules. It is stateless.
type RuleClassifier struct{}

func New() RuleClassifier {
	return RuleClassifier{}
}

func (RuleClassifier) Classify(snapshot policy.Snapshot, signals []types.FailureSignal) (Classification, error) {
	if len(signals) == 0 {
		return Classification{}, ErrNoSignals
	}
	engine, err := policy.Compile(snapshot)
	if err != nil {
		return Classification{}, err
	}
	match, ok, err := engine.FirstMatch(signals)
	if err != nil {
		return Classification{}, err
	}

	out := Classification{
		ErrorClass:    snapshot.FallbackClass(),
		RawConfidence: snapshot.Fallback.Confidence,
		Service:       ServiceFromResourceType(signals[0].ResourceType),
	}
	if ok {
		out.ErrorClass = match.Rule.ErrorClass
		out.RawConfidence = match.Rule.Confidence
		out.MatchedRuleID = match.Rule.ID
		out.Service = match.Rule.Service
		if out.Service == "" {
			out.Service = ServiceFromResourceType(signals[match.SignalIndex].ResourceType)
		}
	}

	fp, err := Fingerprint(out.ErrorClass, out.Service, signals)
	if err != nil {
		return Classification{}, err
	}
	out.Fingerprint = fp
	return out, nil
}

func (RuleClassifier) ExtractTokens(signals []types.FailureSignal) []string {
	return ExtractTokens(signals)
}

// ServiceFromResourceType maps "AWS::Lambda::Function" to "lambda".
func ServiceFromResourceType(resourceType string) string {
	parts := strings.Split(resourceType, "::")
	if len(parts) >= 2 && parts[1] != "" {
		return strings.ToLower(parts[1])
	}
	if resourceType == "" {
		return "unknown"
	}
	return strings.ToLower(resourceType)
}

var (
	arnRE    = regexp.MustCompile(`arn:[a-z0-9-]+:[a-z0-9-]*:[a-z0-9-]*:[0-9]*:[^\s"']+`)
	uuidRE   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexRE    = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	numberRE = regexp.MustCompile(`[0-9]+`)
	spaceRE  = regexp.MustCompile(`\s+`)
)

// NormalizeReason strips run-specific detail (ARNs, ids, numbers) so the same
// failure on different days produces the same signature.
func NormalizeReason(reason string) string {
	s := strings.ToLower(reason)
	s = arnRE.ReplaceAllString(s, "<arn>")
	s = uuidRE.ReplaceAllString(s, "<uuid>")
	s = hexRE.ReplaceAllString(s, "<hex>")
	s = numberRE.ReplaceAllString(s, "<n>")
	s = spaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Fingerprint is the digest of the normalized failure signature.
func Fingerprint(errorClass, service string, signals []types.FailureSignal) (string, error) {
	signature := make([]any, 0, len(signals))
	for _, sig := range signals {
		signature = append(signature, strings.ToLower(sig.ResourceType)+"|"+NormalizeReason(sig.StatusReason))
	}
	return canon.Digest(map[string]any{
		"error_class": errorClass,
		"service":     service,
		"signature":   signature,
	})
}
