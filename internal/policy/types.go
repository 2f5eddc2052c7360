package policy

import "github.com/adaefler-art/codefactory-control/pkg/types"

const (
	// FallbackErrorClass is the catch-all class every snapshot must map.
	FallbackErrorClass = "UNKNOWN"

	NormalizeRoundHalfUp = "round_half_up"
)

// Snapshot is an immutable, versioned policy bundle. Verdicts reference a
// snapshot by ID and are audited against the same snapshot later.
type Snapshot struct {
	ID            string                          `yaml:"id" json:"id"`
	Version       string                          `yaml:"version" json:"version"`
	CreatedAt     string                          `yaml:"created_at" json:"created_at"`
	Rules         []Rule                          `yaml:"rules" json:"rules"`
	Actions       map[string]types.ProposedAction `yaml:"actions" json:"actions"`
	Categories    map[string]string               `yaml:"categories" json:"categories,omitempty"`
	Fallback      Fallback                        `yaml:"fallback" json:"fallback"`
	Normalization Normalization                   `yaml:"normalization" json:"normalization"`
	// LowSeverity lists OPEN_ISSUE classes that warn instead of reject.
	LowSeverity []string `yaml:"low_severity" json:"low_severity,omitempty"`

	// Hash is the digest of the source document, set by the loader.
	Hash string `yaml:"-" json:"hash"`
}

// Rule classifies a signal. All populated matchers must hold: resource type
// membership, at least one pattern, and the CEL condition.
type Rule struct {
	ID            string   `yaml:"id" json:"id"`
	ErrorClass    string   `yaml:"error_class" json:"error_class"`
	Service       string   `yaml:"service" json:"service,omitempty"`
	ResourceTypes []string `yaml:"resource_types" json:"resource_types,omitempty"`
	Patterns      []string `yaml:"patterns" json:"patterns,omitempty"`
	Condition     string   `yaml:"condition" json:"condition,omitempty"`
	Confidence    float64  `yaml:"confidence" json:"confidence"`
}

type Fallback struct {
	ErrorClass string  `yaml:"error_class" json:"error_class"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

type Normalization struct {
	Method string `yaml:"method" json:"method"`
	Scale  int    `yaml:"scale" json:"scale"`
}

// ActionFor returns the proposed action mapped to errorClass.
func (s Snapshot) ActionFor(errorClass string) (types.ProposedAction, bool) {
	a, ok := s.Actions[errorClass]
	return a, ok
}

// CategoryFor returns the incident category for errorClass, if any.
func (s Snapshot) CategoryFor(errorClass string) (string, bool) {
	c, ok := s.Categories[errorClass]
	return c, ok && c != ""
}

func (s Snapshot) IsLowSeverity(errorClass string) bool {
	for _, c := range s.LowSeverity {
		if c == errorClass {
			return true
		}
	}
	return false
}

func (s Snapshot) FallbackClass() string {
	if s.Fallback.ErrorClass == "" {
		return FallbackErrorClass
	}
	return s.Fallback.ErrorClass
}
