package types

type VerdictType string

type SimpleVerdict string

type SimpleAction string

type ProposedAction string

const (
	VerdictApproved  VerdictType = "APPROVED"
	VerdictWarning   VerdictType = "WARNING"
	VerdictRejected  VerdictType = "REJECTED"
	VerdictEscalated VerdictType = "ESCALATED"
	VerdictBlocked   VerdictType = "BLOCKED"
	VerdictDeferred  VerdictType = "DEFERRED"
	VerdictPending   VerdictType = "PENDING"
)

const (
	SimpleGreen SimpleVerdict = "GREEN"
	SimpleRed   SimpleVerdict = "RED"
	SimpleHold  SimpleVerdict = "HOLD"
	SimpleRetry SimpleVerdict = "RETRY"
)

const (
	ActionAdvance        SimpleAction = "ADVANCE"
	ActionAbort          SimpleAction = "ABORT"
	ActionFreeze         SimpleAction = "FREEZE"
	ActionRetryOperation SimpleAction = "RETRY_OPERATION"
)

const (
	ProposeWaitAndRetry ProposedAction = "WAIT_AND_RETRY"
	ProposeOpenIssue    ProposedAction = "OPEN_ISSUE"
	ProposeHumanReq     ProposedAction = "HUMAN_REQUIRED"
)

// AllVerdictTypes lists every verdict type in declaration order.
var AllVerdictTypes = []VerdictType{
	VerdictApproved,
	VerdictWarning,
	VerdictRejected,
	VerdictEscalated,
	VerdictBlocked,
	VerdictDeferred,
	VerdictPending,
}

var AllSimpleVerdicts = []SimpleVerdict{SimpleGreen, SimpleRed, SimpleHold, SimpleRetry}

var AllProposedActions = []ProposedAction{ProposeWaitAndRetry, ProposeOpenIssue, ProposeHumanReq}

// IsValid reports whether a is one of the fixed proposed actions.
func (a ProposedAction) IsValid() bool {
	switch a {
	case ProposeWaitAndRetry, ProposeOpenIssue, ProposeHumanReq:
		return true
	}
	return false
}

type Verdict struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	PolicySnapshotID string          `json:"policy_snapshot_id"`
	FingerprintID    string          `json:"fingerprint_id"`
	ErrorClass       string          `json:"error_class"`
	Service          string          `json:"service"`
	ConfidenceScore  int             `json:"confidence_score"`
	ProposedAction   ProposedAction  `json:"proposed_action"`
	VerdictType      VerdictType     `json:"verdict_type"`
	Tokens           []string        `json:"tokens"`
	Signals          []FailureSignal `json:"signals"`
	CreatedAt        string          `json:"created_at"`
}

type AuditEventType string

const (
	AuditCreated    AuditEventType = "created"
	AuditReviewed   AuditEventType = "reviewed"
	AuditOverridden AuditEventType = "overridden"
	AuditArchived   AuditEventType = "archived"
)

func (e AuditEventType) IsValid() bool {
	switch e {
	case AuditCreated, AuditReviewed, AuditOverridden, AuditArchived:
		return true
	}
	return false
}

type VerdictAuditEntry struct {
	ID        string         `json:"id"`
	VerdictID string         `json:"verdict_id"`
	EventType AuditEventType `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	CreatedAt string         `json:"created_at"`
}
