package types

// FailureSignal is a single raw failure event as produced by monitoring.
type FailureSignal struct {
	ResourceType   string `json:"resourceType"`
	LogicalID      string `json:"logicalId"`
	StatusReason   string `json:"statusReason"`
	Timestamp      string `json:"timestamp"`
	ResourceStatus string `json:"resourceStatus,omitempty"`
}
