package types

type IncidentStatus string

const (
	IncidentOpen      IncidentStatus = "OPEN"
	IncidentMitigated IncidentStatus = "MITIGATED"
	IncidentClosed    IncidentStatus = "CLOSED"
)

type Incident struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Category    string         `json:"category"`
	Status      IncidentStatus `json:"status"`
	Environment string         `json:"environment,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Evidence is a typed reference attached to an incident. Ref values are
// whatever the producing integration recorded (run ids, ARNs, digests).
type Evidence struct {
	Kind string         `json:"kind"`
	Ref  map[string]any `json:"ref"`
}
