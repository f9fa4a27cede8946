package domain

import "time"

// Trigger records what started a deployment.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
)

// Valid reports whether the trigger is one of the known values.
func (t Trigger) Valid() bool {
	return t == TriggerManual || t == TriggerWebhook
}

// Deployment captures a single attempt to publish a project build to the
// content store and point its name record at it.
type Deployment struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Status         Status     `json:"status"`
	ContentAddress string     `json:"content_address,omitempty"`
	NamingTxRef    string     `json:"naming_tx_ref,omitempty"`
	ArtifactRef    string     `json:"artifact_ref,omitempty"`
	TriggeredBy    Trigger    `json:"triggered_by"`
	CommitRef      string     `json:"commit_ref,omitempty"`
	CommitMessage  string     `json:"commit_message,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the deployment can no longer change.
func (d Deployment) IsTerminal() bool {
	return d.Status.IsTerminal()
}

// DeploymentFields carries the optional columns written alongside a status change.
// Empty strings leave the stored value untouched.
type DeploymentFields struct {
	ContentAddress string `json:"content_address,omitempty"`
	NamingTxRef    string `json:"naming_tx_ref,omitempty"`
	ArtifactRef    string `json:"artifact_ref,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// DeploymentTransition is a compare-and-set status write: it applies only while
// the stored status still equals From.
type DeploymentTransition struct {
	DeploymentID string
	From         Status
	To           Status
	Fields       DeploymentFields
	CompletedAt  *time.Time
}

// DeploymentFilter narrows deployment listings.
type DeploymentFilter struct {
	Statuses  []Status
	ProjectID string
	Limit     int
}

// Matches reports whether d satisfies the filter, ignoring Limit.
func (f DeploymentFilter) Matches(d Deployment) bool {
	if f.ProjectID != "" && d.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

// Event types published when deployments change.
const (
	EventCreated    = "deployment.created"
	EventTransition = "deployment.transition"
)

// Event describes a deployment change for stream subscribers.
type Event struct {
	Type       string     `json:"type"`
	Previous   Status     `json:"previous,omitempty"`
	Deployment Deployment `json:"deployment"`
	At         time.Time  `json:"at"`
}
