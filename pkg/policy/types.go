package policy

// Severity classifies how a violation affects the run.
type Severity string

const (
	// SeverityWarning is logged but does not block the run.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Policy is one named rule with its Rego source.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source. The gate queries data.<package>.deny.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`
}

// Violation is one policy finding against a plan.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Resource is the offending resource ID, when attributable.
	Resource string `json:"resource,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`
}

// Limits parameterizes the built-in policies.
type Limits struct {
	// MaxTTL caps the environment TTL. Zero disables the ceiling.
	MaxTTLSeconds int64 `json:"max_ttl_seconds"`

	// MaxResources caps the desired resource count per environment.
	// Zero disables the ceiling.
	MaxResources int `json:"max_resources"`
}
