package policy

// BuiltinPolicies returns the policies shipped with the gate.
func BuiltinPolicies() []Policy {
	return []Policy{
		ttlCeilingPolicy(),
		protectedEnvironmentPolicy(),
		resourceCeilingPolicy(),
	}
}

// ttlCeilingPolicy rejects environments asking for a TTL above the ceiling.
func ttlCeilingPolicy() Policy {
	return Policy{
		Name:        "ttl-ceiling",
		Description: "Caps the environment TTL at the configured ceiling",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package meadow.policies.ttl

import rego.v1

deny contains violation if {
	input.limits.max_ttl_seconds > 0
	input.environment.ttl_seconds > input.limits.max_ttl_seconds
	violation := {
		"message": sprintf("environment TTL %d seconds exceeds the ceiling of %d seconds", [input.environment.ttl_seconds, input.limits.max_ttl_seconds]),
		"severity": "error",
	}
}
`,
	}
}

// protectedEnvironmentPolicy blocks delete steps against environments
// labeled protected.
func protectedEnvironmentPolicy() Policy {
	return Policy{
		Name:        "protected-environment",
		Description: "Blocks resource deletion in environments labeled protected",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package meadow.policies.protected

import rego.v1

deny contains violation if {
	input.environment.labels.protected == "true"
	some step in input.plan.steps
	step.op == "delete"
	violation := {
		"message": sprintf("environment %s is protected: refusing to delete %s", [input.environment.name, step.descriptor.id]),
		"severity": "error",
		"resource": step.descriptor.id,
	}
}
`,
	}
}

// resourceCeilingPolicy caps the desired resource count per environment.
func resourceCeilingPolicy() Policy {
	return Policy{
		Name:        "resource-ceiling",
		Description: "Caps the number of resources an environment may hold",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package meadow.policies.capacity

import rego.v1

desired_count := input.plan.summary.total - input.plan.summary.to_delete

deny contains violation if {
	input.limits.max_resources > 0
	desired_count > input.limits.max_resources
	violation := {
		"message": sprintf("plan leaves %d resources, above the ceiling of %d", [desired_count, input.limits.max_resources]),
		"severity": "error",
	}
}
`,
	}
}
