package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceTargetsPolicy(),
		secretKeysPolicy(),
		transportSecurityPolicy(),
		lifecycleGrantsPolicy(),
	}
}

// resourceTargetsPolicy requires every webhook and subscription op to name
// its target.
func resourceTargetsPolicy() Policy {
	return Policy{
		Name:        "resource-targets",
		Description: "Every webhook and subscription operation must have a non-empty target identifier",
		Scope:       ScopePlan,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"webhooks", "subscriptions"},
		Rego: `package provision.policies.targets

import rego.v1

deny contains violation if {
	some i
	op := input.plan.webhook_ops[i]
	trim_space(op.id) == ""
	violation := {
		"message": sprintf("webhook operation %d (%s) has an empty id", [i, op.op]),
		"path": sprintf("/webhook_ops/%d/id", [i]),
		"target": "webhook",
	}
}

deny contains violation if {
	some i
	op := input.plan.subscription_ops[i]
	trim_space(op.id) == ""
	violation := {
		"message": sprintf("subscription operation %d (%s) has an empty id", [i, op.op]),
		"path": sprintf("/subscription_ops/%d/id", [i]),
		"target": "subscription",
	}
}

deny contains violation if {
	some i
	op := input.plan.webhook_ops[i]
	op.op in {"register", "update"}
	not op.url
	violation := {
		"message": sprintf("webhook %s needs a url to %s", [op.id, op.op]),
		"path": sprintf("/webhook_ops/%d/url", [i]),
		"target": sprintf("webhook:%s", [op.id]),
	}
}`,
	}
}

// secretKeysPolicy enforces secret key naming.
func secretKeysPolicy() Policy {
	return Policy{
		Name:        "secret-keys",
		Description: "Secret keys must be lowercase identifiers and set operations must carry a value",
		Scope:       ScopePlan,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets", "naming"},
		Rego: `package provision.policies.secrets

import rego.v1

deny contains violation if {
	some i
	op := input.plan.secrets_patch[i]
	not regex.match("^[a-z0-9][a-z0-9_.-]*$", op.key)
	violation := {
		"message": sprintf("secret key '%s' must be lowercase letters, digits, '_', '.' or '-'", [op.key]),
		"path": sprintf("/secrets_patch/%d/key", [i]),
		"target": sprintf("secret:%s", [op.key]),
	}
}

deny contains violation if {
	some i
	op := input.plan.secrets_patch[i]
	op.op == "set"
	not op.value
	violation := {
		"message": sprintf("secret %s is set without a value", [op.key]),
		"path": sprintf("/secrets_patch/%d/value", [i]),
		"target": sprintf("secret:%s", [op.key]),
	}
}`,
	}
}

// transportSecurityPolicy flags plaintext callback URLs.
func transportSecurityPolicy() Policy {
	return Policy{
		Name:        "transport-security",
		Description: "Webhook and OAuth redirect URLs should use https",
		Scope:       ScopePlan,
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"webhooks", "oauth", "security"},
		Rego: `package provision.policies.transport

import rego.v1

deny contains violation if {
	some i
	op := input.plan.webhook_ops[i]
	op.url
	not startswith(op.url, "https://")
	violation := {
		"message": sprintf("webhook %s url %s is not https", [op.id, op.url]),
		"path": sprintf("/webhook_ops/%d/url", [i]),
		"target": sprintf("webhook:%s", [op.id]),
	}
}

deny contains violation if {
	some i
	op := input.plan.oauth_ops[i]
	op.redirect_url
	not startswith(op.redirect_url, "https://")
	violation := {
		"message": sprintf("oauth redirect for %s is not https", [op.provider]),
		"path": sprintf("/oauth_ops/%d/redirect_url", [i]),
		"target": sprintf("oauth:%s", [op.provider]),
	}
}`,
	}
}

// lifecycleGrantsPolicy limits when host calls may happen.
func lifecycleGrantsPolicy() Policy {
	return Policy{
		Name:        "lifecycle-grants",
		Description: "Host calls are granted during apply only, and delete actions need delete mode",
		Scope:       ScopeGrant,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capabilities"},
		Rego: `package provision.grants.lifecycle

import rego.v1

deny contains violation if {
	input.step != "apply"
	violation := {
		"message": sprintf("host call %s.%s is not granted during %s", [input.capability, input.action, input.step]),
		"target": input.capability,
	}
}

deny contains violation if {
	input.action == "delete"
	input.mode != "delete"
	violation := {
		"message": sprintf("%s.delete is only granted in delete mode", [input.capability]),
		"target": input.capability,
	}
}`,
	}
}
