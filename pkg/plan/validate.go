package plan

import (
	"fmt"

	"github.com/openfroyo/provision/pkg/diag"
)

// Structural plan codes.
const (
	CodeEmptyTarget     = "plan.op.empty_target"
	CodeUnknownOpKind   = "plan.op.unknown_kind"
	CodeSecretNoValue   = "plan.secret.missing_value"
	CodeSecretTooShort  = "plan.secret.too_short"
	CodeEmptyConfigKey  = "plan.config.empty_key"
	CodeOAuthNoProvider = "plan.oauth.empty_provider"
)

// Validate reports structural problems in p: operations without a target,
// unknown operation kinds, and secret sets without a value or with a value
// too short to scrub.
func (p Plan) Validate() diag.List {
	var out diag.List

	for k := range p.ConfigPatch {
		if k == "" {
			out = append(out, diag.Error(CodeEmptyConfigKey, "config patch contains an empty key").WithPath("/config_patch"))
		}
	}

	for i, op := range p.SecretsPatch {
		path := fmt.Sprintf("/secrets_patch/%d", i)
		if op.Key == "" {
			out = append(out, diag.Error(CodeEmptyTarget, "secret operation has no key").WithPath(path))
		}
		switch op.Op {
		case SecretSet:
			if op.Value == nil {
				out = append(out, diag.Error(CodeSecretNoValue, fmt.Sprintf("secret %q is set without a value", op.Key)).WithPath(path))
			} else if op.Value.HasPlaintext() && len(op.Value.plaintext) < MinScrubLength {
				out = append(out, diag.Error(CodeSecretTooShort,
					fmt.Sprintf("secret %q is shorter than %d bytes", op.Key, MinScrubLength)).WithPath(path))
			}
		case SecretDelete:
		default:
			out = append(out, diag.Error(CodeUnknownOpKind, fmt.Sprintf("unknown secret operation %q", op.Op)).WithPath(path))
		}
	}

	checkResource := func(section string, i int, kind ResourceOpKind, id string) {
		path := fmt.Sprintf("/%s/%d", section, i)
		if id == "" {
			out = append(out, diag.Error(CodeEmptyTarget, fmt.Sprintf("%s operation has no target id", section)).WithPath(path))
		}
		switch kind {
		case OpRegister, OpUpdate, OpDelete:
		default:
			out = append(out, diag.Error(CodeUnknownOpKind, fmt.Sprintf("unknown %s operation %q", section, kind)).WithPath(path))
		}
	}
	for i, op := range p.WebhookOps {
		checkResource("webhook_ops", i, op.Op, op.ID)
	}
	for i, op := range p.SubscriptionOps {
		checkResource("subscription_ops", i, op.Op, op.ID)
	}

	for i, op := range p.OAuthOps {
		path := fmt.Sprintf("/oauth_ops/%d", i)
		if op.Op != OAuthStart {
			out = append(out, diag.Error(CodeUnknownOpKind, fmt.Sprintf("unknown oauth operation %q", op.Op)).WithPath(path))
		}
		if op.Provider == "" {
			out = append(out, diag.Error(CodeOAuthNoProvider, "oauth operation has no provider").WithPath(path))
		}
	}
	return out
}
