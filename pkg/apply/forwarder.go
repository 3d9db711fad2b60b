package apply

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/discovery"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/executor"
	"github.com/openfroyo/provision/pkg/plan"
)

// Forwarder carries granted host calls from pack units to the adapters. It
// implements executor.Forwarder.
//
// Supported calls:
//
//	config.get            {"key"?}                  -> {"values"} or {"value","found"}
//	config.set            {"key","value"} | {"patch"} -> {"changed"}
//	secrets.set           {"key","value"}           -> {"set"}
//	secrets.delete        {"key"}                   -> {"deleted"}
//	secrets.list          {}                        -> {"keys"}
//	oauth.start           {"provider","scopes"?,"redirect_url"?} -> {"completed"}
//	subscriptions.register|update {"id","resource"?,"expiry"?} -> {"subscriptions"}
//	subscriptions.delete  {"id"}                    -> {"subscriptions"}
//	subscriptions.list    {}                        -> {"subscriptions"}
//
// Secret values never travel back to the unit.
type Forwarder struct {
	applier *Applier
	logger  zerolog.Logger
}

var _ executor.Forwarder = (*Forwarder)(nil)

// NewForwarder routes host calls through the adapters of applier.
func NewForwarder(applier *Applier) *Forwarder {
	return &Forwarder{
		applier: applier,
		logger:  applier.logger.With().Str("component", "forwarder").Logger(),
	}
}

// Forward executes one host call.
func (f *Forwarder) Forward(ctx context.Context, pctx *engine.Context, call executor.CapabilityCall) (map[string]any, error) {
	in := pctx.Inputs
	ctx = WithAudit(ctx, plan.Audit{
		Actor:  f.applier.actor,
		Reason: fmt.Sprintf("host call %s.%s from %s step %s", call.Capability, call.Action, pctx.PackID, pctx.Step),
	})

	f.logger.Debug().
		Str("pack_id", pctx.PackID).
		Str("capability", call.Capability).
		Str("action", call.Action).
		Msg("Forwarding host call")

	switch call.Capability {
	case discovery.CapabilityConfig:
		return f.config(ctx, Namespace(in.Tenant, in.ProviderID, in.InstallID), call)
	case discovery.CapabilitySecrets:
		return f.secrets(ctx, SecretsNamespace(in.Tenant, in.ProviderID, in.InstallID), call)
	case discovery.CapabilityOAuth:
		return f.oauth(ctx, SecretsNamespace(in.Tenant, in.ProviderID, in.InstallID), call)
	case discovery.CapabilitySubscriptions:
		return f.subscriptions(ctx, in, call)
	default:
		return nil, fmt.Errorf("capability %q has no adapter", call.Capability)
	}
}

func (f *Forwarder) config(ctx context.Context, namespace string, call executor.CapabilityCall) (map[string]any, error) {
	switch call.Action {
	case "get":
		reader, ok := f.applier.config.(ConfigReader)
		if !ok {
			return nil, errors.New("config adapter cannot read")
		}
		values, err := reader.Read(ctx, namespace)
		if err != nil {
			return nil, err
		}
		if key := stringField(call.Payload, "key"); key != "" {
			v, found := values[key]
			return map[string]any{"value": v, "found": found}, nil
		}
		return map[string]any{"values": values}, nil

	case "set":
		patch, _ := call.Payload["patch"].(map[string]any)
		if patch == nil {
			key := stringField(call.Payload, "key")
			if key == "" {
				return nil, errors.New("config.set needs a key or a patch")
			}
			patch = map[string]any{key: call.Payload["value"]}
		}
		changed, err := f.applier.config.Apply(ctx, patch, namespace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"changed": stringsToAny(changed)}, nil
	}
	return nil, fmt.Errorf("unsupported config action %q", call.Action)
}

func (f *Forwarder) secrets(ctx context.Context, namespace string, call executor.CapabilityCall) (map[string]any, error) {
	key := stringField(call.Payload, "key")
	switch call.Action {
	case "set":
		value, ok := call.Payload["value"].(string)
		if key == "" || !ok {
			return nil, errors.New("secrets.set needs a key and a string value")
		}
		res, err := f.applier.secrets.Apply(ctx, []plan.SecretOp{{Op: plan.SecretSet, Key: key, Value: plan.NewSecretValue(value)}}, namespace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"set": stringsToAny(res.Set)}, nil

	case "delete":
		if key == "" {
			return nil, errors.New("secrets.delete needs a key")
		}
		res, err := f.applier.secrets.Apply(ctx, []plan.SecretOp{{Op: plan.SecretDelete, Key: key}}, namespace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": stringsToAny(res.Deleted)}, nil

	case "list":
		lister, ok := f.applier.secrets.(SecretsLister)
		if !ok {
			return nil, errors.New("secrets adapter cannot list keys")
		}
		keys, err := lister.Keys(ctx, namespace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"keys": stringsToAny(keys)}, nil
	}
	return nil, fmt.Errorf("unsupported secrets action %q", call.Action)
}

func (f *Forwarder) oauth(ctx context.Context, secretsNamespace string, call executor.CapabilityCall) (map[string]any, error) {
	if call.Action != string(plan.OAuthStart) {
		return nil, fmt.Errorf("unsupported oauth action %q", call.Action)
	}
	op := plan.OAuthOp{
		Op:          plan.OAuthStart,
		Provider:    stringField(call.Payload, "provider"),
		RedirectURL: stringField(call.Payload, "redirect_url"),
	}
	if op.Provider == "" {
		return nil, errors.New("oauth.start needs a provider")
	}
	if scopes, ok := call.Payload["scopes"].([]any); ok {
		for _, s := range scopes {
			if str, ok := s.(string); ok {
				op.Scopes = append(op.Scopes, str)
			}
		}
	}
	done, err := f.applier.startOAuth(ctx, op, secretsNamespace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"completed": done}, nil
}

func (f *Forwarder) subscriptions(ctx context.Context, in engine.Inputs, call executor.CapabilityCall) (map[string]any, error) {
	installs := f.applier.installs
	record, err := installs.Get(ctx, in.Tenant, in.ProviderID, in.InstallID)
	if errors.Is(err, ErrInstallNotFound) {
		record = &InstallRecord{
			Tenant:           in.Tenant,
			ProviderID:       in.ProviderID,
			InstallID:        in.InstallID,
			ConfigNamespace:  Namespace(in.Tenant, in.ProviderID, in.InstallID),
			SecretsNamespace: SecretsNamespace(in.Tenant, in.ProviderID, in.InstallID),
		}
	} else if err != nil {
		return nil, err
	}

	if call.Action == "list" {
		return map[string]any{"subscriptions": stateToAny(record.Subscriptions)}, nil
	}

	op := plan.SubscriptionOp{
		Op:       plan.ResourceOpKind(call.Action),
		ID:       stringField(call.Payload, "id"),
		Resource: stringField(call.Payload, "resource"),
	}
	switch op.Op {
	case plan.OpRegister, plan.OpUpdate, plan.OpDelete:
	default:
		return nil, fmt.Errorf("unsupported subscriptions action %q", call.Action)
	}
	if op.ID == "" {
		return nil, fmt.Errorf("subscriptions.%s needs an id", call.Action)
	}
	if e := stringField(call.Payload, "expiry"); e != "" {
		op.Metadata = map[string]any{"expiry": e}
	}

	now := f.applier.clock().UTC()
	record.Subscriptions = reconcileSubscriptions(record, plan.Plan{SubscriptionOps: []plan.SubscriptionOp{op}}, now, true)
	record.UpdatedAt = now
	if err := installs.Put(ctx, *record); err != nil {
		return nil, err
	}
	return map[string]any{"subscriptions": stateToAny(record.Subscriptions)}, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stateToAny(states []SubscriptionState) []any {
	out := make([]any, 0, len(states))
	for _, s := range states {
		m := map[string]any{"kind": string(s.Kind), "id": s.ID, "resource": s.Resource}
		if s.Expiry != nil {
			m["expiry"] = *s.Expiry
		}
		out = append(out, m)
	}
	return out
}
