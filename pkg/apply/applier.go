package apply

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/plan"
)

// Secret keys OAuth tokens are stored under.
const (
	OAuthAccessTokenKey  = "oauth_access_token"
	OAuthRefreshTokenKey = "oauth_refresh_token"
)

// DefaultActor is the audit actor used when none is configured.
const DefaultActor = "provision-applier"

// Applier materializes plans through the adapters.
type Applier struct {
	config   ConfigApplier
	secrets  SecretsApplier
	oauth    OAuthHandler
	installs InstallStore
	actor    string
	logger   zerolog.Logger
	clock    func() time.Time
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Applier) {
		a.logger = logger.With().Str("component", "applier").Logger()
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Applier) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithActor sets the audit actor secrets are revealed under.
func WithActor(actor string) Option {
	return func(a *Applier) {
		if actor != "" {
			a.actor = actor
		}
	}
}

// NewApplier creates an applier. A nil OAuth handler never completes flows.
func NewApplier(config ConfigApplier, secrets SecretsApplier, oauth OAuthHandler, installs InstallStore, opts ...Option) *Applier {
	if oauth == nil {
		oauth = NoopOAuth{}
	}
	a := &Applier{
		config:   config,
		secrets:  secrets,
		oauth:    oauth,
		installs: installs,
		actor:    DefaultActor,
		logger:   zerolog.Nop(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply materializes p for the installation named by inputs. In dry_run
// mode nothing is written and the report describes what would change.
// Delete mode applies the plan and then removes the install record.
func (a *Applier) Apply(ctx context.Context, inputs engine.Inputs, p plan.Plan, mode engine.Mode) (*ApplyReport, error) {
	if err := mode.Validate(); err != nil {
		return nil, engine.NewError(engine.KindInvalidInput, "invalid mode", err)
	}
	if err := engine.ValidateInputs(inputs); err != nil {
		return nil, err
	}
	if a.config == nil || a.secrets == nil || a.installs == nil {
		return nil, engine.NewError(engine.KindInternal, "applier is missing an adapter", nil)
	}

	now := a.clock().UTC()
	namespace := Namespace(inputs.Tenant, inputs.ProviderID, inputs.InstallID)
	secretsNamespace := SecretsNamespace(inputs.Tenant, inputs.ProviderID, inputs.InstallID)

	existing, err := a.installs.Get(ctx, inputs.Tenant, inputs.ProviderID, inputs.InstallID)
	if err != nil && !errors.Is(err, ErrInstallNotFound) {
		return nil, fmt.Errorf("failed to load install record: %w", err)
	}

	writes := mode.AllowsWrites()
	subscriptions := reconcileSubscriptions(existing, p, now, writes)
	report := &ApplyReport{
		Mode:              mode,
		OAuthOps:          append([]plan.OAuthOp{}, p.OAuthOps...),
		SubscriptionState: subscriptions,
		InstallRecord: InstallRecord{
			Tenant:           inputs.Tenant,
			ProviderID:       inputs.ProviderID,
			InstallID:        inputs.InstallID,
			ConfigNamespace:  namespace,
			SecretsNamespace: secretsNamespace,
			Subscriptions:    subscriptions,
			UpdatedAt:        now,
		},
	}

	log := a.logger.With().
		Str("provider_id", inputs.ProviderID).
		Str("install_id", inputs.InstallID).
		Str("mode", string(mode)).
		Logger()

	if !writes {
		report.ConfigChanges = sortedKeys(p.ConfigPatch)
		report.SecretSetKeys, report.SecretDeletedKeys = secretKeys(p.SecretsPatch)
		log.Debug().
			Int("config_changes", len(report.ConfigChanges)).
			Int("secret_ops", len(p.SecretsPatch)).
			Msg("Dry run, nothing applied")
		return report, nil
	}

	ctx = WithAudit(ctx, plan.Audit{
		Actor:  a.actor,
		Reason: fmt.Sprintf("%s %s/%s", mode, inputs.ProviderID, inputs.InstallID),
	})

	report.ConfigChanges = []string{}
	if len(p.ConfigPatch) > 0 {
		changed, err := a.config.Apply(ctx, p.ConfigPatch, namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to apply config patch: %w", err)
		}
		report.ConfigChanges = changed
	}

	report.SecretSetKeys, report.SecretDeletedKeys = []string{}, []string{}
	if len(p.SecretsPatch) > 0 {
		res, err := a.secrets.Apply(ctx, p.SecretsPatch, secretsNamespace)
		if err != nil {
			return nil, fmt.Errorf("failed to apply secrets patch: %w", err)
		}
		report.SecretSetKeys = res.Set
		report.SecretDeletedKeys = res.Deleted
		report.SecretSkippedKeys = res.Skipped
	}

	if mode != engine.ModeDelete {
		for _, op := range p.OAuthOps {
			done, err := a.startOAuth(ctx, op, secretsNamespace)
			if err != nil {
				return nil, fmt.Errorf("oauth %s for %s: %w", op.Op, op.Provider, err)
			}
			if done {
				report.OAuthCompleted = append(report.OAuthCompleted, op.Provider)
			}
		}
	}

	if mode == engine.ModeDelete {
		removed, err := a.installs.Delete(ctx, inputs.Tenant, inputs.ProviderID, inputs.InstallID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete install record: %w", err)
		}
		report.Removed = removed
	} else if err := a.installs.Put(ctx, report.InstallRecord); err != nil {
		return nil, fmt.Errorf("failed to store install record: %w", err)
	}

	log.Info().
		Int("config_changes", len(report.ConfigChanges)).
		Int("secrets_set", len(report.SecretSetKeys)).
		Int("secrets_deleted", len(report.SecretDeletedKeys)).
		Int("subscriptions", len(report.SubscriptionState)).
		Bool("removed", report.Removed).
		Msg("Plan applied")
	return report, nil
}

// startOAuth runs one OAuth op and stores the tokens when the flow
// completes right away.
func (a *Applier) startOAuth(ctx context.Context, op plan.OAuthOp, secretsNamespace string) (bool, error) {
	tokens, err := a.oauth.Start(ctx, op)
	if err != nil || tokens == nil {
		return false, err
	}
	ops := []plan.SecretOp{{Op: plan.SecretSet, Key: OAuthAccessTokenKey, Value: tokens.AccessToken}}
	if tokens.RefreshToken != nil {
		ops = append(ops, plan.SecretOp{Op: plan.SecretSet, Key: OAuthRefreshTokenKey, Value: tokens.RefreshToken})
	}
	if _, err := a.secrets.Apply(ctx, ops, secretsNamespace); err != nil {
		return false, fmt.Errorf("failed to store tokens: %w", err)
	}
	return true, nil
}

type stateKey struct {
	kind ResourceKind
	id   string
}

// reconcileSubscriptions applies the plan's webhook and subscription ops to
// the state already on the record. Register and update upsert, delete
// removes. LastSync is stamped only when the state is being written.
func reconcileSubscriptions(existing *InstallRecord, p plan.Plan, now time.Time, writes bool) []SubscriptionState {
	state := make(map[stateKey]SubscriptionState)
	if existing != nil {
		for _, s := range existing.Subscriptions {
			state[stateKey{s.Kind, s.ID}] = s
		}
	}

	upsert := func(s SubscriptionState) {
		if writes {
			t := now
			s.LastSync = &t
		}
		state[stateKey{s.Kind, s.ID}] = s
	}

	for _, op := range p.WebhookOps {
		id := orUnknown(op.ID)
		switch op.Op {
		case plan.OpRegister, plan.OpUpdate:
			resource := op.URL
			if r := stringField(op.Metadata, "resource"); r != "" {
				resource = r
			}
			upsert(SubscriptionState{Kind: ResourceWebhook, ID: id, Resource: orUnknown(resource), Expiry: expiry(op.Metadata)})
		case plan.OpDelete:
			delete(state, stateKey{ResourceWebhook, id})
		}
	}
	for _, op := range p.SubscriptionOps {
		id := orUnknown(op.ID)
		switch op.Op {
		case plan.OpRegister, plan.OpUpdate:
			resource := op.Resource
			if resource == "" {
				resource = stringField(op.Metadata, "resource")
			}
			upsert(SubscriptionState{Kind: ResourceSubscription, ID: id, Resource: orUnknown(resource), Expiry: expiry(op.Metadata)})
		case plan.OpDelete:
			delete(state, stateKey{ResourceSubscription, id})
		}
	}

	out := make([]SubscriptionState, 0, len(state))
	for _, s := range state {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func expiry(metadata map[string]any) *string {
	if s := stringField(metadata, "expiry"); s != "" {
		return &s
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func secretKeys(ops []plan.SecretOp) (set, deleted []string) {
	set, deleted = []string{}, []string{}
	for _, op := range ops {
		switch op.Op {
		case plan.SecretSet:
			set = append(set, op.Key)
		case plan.SecretDelete:
			deleted = append(deleted, op.Key)
		}
	}
	return set, deleted
}
