package discovery

import (
	"fmt"
	"sort"

	"github.com/openfroyo/provision/pkg/diag"
)

// Flow roles understood by the provisioning engine.
const (
	RoleSetup         = "setup"
	RoleRequirements  = "requirements"
	RoleSubscriptions = "subscriptions"
)

// Capability tags a pack may declare.
const (
	CapabilityConfig        = "config"
	CapabilitySecrets       = "secrets"
	CapabilityOAuth         = "oauth"
	CapabilitySubscriptions = "subscriptions"
	CapabilityHTTP          = "http"
)

var knownCapabilities = map[string]bool{
	CapabilityConfig:        true,
	CapabilitySecrets:       true,
	CapabilityOAuth:         true,
	CapabilitySubscriptions: true,
	CapabilityHTTP:          true,
}

// Descriptor is the provisioning entry point of a pack. It is produced once
// per discovery call and never modified afterwards.
type Descriptor struct {
	// PackID is the pack identifier.
	PackID string `json:"pack_id"`

	// PackVersion is the pack version.
	PackVersion string `json:"pack_version"`

	// SetupEntryFlow is the flow implementing the four-step lifecycle.
	SetupEntryFlow string `json:"setup_entry_flow"`

	// RequirementsFlow optionally reports what the pack needs before setup.
	RequirementsFlow string `json:"requirements_flow,omitempty"`

	// SubscriptionsFlow optionally manages subscriptions after setup.
	SubscriptionsFlow string `json:"subscriptions_flow,omitempty"`

	// RequiresPublicBaseURL mirrors the manifest flag.
	RequiresPublicBaseURL bool `json:"requires_public_base_url"`

	// Capabilities is the sorted set of declared capability tags.
	Capabilities []string `json:"capabilities"`

	// Checksums maps unit paths to expected sha256 digests.
	Checksums map[string]string `json:"checksums,omitempty"`

	// Diagnostics holds informational findings from discovery.
	Diagnostics diag.List `json:"diagnostics,omitempty"`
}

// HasCapability reports whether the pack declared capability.
func (d *Descriptor) HasCapability(capability string) bool {
	i := sort.SearchStrings(d.Capabilities, capability)
	return i < len(d.Capabilities) && d.Capabilities[i] == capability
}

// Discover extracts the provisioning descriptor from m. The second result is
// false when the pack does not provision, which is a valid negative result.
//
// The setup flow is resolved in order: the role mapping entry "setup", then the
// first flow in declared order whose entry tag is "setup".
func Discover(m *PackManifest) (*Descriptor, bool) {
	if m == nil {
		return nil, false
	}

	setup, diags := resolveRole(m, RoleSetup)
	if setup == "" {
		return nil, false
	}
	requirements, reqDiags := resolveRole(m, RoleRequirements)
	subscriptions, subDiags := resolveRole(m, RoleSubscriptions)
	diags = append(diags, reqDiags...)
	diags = append(diags, subDiags...)

	caps, capDiags := normalizeCapabilities(m.Meta.Capabilities)
	diags = append(diags, capDiags...)

	var checksums map[string]string
	if len(m.Meta.Checksums) > 0 {
		checksums = make(map[string]string, len(m.Meta.Checksums))
		for k, v := range m.Meta.Checksums {
			checksums[k] = v
		}
	}

	return &Descriptor{
		PackID:                m.ID,
		PackVersion:           m.Version,
		SetupEntryFlow:        setup,
		RequirementsFlow:      requirements,
		SubscriptionsFlow:     subscriptions,
		RequiresPublicBaseURL: m.Meta.RequiresPublicBaseURL,
		Capabilities:          caps,
		Checksums:             checksums,
		Diagnostics:           diags,
	}, true
}

// resolveRole applies the role mapping first and the entry tag scan second.
// When both name a flow and they differ, the role mapping wins and an info
// diagnostic records the disagreement.
func resolveRole(m *PackManifest, role string) (string, diag.List) {
	mapped := m.Meta.EntryFlows[role]
	tagged := firstTagged(m.Flows, role)

	if mapped == "" {
		return tagged, nil
	}
	if tagged != "" && tagged != mapped {
		d := diag.Info(diag.CodeRoleOverridesEntry,
			fmt.Sprintf("role mapping names flow %q for %q, ignoring flow %q tagged entry=%q", mapped, role, tagged, role)).
			WithPath("/meta/entry_flows/" + role)
		return mapped, diag.List{d}
	}
	return mapped, nil
}

func firstTagged(flows []PackFlow, role string) string {
	for _, f := range flows {
		if f.Entry == role && f.FlowID() != "" {
			return f.FlowID()
		}
	}
	return ""
}

func normalizeCapabilities(declared []string) ([]string, diag.List) {
	var diags diag.List
	set := make(map[string]struct{}, len(declared))
	for i, c := range declared {
		if !knownCapabilities[c] {
			diags = append(diags, diag.Warning(diag.CodeUnknownCapability,
				fmt.Sprintf("ignoring unknown capability %q", c)).WithPath(fmt.Sprintf("/meta/capabilities/%d", i)))
			continue
		}
		set[c] = struct{}{}
	}
	caps := make([]string, 0, len(set))
	for c := range set {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps, diags
}
