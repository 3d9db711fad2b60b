// Package discovery reads pack manifests and extracts the provisioning entry
// point. It only looks at structural fields: the role to flow mapping and the
// flow list. Flow internals and component bytes are never inspected.
package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// PackManifest is the structural view of a pack manifest.
type PackManifest struct {
	// ID is the pack identifier.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Version is the pack version.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Meta carries the role mapping and pack-level flags.
	Meta PackMeta `json:"meta" yaml:"meta"`

	// Flows lists the pack flows in declared order.
	Flows []PackFlow `json:"flows" yaml:"flows" validate:"dive"`
}

// PackMeta holds pack-level metadata relevant to provisioning.
type PackMeta struct {
	// EntryFlows maps logical roles such as "setup" to flow ids.
	EntryFlows EntryFlows `json:"entry_flows,omitempty" yaml:"entry_flows,omitempty"`

	// RequiresPublicBaseURL signals that the pack needs a reachable base URL,
	// typically for webhooks.
	RequiresPublicBaseURL bool `json:"requires_public_base_url,omitempty" yaml:"requires_public_base_url,omitempty"`

	// Capabilities lists the host capabilities the pack declares.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Checksums maps unit paths relative to the pack root to their sha256 hex digest.
	Checksums map[string]string `json:"checksums,omitempty" yaml:"checksums,omitempty" validate:"dive,len=64,hexadecimal"`
}

// PackFlow is a single flow entry.
type PackFlow struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// FlowID returns the flow id, falling back to its name.
func (f PackFlow) FlowID() string {
	if f.ID != "" {
		return f.ID
	}
	return f.Name
}

// EntryFlows is the role to flow id mapping. Manifests may write it either as
// an object {"setup": "flow-id"} or as a list of {entry, id, name, flow_id}
// records, where entry falls back to name and the flow id falls back to
// flow_id and then name.
type EntryFlows map[string]string

type entryFlowRecord struct {
	Entry  string `json:"entry" yaml:"entry"`
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	FlowID string `json:"flow_id" yaml:"flow_id"`
}

func (r entryFlowRecord) role() string {
	if r.Entry != "" {
		return r.Entry
	}
	return r.Name
}

func (r entryFlowRecord) flow() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.FlowID != "":
		return r.FlowID
	default:
		return r.Name
	}
}

func fromRecords(records []entryFlowRecord) EntryFlows {
	out := make(EntryFlows, len(records))
	for _, r := range records {
		role, flow := r.role(), r.flow()
		if role == "" || flow == "" {
			continue
		}
		// first record for a role wins
		if _, ok := out[role]; !ok {
			out[role] = flow
		}
	}
	return out
}

// UnmarshalJSON accepts the object and list forms.
func (e *EntryFlows) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = nil
		return nil
	}
	switch data[0] {
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("entry_flows: %w", err)
		}
		*e = m
	case '[':
		var records []entryFlowRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("entry_flows: %w", err)
		}
		*e = fromRecords(records)
	default:
		return fmt.Errorf("entry_flows must be an object or a list")
	}
	return nil
}

// UnmarshalYAML accepts the mapping and sequence forms.
func (e *EntryFlows) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("entry_flows: %w", err)
		}
		*e = m
	case yaml.SequenceNode:
		var records []entryFlowRecord
		if err := node.Decode(&records); err != nil {
			return fmt.Errorf("entry_flows: %w", err)
		}
		*e = fromRecords(records)
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*e = nil
			return nil
		}
		return fmt.Errorf("entry_flows must be a mapping or a sequence (line %d)", node.Line)
	default:
		return fmt.Errorf("entry_flows must be a mapping or a sequence (line %d)", node.Line)
	}
	return nil
}

// Roles returns the mapped role names, sorted.
func (e EntryFlows) Roles() []string {
	roles := make([]string, 0, len(e))
	for r := range e {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
