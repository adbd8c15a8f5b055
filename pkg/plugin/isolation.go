package plugin

import (
	"fmt"
	"slices"

	xerrors "TestEngine-Core/internal/errors"
)

// IsolationPolicy restricts which capabilities loaded plugins may request.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities" json:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities" json:"denied_capabilities"`
}

// Merge layers p over defaults. Lists present in p win.
func (p IsolationPolicy) Merge(defaults IsolationPolicy) IsolationPolicy {
	merged := defaults
	if len(p.AllowedCapabilities) > 0 {
		merged.AllowedCapabilities = append([]Capability(nil), p.AllowedCapabilities...)
	}
	if len(p.DeniedCapabilities) > 0 {
		merged.DeniedCapabilities = append([]Capability(nil), p.DeniedCapabilities...)
	}
	return merged
}

// IsolationStrategy decides whether a descriptor may run under a policy.
type IsolationStrategy interface {
	Validate(desc Descriptor, policy IsolationPolicy) error
}

// CapabilityIsolation checks declared capabilities against the policy lists.
// Out-of-process runtimes implicitly request the capabilities they consume.
type CapabilityIsolation struct{}

// Validate implements IsolationStrategy.
func (CapabilityIsolation) Validate(desc Descriptor, policy IsolationPolicy) error {
	requested := EffectiveCapabilities(desc)
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(requested, c) {
			return denied(desc, fmt.Sprintf("capability %s is explicitly denied", c))
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range requested {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return denied(desc, fmt.Sprintf("capability %s not permitted", c))
		}
	}
	return nil
}

// EffectiveCapabilities returns the declared capabilities plus those implied by the runtime.
func EffectiveCapabilities(desc Descriptor) []Capability {
	out := append([]Capability(nil), desc.Capabilities...)
	add := func(c Capability) {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	switch desc.Runtime {
	case RuntimeExec:
		add(CapabilityExecution)
	case RuntimeWasm:
		add(CapabilityFilesystem)
	}
	return out
}

// NewIsolationStrategy returns the default strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return CapabilityIsolation{}
	}
	return strategy
}

func denied(desc Descriptor, msg string) error {
	return xerrors.New(CodeCapabilityDenied, fmt.Sprintf("plugin %s: %s", desc.Name, msg),
		xerrors.WithMetadata("plugin", desc.Name))
}
