// Package model selects chat model endpoints by capability. Callers ask for
// "chat" or "fast" rather than a model name, and the registry resolves that
// to an ordered fallback chain filtered by endpoint health.
package model

// Capability is a semantic class of model usage.
type Capability string

const (
	// CapabilityChat drives the command loop: tool selection with visible reasoning.
	CapabilityChat Capability = "chat"

	// CapabilityPlanning is for long-form script and scene planning.
	CapabilityPlanning Capability = "planning"

	// CapabilityFast is for short utility prompts.
	CapabilityFast Capability = "fast"
)

// RoleCapabilities maps scenegen components to their default capability.
var RoleCapabilities = map[string]Capability{
	"command-loop":   CapabilityChat,
	"script-planner": CapabilityPlanning,
}

// CapabilityForRole returns the default capability for a component.
// Unknown components get CapabilityChat.
func CapabilityForRole(role string) Capability {
	if c, ok := RoleCapabilities[role]; ok {
		return c
	}
	return CapabilityChat
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityChat, CapabilityPlanning, CapabilityFast:
		return true
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
