package plugin

import "slices"

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeDataSource plugins produce records without consuming any.
	TypeDataSource Type = "datasource"
	// TypeProcessor plugins transform, enrich or validate data.
	TypeProcessor Type = "processor"
	// TypeSink plugins consume records and report what they stored.
	TypeSink Type = "sink"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
//
// InputTypes and OutputTypes are free-form type tags ("text", "tokens", ...)
// used by the chainer to link plugins; ChainPriority breaks ties, higher first.
type Info struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Author        string       `json:"author,omitempty"`
	Version       string       `json:"version,omitempty"`
	Category      Type         `json:"category,omitempty"`
	Capabilities  []Capability `json:"capabilities,omitempty"`
	InputTypes    []string     `json:"input_types,omitempty"`
	OutputTypes   []string     `json:"output_types,omitempty"`
	ChainPriority int          `json:"chain_priority"`
}

// Accepts reports whether any declared input type is in types.
func (i Info) Accepts(types []string) bool {
	for _, in := range i.InputTypes {
		if slices.Contains(types, in) {
			return true
		}
	}
	return false
}

// Produces reports whether any declared output type is in types.
func (i Info) Produces(types []string) bool {
	for _, out := range i.OutputTypes {
		if slices.Contains(types, out) {
			return true
		}
	}
	return false
}

// IsSource reports whether the plugin declares no inputs.
func (i Info) IsSource() bool { return len(i.InputTypes) == 0 }

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
