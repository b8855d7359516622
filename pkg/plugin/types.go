package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeHook plugins observe and rewrite requests or responses around model calls.
	TypeHook Type = "hook"
	// TypeProcessor plugins transform step payloads inside a workflow.
	TypeProcessor Type = "processor"
	// TypeService plugins connect to external systems such as issue trackers or chat tools.
	TypeService Type = "service"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// Descriptor is a read-only view of a managed plugin, suitable for listings.
type Descriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   Type   `json:"type"`
	State  State  `json:"state"`
	Source string `json:"source"`
}
