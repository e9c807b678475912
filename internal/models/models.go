package models

import (
	"net"
	"strconv"
	"time"
)

// Role identifies which side of the edge an endpoint serves.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandby Role = "standby"
)

// PathEndpoint describes a device reachable over SSH. It is immutable after load.
type PathEndpoint struct {
	Role           Role          `yaml:"-" json:"role"`
	Address        string        `yaml:"address" json:"address"`
	Port           int           `yaml:"port" json:"port"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"-"`
	KeyFile        string        `yaml:"key_file" json:"-"`
	TimeoutSeconds int           `yaml:"timeout_seconds" json:"timeout_seconds"`
	Loopback       string        `yaml:"loopback" json:"loopback,omitempty"`
	ConnectTimeout time.Duration `yaml:"-" json:"-"`
}

// HostPort returns the dialable "address:port" of the endpoint.
func (e PathEndpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// ProbeTarget returns the address the connectivity probe should ping.
func (e PathEndpoint) ProbeTarget() string {
	if e.Loopback != "" {
		return e.Loopback
	}
	return e.Address
}

// Source names the signal that produced a verdict.
type Source string

const (
	SourceConnectivity Source = "connectivity"
	SourceCommandPlane Source = "command-plane"
)

// HealthVerdict is the interpreted outcome of a single poll.
type HealthVerdict struct {
	Source    Source    `json:"source"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Evidence  string    `json:"evidence,omitempty"`
}

// HysteresisState is the counter state of one tracker.
type HysteresisState struct {
	ConsecutiveFailures  int  `json:"consecutive_failures"`
	ConsecutiveSuccesses int  `json:"consecutive_successes"`
	Down                 bool `json:"down"`
}

// TransitionKind is either GoDown or Recover.
type TransitionKind string

const (
	GoDown  TransitionKind = "go_down"
	Recover TransitionKind = "recover"
)

// TransitionEvent is emitted by a tracker once a threshold is crossed.
type TransitionEvent struct {
	Kind   TransitionKind `json:"kind"`
	Source Source         `json:"source"`
}

// Action is what the controller did in reaction to a transition.
type Action string

const (
	ActionNone       Action = "none"
	ActionActivate   Action = "activate"
	ActionDeactivate Action = "deactivate"
)

// FailoverEvent records one controller reaction.
type FailoverEvent struct {
	ID           string         `json:"id"`
	At           time.Time      `json:"at"`
	Kind         TransitionKind `json:"kind"`
	Source       Source         `json:"source"`
	Action       Action         `json:"action"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	BackupActive bool           `json:"backup_active"`
}

// FailoverStatus is a point-in-time view of the controller.
type FailoverStatus struct {
	BackupActive   bool           `json:"backup_active"`
	DownSources    []Source       `json:"down_sources"`
	Activations    int            `json:"activations"`
	Deactivations  int            `json:"deactivations"`
	LastEvent      *FailoverEvent `json:"last_event,omitempty"`
	LastChangeAt   time.Time      `json:"last_change_at,omitempty"`
	FailedCommands int            `json:"failed_commands"`
}
