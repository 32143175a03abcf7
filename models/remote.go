package models

import (
	"fmt"
	"net"
)

// ConnState is the handshake state of a remote.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingDuplex
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingDuplex:
		return "awaiting_duplex"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("conn_state(%d)", uint8(s))
	}
}

// ErrorReason tags why a remote ended in StateError. Each reason drives different retry behavior.
type ErrorReason uint8

const (
	ReasonGeneric ErrorReason = iota
	ReasonSSL
	ReasonGroupCode
	ReasonCertificateUnreceived
	ReasonDuplexFailed
	ReasonUsername
)

func (r ErrorReason) String() string {
	switch r {
	case ReasonGeneric:
		return "generic"
	case ReasonSSL:
		return "ssl"
	case ReasonGroupCode:
		return "group_code"
	case ReasonCertificateUnreceived:
		return "certificate_unreceived"
	case ReasonDuplexFailed:
		return "duplex_failed"
	case ReasonUsername:
		return "username"
	default:
		return fmt.Sprintf("error_reason(%d)", uint8(r))
	}
}

// RemoteStatus is a tagged union over ConnState. Reason and Message are only meaningful for StateError.
type RemoteStatus struct {
	State   ConnState
	Reason  ErrorReason
	Message string
}

var (
	Disconnected   = RemoteStatus{State: StateDisconnected}
	Connecting     = RemoteStatus{State: StateConnecting}
	AwaitingDuplex = RemoteStatus{State: StateAwaitingDuplex}
	Connected      = RemoteStatus{State: StateConnected}
)

// RemoteError builds an error status.
func RemoteError(reason ErrorReason, message string) RemoteStatus {
	return RemoteStatus{State: StateError, Reason: reason, Message: message}
}

// Is reports whether the status is in the given state.
func (s RemoteStatus) Is(state ConnState) bool {
	return s.State == state
}

// Reconnectable reports whether a fresh Connect may be started from this status.
func (s RemoteStatus) Reconnectable() bool {
	return s.State == StateDisconnected || s.State == StateError
}

func (s RemoteStatus) String() string {
	if s.State != StateError {
		return s.State.String()
	}
	if s.Message == "" {
		return "error(" + s.Reason.String() + ")"
	}
	return "error(" + s.Reason.String() + "): " + s.Message
}

// Remote represents a peer device, keyed by its announced service identifier.
type Remote struct {
	UUID          string       `json:"uuid"`
	Address       net.IP       `json:"address"`
	Port          int          `json:"port"`
	AuthPort      int          `json:"auth_port"`
	API           int          `json:"api"`
	ServiceName   string       `json:"service_name"`
	UserName      string       `json:"user_name"`
	Hostname      string       `json:"hostname"`
	DisplayName   string       `json:"display_name"`
	Picture       []byte       `json:"-"`
	Status        RemoteStatus `json:"-"`
	Favorite      bool         `json:"favorite"`
	StaticService bool         `json:"static_service"`

	// ServiceAvailable means the remote is currently advertised, independent of Status.
	ServiceAvailable bool `json:"service_available"`

	HasErrorGroupCode   bool `json:"has_error_group_code"`
	HasErrorReceiveCert bool `json:"has_error_receive_cert"`
}

// Name returns the most descriptive name known for the remote.
func (r Remote) Name() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.Hostname != "":
		return r.Hostname
	default:
		return r.UUID
	}
}

// Endpoint is the addressing information needed to (re)connect to a remote.
type Endpoint struct {
	Hostname string
	Address  net.IP
	Port     int
	AuthPort int
	API      int
}

// Endpoint extracts the connection parameters of r.
func (r Remote) Endpoint() Endpoint {
	return Endpoint{
		Hostname: r.Hostname,
		Address:  r.Address,
		Port:     r.Port,
		AuthPort: r.AuthPort,
		API:      r.API,
	}
}

// Clone returns a deep copy safe to publish outside the owning store.
func (r Remote) Clone() Remote {
	out := r
	if r.Address != nil {
		out.Address = append(net.IP(nil), r.Address...)
	}
	if r.Picture != nil {
		out.Picture = append([]byte(nil), r.Picture...)
	}
	return out
}
