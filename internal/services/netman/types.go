// Package netman is a thin client to the host's network-management service.
// All radio and IP configuration is owned by NetworkManager; this package only
// instructs it through nmcli and reports back what it observes.
package netman

import (
	"errors"
)

// Errors surfaced to the orchestration layer.
var (
	// ErrServiceUnavailable means the network-management service could not be
	// reached even after retries.
	ErrServiceUnavailable = errors.New("network-management service unavailable")
	// ErrDeviceUnavailable means no usable WiFi device was found.
	ErrDeviceUnavailable = errors.New("no usable WiFi device")
)

// Device identifies a network interface as reported by the service.
type Device struct {
	Name    string
	Type    string
	State   string
	Managed bool
}

// IsWiFi reports whether the device is a WiFi interface.
func (d Device) IsWiFi() bool {
	return d.Type == "wifi"
}

// ConnectionInfo describes an active connection on a device.
type ConnectionInfo struct {
	Name   string
	Device string
}

// SecurityType represents the security capability of a scanned network.
type SecurityType string

const (
	SecurityOpen    SecurityType = "OPEN"
	SecurityWEP     SecurityType = "WEP"
	SecurityWPAPSK  SecurityType = "WPA_PSK"
	SecurityWPAEAP  SecurityType = "WPA_EAP"
	SecurityWPA3PSK SecurityType = "WPA3_PSK"
	SecurityWPA3EAP SecurityType = "WPA3_EAP"
	SecurityOWE     SecurityType = "OWE"
)

// RequiresPassphrase reports whether joining a network with this security
// type needs a pre-shared key.
func (s SecurityType) RequiresPassphrase() bool {
	switch s {
	case SecurityOpen, SecurityOWE:
		return false
	default:
		return true
	}
}

// ScannedNetwork is a single result of a WiFi scan. Transient: produced per
// scan request, never persisted.
type ScannedNetwork struct {
	SSID           string       `json:"ssid"`
	SignalStrength int          `json:"signal"`
	Security       SecurityType `json:"security"`
}

// TargetCredentials is one submitted SSID/passphrase pair. It lives only for
// the duration of a single connection attempt.
type TargetCredentials struct {
	SSID       string
	Passphrase string
}

// ConnectionHandle correlates an activation attempt with its state-change
// events and identifies the created profile for deactivation and deletion.
type ConnectionHandle struct {
	ID      string
	Profile string
	SSID    string
	Device  string
}

// ConnState is the activation state of a connection attempt.
type ConnState string

const (
	StateActivating   ConnState = "ACTIVATING"
	StateActivated    ConnState = "ACTIVATED"
	StateDeactivating ConnState = "DEACTIVATING"
	StateDeactivated  ConnState = "DEACTIVATED"
	StateFailed       ConnState = "FAILED"
)

// StateChange is delivered on the subscription stream for every observed
// transition of an activation attempt.
type StateChange struct {
	HandleID string
	State    ConnState
	Reason   string
}
