// Package network provides utilities for classifying network interface names.
package network

import (
	"fmt"
	"net"
	"strings"
)

// InterfaceType identifies the rough class of a network interface.
type InterfaceType string

const (
	TypeWiFi     InterfaceType = "wifi"
	TypeEthernet InterfaceType = "ethernet"
	TypeLoopback InterfaceType = "loopback"
	TypeOther    InterfaceType = "other"
)

// ClassifyName guesses the interface type from naming conventions.
// Linux predictable naming puts wireless interfaces under wl* and wired
// interfaces under en*/eth*.
func ClassifyName(ifaceName string) InterfaceType {
	name := strings.ToLower(ifaceName)

	if name == "lo" {
		return TypeLoopback
	}

	if strings.HasPrefix(name, "wlan") ||
		strings.HasPrefix(name, "wl") ||
		strings.Contains(name, "wifi") ||
		strings.Contains(name, "wireless") {
		return TypeWiFi
	}

	if strings.HasPrefix(name, "eth") ||
		strings.HasPrefix(name, "enp") ||
		strings.HasPrefix(name, "eno") ||
		strings.HasPrefix(name, "en") {
		return TypeEthernet
	}

	return TypeOther
}

// LooksWireless reports whether the interface name follows a wireless
// naming pattern.
func LooksWireless(ifaceName string) bool {
	return ClassifyName(ifaceName) == TypeWiFi
}

// ValidateName rejects interface names that could not have been assigned by
// the kernel. Keeps untrusted names out of shell command arguments.
func ValidateName(ifaceName string) error {
	if ifaceName == "" {
		return fmt.Errorf("interface name is empty")
	}
	if len(ifaceName) > 15 {
		return fmt.Errorf("interface name too long: %q", ifaceName)
	}
	for _, char := range ifaceName {
		isLowerLetter := char >= 'a' && char <= 'z'
		isUpperLetter := char >= 'A' && char <= 'Z'
		isDigit := char >= '0' && char <= '9'
		isAllowed := isLowerLetter || isUpperLetter || isDigit || char == '-' || char == '_' || char == '.'
		if !isAllowed {
			return fmt.Errorf("invalid character in interface name: %q", ifaceName)
		}
	}
	return nil
}

// Exists reports whether an interface with the given name is present on the
// host. Best-effort: enumeration errors count as "unknown" and return true so
// that the network manager stays the authority.
func Exists(ifaceName string) bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return true
	}
	for _, iface := range interfaces {
		if iface.Name == ifaceName {
			return true
		}
	}
	return false
}
