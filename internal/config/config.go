// Package config provides configuration resolution and validation for the
// provisioning portal.
package config

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bbernstein/wifi-connect-go/internal/services/network"
)

// Defaults for the documented configuration surface.
const (
	DefaultPortalSSID      = "WiFi Connect"
	DefaultGateway         = "192.168.42.1"
	DefaultDHCPRange       = "192.168.42.2,192.168.42.254"
	DefaultUIDirectory     = "public"
	DefaultActivityTimeout = 0

	// DefaultExecTimeout bounds individual nmcli invocations.
	DefaultExecTimeout = 15 * time.Second

	// DefaultListenPort is the portal HTTP port on the gateway address.
	DefaultListenPort = 80

	// MaxSSIDLength is the 802.11 SSID byte limit.
	MaxSSIDLength = 32
)

// Raw holds configuration values as collected from CLI flags and environment
// variables, before parsing and validation.
type Raw struct {
	PortalSSID       string
	PortalPassphrase string
	Gateway          string
	DHCPRange        string
	Interface        string
	ActivityTimeout  int
	UIDirectory      string
}

// Config is the resolved, validated configuration. Immutable after Resolve.
type Config struct {
	PortalSSID       string
	PortalPassphrase string // empty = open AP
	Gateway          net.IP
	DHCPRangeStart   net.IP
	DHCPRangeEnd     net.IP
	Interface        string // empty = auto-detect
	ActivityTimeout  time.Duration
	UIDirectory      string

	// KeepProfile controls whether the accepted connection profile survives
	// a successful run, so the device reconnects on its own after a reboot.
	KeepProfile bool

	// ExecTimeout bounds each command issued to the network manager.
	ExecTimeout time.Duration

	// ListenPort is the portal HTTP port, bound on the gateway address.
	ListenPort int
}

// RawFromEnv returns a Raw populated from environment variables, falling back
// to the documented defaults. CLI flags overwrite these values before Resolve.
func RawFromEnv() Raw {
	return Raw{
		PortalSSID:       getEnv("PORTAL_SSID", DefaultPortalSSID),
		PortalPassphrase: getEnv("PORTAL_PASSPHRASE", ""),
		Gateway:          getEnv("PORTAL_GATEWAY", DefaultGateway),
		DHCPRange:        getEnv("PORTAL_DHCP_RANGE", DefaultDHCPRange),
		Interface:        getEnv("PORTAL_INTERFACE", ""),
		ActivityTimeout:  getEnvInt("ACTIVITY_TIMEOUT", DefaultActivityTimeout),
		UIDirectory:      getEnv("UI_DIRECTORY", DefaultUIDirectory),
	}
}

// Resolve parses and validates raw values into a Config.
func (r Raw) Resolve() (*Config, error) {
	if r.PortalSSID == "" {
		return nil, fmt.Errorf("portal SSID must not be empty")
	}
	if len(r.PortalSSID) > MaxSSIDLength {
		return nil, fmt.Errorf("portal SSID %q exceeds %d bytes", r.PortalSSID, MaxSSIDLength)
	}

	if r.PortalPassphrase != "" {
		if l := len(r.PortalPassphrase); l < 8 || l > 63 {
			return nil, fmt.Errorf("portal passphrase must be 8-63 characters, got %d", l)
		}
	}

	gateway := net.ParseIP(r.Gateway)
	if gateway == nil || gateway.To4() == nil {
		return nil, fmt.Errorf("invalid gateway address %q", r.Gateway)
	}
	gateway = gateway.To4()

	start, end, err := parseDHCPRange(r.DHCPRange)
	if err != nil {
		return nil, err
	}

	// The pool must share the gateway's /24 and must not lease out the
	// gateway address itself.
	subnet := &net.IPNet{IP: gateway.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	if !subnet.Contains(start) || !subnet.Contains(end) {
		return nil, fmt.Errorf("DHCP range %s-%s outside gateway subnet %s", start, end, subnet)
	}
	if ipWithin(gateway, start, end) {
		return nil, fmt.Errorf("DHCP range %s-%s contains the gateway %s", start, end, gateway)
	}

	if r.ActivityTimeout < 0 {
		return nil, fmt.Errorf("activity timeout must be >= 0, got %d", r.ActivityTimeout)
	}

	if r.Interface != "" {
		if err := network.ValidateName(r.Interface); err != nil {
			return nil, fmt.Errorf("invalid portal interface: %w", err)
		}
	}

	if r.UIDirectory == "" {
		return nil, fmt.Errorf("UI directory must not be empty")
	}

	return &Config{
		PortalSSID:       r.PortalSSID,
		PortalPassphrase: r.PortalPassphrase,
		Gateway:          gateway,
		DHCPRangeStart:   start,
		DHCPRangeEnd:     end,
		Interface:        r.Interface,
		ActivityTimeout:  time.Duration(r.ActivityTimeout) * time.Second,
		UIDirectory:      r.UIDirectory,
		KeepProfile:      getEnvBool("PORTAL_KEEP_PROFILE", true),
		ExecTimeout:      getEnvDuration("NM_EXEC_TIMEOUT", DefaultExecTimeout),
		ListenPort:       getEnvInt("PORTAL_LISTENING_PORT", DefaultListenPort),
	}, nil
}

// DHCPRange returns the pool in dnsmasq's start,end notation.
func (c *Config) DHCPRange() string {
	return c.DHCPRangeStart.String() + "," + c.DHCPRangeEnd.String()
}

// OpenPortal reports whether the portal access point is unsecured.
func (c *Config) OpenPortal() bool {
	return c.PortalPassphrase == ""
}

// parseDHCPRange parses a "start,end" IPv4 pair.
func parseDHCPRange(s string) (start, end net.IP, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid DHCP range %q: want start,end", s)
	}

	start = net.ParseIP(strings.TrimSpace(parts[0]))
	end = net.ParseIP(strings.TrimSpace(parts[1]))
	if start == nil || start.To4() == nil {
		return nil, nil, fmt.Errorf("invalid DHCP range start %q", parts[0])
	}
	if end == nil || end.To4() == nil {
		return nil, nil, fmt.Errorf("invalid DHCP range end %q", parts[1])
	}
	start, end = start.To4(), end.To4()

	if ipToUint32(start) > ipToUint32(end) {
		return nil, nil, fmt.Errorf("DHCP range start %s after end %s", start, end)
	}
	return start, end, nil
}

func ipWithin(ip, start, end net.IP) bool {
	v := ipToUint32(ip.To4())
	return v >= ipToUint32(start) && v <= ipToUint32(end)
}

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the boolean value of an environment variable or a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the duration value of an environment variable or a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
