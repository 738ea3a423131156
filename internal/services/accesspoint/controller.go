// Package accesspoint starts and stops the portal access point: an AP-mode
// connection profile on the selected device plus a dnsmasq child process
// serving DHCP to portal clients.
package accesspoint

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
)

var (
	// ErrDeviceUnavailable means the device could not be put into AP mode.
	ErrDeviceUnavailable = errors.New("device cannot enter AP mode")
	// ErrAddressConfig means the gateway or DHCP range was rejected.
	ErrAddressConfig = errors.New("invalid gateway or DHCP range for device")
)

// LeaseFile is where the portal's dnsmasq records its DHCP leases.
const LeaseFile = "/tmp/wifi-connect.leases"

// Controller brings the selected device in and out of access-point mode.
type Controller struct {
	cfg      *config.Config
	device   netman.Device
	executor netman.CommandExecutor
	runner   ProcessRunner
	log      zerolog.Logger
}

// Handle represents a running access point. Stop is idempotent.
type Handle struct {
	mu      sync.Mutex
	profile string
	dnsmasq Process
	stopped bool
}

// Client is a portal client holding a DHCP lease.
type Client struct {
	MACAddress string
	IPAddress  string
	Hostname   string
	LeasedAt   time.Time
}

// NewController creates a Controller for the given device.
func NewController(cfg *config.Config, device netman.Device, executor netman.CommandExecutor, runner ProcessRunner, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		device:   device,
		executor: executor,
		runner:   runner,
		log:      log.With().Str("service", "accesspoint").Logger(),
	}
}

// Start creates and activates the AP connection profile, then starts the
// DHCP server for the configured range. On any failure everything already
// set up is torn down again.
func (c *Controller) Start(ctx context.Context) (*Handle, error) {
	profile := c.cfg.PortalSSID

	c.log.Info().
		Str("ssid", c.cfg.PortalSSID).
		Str("device", c.device.Name).
		Str("gateway", c.cfg.Gateway.String()).
		Msg("Starting access point")

	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", c.device.Name,
		"con-name", profile,
		"autoconnect", "no",
		"ssid", c.cfg.PortalSSID,
		"mode", "ap",
		"ipv4.method", "manual",
		"ipv4.addresses", c.cfg.Gateway.String() + "/24",
		"wifi.band", "bg",
	}
	if !c.cfg.OpenPortal() {
		args = append(args,
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.psk", c.cfg.PortalPassphrase,
		)
	}

	if _, err := c.executor.ExecuteWithTimeout(c.cfg.ExecTimeout, "nmcli", args...); err != nil {
		return nil, classifyStartError(err)
	}

	if _, err := c.executor.ExecuteWithTimeout(c.cfg.ExecTimeout, "nmcli", "connection", "up", profile); err != nil {
		c.deleteProfile(profile)
		return nil, classifyStartError(err)
	}

	dnsmasq, err := c.startDNSMasq()
	if err != nil {
		c.deactivateProfile(profile)
		c.deleteProfile(profile)
		return nil, fmt.Errorf("starting DHCP server: %w", err)
	}

	c.log.Info().Str("ssid", c.cfg.PortalSSID).Str("range", c.cfg.DHCPRange()).Msg("Access point up")

	return &Handle{profile: profile, dnsmasq: dnsmasq}, nil
}

// Stop tears down the DHCP server and the AP profile. Safe to call more
// than once and on a nil handle.
func (c *Controller) Stop(handle *Handle) error {
	if handle == nil {
		return nil
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.stopped {
		return nil
	}
	handle.stopped = true

	c.log.Info().Str("ssid", c.cfg.PortalSSID).Msg("Stopping access point")

	if handle.dnsmasq != nil {
		if err := handle.dnsmasq.Kill(); err != nil {
			c.log.Warn().Err(err).Msg("Killing dnsmasq failed")
		}
		handle.dnsmasq = nil
	}

	c.deactivateProfile(handle.profile)
	c.deleteProfile(handle.profile)

	c.log.Info().Str("ssid", c.cfg.PortalSSID).Msg("Access point stopped")
	return nil
}

// Clients parses the dnsmasq lease file and returns the currently leased
// portal clients. Best-effort: a missing lease file means no clients yet.
func (c *Controller) Clients() []Client {
	output, err := c.executor.Execute("cat", LeaseFile)
	if err != nil {
		return nil
	}
	return parseLeases(string(output))
}

func (c *Controller) startDNSMasq() (Process, error) {
	gateway := c.cfg.Gateway.String()
	args := []string{
		"--keep-in-foreground",
		"--bind-interfaces",
		"--interface=" + c.device.Name,
		"--except-interface=lo",
		"--conf-file=/dev/null",
		"--no-hosts",
		"--dhcp-range=" + c.cfg.DHCPRange(),
		"--dhcp-option=option:router," + gateway,
		// Captive behaviour: resolve every name to the portal gateway.
		"--address=/#/" + gateway,
		"--dhcp-leasefile=" + LeaseFile,
	}
	return c.runner.Start("dnsmasq", args...)
}

func (c *Controller) deactivateProfile(profile string) {
	if _, err := c.executor.ExecuteWithTimeout(c.cfg.ExecTimeout, "nmcli", "connection", "down", profile); err != nil {
		c.log.Debug().Err(err).Str("profile", profile).Msg("Deactivating AP profile failed")
	}
}

func (c *Controller) deleteProfile(profile string) {
	if _, err := c.executor.ExecuteWithTimeout(c.cfg.ExecTimeout, "nmcli", "connection", "delete", profile); err != nil {
		c.log.Debug().Err(err).Str("profile", profile).Msg("Deleting AP profile failed")
	}
}

// classifyStartError maps nmcli failures onto the controller's error
// taxonomy.
func classifyStartError(err error) error {
	msg := err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		msg = strings.TrimSpace(string(exitErr.Stderr))
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "ipv4") || strings.Contains(lower, "address") {
		return fmt.Errorf("%w: %s", ErrAddressConfig, msg)
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}
