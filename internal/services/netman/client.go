package netman

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lucsky/cuid"
	"github.com/rs/zerolog"

	"github.com/bbernstein/wifi-connect-go/internal/services/network"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

const (
	// transportRetries is the number of retries for plumbing commands before
	// the service is declared unavailable.
	transportRetries = 3

	// DefaultActivateTimeout bounds a single connection activation attempt.
	DefaultActivateTimeout = 45 * time.Second

	// scanSettleDelay gives the radio a moment after requesting a rescan.
	scanSettleDelay = 2 * time.Second
)

// Client talks to NetworkManager through nmcli.
type Client struct {
	executor        CommandExecutor
	events          *pubsub.PubSub
	log             zerolog.Logger
	execTimeout     time.Duration
	activateTimeout time.Duration
	settleDelay     time.Duration
}

// NewClient creates a Client publishing state changes on events.
func NewClient(executor CommandExecutor, events *pubsub.PubSub, log zerolog.Logger, execTimeout time.Duration) *Client {
	if execTimeout <= 0 {
		execTimeout = 15 * time.Second
	}
	return &Client{
		executor:        executor,
		events:          events,
		log:             log.With().Str("service", "netman").Logger(),
		execTimeout:     execTimeout,
		activateTimeout: DefaultActivateTimeout,
		settleDelay:     scanSettleDelay,
	}
}

// SetExecutor sets the command executor (for testing).
func (c *Client) SetExecutor(executor CommandExecutor) {
	c.executor = executor
}

// SetActivateTimeout overrides the activation wait bound (for testing).
func (c *Client) SetActivateTimeout(d time.Duration) {
	c.activateTimeout = d
}

// SetScanSettleDelay overrides the post-rescan settle delay (for testing).
func (c *Client) SetScanSettleDelay(d time.Duration) {
	c.settleDelay = d
}

// SubscribeStateChanges returns a subscription delivering StateChange events
// for all in-flight activation attempts.
func (c *Client) SubscribeStateChanges() *pubsub.Subscriber {
	return c.events.Subscribe(pubsub.TopicConnectionState, 16)
}

// Unsubscribe releases a state-change subscription.
func (c *Client) Unsubscribe(sub *pubsub.Subscriber) {
	c.events.Unsubscribe(sub)
}

// run executes a plumbing nmcli command, retrying transport failures with
// bounded backoff before surfacing ErrServiceUnavailable. Cancelling the
// context interrupts the retry wait.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	var out []byte
	op := func() error {
		var err error
		out, err = c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", args...)
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), transportRetries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%w: nmcli %s: %v", ErrServiceUnavailable, strings.Join(args, " "), err)
	}
	return out, nil
}

// ListDevices returns all devices known to the service.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	output, err := c.run(ctx, "-t", "-f", "DEVICE,TYPE,STATE", "device", "status")
	if err != nil {
		return nil, err
	}

	var devices []Device
	for _, line := range strings.Split(string(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 3 {
			continue
		}
		devices = append(devices, Device{
			Name:    parts[0],
			Type:    parts[1],
			State:   parts[2],
			Managed: parts[2] != "unmanaged",
		})
	}
	return devices, nil
}

// FindWiFiDevice selects the provisioning device: the named interface when
// given, otherwise the first managed WiFi device. The selection is made once
// at startup and never changes afterwards.
func (c *Client) FindWiFiDevice(ctx context.Context, name string) (Device, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}

	if name != "" {
		for _, d := range devices {
			if d.Name != name {
				continue
			}
			if !d.IsWiFi() {
				return Device{}, fmt.Errorf("%w: %s is not a WiFi device", ErrDeviceUnavailable, name)
			}
			if !d.Managed {
				return Device{}, fmt.Errorf("%w: %s is not managed by the service", ErrDeviceUnavailable, name)
			}
			c.log.Info().Str("device", d.Name).Msg("Targeted WiFi device")
			return d, nil
		}
		if !network.LooksWireless(name) {
			return Device{}, fmt.Errorf("%w: no device named %s (name does not look like a WiFi interface)", ErrDeviceUnavailable, name)
		}
		return Device{}, fmt.Errorf("%w: no device named %s", ErrDeviceUnavailable, name)
	}

	for _, d := range devices {
		if d.IsWiFi() && d.Managed {
			c.log.Info().Str("device", d.Name).Msg("Auto-selected WiFi device")
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no managed WiFi device found", ErrDeviceUnavailable)
}

// ActiveConnection returns the active connection on the device, or nil when
// the device is not connected.
func (c *Client) ActiveConnection(ctx context.Context, device Device) (*ConnectionInfo, error) {
	output, err := c.run(ctx, "-t", "-f", "DEVICE,STATE,CONNECTION", "device", "status")
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(output), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 3 || parts[0] != device.Name {
			continue
		}
		if parts[1] == "connected" && parts[2] != "" {
			return &ConnectionInfo{Name: parts[2], Device: device.Name}, nil
		}
		return nil, nil
	}
	return nil, nil
}

// Scan lists visible networks on the device. Best-effort: transient radio
// errors yield an empty result, not a failure. Results are ordered by signal
// strength descending, ties broken by SSID, duplicates collapsed to the
// strongest observation.
func (c *Client) Scan(ctx context.Context, device Device) ([]ScannedNetwork, error) {
	if _, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "device", "wifi", "rescan", "ifname", device.Name); err != nil {
		// Rescans are rate-limited by the service; cached results still work.
		c.log.Debug().Err(err).Msg("WiFi rescan failed, using cached results")
	} else {
		select {
		case <-time.After(c.settleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	output, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "device", "wifi", "list", "ifname", device.Name)
	if err != nil {
		c.log.Warn().Err(err).Msg("Listing WiFi networks failed")
		return []ScannedNetwork{}, nil
	}

	var networks []ScannedNetwork
	for _, line := range strings.Split(string(output), "\n") {
		if line == "" {
			continue
		}

		// SSIDs may contain colons, so split the fixed fields off the end.
		parts := strings.Split(line, ":")
		if len(parts) < 3 {
			continue
		}
		security := parts[len(parts)-1]
		signalStr := parts[len(parts)-2]
		ssid := strings.Join(parts[:len(parts)-2], ":")

		// Hidden networks cannot be offered on the portal.
		if ssid == "" {
			continue
		}

		signal, _ := strconv.Atoi(signalStr)
		networks = append(networks, ScannedNetwork{
			SSID:           ssid,
			SignalStrength: signal,
			Security:       parseSecurityType(security),
		})
	}

	sort.Slice(networks, func(i, j int) bool {
		if networks[i].SignalStrength != networks[j].SignalStrength {
			return networks[i].SignalStrength > networks[j].SignalStrength
		}
		return networks[i].SSID < networks[j].SSID
	})

	// Keep the strongest observation per SSID.
	seen := make(map[string]bool)
	deduped := networks[:0]
	for _, n := range networks {
		if seen[n.SSID] {
			continue
		}
		seen[n.SSID] = true
		deduped = append(deduped, n)
	}
	return deduped, nil
}

// CreateAndActivate creates a connection profile from the credentials and
// starts activating it. It returns immediately; completion is delivered as
// StateChange events correlated by the returned handle's ID.
func (c *Client) CreateAndActivate(ctx context.Context, device Device, creds TargetCredentials) (*ConnectionHandle, error) {
	args := []string{
		"connection", "add",
		"type", "wifi",
		"ifname", device.Name,
		"con-name", creds.SSID,
		"ssid", creds.SSID,
	}
	if creds.Passphrase != "" {
		args = append(args,
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.psk", creds.Passphrase,
		)
	}

	if _, err := c.run(ctx, args...); err != nil {
		return nil, err
	}

	handle := &ConnectionHandle{
		ID:      cuid.New(),
		Profile: creds.SSID,
		SSID:    creds.SSID,
		Device:  device.Name,
	}

	c.publish(handle, StateActivating, "")
	go c.activate(handle)

	return handle, nil
}

// activate runs the blocking activation and reports the outcome as events.
func (c *Client) activate(h *ConnectionHandle) {
	c.log.Info().Str("ssid", h.SSID).Str("device", h.Device).Msg("Activating connection")

	if _, err := c.executor.ExecuteWithTimeout(c.activateTimeout, "nmcli", "connection", "up", h.Profile, "ifname", h.Device); err != nil {
		reason := activationFailureReason(err)
		c.log.Warn().Str("ssid", h.SSID).Str("reason", reason).Msg("Connection activation failed")
		c.publish(h, StateFailed, reason)
		return
	}

	c.log.Info().Str("ssid", h.SSID).Msg("Connection activated")
	c.publish(h, StateActivated, "")
}

// Deactivate takes the connection down. Idempotent: a profile that is not
// active is not an error.
func (c *Client) Deactivate(ctx context.Context, handle *ConnectionHandle) error {
	if handle == nil {
		return nil
	}
	_, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "connection", "down", handle.Profile)
	if err != nil && !isMissingProfile(err) {
		return fmt.Errorf("deactivating %q: %w", handle.Profile, err)
	}
	c.publish(handle, StateDeactivated, "")
	return nil
}

// DeleteProfile removes the connection profile. Idempotent.
func (c *Client) DeleteProfile(ctx context.Context, handle *ConnectionHandle) error {
	if handle == nil {
		return nil
	}
	_, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "connection", "delete", handle.Profile)
	if err != nil && !isMissingProfile(err) {
		return fmt.Errorf("deleting profile %q: %w", handle.Profile, err)
	}
	return nil
}

// Connectivity returns the service's view of overall connectivity
// (none, portal, limited, full or unknown).
func (c *Client) Connectivity(ctx context.Context) string {
	output, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "networking", "connectivity", "check")
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(output))
}

// SweepAPProfiles deletes any leftover active AP-mode connection profiles
// from a previous run so the device starts from a clean state.
func (c *Client) SweepAPProfiles(ctx context.Context) error {
	output, err := c.run(ctx, "-t", "-f", "NAME,TYPE", "connection", "show", "--active")
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(output), "\n") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		name, kind := line[:idx], line[idx+1:]
		if kind != "802-11-wireless" {
			continue
		}

		mode, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "-t", "-f", "802-11-wireless.mode", "connection", "show", name)
		if err != nil {
			continue
		}
		if strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(string(mode)), "802-11-wireless.mode:"), "\n") != "ap" {
			continue
		}

		c.log.Info().Str("profile", name).Msg("Deleting stale access point profile")
		if _, err := c.executor.ExecuteWithTimeout(c.execTimeout, "nmcli", "connection", "delete", name); err != nil {
			c.log.Warn().Err(err).Str("profile", name).Msg("Deleting stale profile failed")
		}
	}
	return nil
}

func (c *Client) publish(h *ConnectionHandle, state ConnState, reason string) {
	c.events.Publish(pubsub.TopicConnectionState, StateChange{
		HandleID: h.ID,
		State:    state,
		Reason:   reason,
	})
}

// activationFailureReason extracts a human-readable reason from an nmcli
// activation error.
func activationFailureReason(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "activation timed out"
	}
	return err.Error()
}

// isMissingProfile reports whether the error is nmcli complaining about a
// profile that no longer exists or is not active.
func isMissingProfile(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	stderr := strings.ToLower(string(exitErr.Stderr))
	return strings.Contains(stderr, "unknown connection") ||
		strings.Contains(stderr, "not an active connection") ||
		strings.Contains(stderr, "cannot delete unknown connection")
}

// parseSecurityType converts an nmcli security string to a SecurityType.
func parseSecurityType(security string) SecurityType {
	security = strings.ToUpper(security)
	switch {
	case strings.Contains(security, "WPA3") && strings.Contains(security, "EAP"):
		return SecurityWPA3EAP
	case strings.Contains(security, "WPA3"):
		return SecurityWPA3PSK
	case strings.Contains(security, "WPA") && strings.Contains(security, "EAP"):
		return SecurityWPAEAP
	case strings.Contains(security, "WPA"):
		return SecurityWPAPSK
	case strings.Contains(security, "WEP"):
		return SecurityWEP
	case strings.Contains(security, "OWE"):
		return SecurityOWE
	case security == "" || security == "--":
		return SecurityOpen
	default:
		return SecurityWPAPSK
	}
}
