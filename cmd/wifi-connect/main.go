// Package main is the entry point for the wifi-connect provisioning portal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/accesspoint"
	"github.com/bbernstein/wifi-connect-go/internal/services/connectivity"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
	"github.com/bbernstein/wifi-connect-go/internal/services/network"
	"github.com/bbernstein/wifi-connect-go/internal/services/portal"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Process exit codes. Success means the device ended up connected;
// the timeout code tells the supervisor nobody used the portal.
const (
	exitCodeFatal   = 1
	exitCodeTimeout = 2
)

// errActivityTimeout marks the give-up outcome for exit code mapping.
var errActivityTimeout = errors.New("no portal activity within the configured timeout")

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errActivityTimeout) {
			os.Exit(exitCodeTimeout)
		}
		os.Exit(exitCodeFatal)
	}
}

func newRootCommand() *cobra.Command {
	// Load .env first so environment fallbacks see it. A missing file is
	// the normal case on devices.
	_ = godotenv.Load()

	raw := config.RawFromEnv()

	cmd := &cobra.Command{
		Use:   "wifi-connect",
		Short: "WiFi provisioning portal for headless devices",
		Long: "wifi-connect turns a headless device into a temporary WiFi access point\n" +
			"serving a captive portal, collects target network credentials from a\n" +
			"connected phone or laptop, and hands them to NetworkManager to join\n" +
			"that network.",
		Version:       fmt.Sprintf("%s (build %s, commit %s)", Version, BuildTime, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortal(raw)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&raw.DHCPRange, "portal-dhcp-range", "d", raw.DHCPRange, "DHCP range of the captive portal ($PORTAL_DHCP_RANGE)")
	flags.StringVarP(&raw.Gateway, "portal-gateway", "g", raw.Gateway, "gateway address of the captive portal ($PORTAL_GATEWAY)")
	flags.StringVarP(&raw.Interface, "portal-interface", "i", raw.Interface, "WiFi interface for the portal, auto-detected when omitted ($PORTAL_INTERFACE)")
	flags.StringVarP(&raw.PortalPassphrase, "portal-passphrase", "p", raw.PortalPassphrase, "WPA2 passphrase of the portal, empty for an open network ($PORTAL_PASSPHRASE)")
	flags.StringVarP(&raw.PortalSSID, "portal-ssid", "s", raw.PortalSSID, "SSID of the captive portal ($PORTAL_SSID)")
	flags.IntVarP(&raw.ActivityTimeout, "activity-timeout", "a", raw.ActivityTimeout, "exit if no portal activity for this many seconds, 0 disables ($ACTIVITY_TIMEOUT)")
	flags.StringVarP(&raw.UIDirectory, "ui-directory", "u", raw.UIDirectory, "directory with the portal UI assets ($UI_DIRECTORY)")
	flags.BoolP("version", "V", false, "print version information and exit")

	return cmd
}

func runPortal(raw config.Raw) error {
	log := newLogger()

	cfg, err := raw.Resolve()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return fmt.Errorf("configuration: %w", err)
	}

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := pubsub.New()
	status := pubsub.New()
	executor := netman.NewExecutor()
	nm := netman.NewClient(executor, events, log, cfg.ExecTimeout)

	// The provisioning device is selected once and never changes.
	if cfg.Interface != "" && !network.Exists(cfg.Interface) {
		log.Warn().Str("interface", cfg.Interface).Msg("Interface not present on the host, deferring to the network manager")
	}
	device, err := nm.FindWiFiDevice(ctx, cfg.Interface)
	if err != nil {
		log.Error().Err(err).Msg("No usable WiFi device")
		return err
	}

	ap := accesspoint.NewController(cfg, device, executor, accesspoint.NewRunner(), log)
	engine := connectivity.NewEngine(cfg, device, nm, ap, status, log)
	server := portal.NewServer(cfg, engine, log)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	// The gateway address only exists once the access point is up, so the
	// server must not bind before the engine first reaches the portal state.
	// A bind failure leaves the portal unreachable and cancels the engine.
	statusSub := engine.StatusUpdates()
	serverErr := make(chan error, 1)
	go func() {
		defer engine.Unsubscribe(statusSub)
		if !awaitPortalState(runCtx, statusSub) {
			serverErr <- nil
			return
		}
		if err := server.Start(); err != nil {
			stopRun()
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	reason, runErr := engine.Run(runCtx)

	stopRun()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Portal server shutdown failed")
	}
	if err := <-serverErr; err != nil {
		log.Error().Err(err).Msg("Portal server failed")
		return err
	}

	switch reason {
	case connectivity.ExitConnected:
		log.Info().Msg("Device connected, exiting")
		return nil
	case connectivity.ExitActivityTimeout:
		log.Info().Msg("Activity timeout reached, exiting")
		return errActivityTimeout
	case connectivity.ExitCancelled:
		log.Info().Msg("Cancelled, exiting")
		return fmt.Errorf("cancelled: %w", runErr)
	default:
		log.Error().Err(runErr).Msg("Provisioning failed")
		return runErr
	}
}

// awaitPortalState blocks until the engine reports the portal state. False
// means the wait was interrupted and the server must not start.
func awaitPortalState(ctx context.Context, sub *pubsub.Subscriber) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Channel:
			if !ok {
				return false
			}
			if state, ok := msg.(connectivity.State); ok && state == connectivity.StatePortal {
				return true
			}
		}
	}
}

// newLogger builds the process logger. LOG_LEVEL selects verbosity.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println("============================================")
	fmt.Println("  wifi-connect")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  Build:   %s\n", BuildTime)
	fmt.Printf("  Commit:  %s\n", GitCommit)
	fmt.Println("============================================")
	fmt.Printf("  Portal SSID:  %s\n", cfg.PortalSSID)
	fmt.Printf("  Gateway:      %s\n", cfg.Gateway)
	fmt.Printf("  DHCP range:   %s\n", cfg.DHCPRange())
	if cfg.Interface != "" {
		fmt.Printf("  Interface:    %s\n", cfg.Interface)
	} else {
		fmt.Printf("  Interface:    (auto-detect)\n")
	}
	fmt.Printf("  UI directory: %s\n", cfg.UIDirectory)
	if cfg.ActivityTimeout > 0 {
		fmt.Printf("  Timeout:      %s\n", cfg.ActivityTimeout)
	} else {
		fmt.Printf("  Timeout:      disabled\n")
	}
	fmt.Println("============================================")
}
