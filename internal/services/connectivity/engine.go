package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/accesspoint"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

// connectWait bounds how long the engine waits for a definitive activation
// event before treating the attempt as failed. The netman activation timeout
// normally fires first; this is the engine's own upper bound.
const connectWait = 60 * time.Second

// Engine is the connectivity state machine. A single goroutine started by
// Run owns all state; portal handlers, network-manager events and timers
// communicate through one serialized event queue.
type Engine struct {
	cfg    *config.Config
	nm     NetworkManager
	ap     AccessPoint
	log    zerolog.Logger
	status *pubsub.PubSub

	events chan event
	done   chan struct{}

	// Event-loop-owned fields. Never touched outside the Run goroutine.
	device        netman.Device
	apHandle      *accesspoint.Handle
	attempt       *netman.ConnectionHandle
	activityGen   uint64
	activityTimer *time.Timer
	connectGen    uint64
	connectTimer  *time.Timer

	mu       sync.RWMutex
	state    State
	networks []netman.ScannedNetwork
}

// NewEngine creates the state machine for the device selected at startup.
// status carries state-tag updates for the portal's websocket push.
func NewEngine(cfg *config.Config, device netman.Device, nm NetworkManager, ap AccessPoint, status *pubsub.PubSub, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		device: device,
		nm:     nm,
		ap:     ap,
		log:    log.With().Str("service", "connectivity").Logger(),
		status: status,
		events: make(chan event, 32),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Run executes the state machine until a terminal state or cancellation.
// It returns the exit reason the process should report.
func (e *Engine) Run(ctx context.Context) (ExitReason, error) {
	defer close(e.done)
	defer e.teardown(ctx)

	// A previous run may have died with its access point still configured.
	if err := e.nm.SweepAPProfiles(ctx); err != nil {
		return ExitFatal, err
	}

	active, err := e.nm.ActiveConnection(ctx, e.device)
	if err != nil {
		return ExitFatal, err
	}
	if active != nil {
		e.log.Info().Str("connection", active.Name).Str("device", e.device.Name).Msg("Device already connected")
		e.setState(StateConnected)
		return ExitConnected, nil
	}

	// Scan once while the radio is still in client mode; the portal serves
	// this cached list because the single radio cannot scan in AP mode.
	e.refreshNetworks(ctx)

	sub := e.nm.SubscribeStateChanges()
	defer e.nm.Unsubscribe(sub)
	go e.forward(ctx, sub)

	if err := e.enterPortal(ctx); err != nil {
		return ExitFatal, err
	}

	for {
		select {
		case <-ctx.Done():
			e.setState(StateFailed)
			return ExitCancelled, ctx.Err()
		case ev := <-e.events:
			reason, terminal, err := e.handle(ctx, ev)
			if terminal {
				return reason, err
			}
		}
	}
}

// Submit hands one credential submission to the event loop. Returns ErrBusy
// when an attempt is already in flight, or an error when the engine has
// already finished.
func (e *Engine) Submit(creds netman.TargetCredentials) error {
	ev := credentialsEvent{creds: creds, reply: make(chan error, 1)}
	select {
	case e.events <- ev:
	case <-e.done:
		return fmt.Errorf("provisioning already finished")
	}
	select {
	case err := <-ev.reply:
		return err
	case <-e.done:
		return fmt.Errorf("provisioning already finished")
	}
}

// TouchActivity records one portal HTTP request, resetting the activity
// window. Non-blocking: a full queue drops the touch, which is harmless
// because any queued activity event already resets the timer.
func (e *Engine) TouchActivity() {
	select {
	case e.events <- activityEvent{}:
	default:
	}
}

// Snapshot returns the observable state for GET /status.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	snap := Snapshot{State: state, PortalSSID: e.cfg.PortalSSID}
	if state == StatePortal {
		snap.ClientCount = len(e.ap.Clients())
	}
	return snap
}

// Networks returns the cached scan results served on GET /networks.
func (e *Engine) Networks() []netman.ScannedNetwork {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]netman.ScannedNetwork, len(e.networks))
	copy(out, e.networks)
	return out
}

// StatusUpdates subscribes to state-tag changes for the websocket push.
func (e *Engine) StatusUpdates() *pubsub.Subscriber {
	return e.status.Subscribe(pubsub.TopicStateSnapshot, 8)
}

// Unsubscribe releases a StatusUpdates subscription.
func (e *Engine) Unsubscribe(sub *pubsub.Subscriber) {
	e.status.Unsubscribe(sub)
}

// handle processes one event on the loop goroutine. terminal=true means the
// engine is done and reason/err are the outcome.
func (e *Engine) handle(ctx context.Context, ev event) (reason ExitReason, terminal bool, err error) {
	switch ev := ev.(type) {
	case credentialsEvent:
		return e.handleCredentials(ctx, ev)

	case activityEvent:
		if e.currentState() == StatePortal && e.cfg.ActivityTimeout > 0 {
			e.armActivityTimer()
		}
		e.status.Publish(pubsub.TopicPortalActivity, time.Now())
		return 0, false, nil

	case activityTimerEvent:
		if e.currentState() != StatePortal || ev.generation != e.activityGen || e.cfg.ActivityTimeout == 0 {
			return 0, false, nil
		}
		e.log.Info().Dur("timeout", e.cfg.ActivityTimeout).Msg("No portal activity within timeout, giving up")
		e.stopPortal()
		e.setState(StateFailed)
		return ExitActivityTimeout, true, nil

	case connectTimerEvent:
		if e.currentState() != StateConnecting || ev.generation != e.connectGen {
			return 0, false, nil
		}
		return e.failAttempt(ctx, "timed out waiting for activation")

	case connStateEvent:
		return e.handleConnState(ctx, netman.StateChange(ev))
	}
	return 0, false, nil
}

func (e *Engine) handleCredentials(ctx context.Context, ev credentialsEvent) (ExitReason, bool, error) {
	if e.currentState() != StatePortal {
		ev.reply <- ErrBusy
		return 0, false, nil
	}
	ev.reply <- nil

	e.log.Info().Str("ssid", ev.creds.SSID).Msg("Credentials received, attempting connection")

	// The radio cannot host the portal and join the target at once.
	e.stopPortal()
	e.setState(StateConnecting)

	handle, err := e.nm.CreateAndActivate(ctx, e.device, ev.creds)
	if err != nil {
		// Recoverable mid-flow: log with context and fall back to the portal.
		e.log.Error().Err(err).Str("ssid", ev.creds.SSID).Str("device", e.device.Name).Msg("Starting connection attempt failed")
		return e.reenterPortal(ctx)
	}

	e.attempt = handle
	e.armConnectTimer()
	return 0, false, nil
}

func (e *Engine) handleConnState(ctx context.Context, sc netman.StateChange) (ExitReason, bool, error) {
	if e.currentState() != StateConnecting || e.attempt == nil || sc.HandleID != e.attempt.ID {
		return 0, false, nil
	}

	switch sc.State {
	case netman.StateActivated:
		e.stopConnectTimer()
		connectivity := e.nm.Connectivity(ctx)
		e.log.Info().Str("ssid", e.attempt.SSID).Str("connectivity", connectivity).Msg("Connection established")

		if !e.cfg.KeepProfile {
			if err := e.nm.DeleteProfile(ctx, e.attempt); err != nil {
				e.log.Warn().Err(err).Msg("Deleting accepted profile failed")
			}
		}
		e.attempt = nil
		e.setState(StateConnected)
		return ExitConnected, true, nil

	case netman.StateFailed, netman.StateDeactivated:
		return e.failAttempt(ctx, sc.Reason)

	default:
		e.log.Debug().Str("state", string(sc.State)).Str("ssid", e.attempt.SSID).Msg("Connection state change")
		return 0, false, nil
	}
}

// failAttempt discards the failed connection profile and returns to the
// portal. Each failed attempt waits for a fresh user action; there is no
// automatic retry.
func (e *Engine) failAttempt(ctx context.Context, reasonText string) (ExitReason, bool, error) {
	e.stopConnectTimer()
	if e.attempt != nil {
		e.log.Warn().Str("ssid", e.attempt.SSID).Str("device", e.device.Name).Str("reason", reasonText).Msg("Connection attempt failed")
		if err := e.nm.DeleteProfile(ctx, e.attempt); err != nil {
			e.log.Warn().Err(err).Msg("Deleting failed profile failed")
		}
		e.attempt = nil
	}

	// The AP is down, so the radio is free for a fresh scan before the
	// portal comes back.
	e.refreshNetworks(ctx)
	return e.reenterPortal(ctx)
}

func (e *Engine) reenterPortal(ctx context.Context) (ExitReason, bool, error) {
	if err := e.enterPortal(ctx); err != nil {
		e.setState(StateFailed)
		return ExitFatal, true, err
	}
	return 0, false, nil
}

// enterPortal brings up a freshly created access point and arms the
// activity window. Stale DHCP state is never reused: every entry recreates
// the AP profile and DHCP server from scratch.
func (e *Engine) enterPortal(ctx context.Context) error {
	handle, err := e.ap.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting portal access point: %w", err)
	}
	e.apHandle = handle
	e.setState(StatePortal)

	if e.cfg.ActivityTimeout > 0 {
		e.armActivityTimer()
	}
	return nil
}

// stopPortal tears the access point down and disarms the activity window.
func (e *Engine) stopPortal() {
	e.stopActivityTimer()
	if e.apHandle != nil {
		if err := e.ap.Stop(e.apHandle); err != nil {
			e.log.Warn().Err(err).Msg("Stopping access point failed")
		}
		e.apHandle = nil
	}
}

func (e *Engine) armActivityTimer() {
	e.stopActivityTimer()
	e.activityGen++
	gen := e.activityGen
	e.activityTimer = time.AfterFunc(e.cfg.ActivityTimeout, func() {
		select {
		case e.events <- activityTimerEvent{generation: gen}:
		case <-e.done:
		}
	})
}

func (e *Engine) stopActivityTimer() {
	if e.activityTimer != nil {
		e.activityTimer.Stop()
		e.activityTimer = nil
	}
	e.activityGen++
}

func (e *Engine) armConnectTimer() {
	e.stopConnectTimer()
	e.connectGen++
	gen := e.connectGen
	e.connectTimer = time.AfterFunc(connectWait, func() {
		select {
		case e.events <- connectTimerEvent{generation: gen}:
		case <-e.done:
		}
	})
}

func (e *Engine) stopConnectTimer() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
	e.connectGen++
}

// forward feeds subscribed network-manager events into the serialized queue.
func (e *Engine) forward(ctx context.Context, sub *pubsub.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case msg, ok := <-sub.Channel:
			if !ok {
				return
			}
			sc, ok := msg.(netman.StateChange)
			if !ok {
				continue
			}
			select {
			case e.events <- connStateEvent(sc):
			case <-ctx.Done():
				return
			case <-e.done:
				return
			}
		}
	}
}

// teardown guarantees the device is never left in a half-configured AP+DHCP
// state, whatever path the engine exits on.
func (e *Engine) teardown(ctx context.Context) {
	e.stopActivityTimer()
	e.stopConnectTimer()
	e.stopPortal()

	// An unresolved attempt is abandoned, not kept: only a confirmed
	// connection may leave its profile behind.
	if e.attempt != nil && e.currentState() != StateConnected {
		if err := e.nm.Deactivate(ctx, e.attempt); err != nil {
			e.log.Warn().Err(err).Msg("Deactivating abandoned attempt failed")
		}
		if err := e.nm.DeleteProfile(ctx, e.attempt); err != nil {
			e.log.Warn().Err(err).Msg("Deleting abandoned profile failed")
		}
		e.attempt = nil
	}
}

func (e *Engine) refreshNetworks(ctx context.Context) {
	networks, err := e.nm.Scan(ctx, e.device)
	if err != nil {
		e.log.Warn().Err(err).Msg("Scan failed")
		return
	}
	e.mu.Lock()
	e.networks = networks
	e.mu.Unlock()
	e.log.Info().Int("count", len(networks)).Msg("Scanned networks")
}

func (e *Engine) currentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.log.Info().Str("state", string(s)).Msg("State transition")
	e.status.Publish(pubsub.TopicStateSnapshot, s)
}
