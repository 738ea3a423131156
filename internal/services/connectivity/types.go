// Package connectivity implements the orchestration core: the state machine
// that decides when to run the portal, attempts target connections through
// the network manager, and owns process exit policy.
package connectivity

import (
	"context"
	"errors"

	"github.com/bbernstein/wifi-connect-go/internal/services/accesspoint"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

// State is the connectivity state tag. Exactly one instance exists, owned
// and mutated only by the engine's event loop.
type State string

const (
	StateIdle       State = "IDLE"
	StatePortal     State = "PORTAL"
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateFailed     State = "FAILED"
)

// ErrBusy is returned for credential submissions while a connection attempt
// is already in flight. Submissions are rejected, never queued.
var ErrBusy = errors.New("connection attempt already in progress")

// ExitReason says why the engine finished.
type ExitReason int

const (
	// ExitConnected is the success outcome: the device has connectivity.
	ExitConnected ExitReason = iota
	// ExitActivityTimeout means the portal saw no activity within the
	// configured window. A deliberate give-up, not an error.
	ExitActivityTimeout
	// ExitCancelled means an external signal requested shutdown.
	ExitCancelled
	// ExitFatal covers unrecoverable startup errors.
	ExitFatal
)

// Snapshot is a read-only copy of the engine's observable state.
type Snapshot struct {
	State       State
	PortalSSID  string
	ClientCount int
}

// NetworkManager is the slice of the netman client the engine depends on.
type NetworkManager interface {
	ActiveConnection(ctx context.Context, device netman.Device) (*netman.ConnectionInfo, error)
	Scan(ctx context.Context, device netman.Device) ([]netman.ScannedNetwork, error)
	CreateAndActivate(ctx context.Context, device netman.Device, creds netman.TargetCredentials) (*netman.ConnectionHandle, error)
	Deactivate(ctx context.Context, handle *netman.ConnectionHandle) error
	DeleteProfile(ctx context.Context, handle *netman.ConnectionHandle) error
	SubscribeStateChanges() *pubsub.Subscriber
	Unsubscribe(sub *pubsub.Subscriber)
	Connectivity(ctx context.Context) string
	SweepAPProfiles(ctx context.Context) error
}

// AccessPoint is the slice of the access point controller the engine uses.
type AccessPoint interface {
	Start(ctx context.Context) (*accesspoint.Handle, error)
	Stop(handle *accesspoint.Handle) error
	Clients() []accesspoint.Client
}

// Internal event queue messages. All state mutation happens on the event
// loop goroutine; these are the only way in.

type event interface{}

// credentialsEvent carries one portal submission; the reply channel reports
// acceptance or busy-rejection back to the HTTP handler.
type credentialsEvent struct {
	creds netman.TargetCredentials
	reply chan error
}

// activityEvent records one portal HTTP request.
type activityEvent struct{}

// activityTimerEvent fires when the activity window elapses. The generation
// guards against timers that were reset after the event was queued.
type activityTimerEvent struct {
	generation uint64
}

// connectTimerEvent bounds the wait for a definitive activation event.
type connectTimerEvent struct {
	generation uint64
}

// connStateEvent wraps a netman state change into the queue.
type connStateEvent netman.StateChange
