// Package portal serves the captive-portal UI and the small JSON API the UI
// calls: network listing, credential submission and status polling.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/connectivity"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

// Engine is the slice of the connectivity state machine the portal needs.
// Handlers only read snapshots and send events; they never mutate state.
type Engine interface {
	Submit(creds netman.TargetCredentials) error
	TouchActivity()
	Snapshot() connectivity.Snapshot
	Networks() []netman.ScannedNetwork
	StatusUpdates() *pubsub.Subscriber
	Unsubscribe(sub *pubsub.Subscriber)
}

// Server is the portal HTTP server.
type Server struct {
	cfg      *config.Config
	engine   Engine
	log      zerolog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// connectRequest is the POST /connect body.
type connectRequest struct {
	SSID       string `json:"ssid" validate:"required,max=32"`
	Passphrase string `json:"passphrase" validate:"omitempty,min=8,max=63"`
}

// NewServer creates the portal server bound to the gateway address.
func NewServer(cfg *config.Config, engine Engine, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		log:      log.With().Str("service", "portal").Logger(),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Portal clients arrive from the AP subnet with arbitrary
			// origins, so origin checking buys nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.httpSrv = &http.Server{
		Addr:         net.JoinHostPort(cfg.Gateway.String(), strconv.Itoa(cfg.ListenPort)),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router builds the chi router with the portal routes and middleware.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	router.Use(corsMiddleware.Handler)

	// Any portal interaction counts as activity, static assets included.
	router.Use(s.activityMiddleware)

	router.Get("/networks", s.handleNetworks)
	router.Post("/connect", s.handleConnect)
	router.Get("/status", s.handleStatus)
	router.Get("/events", s.handleEvents)
	router.Handle("/*", http.FileServer(http.Dir(s.cfg.UIDirectory)))

	return router
}

// Start runs the server. Blocks until shutdown or listen failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Str("ui", s.cfg.UIDirectory).Msg("Portal server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("portal server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) activityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.engine.TouchActivity()
		next.ServeHTTP(w, r)
	})
}

// handleNetworks returns the cached scan results. May be empty: the portal
// cannot rescan while the access point occupies the radio.
func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	networks := s.engine.Networks()
	if networks == nil {
		networks = []netman.ScannedNetwork{}
	}
	s.respondJSON(w, http.StatusOK, networks)
}

// handleConnect validates submitted credentials and forwards them to the
// state machine. 202 accepted, 409 while an attempt is in flight.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return
	}

	// Secured networks from the cached scan need a passphrase up front;
	// rejecting here saves a doomed connect/fail/portal-rebuild cycle.
	// Unscanned SSIDs pass through, hidden networks included.
	if req.Passphrase == "" {
		for _, n := range s.engine.Networks() {
			if n.SSID == req.SSID && n.Security.RequiresPassphrase() {
				s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "network requires a passphrase"})
				return
			}
		}
	}

	err := s.engine.Submit(netman.TargetCredentials{SSID: req.SSID, Passphrase: req.Passphrase})
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, connectivity.ErrBusy):
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": "busy"})
	default:
		s.log.Error().Err(err).Msg("Credential submission failed")
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
}

// handleStatus reports the current connectivity state tag. The passphrase of
// an in-flight attempt is never included.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":   string(snap.State),
		"ssid":    snap.PortalSSID,
		"clients": snap.ClientCount,
	})
}

// handleEvents upgrades to a websocket and pushes state-tag changes so the
// UI can live-update instead of polling /status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.engine.StatusUpdates()
	defer s.engine.Unsubscribe(sub)

	// Send the current state first so late joiners are not blind.
	snap := s.engine.Snapshot()
	if err := conn.WriteJSON(map[string]string{"state": string(snap.State)}); err != nil {
		return
	}

	for msg := range sub.Channel {
		state, ok := msg.(connectivity.State)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(map[string]string{"state": string(state)}); err != nil {
			return
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug().Err(err).Msg("Writing response failed")
	}
}

// validationMessage flattens a validator error into one user-facing line.
func validationMessage(err error) string {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		f := invalid[0]
		switch f.Field() {
		case "SSID":
			return "ssid is required and must be at most 32 characters"
		case "Passphrase":
			return "passphrase must be 8-63 characters"
		}
	}
	return "invalid request"
}
