package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/connectivity"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
	"github.com/bbernstein/wifi-connect-go/internal/services/pubsub"
)

// fakeEngine implements Engine with scripted responses.
type fakeEngine struct {
	mu        sync.Mutex
	ps        *pubsub.PubSub
	submitErr error
	submitted []netman.TargetCredentials
	touches   int
	snapshot  connectivity.Snapshot
	networks  []netman.ScannedNetwork
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		ps:       pubsub.New(),
		snapshot: connectivity.Snapshot{State: connectivity.StatePortal, PortalSSID: "WiFi Connect"},
	}
}

func (f *fakeEngine) Submit(creds netman.TargetCredentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, creds)
	return nil
}

func (f *fakeEngine) TouchActivity() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
}

func (f *fakeEngine) Snapshot() connectivity.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeEngine) Networks() []netman.ScannedNetwork {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks
}

func (f *fakeEngine) StatusUpdates() *pubsub.Subscriber {
	return f.ps.Subscribe(pubsub.TopicStateSnapshot, 8)
}

func (f *fakeEngine) Unsubscribe(sub *pubsub.Subscriber) {
	f.ps.Unsubscribe(sub)
}

func (f *fakeEngine) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

func (f *fakeEngine) lastSubmitted(t *testing.T) netman.TargetCredentials {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.submitted)
	return f.submitted[len(f.submitted)-1]
}

func testServer(engine Engine) *Server {
	cfg := &config.Config{
		PortalSSID:  "WiFi Connect",
		Gateway:     net.ParseIP("192.168.42.1"),
		UIDirectory: "public",
		ListenPort:  80,
	}
	return NewServer(cfg, engine, zerolog.Nop())
}

func TestGetNetworks(t *testing.T) {
	engine := newFakeEngine()
	engine.networks = []netman.ScannedNetwork{
		{SSID: "HomeNet", SignalStrength: 70, Security: netman.SecurityWPAPSK},
		{SSID: "CoffeeShop", SignalStrength: 55, Security: netman.SecurityOpen},
	}
	router := testServer(engine).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/networks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "HomeNet", got[0]["ssid"])
	assert.Equal(t, float64(70), got[0]["signal"])
	assert.Equal(t, "WPA_PSK", got[0]["security"])
}

func TestGetNetworksEmpty(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/networks", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "nil cache must serialize as an empty array")
}

func TestPostConnectAccepted(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	body := bytes.NewBufferString(`{"ssid":"HomeNet","passphrase":"secret123"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	creds := engine.lastSubmitted(t)
	assert.Equal(t, "HomeNet", creds.SSID)
	assert.Equal(t, "secret123", creds.Passphrase)
}

func TestPostConnectOpenNetwork(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	body := bytes.NewBufferString(`{"ssid":"OpenNet"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "", engine.lastSubmitted(t).Passphrase)
}

func TestPostConnectBusy(t *testing.T) {
	engine := newFakeEngine()
	engine.submitErr = connectivity.ErrBusy
	router := testServer(engine).Router()

	body := bytes.NewBufferString(`{"ssid":"HomeNet","passphrase":"secret123"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", body))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostConnectInvalidJSON(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, engine.submitted)
}

func TestPostConnectValidation(t *testing.T) {
	cases := map[string]string{
		"missing ssid":    `{"passphrase":"secret123"}`,
		"ssid too long":   `{"ssid":"` + strings.Repeat("x", 33) + `"}`,
		"short password":  `{"ssid":"HomeNet","passphrase":"short"}`,
		"long passphrase": `{"ssid":"HomeNet","passphrase":"` + strings.Repeat("p", 64) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			engine := newFakeEngine()
			router := testServer(engine).Router()

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, engine.submitted)
		})
	}
}

func TestPostConnectSecuredNetworkNeedsPassphrase(t *testing.T) {
	engine := newFakeEngine()
	engine.networks = []netman.ScannedNetwork{
		{SSID: "HomeNet", SignalStrength: 70, Security: netman.SecurityWPAPSK},
	}
	router := testServer(engine).Router()

	body := bytes.NewBufferString(`{"ssid":"HomeNet"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "passphrase")
	assert.Empty(t, engine.submitted)
}

func TestPostConnectUnscannedSSIDWithoutPassphrase(t *testing.T) {
	engine := newFakeEngine()
	engine.networks = []netman.ScannedNetwork{
		{SSID: "HomeNet", SignalStrength: 70, Security: netman.SecurityWPAPSK},
	}
	router := testServer(engine).Router()

	// Hidden networks never appear in the scan; the network manager stays
	// the authority on whether they need a key.
	body := bytes.NewBufferString(`{"ssid":"HiddenNet"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connect", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "HiddenNet", engine.lastSubmitted(t).SSID)
}

func TestGetStatus(t *testing.T) {
	engine := newFakeEngine()
	engine.snapshot = connectivity.Snapshot{
		State:       connectivity.StatePortal,
		PortalSSID:  "WiFi Connect",
		ClientCount: 2,
	}
	router := testServer(engine).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "PORTAL", got["state"])
	assert.Equal(t, "WiFi Connect", got["ssid"])
	assert.Equal(t, float64(2), got["clients"])
}

func TestEveryRequestTouchesActivity(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/networks", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil))

	assert.Equal(t, 3, engine.touchCount())
}

func TestCORSPreflight(t *testing.T) {
	engine := newFakeEngine()
	router := testServer(engine).Router()

	req := httptest.NewRequest(http.MethodOptions, "/connect", nil)
	req.Header.Set("Origin", "http://192.168.42.17")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartSurfacesBindFailure(t *testing.T) {
	// Occupy a loopback port so the server's bind deterministically fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := &config.Config{
		PortalSSID:  "WiFi Connect",
		Gateway:     net.ParseIP("127.0.0.1"),
		UIDirectory: "public",
		ListenPort:  ln.Addr().(*net.TCPAddr).Port,
	}
	srv := NewServer(cfg, newFakeEngine(), zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "portal server")
	case <-time.After(2 * time.Second):
		t.Fatal("bind failure was not surfaced to the caller")
	}
}

func TestStartAndShutdown(t *testing.T) {
	cfg := &config.Config{
		PortalSSID:  "WiFi Connect",
		Gateway:     net.ParseIP("127.0.0.1"),
		UIDirectory: "public",
		ListenPort:  0,
	}
	srv := NewServer(cfg, newFakeEngine(), zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err, "graceful shutdown is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEventsWebsocket(t *testing.T) {
	engine := newFakeEngine()
	srv := httptest.NewServer(testServer(engine).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// The current state arrives first.
	var msg map[string]string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "PORTAL", msg["state"])

	// Published transitions are pushed as they happen.
	engine.ps.Publish(pubsub.TopicStateSnapshot, connectivity.StateConnecting)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "CONNECTING", msg["state"])
}
