package accesspoint

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/wifi-connect-go/internal/config"
	"github.com/bbernstein/wifi-connect-go/internal/services/netman"
)

type mockExecutor struct {
	responses map[string][]byte
	errors    map[string]error
	calls     []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		responses: make(map[string][]byte),
		errors:    make(map[string]error),
	}
}

func (m *mockExecutor) Execute(name string, args ...string) ([]byte, error) {
	return m.ExecuteWithTimeout(0, name, args...)
}

func (m *mockExecutor) ExecuteWithTimeout(_ time.Duration, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	m.calls = append(m.calls, key)
	if err, ok := m.errors[key]; ok {
		return nil, err
	}
	if resp, ok := m.responses[key]; ok {
		return resp, nil
	}
	return []byte{}, nil
}

func (m *mockExecutor) setResponse(cmd string, response string) {
	m.responses[cmd] = []byte(response)
}

func (m *mockExecutor) setError(cmd string, err error) {
	m.errors[cmd] = err
}

func (m *mockExecutor) called(cmd string) bool {
	for _, call := range m.calls {
		if call == cmd {
			return true
		}
	}
	return false
}

// fakeRunner records started processes instead of spawning them.
type fakeRunner struct {
	startErr  error
	processes []*fakeProcess
	lastName  string
	lastArgs  []string
}

type fakeProcess struct {
	killed int
}

func (p *fakeProcess) Kill() error {
	p.killed++
	return nil
}

func (r *fakeRunner) Start(name string, args ...string) (Process, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.lastName = name
	r.lastArgs = args
	p := &fakeProcess{}
	r.processes = append(r.processes, p)
	return p, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PortalSSID:     "WiFi Connect",
		Gateway:        net.ParseIP("192.168.42.1"),
		DHCPRangeStart: net.ParseIP("192.168.42.2"),
		DHCPRangeEnd:   net.ParseIP("192.168.42.254"),
		UIDirectory:    "public",
		ExecTimeout:    time.Second,
	}
}

func testDevice() netman.Device {
	return netman.Device{Name: "wlan0", Type: "wifi", State: "disconnected", Managed: true}
}

const (
	addCmd  = "nmcli connection add type wifi ifname wlan0 con-name WiFi Connect autoconnect no ssid WiFi Connect mode ap ipv4.method manual ipv4.addresses 192.168.42.1/24 wifi.band bg"
	upCmd   = "nmcli connection up WiFi Connect"
	downCmd = "nmcli connection down WiFi Connect"
	delCmd  = "nmcli connection delete WiFi Connect"
)

func TestStartOpenPortal(t *testing.T) {
	mock := newMockExecutor()
	runner := &fakeRunner{}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	handle, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, handle)

	assert.True(t, mock.called(addCmd))
	assert.True(t, mock.called(upCmd))

	assert.Equal(t, "dnsmasq", runner.lastName)
	assert.Contains(t, runner.lastArgs, "--keep-in-foreground")
	assert.Contains(t, runner.lastArgs, "--interface=wlan0")
	assert.Contains(t, runner.lastArgs, "--dhcp-range=192.168.42.2,192.168.42.254")
	assert.Contains(t, runner.lastArgs, "--dhcp-option=option:router,192.168.42.1")
	assert.Contains(t, runner.lastArgs, "--address=/#/192.168.42.1")
	assert.Contains(t, runner.lastArgs, "--dhcp-leasefile="+LeaseFile)
}

func TestStartProtectedPortal(t *testing.T) {
	cfg := testConfig(t)
	cfg.PortalPassphrase = "hunter2hunter2"
	mock := newMockExecutor()
	c := NewController(cfg, testDevice(), mock, &fakeRunner{}, zerolog.Nop())

	_, err := c.Start(context.Background())
	require.NoError(t, err)

	assert.True(t, mock.called(addCmd+" wifi-sec.key-mgmt wpa-psk wifi-sec.psk hunter2hunter2"))
}

func TestStartAddFailure(t *testing.T) {
	mock := newMockExecutor()
	mock.setError(addCmd, errors.New("Error: device wlan0 not found"))
	runner := &fakeRunner{}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Empty(t, runner.processes)
}

func TestStartUpFailureRollsBack(t *testing.T) {
	mock := newMockExecutor()
	mock.setError(upCmd, errors.New("Error: connection activation failed"))
	runner := &fakeRunner{}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, mock.called(delCmd), "profile must be deleted after up failure")
	assert.Empty(t, runner.processes)
}

func TestStartDNSMasqFailureRollsBack(t *testing.T) {
	mock := newMockExecutor()
	runner := &fakeRunner{startErr: errors.New("dnsmasq: not found")}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	_, err := c.Start(context.Background())
	require.Error(t, err)
	assert.True(t, mock.called(downCmd))
	assert.True(t, mock.called(delCmd))
}

func TestStopKillsEverything(t *testing.T) {
	mock := newMockExecutor()
	runner := &fakeRunner{}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	handle, err := c.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Stop(handle))

	require.Len(t, runner.processes, 1)
	assert.Equal(t, 1, runner.processes[0].killed)
	assert.True(t, mock.called(downCmd))
	assert.True(t, mock.called(delCmd))
}

func TestStopIsIdempotent(t *testing.T) {
	mock := newMockExecutor()
	runner := &fakeRunner{}
	c := NewController(testConfig(t), testDevice(), mock, runner, zerolog.Nop())

	handle, err := c.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Stop(handle))
	require.NoError(t, c.Stop(handle))

	assert.Equal(t, 1, runner.processes[0].killed)
}

func TestStopNilHandle(t *testing.T) {
	c := NewController(testConfig(t), testDevice(), newMockExecutor(), &fakeRunner{}, zerolog.Nop())
	assert.NoError(t, c.Stop(nil))
}

func TestClients(t *testing.T) {
	mock := newMockExecutor()
	mock.setResponse("cat "+LeaseFile,
		"1756000000 aa:bb:cc:dd:ee:ff 192.168.42.17 phone\n"+
			"1756000300 11:22:33:44:55:66 192.168.42.18 *\n")
	c := NewController(testConfig(t), testDevice(), mock, &fakeRunner{}, zerolog.Nop())

	clients := c.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", clients[0].MACAddress)
	assert.Equal(t, "192.168.42.17", clients[0].IPAddress)
	assert.Equal(t, "phone", clients[0].Hostname)
	assert.Equal(t, time.Unix(1756000000, 0), clients[0].LeasedAt)
}

func TestClientsMissingLeaseFile(t *testing.T) {
	mock := newMockExecutor()
	mock.setError("cat "+LeaseFile, errors.New("cat: no such file"))
	c := NewController(testConfig(t), testDevice(), mock, &fakeRunner{}, zerolog.Nop())

	assert.Nil(t, c.Clients())
}

func TestParseLeasesSkipsGarbage(t *testing.T) {
	clients := parseLeases("not a lease line\n\n1756000000 aa:bb:cc:dd:ee:ff 192.168.42.17 phone\n")
	require.Len(t, clients, 1)
	assert.Equal(t, "phone", clients[0].Hostname)
}

func TestClassifyStartError(t *testing.T) {
	assert.ErrorIs(t, classifyStartError(errors.New("Error: invalid IPv4 address")), ErrAddressConfig)
	assert.ErrorIs(t, classifyStartError(errors.New("Error: device is strictly unmanaged")), ErrDeviceUnavailable)
}
