package accesspoint

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProcessRunner starts long-running child processes. Abstracted so tests can
// substitute a fake dnsmasq.
type ProcessRunner interface {
	Start(name string, args ...string) (Process, error)
}

// Process is a running child that can be killed.
type Process interface {
	Kill() error
}

type realRunner struct{}

// NewRunner returns a ProcessRunner backed by os/exec.
func NewRunner() ProcessRunner {
	return &realRunner{}
}

func (r *realRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	// Reap the child when it exits so it never lingers as a zombie.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return &realProcess{cmd: cmd, done: done}, nil
}

type realProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *realProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	<-p.done
	return nil
}

// leaseLine matches a dnsmasq lease record: expiry, MAC, IP, hostname.
var leaseLine = regexp.MustCompile(`^(\d+)\s+([0-9a-f:]+)\s+(\d+\.\d+\.\d+\.\d+)\s+(\S+)`)

// parseLeases parses dnsmasq lease file content.
func parseLeases(content string) []Client {
	var clients []Client
	for _, line := range strings.Split(content, "\n") {
		matches := leaseLine.FindStringSubmatch(line)
		if len(matches) < 5 {
			continue
		}
		timestamp, _ := strconv.ParseInt(matches[1], 10, 64)
		clients = append(clients, Client{
			MACAddress: matches[2],
			IPAddress:  matches[3],
			Hostname:   matches[4],
			LeasedAt:   time.Unix(timestamp, 0),
		})
	}
	return clients
}
