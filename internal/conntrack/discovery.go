package conntrack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/EternisAI/silo-warden/internal/command"
	"github.com/EternisAI/silo-warden/internal/models"
)

// ErrUnavailable marks a discovery cycle without visibility: the listing tool
// is missing, timed out or exited non-zero.
var ErrUnavailable = errors.New("connection tracking unavailable")

const DefaultBinary = "conntrack"

type Discoverer struct {
	runner command.Runner
	binary string
	ports  PortSet
	now    func() time.Time
}

func NewDiscoverer(runner command.Runner, binary string, ports PortSet) *Discoverer {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Discoverer{
		runner: runner,
		binary: binary,
		ports:  ports,
		now:    time.Now,
	}
}

// Discover lists the UDP flows currently addressed to the tunnel ports.
// On any tool failure it returns an empty result wrapped in ErrUnavailable;
// callers must not close sessions based on such a cycle.
func (d *Discoverer) Discover(ctx context.Context) ([]models.ObservedConnection, error) {
	out, err := d.runner.Run(ctx, d.binary, "-L", "-p", "udp")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conns := Parse(out, d.ports, d.now())
	slog.Debug("Connection discovery finished", "flows", len(conns), "ports", d.ports.String())
	return conns, nil
}

type Terminator struct {
	runner command.Runner
	binary string
}

func NewTerminator(runner command.Runner, binary string) *Terminator {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Terminator{runner: runner, binary: binary}
}

// Drop deletes one flow from the tracking table. It is best-effort: the
// tool's exit status is the only confirmation available.
func (t *Terminator) Drop(ctx context.Context, clientIP netip.Addr, clientPort, serverPort int) error {
	args := []string{"-D", "-p", "udp", "--dport", strconv.Itoa(serverPort), "--src", clientIP.String()}
	if clientPort > 0 {
		args = append(args, "--sport", strconv.Itoa(clientPort))
	}
	if _, err := t.runner.Run(ctx, t.binary, args...); err != nil {
		return fmt.Errorf("drop flow %s:%d -> :%d: %w", clientIP, clientPort, serverPort, err)
	}
	slog.Info("Dropped flow", "client_ip", clientIP.String(), "client_port", clientPort, "server_port", serverPort)
	return nil
}
