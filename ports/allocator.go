// Package ports implements host-port allocation for managed containers.
//
// A port is handed out only when three independent authorities agree it is
// free: the state store has no active row referencing it, no container on
// the Docker daemon binds it, and the process can briefly bind it on the
// host. The triple check keeps the allocator honest across restarts and
// against containers created outside the control plane.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/config"
)

// ErrPortExhausted is returned when no port in the configured range passes
// all availability checks.
var ErrPortExhausted = errors.New("no available ports in the configured range")

// StateStore is the slice of the persistent store the allocator needs.
type StateStore interface {
	ActivePorts(ctx context.Context) (map[int]bool, error)
}

// Allocator hands out host ports from a configured range.
//
// It is safe for concurrent use within one process: the scan and the bind
// probe run under a mutex so two goroutines can never be handed the same
// port. Cross-process safety relies on the bind probe, which fails for the
// second process once the first one's container holds the port.
type Allocator struct {
	mu sync.Mutex

	cfg    config.PortsConfig
	store  StateStore
	docker common.DockerClient
	log    *logrus.Entry

	// reserved holds ports handed out by this instance that may not yet be
	// visible to the store or the daemon. ReleasePort clears them.
	reserved map[int]bool
}

// NewAllocator creates a port allocator over the given store and Docker
// client.
func NewAllocator(cfg config.PortsConfig, store StateStore, docker common.DockerClient, logger *logrus.Logger) *Allocator {
	if logger == nil {
		logger = common.Logger
	}
	return &Allocator{
		cfg:      cfg,
		store:    store,
		docker:   docker,
		log:      common.ServiceLogger(logger, "ports"),
		reserved: make(map[int]bool),
	}
}

// AllocatePort returns one available port from the range.
func (a *Allocator) AllocatePort(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, err := a.snapshotTaken(ctx)
	if err != nil {
		return 0, err
	}
	for port := a.cfg.RangeStart; port <= a.cfg.RangeEnd; port++ {
		if a.candidateOK(ctx, port, taken, 0) {
			a.reserved[port] = true
			a.log.WithField("port", port).Debug("allocated port")
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// AllocatePortPair returns two consecutive available ports (p, p+1). Both
// must pass every check.
func (a *Allocator) AllocatePortPair(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, err := a.snapshotTaken(ctx)
	if err != nil {
		return 0, 0, err
	}
	for port := a.cfg.RangeStart; port+1 <= a.cfg.RangeEnd; port++ {
		if a.candidateOK(ctx, port, taken, 0) && a.candidateOK(ctx, port+1, taken, 0) {
			a.reserved[port] = true
			a.reserved[port+1] = true
			a.log.WithFields(logrus.Fields{"first": port, "second": port + 1}).Debug("allocated port pair")
			return port, port + 1, nil
		}
	}
	return 0, 0, ErrPortExhausted
}

// FindAlternative allocates a fresh port, never returning failedPort. Used
// by the container manager when a start attempt hits a bind collision.
func (a *Allocator) FindAlternative(ctx context.Context, failedPort int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, err := a.snapshotTaken(ctx)
	if err != nil {
		return 0, err
	}
	for port := a.cfg.RangeStart; port <= a.cfg.RangeEnd; port++ {
		if a.candidateOK(ctx, port, taken, failedPort) {
			a.reserved[port] = true
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// ReleasePort returns a port to the pool. Safe to call for ports this
// instance never handed out.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// ReleasePortPair returns both ports of a consecutive pair to the pool.
func (a *Allocator) ReleasePortPair(first, second int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, first)
	delete(a.reserved, second)
}

// IsAvailable reports whether a single port currently passes all three
// availability checks.
func (a *Allocator) IsAvailable(ctx context.Context, port int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	taken, err := a.snapshotTaken(ctx)
	if err != nil {
		return false, err
	}
	return a.candidateOK(ctx, port, taken, 0), nil
}

// snapshotTaken gathers the ports claimed by the first two authorities: the
// state store's active rows and the daemon's container bindings. The
// container list is fetched once per allocation call, not once per port.
func (a *Allocator) snapshotTaken(ctx context.Context) (map[int]bool, error) {
	taken := make(map[int]bool)

	stored, err := a.store.ActivePorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read active ports from store: %w", err)
	}
	for port := range stored {
		taken[port] = true
	}

	containers, err := a.docker.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, cont := range containers {
		for _, p := range cont.Ports {
			if p.PublicPort > 0 {
				taken[int(p.PublicPort)] = true
			}
		}
	}
	return taken, nil
}

func (a *Allocator) candidateOK(ctx context.Context, port int, taken map[int]bool, exclude int) bool {
	if port < a.cfg.RangeStart || port > a.cfg.RangeEnd {
		return false
	}
	if exclude != 0 && port == exclude {
		return false
	}
	for _, blocked := range a.cfg.Blacklist {
		if port == blocked {
			return false
		}
	}
	if taken[port] || a.reserved[port] {
		return false
	}
	return a.canBind(ctx, port)
}

// canBind is the third authority: bind a TCP listener on the wildcard
// address and close it immediately.
func (a *Allocator) canBind(ctx context.Context, port int) bool {
	timeout := a.cfg.BindTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(bindCtx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}
