// Package containers implements the container lifecycle layer of the
// control plane. The Manager owns the shared Docker operations (exec, logs,
// stats, image readiness); workspace.go, database.go, and bucket.go build
// the class-specific containers on top of it.
package containers

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/build"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/config"
	"kalpana.dev/db"
	"kalpana.dev/ports"
	"kalpana.dev/proxy"
)

// Labels identifying which resource class owns a managed container.
const (
	LabelWorkspaceID  = "kalpana.workspace.id"
	LabelDeploymentID = "kalpana.deployment.id"
	LabelDatabaseID   = "kalpana.database.id"
	LabelBucketID     = "kalpana.bucket.id"
	LabelType         = "kalpana.type"
)

// imageBuildMu serializes workspace image builds process-wide. Concurrent
// creation requests wait here and find the image present on re-check.
var imageBuildMu sync.Mutex

// Manager is the container lifecycle manager shared by every resource
// class.
type Manager struct {
	docker common.DockerClient
	store  *db.Store
	ports  *ports.Allocator
	proxy  *proxy.Orchestrator

	containersCfg config.ContainersConfig
	platformCfg   config.PlatformConfig
	secretsCfg    config.SecretsConfig

	// healthCheck waits for a bucket server to answer its liveness probe.
	// Overridable in tests.
	healthCheck func(ctx context.Context, apiPort int) error

	log *logrus.Entry
}

// NewManager wires the lifecycle manager.
func NewManager(
	docker common.DockerClient,
	store *db.Store,
	allocator *ports.Allocator,
	orchestrator *proxy.Orchestrator,
	containersCfg config.ContainersConfig,
	platformCfg config.PlatformConfig,
	secretsCfg config.SecretsConfig,
	logger *logrus.Logger,
) *Manager {
	if logger == nil {
		logger = common.Logger
	}
	m := &Manager{
		docker:        docker,
		store:         store,
		ports:         allocator,
		proxy:         orchestrator,
		containersCfg: containersCfg,
		platformCfg:   platformCfg,
		secretsCfg:    secretsCfg,
		log:           common.ServiceLogger(logger, "containers"),
	}
	m.healthCheck = m.waitBucketHealthy
	return m
}

// Docker exposes the underlying client for collaborating components.
func (m *Manager) Docker() common.DockerClient { return m.docker }

// Store exposes the state store.
func (m *Manager) Store() *db.Store { return m.store }

// Ports exposes the port allocator.
func (m *Manager) Ports() *ports.Allocator { return m.ports }

// Proxy exposes the edge-router orchestrator.
func (m *Manager) Proxy() *proxy.Orchestrator { return m.proxy }

// WorkspaceImage returns the workspace base image tag.
func (m *Manager) WorkspaceImage() string { return m.containersCfg.WorkspaceImage }

// BuildImage returns the ephemeral build image used for standalone builds.
func (m *Manager) BuildImage() string { return m.containersCfg.BuildImage }

// BaseDomain returns the platform base domain, empty when unset.
func (m *Manager) BaseDomain() string { return m.platformCfg.BaseDomain }

// EnsureWorkspaceImage builds the workspace base image from the Dockerfile
// bundled with the control plane if it is not already present. Builds are
// single-flight across the process: concurrent callers block on the build
// mutex and see the image on re-check.
func (m *Manager) EnsureWorkspaceImage(ctx context.Context) error {
	present, err := common.ImagePresent(ctx, m.docker, m.containersCfg.WorkspaceImage)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	imageBuildMu.Lock()
	defer imageBuildMu.Unlock()

	// another caller may have finished the build while we waited
	present, err = common.ImagePresent(ctx, m.docker, m.containersCfg.WorkspaceImage)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	m.log.WithField("image", m.containersCfg.WorkspaceImage).Info("building workspace image")
	buildCtx, err := tarDirectory(m.platformCfg.ContainerDir)
	if err != nil {
		return fmt.Errorf("failed to prepare build context: %w", err)
	}

	resp, err := m.docker.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{m.containersCfg.WorkspaceImage},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build workspace image: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read build stream: %w", err)
	}
	return nil
}

// ExecResult carries the outcome of a container exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command inside a container and waits for it to finish. The
// multiplexed output stream is split into stdout and stderr; onChunk, when
// non-nil, observes every output chunk as it arrives.
func (m *Manager) Exec(ctx context.Context, containerID string, cmd []string, workDir string, onChunk func([]byte)) (*ExecResult, error) {
	if m.containersCfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.containersCfg.ExecTimeout)
		defer cancel()
	}

	created, err := m.docker.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attached, err := m.docker.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if err := common.DemuxStreams(attached.Reader, &stdout, &stderr, onChunk); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := m.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ExecShell runs a command string through sh -c.
func (m *Manager) ExecShell(ctx context.Context, containerID, command, workDir string, onChunk func([]byte)) (*ExecResult, error) {
	return m.Exec(ctx, containerID, []string{"sh", "-c", command}, workDir, onChunk)
}

// Logs returns the container's recent log output with Docker's stream
// framing stripped.
func (m *Manager) Logs(ctx context.Context, containerID, tail string) (string, error) {
	reader, err := m.docker.ContainerLogs(ctx, containerID, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if err := common.DemuxStreams(reader, &buf, &buf, nil); err != nil && err != io.EOF {
		// a plain (TTY) stream has no framing; fall back to raw copy
		raw, rerr := m.docker.ContainerLogs(ctx, containerID, containertypes.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Tail:       tail,
		})
		if rerr != nil {
			return "", rerr
		}
		defer raw.Close()
		buf.Reset()
		if _, err := io.Copy(&buf, raw); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// StreamLogs returns a follow-mode log stream. The caller owns the reader
// and must close it; the stream carries Docker's multiplex framing.
func (m *Manager) StreamLogs(ctx context.Context, containerID, tail string) (io.ReadCloser, error) {
	return m.docker.ContainerLogs(ctx, containerID, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       tail,
	})
}

// Stats summarizes a one-shot stats sample.
type Stats struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryUsage uint64  `json:"memoryUsage"`
	MemoryLimit uint64  `json:"memoryLimit"`
}

// ContainerStats fetches a single stats sample and derives CPU and memory
// figures from the daemon's counters.
func (m *Manager) ContainerStats(ctx context.Context, containerID string) (*Stats, error) {
	resp, err := m.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer resp.Body.Close()

	var raw containertypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	stats := &Stats{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = cpuDelta / sysDelta * float64(raw.CPUStats.OnlineCPUs) * 100.0
	}
	return stats, nil
}

// IsHealthy reports whether the container exists and is running.
func (m *Manager) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := m.docker.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return false
	}
	return inspect.State.Running
}

// StopContainer stops a container with the configured grace period.
func (m *Manager) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	return m.docker.ContainerStop(ctx, containerID, containertypes.StopOptions{Timeout: &timeout})
}

// RemoveContainer force-removes a container.
func (m *Manager) RemoveContainer(ctx context.Context, containerID string) error {
	return m.docker.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true})
}

// routingDomain resolves the custom-domain name for a resource's (domainID,
// subdomain) link, re-checking the link before it reaches any router label.
// An unverified domain or a conflicting link resolves to empty and routing
// falls back to the platform base domain.
func (m *Manager) routingDomain(ctx context.Context, resourceID string, subdomain, domainID *string) string {
	if domainID == nil {
		return ""
	}
	sub := ""
	if subdomain != nil {
		sub = *subdomain
	}
	if err := m.store.ValidateDomainLink(ctx, *domainID, sub, resourceID); err != nil {
		m.log.WithFields(logrus.Fields{"resource": resourceID, "domain": *domainID}).
			WithError(err).Warn("domain link is not routable, falling back to base domain")
		return ""
	}
	domain, err := db.FindByID[db.Domain](ctx, m.store, *domainID)
	if err != nil {
		return ""
	}
	return domain.Domain
}

// subdomainTaken adapts ValidateDomainLink into the collision callback used
// by GenerateSubdomain. A subdomain conflict reads as taken; every other
// error (missing or unverified domain) aborts the generation.
func (m *Manager) subdomainTaken(domainID, resourceID string) func(context.Context, string) (bool, error) {
	return func(ctx context.Context, candidate string) (bool, error) {
		err := m.store.ValidateDomainLink(ctx, domainID, candidate, resourceID)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, db.ErrSubdomainTaken):
			return true, nil
		default:
			return false, err
		}
	}
}

// resolveSubdomain validates an explicit subdomain against the linked domain
// or generates one from the class prefix and the resource name. Returns nil
// when the resource has no domain link.
func (m *Manager) resolveSubdomain(ctx context.Context, resourceID, prefix, name string, subdomain, domainID *string) (*string, error) {
	if domainID == nil {
		return subdomain, nil
	}
	if subdomain != nil {
		if !ValidSubdomain(*subdomain) {
			return nil, fmt.Errorf("invalid subdomain: %s", *subdomain)
		}
		if err := m.store.ValidateDomainLink(ctx, *domainID, *subdomain, resourceID); err != nil {
			return nil, err
		}
		return subdomain, nil
	}
	sub, err := GenerateSubdomain(ctx, prefix, name, m.subdomainTaken(*domainID, resourceID))
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// isPortBindError matches the daemon error strings produced when a host
// port is taken at container start.
func isPortBindError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Bind for")
}

// tarDirectory packs a directory into an in-memory tar archive for use as a
// Docker build context.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
