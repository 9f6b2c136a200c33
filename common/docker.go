package common

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"runtime"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ManagedLabel marks every container, volume, and network owned by the
// control plane. Orphan cleanup and the port scanner key off it.
const ManagedLabel = "kalpana.managed"

// DiscoverDockerHost resolves the Docker daemon endpoint.
//
// Resolution order:
//  1. The explicit host argument (from configuration), if non-empty.
//  2. The DOCKER_HOST environment-style value is expected to already be in
//     the host argument by the config layer.
//  3. The OS default: unix:///var/run/docker.sock, or the Windows named pipe.
//
// Recognized forms: unix://, npipe://, tcp://host:port, http://host:port,
// https://host:port. The http(s) forms are normalized to tcp:// because the
// SDK speaks the Docker wire protocol over the derived host and port. A value
// that parses to none of these falls back to the OS default.
func DiscoverDockerHost(host string) string {
	if host == "" {
		return defaultDockerHost()
	}

	switch {
	case strings.HasPrefix(host, "unix://"), strings.HasPrefix(host, "npipe://"):
		return host
	case strings.HasPrefix(host, "tcp://"):
		return host
	case strings.HasPrefix(host, "http://"), strings.HasPrefix(host, "https://"):
		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			return defaultDockerHost()
		}
		port := u.Port()
		if port == "" {
			if u.Scheme == "https" {
				port = "2376"
			} else {
				port = "2375"
			}
		}
		return "tcp://" + u.Hostname() + ":" + port
	default:
		return defaultDockerHost()
	}
}

func defaultDockerHost() string {
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// NewDockerClient creates a Docker SDK client against the discovered
// endpoint. An empty apiVersion enables API version negotiation.
func NewDockerClient(host, apiVersion string) (*client.Client, error) {
	opts := []client.Opt{
		client.WithHost(DiscoverDockerHost(host)),
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// EnsureNetwork creates a user-defined bridge network if it doesn't exist.
// Safe to call multiple times - idempotent operation.
func EnsureNetwork(ctx context.Context, cli DockerClient, networkName string) error {
	networks, err := cli.NetworkList(ctx, networktypes.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, net := range networks {
		if net.Name == networkName {
			return nil
		}
	}

	_, err = cli.NetworkCreate(ctx, networkName, networktypes.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		// A concurrent caller may have created it between list and create.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("failed to create network: %w", err)
	}
	return nil
}

// EnsureVolume creates a labelled volume if it doesn't exist and returns its
// name. Safe to call multiple times - idempotent operation.
func EnsureVolume(ctx context.Context, cli DockerClient, volumeName string, labels map[string]string) error {
	volumes, err := cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, vol := range volumes.Volumes {
		if vol.Name == volumeName {
			return nil
		}
	}

	merged := map[string]string{ManagedLabel: "true"}
	for k, v := range labels {
		merged[k] = v
	}
	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: merged,
	}); err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}
	return nil
}

// FindContainerByName returns the summary of the container with the given
// name (running or stopped), or nil when no such container exists.
func FindContainerByName(ctx context.Context, cli DockerClient, name string) (*containertypes.Summary, error) {
	containers, err := cli.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, cont := range containers {
		for _, n := range cont.Names {
			if n == "/"+name {
				c := cont
				return &c, nil
			}
		}
	}
	return nil, nil
}

// RemoveContainerIfExists force-removes any container with the given name.
// Used to clear stale containers before re-creating under a deterministic
// name. A missing container is not an error.
func RemoveContainerIfExists(ctx context.Context, cli DockerClient, name string) error {
	cont, err := cli.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range cont {
		for _, n := range c.Names {
			if n == "/"+name {
				if err := cli.ContainerRemove(ctx, c.ID, containertypes.RemoveOptions{Force: true}); err != nil {
					return fmt.Errorf("failed to remove stale container %s: %w", name, err)
				}
				return nil
			}
		}
	}
	return nil
}

// ImagePresent reports whether an image with the given tag exists locally.
func ImagePresent(ctx context.Context, cli DockerClient, tag string) (bool, error) {
	images, err := cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, t := range img.RepoTags {
			if t == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImageIfMissing pulls an image unless it is already cached locally.
// The pull progress stream is drained and discarded; the daemon finishes the
// pull only once the stream is consumed.
func PullImageIfMissing(ctx context.Context, cli DockerClient, tag string) error {
	present, err := ImagePresent(ctx, cli, tag)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	reader, err := cli.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", tag, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull stream for %s: %w", tag, err)
	}
	return nil
}

// chunkWriter tees every write into an optional callback before forwarding
// to the underlying writer. Used to surface per-chunk build/exec output to
// live log viewers.
type chunkWriter struct {
	w       io.Writer
	onChunk func([]byte)
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	if cw.onChunk != nil && len(p) > 0 {
		cw.onChunk(p)
	}
	return cw.w.Write(p)
}

// DemuxStreams copies a multiplexed Docker stream (the 8-byte header framing
// used by attach/exec/logs without TTY) into separate stdout and stderr
// writers. onChunk, if non-nil, observes every payload chunk from either
// stream in arrival order.
func DemuxStreams(src io.Reader, stdout, stderr io.Writer, onChunk func([]byte)) error {
	_, err := stdcopy.StdCopy(
		&chunkWriter{w: stdout, onChunk: onChunk},
		&chunkWriter{w: stderr, onChunk: onChunk},
		src,
	)
	return err
}
