package common

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MockDockerClient is a mock implementation of DockerClient for testing.
// State is configured through exported fields; behavior mirrors the daemon
// closely enough for lifecycle tests: created containers show up in
// ContainerList, started containers inspect as running, networks and volumes
// accumulate.
type MockDockerClient struct {
	mu sync.Mutex

	// Containers returned from ContainerList (plus any created via
	// ContainerCreate)
	Containers []containertypes.Summary
	// Images returned from ImageList
	Images []image.Summary
	// Volumes known to the daemon
	Volumes map[string]*volume.Volume
	// Networks known to the daemon, name -> ID
	Networks map[string]string
	// NetworkContainers tracks network membership, network name -> container IDs
	NetworkContainers map[string][]string
	// Logs holds per-container log content returned by ContainerLogs
	Logs map[string]string
	// ExecStdout / ExecStderr / ExecExitCode configure exec results
	ExecStdout   string
	ExecStderr   string
	ExecExitCode int
	// Running tracks which container IDs inspect as running
	Running map[string]bool
	// StatsJSON is returned verbatim from ContainerStatsOneShot
	StatsJSON string

	// Err, when set, is returned from every operation
	Err error
	// CreateErrs is consumed one per ContainerCreate call (nil entries mean
	// success)
	CreateErrs []error
	// StartErrs is consumed one per ContainerStart call, allowing
	// port-collision retry tests (nil entries mean success)
	StartErrs []error

	// Call tracking
	ContainerListCalled    bool
	ContainerCreateCalled  int
	ContainerStartCalled   int
	ContainerStopCalled    bool
	ContainerRestartCalled bool
	ContainerRemoveCalled  bool
	ContainerCommitCalled  bool
	ImagePullCalled        bool
	ImageBuildCalled       int
	ImageRemoveCalled      bool
	VolumeCreateCalled     bool
	VolumeRemoveCalled     bool
	NetworkCreateCalled    bool
	NetworkConnectCalled   int
	NetworkDisconnectCalls int

	// Last call parameters
	LastContainerName string
	LastContainerID   string
	LastImageTag      string
	LastVolumeName    string
	LastNetworkName   string
	LastConfig        *containertypes.Config
	LastHostConfig    *containertypes.HostConfig
	LastCommitOptions containertypes.CommitOptions

	nextID int
}

// NewMockDockerClient creates a new mock Docker client
func NewMockDockerClient() *MockDockerClient {
	return &MockDockerClient{
		Volumes:           make(map[string]*volume.Volume),
		Networks:          make(map[string]string),
		NetworkContainers: make(map[string][]string),
		Logs:              make(map[string]string),
		Running:           make(map[string]bool),
	}
}

func (m *MockDockerClient) ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerListCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]containertypes.Summary, len(m.Containers))
	copy(out, m.Containers)
	return out, nil
}

func (m *MockDockerClient) ContainerCreate(
	ctx context.Context,
	config *containertypes.Config,
	hostConfig *containertypes.HostConfig,
	networkingConfig *networktypes.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (containertypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerCreateCalled++
	m.LastContainerName = containerName
	m.LastConfig = config
	m.LastHostConfig = hostConfig
	if len(m.CreateErrs) > 0 {
		err := m.CreateErrs[0]
		m.CreateErrs = m.CreateErrs[1:]
		if err != nil {
			return containertypes.CreateResponse{}, err
		}
	} else if m.Err != nil {
		return containertypes.CreateResponse{}, m.Err
	}
	m.nextID++
	id := fmt.Sprintf("mock-container-%d", m.nextID)
	summary := containertypes.Summary{
		ID:     id,
		Names:  []string{"/" + containerName},
		Image:  config.Image,
		Labels: config.Labels,
		State:  "created",
	}
	if hostConfig != nil {
		for port, bindings := range hostConfig.PortBindings {
			for _, b := range bindings {
				var pub int
				fmt.Sscanf(b.HostPort, "%d", &pub)
				summary.Ports = append(summary.Ports, containertypes.Port{
					PrivatePort: uint16(port.Int()),
					PublicPort:  uint16(pub),
					Type:        port.Proto(),
				})
			}
		}
	}
	m.Containers = append(m.Containers, summary)
	return containertypes.CreateResponse{ID: id}, nil
}

func (m *MockDockerClient) ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerStartCalled++
	m.LastContainerID = containerID
	if len(m.StartErrs) > 0 {
		err := m.StartErrs[0]
		m.StartErrs = m.StartErrs[1:]
		if err != nil {
			return err
		}
	} else if m.Err != nil {
		return m.Err
	}
	m.Running[containerID] = true
	m.setState(containerID, "running")
	return nil
}

func (m *MockDockerClient) ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerStopCalled = true
	m.LastContainerID = containerID
	if m.Err != nil {
		return m.Err
	}
	m.Running[containerID] = false
	m.setState(containerID, "exited")
	return nil
}

func (m *MockDockerClient) ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerRestartCalled = true
	m.LastContainerID = containerID
	if m.Err != nil {
		return m.Err
	}
	m.Running[containerID] = true
	m.setState(containerID, "running")
	return nil
}

func (m *MockDockerClient) ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerRemoveCalled = true
	m.LastContainerID = containerID
	if m.Err != nil {
		return m.Err
	}
	for i, c := range m.Containers {
		if c.ID == containerID || hasName(c, containerID) {
			m.Containers = append(m.Containers[:i], m.Containers[i+1:]...)
			break
		}
	}
	delete(m.Running, containerID)
	return nil
}

func (m *MockDockerClient) ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return containertypes.InspectResponse{}, m.Err
	}
	for _, c := range m.Containers {
		if c.ID == containerID || hasName(c, containerID) {
			name := ""
			if len(c.Names) > 0 {
				name = c.Names[0]
			}
			return containertypes.InspectResponse{
				ContainerJSONBase: &containertypes.ContainerJSONBase{
					ID:   c.ID,
					Name: name,
					State: &containertypes.State{
						Running: m.Running[c.ID],
					},
				},
				Config: &containertypes.Config{Labels: c.Labels, Image: c.Image},
			}, nil
		}
	}
	return containertypes.InspectResponse{}, fmt.Errorf("no such container: %s", containerID)
}

func (m *MockDockerClient) ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error) {
	statusCh := make(chan containertypes.WaitResponse, 1)
	errCh := make(chan error, 1)
	statusCh <- containertypes.WaitResponse{StatusCode: 0}
	return statusCh, errCh
}

// SetLogs replaces the canned log content for a container. Safe to call
// while background watchers are streaming.
func (m *MockDockerClient) SetLogs(containerID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs[containerID] = content
}

func (m *MockDockerClient) ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return io.NopCloser(strings.NewReader(m.Logs[containerID])), nil
}

func (m *MockDockerClient) ContainerCommit(ctx context.Context, containerID string, options containertypes.CommitOptions) (containertypes.CommitResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ContainerCommitCalled = true
	m.LastContainerID = containerID
	m.LastCommitOptions = options
	if m.Err != nil {
		return containertypes.CommitResponse{}, m.Err
	}
	return containertypes.CommitResponse{ID: "mock-image-" + containerID}, nil
}

func (m *MockDockerClient) ContainerStatsOneShot(ctx context.Context, containerID string) (containertypes.StatsResponseReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return containertypes.StatsResponseReader{}, m.Err
	}
	body := m.StatsJSON
	if body == "" {
		body = "{}"
	}
	return containertypes.StatsResponseReader{
		Body: io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (m *MockDockerClient) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options containertypes.CopyToContainerOptions) error {
	if m.Err != nil {
		return m.Err
	}
	_, err := io.Copy(io.Discard, content)
	return err
}

func (m *MockDockerClient) ContainerExecCreate(ctx context.Context, containerID string, options containertypes.ExecOptions) (containertypes.ExecCreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return containertypes.ExecCreateResponse{}, m.Err
	}
	return containertypes.ExecCreateResponse{ID: "mock-exec-" + containerID}, nil
}

func (m *MockDockerClient) ContainerExecAttach(ctx context.Context, execID string, options containertypes.ExecAttachOptions) (types.HijackedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return types.HijackedResponse{}, m.Err
	}
	var buf bytes.Buffer
	writeMuxFrame(&buf, 1, m.ExecStdout)
	writeMuxFrame(&buf, 2, m.ExecStderr)
	return types.HijackedResponse{
		Conn:   nopConn{},
		Reader: bufio.NewReader(&buf),
	}, nil
}

func (m *MockDockerClient) ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return containertypes.ExecInspect{}, m.Err
	}
	return containertypes.ExecInspect{ExitCode: m.ExecExitCode, Running: false}, nil
}

func (m *MockDockerClient) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Images, nil
}

func (m *MockDockerClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagePullCalled = true
	m.LastImageTag = refStr
	if m.Err != nil {
		return nil, m.Err
	}
	m.Images = append(m.Images, image.Summary{RepoTags: []string{refStr}})
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (m *MockDockerClient) ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	m.mu.Lock()
	m.ImageBuildCalled++
	if len(options.Tags) > 0 {
		m.LastImageTag = options.Tags[0]
	}
	err := m.Err
	m.mu.Unlock()
	if buildContext != nil {
		io.Copy(io.Discard, buildContext)
	}
	if err != nil {
		return build.ImageBuildResponse{}, err
	}
	m.mu.Lock()
	for _, tag := range options.Tags {
		m.Images = append(m.Images, image.Summary{RepoTags: []string{tag}})
	}
	m.mu.Unlock()
	return build.ImageBuildResponse{
		Body: io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func (m *MockDockerClient) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImageRemoveCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	return []image.DeleteResponse{{Deleted: imageID}}, nil
}

func (m *MockDockerClient) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VolumeCreateCalled = true
	m.LastVolumeName = options.Name
	if m.Err != nil {
		return volume.Volume{}, m.Err
	}
	vol := &volume.Volume{Name: options.Name, Labels: options.Labels}
	m.Volumes[options.Name] = vol
	return *vol, nil
}

func (m *MockDockerClient) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return volume.ListResponse{}, m.Err
	}
	resp := volume.ListResponse{}
	for _, v := range m.Volumes {
		resp.Volumes = append(resp.Volumes, v)
	}
	return resp, nil
}

func (m *MockDockerClient) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VolumeRemoveCalled = true
	m.LastVolumeName = volumeID
	if m.Err != nil {
		return m.Err
	}
	delete(m.Volumes, volumeID)
	return nil
}

func (m *MockDockerClient) NetworkCreate(ctx context.Context, name string, options networktypes.CreateOptions) (networktypes.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkCreateCalled = true
	m.LastNetworkName = name
	if m.Err != nil {
		return networktypes.CreateResponse{}, m.Err
	}
	id := "mock-network-" + name
	m.Networks[name] = id
	return networktypes.CreateResponse{ID: id}, nil
}

func (m *MockDockerClient) NetworkList(ctx context.Context, options networktypes.ListOptions) ([]networktypes.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []networktypes.Summary
	for name, id := range m.Networks {
		out = append(out, networktypes.Summary{Name: name, ID: id})
	}
	return out, nil
}

func (m *MockDockerClient) NetworkConnect(ctx context.Context, networkID, containerID string, config *networktypes.EndpointSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkConnectCalled++
	if m.Err != nil {
		return m.Err
	}
	for _, id := range m.NetworkContainers[networkID] {
		if id == containerID {
			return fmt.Errorf("container %s is already attached to network %s", containerID, networkID)
		}
	}
	m.NetworkContainers[networkID] = append(m.NetworkContainers[networkID], containerID)
	return nil
}

func (m *MockDockerClient) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NetworkDisconnectCalls++
	if m.Err != nil {
		return m.Err
	}
	members := m.NetworkContainers[networkID]
	for i, id := range members {
		if id == containerID {
			m.NetworkContainers[networkID] = append(members[:i], members[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("container %s is not connected to network %s", containerID, networkID)
}

func (m *MockDockerClient) Close() error {
	return nil
}

func (m *MockDockerClient) setState(containerID, state string) {
	for i, c := range m.Containers {
		if c.ID == containerID {
			m.Containers[i].State = state
		}
	}
}

func hasName(c containertypes.Summary, name string) bool {
	for _, n := range c.Names {
		if n == "/"+name {
			return true
		}
	}
	return false
}

// writeMuxFrame writes one frame of the Docker stream multiplexing protocol:
// a stream-id byte, three zero bytes, a big-endian payload length, then the
// payload itself.
func writeMuxFrame(buf *bytes.Buffer, stream byte, payload string) {
	if payload == "" {
		return
	}
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	buf.Write(header)
	buf.WriteString(payload)
}

// nopConn is a no-op net.Conn backing mock hijacked responses.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }
