package containers

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"kalpana.dev/common"
	"kalpana.dev/db"
	"kalpana.dev/security"
)

// In-container ports of the workspace image.
const (
	editorPort = 8080
	bridgePort = 3001
)

// Shared cache volumes mounted into every workspace.
const (
	nixCacheVolume   = "kalpana-nix-cache"
	extensionsVolume = "kalpana-vscode-extensions"
	extensionsDir    = "/home/kalpana/.openvscode-server/extensions"
)

// Sentinel log lines emitted by the workspace image once its two servers
// accept connections.
var (
	bridgeReadySentinels = []string{
		"Agent bridge started",
		"Agent bridge running",
		"WebSocket server available",
	}
	editorReadySentinel = "HTTP server listening"
)

func workspaceContainerName(id string) string { return "workspace-" + id }
func workspaceVolumeName(id string) string    { return "workspace-" + id + "-data" }

// CreateWorkspace provisions and starts the container for a workspace row.
//
// The row must already exist in the store; on success the row carries the
// container id, the allocated port pair, and status STARTING. A background
// readiness watcher flips it to RUNNING once the editor and the agent
// bridge both report ready.
func (m *Manager) CreateWorkspace(ctx context.Context, workspaceID string) (*db.Workspace, error) {
	ws, err := db.FindByID[db.Workspace](ctx, m.store, workspaceID)
	if err != nil {
		return nil, err
	}
	log := m.log.WithField("workspace", workspaceID)

	if err := m.EnsureWorkspaceImage(ctx); err != nil {
		return nil, err
	}

	volumeName := workspaceVolumeName(workspaceID)
	if err := common.EnsureVolume(ctx, m.docker, volumeName, map[string]string{LabelWorkspaceID: workspaceID}); err != nil {
		return nil, err
	}
	if err := common.EnsureVolume(ctx, m.docker, nixCacheVolume, nil); err != nil {
		return nil, err
	}
	if err := common.EnsureVolume(ctx, m.docker, extensionsVolume, nil); err != nil {
		return nil, err
	}

	name := workspaceContainerName(workspaceID)
	if err := common.RemoveContainerIfExists(ctx, m.docker, name); err != nil {
		return nil, err
	}

	env, err := m.workspaceEnv(ws)
	if err != nil {
		return nil, err
	}

	vscodePort, agentPort, err := m.ports.AllocatePortPair(ctx)
	if err != nil {
		return nil, err
	}

	binds := []string{
		volumeName + ":/workspace",
		nixCacheVolume + ":/nix",
		extensionsVolume + ":" + extensionsDir,
	}
	labels := map[string]string{
		common.ManagedLabel: "true",
		LabelWorkspaceID:    workspaceID,
	}

	var containerID string
	for attempt := 1; ; attempt++ {
		containerID, err = m.createAndStartWorkspace(ctx, name, env, binds, labels, vscodePort, agentPort)
		if err == nil {
			break
		}
		if !isPortBindError(err) || attempt >= 3 {
			m.ports.ReleasePortPair(vscodePort, agentPort)
			m.markError(ctx, workspaceID, err)
			return nil, err
		}

		log.WithError(err).WithField("attempt", attempt).Warn("port collision on start, reallocating")
		m.ports.ReleasePortPair(vscodePort, agentPort)
		_ = common.RemoveContainerIfExists(ctx, m.docker, name)
		vscodePort, agentPort, err = m.ports.AllocatePortPair(ctx)
		if err != nil {
			m.markError(ctx, workspaceID, err)
			return nil, err
		}
	}

	if err := db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"container_id": containerID,
		"volume_id":    volumeName,
		"vs_code_port": vscodePort,
		"agent_port":   agentPort,
		"status":       db.StatusStarting,
	}); err != nil {
		return nil, err
	}

	go m.watchReadiness(workspaceID, containerID)

	log.WithFields(map[string]interface{}{
		"container":  containerID,
		"vscodePort": vscodePort,
		"agentPort":  agentPort,
	}).Info("workspace container started")

	return db.FindByID[db.Workspace](ctx, m.store, workspaceID)
}

func (m *Manager) createAndStartWorkspace(
	ctx context.Context,
	name string,
	env, binds []string,
	labels map[string]string,
	vscodePort, agentPort int,
) (string, error) {
	editor := nat.Port(fmt.Sprintf("%d/tcp", editorPort))
	bridge := nat.Port(fmt.Sprintf("%d/tcp", bridgePort))

	resp, err := m.docker.ContainerCreate(ctx,
		&containertypes.Config{
			Image: m.containersCfg.WorkspaceImage,
			Env:   env,
			ExposedPorts: nat.PortSet{
				editor: struct{}{},
				bridge: struct{}{},
			},
			Labels: labels,
		},
		&containertypes.HostConfig{
			PortBindings: nat.PortMap{
				editor: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", vscodePort)}},
				bridge: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", agentPort)}},
			},
			Binds: binds,
			RestartPolicy: containertypes.RestartPolicy{
				Name: containertypes.RestartPolicyUnlessStopped,
			},
			Resources: containertypes.Resources{
				Memory:   m.containersCfg.Memory,
				NanoCPUs: m.containersCfg.NanoCPUs,
			},
		},
		&networktypes.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return "", err
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// workspaceEnv assembles the container environment: clone source, git
// identity, preset, model keys, and the decrypted per-workspace secrets.
func (m *Manager) workspaceEnv(ws *db.Workspace) ([]string, error) {
	env := []string{
		"WORKSPACE_ID=" + ws.ID,
		"GIT_USER_NAME=" + m.platformCfg.GitUserName,
		"GIT_USER_EMAIL=" + m.platformCfg.GitUserEmail,
	}
	if ws.RepoURL != nil {
		env = append(env, "GITHUB_REPO="+*ws.RepoURL)
	}
	if ws.RepoToken != nil {
		env = append(env, "GITHUB_TOKEN="+*ws.RepoToken)
	}
	if ws.NixConfig != nil {
		env = append(env, "NIX_CONFIG="+*ws.NixConfig)
	}
	if ws.Template != nil {
		env = append(env, "TEMPLATE="+*ws.Template)
	}
	if ws.Preset != "" {
		env = append(env, "PRESET="+ws.Preset)
	}
	if ws.CustomPresetSettings != nil {
		env = append(env, "CUSTOM_PRESET_SETTINGS="+*ws.CustomPresetSettings)
	}
	if ws.CustomPresetExtensions != nil {
		env = append(env, "CUSTOM_PRESET_EXTENSIONS="+*ws.CustomPresetExtensions)
	}
	if m.platformCfg.OpenRouterAPIKey != "" {
		env = append(env, "OPENROUTER_API_KEY="+m.platformCfg.OpenRouterAPIKey)
	}
	if m.platformCfg.AutocompleteModel != "" {
		env = append(env, "AUTOCOMPLETE_MODEL="+m.platformCfg.AutocompleteModel)
	}

	secrets, err := security.DecryptEnvVars(m.secretsCfg.Key, ws.EncryptedEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt workspace env: %w", err)
	}
	for k, v := range secrets {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// watchReadiness tails the container logs until both the agent bridge and
// the editor report ready, then promotes the workspace to RUNNING. The
// watcher gives up silently after the readiness timeout; it never writes
// ERROR because a slow start is not a failed one.
func (m *Manager) watchReadiness(workspaceID, containerID string) {
	timeout := m.containersCfg.ReadinessTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	log := m.log.WithField("workspace", workspaceID)

	stream, err := m.StreamLogs(ctx, containerID, "200")
	if err != nil {
		log.WithError(err).Warn("readiness watcher could not stream logs")
		return
	}
	defer stream.Close()

	bridgeReady := false
	editorReady := false

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripControlChars(scanner.Text())

		if !bridgeReady {
			for _, s := range bridgeReadySentinels {
				if strings.Contains(line, s) {
					bridgeReady = true
					break
				}
			}
		}
		if !editorReady && strings.Contains(line, editorReadySentinel) {
			editorReady = true
		}

		if bridgeReady && editorReady {
			inspect, err := m.docker.ContainerInspect(ctx, containerID)
			if err != nil || inspect.State == nil || !inspect.State.Running {
				log.Warn("workspace reported ready but container is not running")
				return
			}
			if err := db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
				"status": db.StatusRunning,
			}); err != nil {
				log.WithError(err).Warn("failed to promote workspace to running")
			} else {
				log.Info("workspace is ready")
			}
			return
		}
	}
	log.Debug("readiness watcher finished without observing both sentinels")
}

// stripControlChars removes ANSI escape fragments and other control bytes
// that the log multiplexer and terminal-oriented tools embed in log lines.
func stripControlChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StopWorkspace stops the container, releases both ports, and nulls them in
// the row. Failures mark the row ERROR and propagate.
func (m *Manager) StopWorkspace(ctx context.Context, workspaceID string) error {
	ws, err := db.FindByID[db.Workspace](ctx, m.store, workspaceID)
	if err != nil {
		return err
	}
	if err := db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"status": db.StatusStopping,
	}); err != nil {
		return err
	}

	if ws.ContainerID != nil {
		if err := m.StopContainer(ctx, *ws.ContainerID); err != nil {
			m.releaseWorkspacePorts(ws)
			m.log.WithField("workspace", workspaceID).WithError(err).Error("workspace operation failed")
			_ = db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
				"status":       db.StatusError,
				"vs_code_port": nil,
				"agent_port":   nil,
			})
			return fmt.Errorf("failed to stop workspace container: %w", err)
		}
	}

	m.releaseWorkspacePorts(ws)
	return db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"status":       db.StatusStopped,
		"vs_code_port": nil,
		"agent_port":   nil,
	})
}

// RestartWorkspace restarts the container in place, preserving labels and
// binds, and re-runs the readiness watcher.
func (m *Manager) RestartWorkspace(ctx context.Context, workspaceID string) error {
	ws, err := db.FindByID[db.Workspace](ctx, m.store, workspaceID)
	if err != nil {
		return err
	}
	if ws.ContainerID == nil {
		return fmt.Errorf("workspace %s has no container", workspaceID)
	}

	if err := db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"status": db.StatusStarting,
	}); err != nil {
		return err
	}
	if err := m.docker.ContainerRestart(ctx, *ws.ContainerID, containertypes.StopOptions{}); err != nil {
		m.markError(ctx, workspaceID, err)
		return fmt.Errorf("failed to restart workspace container: %w", err)
	}

	go m.watchReadiness(workspaceID, *ws.ContainerID)
	return nil
}

// DestroyWorkspace force-removes the container and, when removeVolume is
// set, the persistent volume. Volume removal is irreversible. Ports are
// always released.
func (m *Manager) DestroyWorkspace(ctx context.Context, workspaceID string, removeVolume bool) error {
	ws, err := db.FindByID[db.Workspace](ctx, m.store, workspaceID)
	if err != nil {
		return err
	}

	if ws.ContainerID != nil {
		if err := m.RemoveContainer(ctx, *ws.ContainerID); err != nil &&
			!strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("failed to remove workspace container: %w", err)
		}
	}
	if removeVolume && ws.VolumeID != nil {
		if err := m.docker.VolumeRemove(ctx, *ws.VolumeID, true); err != nil &&
			!strings.Contains(err.Error(), "no such volume") {
			return fmt.Errorf("failed to remove workspace volume: %w", err)
		}
	}

	m.releaseWorkspacePorts(ws)
	return db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"status":       db.StatusDeleted,
		"container_id": nil,
		"vs_code_port": nil,
		"agent_port":   nil,
	})
}

func (m *Manager) releaseWorkspacePorts(ws *db.Workspace) {
	if ws.VSCodePort != nil {
		m.ports.ReleasePort(*ws.VSCodePort)
	}
	if ws.AgentPort != nil {
		m.ports.ReleasePort(*ws.AgentPort)
	}
}

func (m *Manager) markError(ctx context.Context, workspaceID string, cause error) {
	m.log.WithField("workspace", workspaceID).WithError(cause).Error("workspace operation failed")
	_ = db.Update[db.Workspace](ctx, m.store, workspaceID, map[string]interface{}{
		"status": db.StatusError,
	})
}
