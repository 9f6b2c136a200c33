// Package builder implements deployment builds: running build commands in a
// user's workspace or in an ephemeral container cloned from GitHub, then
// starting the production container behind the edge router.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/config"
	"kalpana.dev/containers"
	"kalpana.dev/db"
	"kalpana.dev/proxy"
	"kalpana.dev/security"
)

func buildContainerName(deploymentID string) string  { return "build-" + deploymentID }
func deployContainerName(deploymentID string) string { return "deploy-" + deploymentID }
func deployImageTag(deploymentID string) string      { return "deploy-" + deploymentID + ":latest" }

// Builder drives deployment builds and owns the Deployment and Build status
// transitions.
type Builder struct {
	mgr        *containers.Manager
	secretsCfg config.SecretsConfig
	log        *logrus.Entry

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewBuilder creates a deployment builder on top of the container manager.
func NewBuilder(mgr *containers.Manager, secretsCfg config.SecretsConfig, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = common.Logger
	}
	return &Builder{
		mgr:        mgr,
		secretsCfg: secretsCfg,
		log:        common.ServiceLogger(logger, "builder"),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Deploy runs a full build-and-start cycle for a deployment. It creates the
// Build row, streams logs into it with coalesced writes, and finishes with
// Deployment RUNNING on success, ERROR on failure, or STOPPED when the
// build was cancelled.
func (b *Builder) Deploy(ctx context.Context, deploymentID, trigger string) (*db.Build, error) {
	store := b.mgr.Store()
	dep, err := db.FindByID[db.Deployment](ctx, store, deploymentID)
	if err != nil {
		return nil, err
	}

	buildRow := &db.Build{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Trigger:      trigger,
		StartedAt:    time.Now(),
	}
	if err := store.CreateBuild(ctx, buildRow); err != nil {
		return nil, err
	}
	if err := db.Update[db.Deployment](ctx, store, deploymentID, map[string]interface{}{
		"status": db.BuildStatusBuilding,
	}); err != nil {
		return nil, err
	}

	buildCtx, cancel := context.WithCancel(ctx)
	b.registerCancel(deploymentID, cancel)
	defer b.unregisterCancel(deploymentID, cancel)

	logs := newLogBuffer(store, buildRow.ID)
	log := b.log.WithFields(logrus.Fields{"deployment": deploymentID, "build": buildRow.ID})

	err = b.runPipeline(buildCtx, dep, buildRow, logs)
	logs.Flush()

	if err != nil {
		logs.AppendLine("ERROR: " + err.Error())
		logs.Flush()
		msg := err.Error()
		// FinishBuild only transitions a still-BUILDING row, so a
		// cancellation that already landed keeps its status and logs
		_ = store.FinishBuild(context.Background(), buildRow.ID, db.BuildStatusFailed, logs.String(), &msg)

		if current, ferr := db.FindByID[db.Build](context.Background(), store, buildRow.ID); ferr == nil &&
			current.Status == db.BuildStatusCancelled {
			log.Info("build cancelled")
			return current, nil
		}
		_ = db.Update[db.Deployment](context.Background(), store, deploymentID, map[string]interface{}{
			"status": db.StatusError,
		})
		log.WithError(err).Error("build failed")
		return nil, err
	}

	now := time.Now()
	if err := store.FinishBuild(ctx, buildRow.ID, db.BuildStatusSuccess, logs.String(), nil); err != nil {
		return nil, err
	}
	if err := db.Update[db.Deployment](ctx, store, deploymentID, map[string]interface{}{
		"status":           db.StatusRunning,
		"last_deployed_at": &now,
	}); err != nil {
		return nil, err
	}
	log.Info("build succeeded")
	return db.FindByID[db.Build](ctx, store, buildRow.ID)
}

func (b *Builder) runPipeline(ctx context.Context, dep *db.Deployment, buildRow *db.Build, logs *logBuffer) error {
	var imageTag string
	if dep.WorkspaceID != nil {
		if err := b.buildInWorkspace(ctx, dep, logs); err != nil {
			return err
		}
	} else {
		tag, err := b.buildStandalone(ctx, dep, logs)
		if err != nil {
			return err
		}
		imageTag = tag
	}
	return b.startProduction(ctx, dep, imageTag, logs)
}

// buildInWorkspace runs the build command inside the user's already-running
// workspace container.
func (b *Builder) buildInWorkspace(ctx context.Context, dep *db.Deployment, logs *logBuffer) error {
	ws, err := db.FindByID[db.Workspace](ctx, b.mgr.Store(), *dep.WorkspaceID)
	if err != nil {
		return err
	}
	if ws.ContainerID == nil {
		return fmt.Errorf("workspace %s has no running container", ws.ID)
	}
	if dep.BuildCommand == "" {
		logs.AppendLine("no build command configured, skipping build step")
		return nil
	}

	logs.AppendLine("$ " + dep.BuildCommand)
	result, err := b.mgr.ExecShell(ctx, *ws.ContainerID, dep.BuildCommand, dep.WorkingDir, logs.Append)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("build command exited with code %d", result.ExitCode)
	}
	return nil
}

// buildStandalone clones the GitHub source into an ephemeral container,
// runs install and build, and commits the result as the deployment image.
func (b *Builder) buildStandalone(ctx context.Context, dep *db.Deployment, logs *logBuffer) (string, error) {
	if dep.GithubRepo == nil {
		return "", errors.New("standalone deployment has no github source")
	}
	docker := b.mgr.Docker()
	buildImage := b.mgr.BuildImage()

	logs.AppendLine("pulling build image " + buildImage)
	if err := common.PullImageIfMissing(ctx, docker, buildImage); err != nil {
		return "", err
	}

	name := buildContainerName(dep.ID)
	if err := common.RemoveContainerIfExists(ctx, docker, name); err != nil {
		return "", err
	}

	resp, err := docker.ContainerCreate(ctx,
		&containertypes.Config{
			Image: buildImage,
			Cmd:   []string{"sleep", "infinity"},
			Labels: map[string]string{
				common.ManagedLabel:          "true",
				containers.LabelType:         "build",
				containers.LabelDeploymentID: dep.ID,
			},
		},
		&containertypes.HostConfig{},
		&networktypes.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create build container: %w", err)
	}
	buildContainer := resp.ID
	defer func() {
		timeout := 5
		_ = docker.ContainerStop(context.Background(), buildContainer, containertypes.StopOptions{Timeout: &timeout})
		_ = docker.ContainerRemove(context.Background(), buildContainer, containertypes.RemoveOptions{Force: true})
	}()

	if err := docker.ContainerStart(ctx, buildContainer, containertypes.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start build container: %w", err)
	}

	branch := "main"
	if dep.GithubBranch != nil && *dep.GithubBranch != "" {
		branch = *dep.GithubBranch
	}
	cloneURL := fmt.Sprintf("https://github.com/%s.git", *dep.GithubRepo)
	if dep.EncryptedEnv != "" {
		// a GITHUB_TOKEN in the deployment env authenticates private clones
		env, err := security.DecryptEnvVars(b.secretsCfg.Key, dep.EncryptedEnv)
		if err == nil {
			if token := env["GITHUB_TOKEN"]; token != "" {
				cloneURL = fmt.Sprintf("https://%s@github.com/%s.git", token, *dep.GithubRepo)
			}
		}
	}

	workDir := "/app/repo"
	if dep.RootDirectory != nil && *dep.RootDirectory != "" {
		workDir = "/app/repo/" + strings.TrimPrefix(*dep.RootDirectory, "/")
	}

	steps := []struct {
		desc string
		cmd  string
		dir  string
	}{
		{"installing git", "apk add --no-cache git || (apt-get update && apt-get install -y git)", ""},
		{"cloning repository", fmt.Sprintf("git clone --depth 1 --branch %s %s /app/repo", branch, cloneURL), ""},
	}
	if dep.InstallCommand != "" {
		steps = append(steps, struct {
			desc string
			cmd  string
			dir  string
		}{"installing dependencies", dep.InstallCommand, workDir})
	}
	if dep.BuildCommand != "" {
		steps = append(steps, struct {
			desc string
			cmd  string
			dir  string
		}{"building", dep.BuildCommand, workDir})
	}

	for _, step := range steps {
		logs.AppendLine("==> " + step.desc)
		result, err := b.mgr.ExecShell(ctx, buildContainer, step.cmd, step.dir, logs.Append)
		if err != nil {
			return "", err
		}
		if result.ExitCode != 0 {
			return "", fmt.Errorf("%s exited with code %d", step.desc, result.ExitCode)
		}
	}

	tag := deployImageTag(dep.ID)
	logs.AppendLine("committing image " + tag)
	if _, err := docker.ContainerCommit(ctx, buildContainer, containertypes.CommitOptions{
		Reference: tag,
	}); err != nil {
		return "", fmt.Errorf("failed to commit build image: %w", err)
	}
	return tag, nil
}

// startProduction replaces the deployment's container with one running the
// freshly built image (or the workspace base image for workspace builds).
func (b *Builder) startProduction(ctx context.Context, dep *db.Deployment, imageTag string, logs *logBuffer) error {
	store := b.mgr.Store()
	docker := b.mgr.Docker()

	name := deployContainerName(dep.ID)
	if err := common.RemoveContainerIfExists(ctx, docker, name); err != nil {
		return err
	}
	if err := b.mgr.Proxy().EnsureNetwork(ctx); err != nil {
		return err
	}

	routing := b.deploymentRouting(ctx, dep)

	env, err := security.DecryptEnvVars(b.secretsCfg.Key, dep.EncryptedEnv)
	if err != nil {
		return fmt.Errorf("failed to decrypt deployment env: %w", err)
	}
	envList := make([]string, 0, len(env)+1)
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	envList = append(envList, fmt.Sprintf("PORT=%d", dep.InternalPort))

	if imageTag == "" {
		imageTag = b.mgr.WorkspaceImage()
	}

	labels := map[string]string{
		common.ManagedLabel:          "true",
		containers.LabelDeploymentID: dep.ID,
	}
	if routing.Host != "" {
		sub, dom := splitHost(routing.Host)
		for k, v := range b.mgr.Proxy().HTTPLabels(dep.ID, sub, dep.InternalPort, dom) {
			labels[k] = v
		}
	}

	workDir := dep.WorkingDir
	if workDir == "" {
		workDir = "/app/repo"
	}
	command := fmt.Sprintf("cd %s && %s", workDir, dep.StartCommand)

	var exposedPort *int
	internal := nat.Port(fmt.Sprintf("%d/tcp", dep.InternalPort))

	var containerID string
	for attempt := 1; ; attempt++ {
		hostCfg := &containertypes.HostConfig{
			RestartPolicy: containertypes.RestartPolicy{
				Name: containertypes.RestartPolicyUnlessStopped,
			},
		}
		// a host port is only published when no domain fronts the app
		if routing.Host == "" {
			port, perr := b.mgr.Ports().AllocatePort(ctx)
			if perr != nil {
				return perr
			}
			exposedPort = &port
			hostCfg.PortBindings = nat.PortMap{
				internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", port)}},
			}
		}

		resp, cerr := docker.ContainerCreate(ctx,
			&containertypes.Config{
				Image:        imageTag,
				Cmd:          []string{"sh", "-c", command},
				Env:          envList,
				ExposedPorts: nat.PortSet{internal: struct{}{}},
				Labels:       labels,
			},
			hostCfg,
			&networktypes.NetworkingConfig{
				EndpointsConfig: map[string]*networktypes.EndpointSettings{
					b.mgr.Proxy().Network(): {},
				},
			},
			nil,
			name,
		)
		if cerr == nil {
			cerr = docker.ContainerStart(ctx, resp.ID, containertypes.StartOptions{})
			if cerr == nil {
				containerID = resp.ID
				break
			}
		}

		if exposedPort != nil {
			b.mgr.Ports().ReleasePort(*exposedPort)
			exposedPort = nil
		}
		if !isPortBindError(cerr) || attempt >= 3 {
			return cerr
		}
		logs.AppendLine("port collision on start, retrying with a fresh port")
		_ = common.RemoveContainerIfExists(ctx, docker, name)
	}

	if routing.Host != "" {
		if err := b.mgr.Proxy().Attach(ctx, containerID); err != nil {
			b.log.WithError(err).Warn("failed to attach deployment to proxy network")
		}
		logs.AppendLine("deployment available at https://" + routing.Host)
	} else if exposedPort != nil {
		logs.AppendLine(fmt.Sprintf("deployment listening on port %d", *exposedPort))
	}

	// the committed image is only needed until the container holds a
	// reference to it
	if strings.HasPrefix(imageTag, "deploy-") {
		go func() {
			_, _ = docker.ImageRemove(context.Background(), imageTag, image.RemoveOptions{})
		}()
	}

	now := time.Now()
	patch := map[string]interface{}{
		"container_id":     containerID,
		"last_deployed_at": &now,
	}
	if exposedPort != nil {
		patch["exposed_port"] = *exposedPort
	} else {
		patch["exposed_port"] = nil
	}
	return db.Update[db.Deployment](ctx, store, dep.ID, patch)
}

// StopBuild cancels an in-flight build: the build container is removed
// best-effort, the Build row goes to CANCELLED, and the deployment reverts
// to STOPPED. The record transition happens even when no container remains.
func (b *Builder) StopBuild(ctx context.Context, deploymentID, buildID string) error {
	store := b.mgr.Store()

	buildRow, err := db.FindByID[db.Build](ctx, store, buildID)
	if err != nil {
		return err
	}
	if buildRow.Status != db.BuildStatusBuilding {
		return fmt.Errorf("build %s is not in progress", buildID)
	}

	b.mu.Lock()
	if cancel, ok := b.cancels[deploymentID]; ok {
		cancel()
	}
	b.mu.Unlock()

	_ = common.RemoveContainerIfExists(ctx, b.mgr.Docker(), buildContainerName(deploymentID))

	logs := buildRow.Logs + "build cancelled by user\n"
	if err := store.FinishBuild(ctx, buildID, db.BuildStatusCancelled, logs, nil); err != nil {
		return err
	}
	return db.Update[db.Deployment](ctx, store, deploymentID, map[string]interface{}{
		"status": db.StatusStopped,
	})
}

// StopDeployment detaches the production container from the proxy network,
// stops and removes it, and releases the exposed port.
func (b *Builder) StopDeployment(ctx context.Context, deploymentID string) error {
	store := b.mgr.Store()
	dep, err := db.FindByID[db.Deployment](ctx, store, deploymentID)
	if err != nil {
		return err
	}

	if dep.ContainerID != nil {
		_ = b.mgr.Proxy().Detach(ctx, *dep.ContainerID)
		if err := b.mgr.StopContainer(ctx, *dep.ContainerID); err != nil &&
			!strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("failed to stop deployment container: %w", err)
		}
		if err := b.mgr.RemoveContainer(ctx, *dep.ContainerID); err != nil &&
			!strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("failed to remove deployment container: %w", err)
		}
	}
	if dep.ExposedPort != nil {
		b.mgr.Ports().ReleasePort(*dep.ExposedPort)
	}
	return db.Update[db.Deployment](ctx, store, deploymentID, map[string]interface{}{
		"status":       db.StatusStopped,
		"container_id": nil,
		"exposed_port": nil,
	})
}

// DeleteDeployment stops the deployment and removes the row together with
// its build history.
func (b *Builder) DeleteDeployment(ctx context.Context, deploymentID string) error {
	if err := b.StopDeployment(ctx, deploymentID); err != nil {
		return err
	}
	store := b.mgr.Store()
	if err := store.DB().WithContext(ctx).
		Where("deployment_id = ?", deploymentID).
		Delete(&db.Build{}).Error; err != nil {
		return err
	}
	return db.Delete[db.Deployment](ctx, store, deploymentID)
}

// deploymentRouting resolves the routable host for a deployment. The domain
// link is re-validated here so an unverified or conflicting domain never
// reaches the router labels; such links fall back to the base domain.
func (b *Builder) deploymentRouting(ctx context.Context, dep *db.Deployment) proxy.Routing {
	sub, dom := "", ""
	if dep.Subdomain != nil {
		sub = *dep.Subdomain
	}
	if dep.DomainID != nil {
		if err := b.mgr.Store().ValidateDomainLink(ctx, *dep.DomainID, sub, dep.ID); err != nil {
			b.log.WithFields(logrus.Fields{"deployment": dep.ID, "domain": *dep.DomainID}).
				WithError(err).Warn("domain link is not routable, falling back to base domain")
		} else if domain, derr := db.FindByID[db.Domain](ctx, b.mgr.Store(), *dep.DomainID); derr == nil {
			dom = domain.Domain
		}
	}
	return proxy.ResolveRouting(dep.ID, sub, dom, b.mgr.BaseDomain())
}

func (b *Builder) registerCancel(deploymentID string, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels[deploymentID] = cancel
}

func (b *Builder) unregisterCancel(deploymentID string, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cancels, deploymentID)
	cancel()
}

func isPortBindError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Bind for")
}

func splitHost(host string) (string, string) {
	parts := strings.SplitN(host, ".", 2)
	if len(parts) != 2 {
		return host, ""
	}
	return parts[0], parts[1]
}
