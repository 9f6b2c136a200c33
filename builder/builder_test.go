package builder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalpana.dev/common"
	"kalpana.dev/config"
	"kalpana.dev/containers"
	"kalpana.dev/db"
	"kalpana.dev/ports"
	"kalpana.dev/proxy"
	"kalpana.dev/security"
)

const testSecretKey = "builder-test-key"

func newTestBuilder(t *testing.T) (*Builder, *common.MockDockerClient, *db.Store) {
	t.Helper()
	store, err := db.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	docker := common.NewMockDockerClient()
	allocator := ports.NewAllocator(config.PortsConfig{
		RangeStart: 43000, RangeEnd: 43100, BindTimeout: time.Second,
	}, store, docker, nil)
	orchestrator := proxy.NewOrchestrator(config.ProxyConfig{
		Image: "traefik:v3.1", ContainerName: "kalpana-proxy", Network: "kalpana-net",
	}, docker, nil)
	mgr := containers.NewManager(docker, store, allocator, orchestrator,
		config.ContainersConfig{
			WorkspaceImage: "kalpana-workspace:latest",
			BuildImage:     "node:20-alpine",
			ExecTimeout:    30 * time.Second,
		},
		config.PlatformConfig{},
		config.SecretsConfig{Key: testSecretKey},
		nil,
	)
	return NewBuilder(mgr, config.SecretsConfig{Key: testSecretKey}, nil), docker, store
}

func seedStandaloneDeployment(t *testing.T, store *db.Store, id string) {
	t.Helper()
	repo := "acme/api"
	branch := "main"
	env, err := security.EncryptEnvVars(testSecretKey, map[string]string{"API_KEY": "xyz"})
	require.NoError(t, err)
	require.NoError(t, db.Create(context.Background(), store, &db.Deployment{
		ResourceFields: db.ResourceFields{ID: id, UserID: "user-1", Name: "api", Status: db.StatusStopped},
		GithubRepo:     &repo,
		GithubBranch:   &branch,
		InstallCommand: "npm install",
		BuildCommand:   "npm run build",
		StartCommand:   "npm start",
		InternalPort:   3000,
		EncryptedEnv:   env,
	}))
}

func seedWorkspaceDeployment(t *testing.T, store *db.Store, id, workspaceID string) {
	t.Helper()
	cid := "mock-ws-container"
	require.NoError(t, db.Create(context.Background(), store, &db.Workspace{
		ResourceFields: db.ResourceFields{
			ID: workspaceID, UserID: "user-1", Name: "ws", Status: db.StatusRunning,
			ContainerID: &cid,
		},
	}))
	require.NoError(t, db.Create(context.Background(), store, &db.Deployment{
		ResourceFields: db.ResourceFields{ID: id, UserID: "user-1", Name: "api", Status: db.StatusStopped},
		WorkspaceID:    &workspaceID,
		BuildCommand:   "npm run build",
		StartCommand:   "npm start",
		WorkingDir:     "/workspace/api",
		InternalPort:   3000,
	}))
}

func TestDeployStandalone(t *testing.T) {
	b, docker, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	buildRow, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.NoError(t, err)

	assert.Equal(t, db.BuildStatusSuccess, buildRow.Status)
	assert.NotNil(t, buildRow.CompletedAt)
	assert.Contains(t, buildRow.Logs, "cloning repository")
	assert.Contains(t, buildRow.Logs, "committing image deploy-dep-1:latest")

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, dep.Status)
	require.NotNil(t, dep.ContainerID)
	require.NotNil(t, dep.ExposedPort)
	assert.NotNil(t, dep.LastDeployedAt)

	// build container committed then cleaned up
	assert.True(t, docker.ContainerCommitCalled)
	_, err = docker.ContainerInspect(context.Background(), "build-dep-1")
	assert.Error(t, err, "build container should be removed")

	// env decrypted and PORT injected into the production container
	assert.Contains(t, docker.LastConfig.Env, "API_KEY=xyz")
	assert.Contains(t, docker.LastConfig.Env, "PORT=3000")
	assert.Equal(t, []string{"sh", "-c", "cd /app/repo && npm start"}, []string(docker.LastConfig.Cmd))
}

func TestDeployWorkspaceBased(t *testing.T) {
	b, docker, store := newTestBuilder(t)
	docker.Images = []image.Summary{{RepoTags: []string{"kalpana-workspace:latest"}}}
	seedWorkspaceDeployment(t, store, "dep-1", "ws-1")

	buildRow, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.NoError(t, err)

	assert.Equal(t, db.BuildStatusSuccess, buildRow.Status)
	// no ephemeral build container and no commit for workspace builds
	assert.False(t, docker.ContainerCommitCalled)

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, dep.Status)
	assert.Equal(t, "kalpana-workspace:latest", docker.LastConfig.Image)
}

func TestDeployFailsOnNonZeroExit(t *testing.T) {
	b, docker, store := newTestBuilder(t)
	docker.ExecExitCode = 1
	docker.ExecStderr = "build broke\n"
	seedStandaloneDeployment(t, store, "dep-1")

	_, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.Error(t, err)

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, dep.Status)

	builds, err := db.ListBy[db.Build](context.Background(), store, "deployment_id = ?", "dep-1")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, db.BuildStatusFailed, builds[0].Status)
	assert.NotNil(t, builds[0].ErrorMessage)
	assert.Contains(t, builds[0].Logs, "ERROR:")
}

func TestDeployRejectsConcurrentBuild(t *testing.T) {
	b, _, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	require.NoError(t, store.CreateBuild(context.Background(), &db.Build{
		ID: "inflight", DeploymentID: "dep-1",
	}))

	_, err := b.Deploy(context.Background(), "dep-1", "manual")
	assert.ErrorIs(t, err, db.ErrBuildInProgress)
}

func TestDeployWithBaseDomainUsesRoutingLabels(t *testing.T) {
	b, docker, store := newTestBuilder(t)
	b.mgr = rebuildManagerWithBaseDomain(t, b.mgr, docker, store)
	seedStandaloneDeployment(t, store, "dep-1")

	_, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.NoError(t, err)

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Nil(t, dep.ExposedPort, "no host port when a domain fronts the app")

	rule := docker.LastConfig.Labels["traefik.http.routers.kalpana-dep-1.rule"]
	assert.Equal(t, "Host(`dep-1.kalpana.app`)", rule)
	assert.Equal(t, "3000", docker.LastConfig.Labels["traefik.http.services.kalpana-dep-1.loadbalancer.server.port"])
}

func rebuildManagerWithBaseDomain(t *testing.T, old *containers.Manager, docker *common.MockDockerClient, store *db.Store) *containers.Manager {
	t.Helper()
	allocator := ports.NewAllocator(config.PortsConfig{
		RangeStart: 43000, RangeEnd: 43100, BindTimeout: time.Second,
	}, store, docker, nil)
	orchestrator := proxy.NewOrchestrator(config.ProxyConfig{
		Image: "traefik:v3.1", ContainerName: "kalpana-proxy", Network: "kalpana-net",
	}, docker, nil)
	return containers.NewManager(docker, store, allocator, orchestrator,
		config.ContainersConfig{
			WorkspaceImage: "kalpana-workspace:latest",
			BuildImage:     "node:20-alpine",
			ExecTimeout:    30 * time.Second,
		},
		config.PlatformConfig{BaseDomain: "kalpana.app"},
		config.SecretsConfig{Key: testSecretKey},
		nil,
	)
}

func TestStopBuild(t *testing.T) {
	b, _, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	buildRow := &db.Build{ID: "build-1", DeploymentID: "dep-1", Logs: "step 1\n"}
	require.NoError(t, store.CreateBuild(context.Background(), buildRow))

	require.NoError(t, b.StopBuild(context.Background(), "dep-1", "build-1"))

	got, err := db.FindByID[db.Build](context.Background(), store, "build-1")
	require.NoError(t, err)
	assert.Equal(t, db.BuildStatusCancelled, got.Status)
	assert.Contains(t, got.Logs, "cancelled by user")

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, dep.Status)
}

func TestStopBuildRequiresInFlight(t *testing.T) {
	b, _, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	require.NoError(t, store.CreateBuild(context.Background(), &db.Build{ID: "build-1", DeploymentID: "dep-1"}))
	require.NoError(t, store.FinishBuild(context.Background(), "build-1", db.BuildStatusSuccess, "", nil))

	err := b.StopBuild(context.Background(), "dep-1", "build-1")
	assert.ErrorContains(t, err, "not in progress")
}

func TestStopDeployment(t *testing.T) {
	b, docker, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	_, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.NoError(t, err)

	require.NoError(t, b.StopDeployment(context.Background(), "dep-1"))

	dep, err := db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, dep.Status)
	assert.Nil(t, dep.ContainerID)
	assert.Nil(t, dep.ExposedPort)
	assert.True(t, docker.ContainerStopCalled)
}

func TestDeleteDeploymentCascadesBuilds(t *testing.T) {
	b, _, store := newTestBuilder(t)
	seedStandaloneDeployment(t, store, "dep-1")

	_, err := b.Deploy(context.Background(), "dep-1", "manual")
	require.NoError(t, err)

	require.NoError(t, b.DeleteDeployment(context.Background(), "dep-1"))

	_, err = db.FindByID[db.Deployment](context.Background(), store, "dep-1")
	assert.ErrorIs(t, err, db.ErrNotFound)

	builds, err := db.ListBy[db.Build](context.Background(), store, "deployment_id = ?", "dep-1")
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestLogBufferCoalesces(t *testing.T) {
	store, err := db.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, db.Create(context.Background(), store, &db.Deployment{
		ResourceFields: db.ResourceFields{ID: "dep-1", UserID: "u", Name: "api"},
	}))
	require.NoError(t, store.CreateBuild(context.Background(), &db.Build{ID: "build-1", DeploymentID: "dep-1"}))

	buf := newLogBuffer(store, "build-1")
	buf.AppendLine("first")
	buf.Append([]byte("second chunk\n"))
	buf.Flush()

	row, err := db.FindByID[db.Build](context.Background(), store, "build-1")
	require.NoError(t, err)
	assert.Contains(t, row.Logs, "first\n")
	assert.Contains(t, row.Logs, "second chunk\n")
	assert.Equal(t, "first\nsecond chunk\n", buf.String())
}
