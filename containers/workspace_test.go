package containers

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kalpana.dev/common"
	"kalpana.dev/db"
)

func seedWorkspace(t *testing.T, store *db.Store, id string) {
	t.Helper()
	repo := "https://github.com/acme/app.git"
	require.NoError(t, db.Create(context.Background(), store, &db.Workspace{
		ResourceFields: db.ResourceFields{ID: id, UserID: "user-1", Name: "app", Status: db.StatusCreating},
		RepoURL:        &repo,
		Preset:         "node",
	}))
}

func withWorkspaceImage(docker *common.MockDockerClient) {
	docker.Images = append(docker.Images, image.Summary{RepoTags: []string{"kalpana-workspace:latest"}})
}

func TestCreateWorkspace(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	ws, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	assert.Equal(t, db.StatusStarting, ws.Status)
	require.NotNil(t, ws.ContainerID)
	require.NotNil(t, ws.VSCodePort)
	require.NotNil(t, ws.AgentPort)
	assert.Equal(t, *ws.VSCodePort+1, *ws.AgentPort)

	assert.Equal(t, "workspace-ws-1", docker.LastContainerName)
	assert.Equal(t, "true", docker.LastConfig.Labels[common.ManagedLabel])
	assert.Equal(t, "ws-1", docker.LastConfig.Labels[LabelWorkspaceID])
	assert.Contains(t, docker.LastConfig.Env, "GITHUB_REPO=https://github.com/acme/app.git")
	assert.Contains(t, docker.LastConfig.Env, "PRESET=node")
	assert.Contains(t, docker.LastHostConfig.Binds, "workspace-ws-1-data:/workspace")
	assert.Contains(t, docker.LastHostConfig.Binds, nixCacheVolume+":/nix")

	// shared caches and the persistent volume exist
	assert.Contains(t, docker.Volumes, "workspace-ws-1-data")
	assert.Contains(t, docker.Volumes, nixCacheVolume)
	assert.Contains(t, docker.Volumes, extensionsVolume)
}

func TestWorkspaceEnv(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	repo := "https://github.com/acme/app.git"
	token := "ghp_secret"
	nix := "experimental-features = nix-command flakes"
	template := "nextjs"
	settings := `{"editor.tabSize":2}`
	extensions := `["golang.go"]`

	env, err := mgr.workspaceEnv(&db.Workspace{
		ResourceFields:         db.ResourceFields{ID: "ws-1"},
		RepoURL:                &repo,
		RepoToken:              &token,
		NixConfig:              &nix,
		Template:               &template,
		Preset:                 "node",
		CustomPresetSettings:   &settings,
		CustomPresetExtensions: &extensions,
	})
	require.NoError(t, err)

	assert.Contains(t, env, "WORKSPACE_ID=ws-1")
	assert.Contains(t, env, "GITHUB_REPO="+repo)
	assert.Contains(t, env, "GITHUB_TOKEN="+token)
	assert.Contains(t, env, "NIX_CONFIG="+nix)
	assert.Contains(t, env, "TEMPLATE="+template)
	assert.Contains(t, env, "PRESET=node")
	assert.Contains(t, env, "CUSTOM_PRESET_SETTINGS="+settings)
	assert.Contains(t, env, "CUSTOM_PRESET_EXTENSIONS="+extensions)
	assert.Contains(t, env, "GIT_USER_NAME=Kalpana")
	assert.Contains(t, env, "GIT_USER_EMAIL=git@kalpana.local")

	// optional variables stay out of the environment when unset
	bare, err := mgr.workspaceEnv(&db.Workspace{ResourceFields: db.ResourceFields{ID: "ws-2"}})
	require.NoError(t, err)
	for _, kv := range bare {
		assert.NotContains(t, kv, "GITHUB_")
		assert.NotContains(t, kv, "NIX_CONFIG")
		assert.NotContains(t, kv, "TEMPLATE")
		assert.NotContains(t, kv, "CUSTOM_PRESET_")
	}
}

func TestCreateWorkspaceRetriesOnPortCollision(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	bindErr := errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:42000 failed: port is already allocated")
	docker.StartErrs = []error{bindErr, nil}

	ws, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStarting, ws.Status)
	assert.Equal(t, 2, docker.ContainerStartCalled)
}

func TestCreateWorkspaceGivesUpAfterThreeAttempts(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	bindErr := errors.New("Bind for 0.0.0.0:42000 failed: port is already allocated")
	docker.StartErrs = []error{bindErr, bindErr, bindErr}

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.Error(t, err)

	ws, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, ws.Status)
}

func TestCreateWorkspaceNonBindErrorFailsFast(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	docker.StartErrs = []error{errors.New("oci runtime error")}

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Equal(t, 1, docker.ContainerStartCalled)
}

func TestCreateWorkspaceFailureReleasesPorts(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	docker.CreateErrs = []error{errors.New("no space left on device")}

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.Error(t, err)

	ws, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, ws.Status)

	// the allocated pair must be back in the pool
	p1, p2, err := mgr.ports.AllocatePortPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42000, p1)
	assert.Equal(t, 42001, p2)
}

func TestStopWorkspaceFailureClearsPorts(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	docker.Err = errors.New("daemon unavailable")
	err = mgr.StopWorkspace(context.Background(), "ws-1")
	require.Error(t, err)

	ws, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, ws.Status)
	assert.Nil(t, ws.VSCodePort)
	assert.Nil(t, ws.AgentPort)

	// once the daemon recovers and the container is gone, the ports are
	// allocatable again
	docker.Err = nil
	docker.Containers = nil
	p1, p2, err := mgr.ports.AllocatePortPair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42000, p1)
	assert.Equal(t, 42001, p2)
}

func TestWatchReadinessPromotesToRunning(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	ws, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	docker.SetLogs(*ws.ContainerID, "booting\n\x1b[32mAgent bridge started\x1b[0m\nHTTP server listening on 0.0.0.0:8080\n")

	// run the watcher synchronously
	mgr.watchReadiness("ws-1", *ws.ContainerID)

	got, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, got.Status)
}

func TestWatchReadinessNeverWritesError(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	ws, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	// only one sentinel appears; the watcher must leave the row STARTING
	docker.SetLogs(*ws.ContainerID, "HTTP server listening on 0.0.0.0:8080\n")
	mgr.watchReadiness("ws-1", *ws.ContainerID)

	got, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStarting, got.Status)
}

func TestStopWorkspace(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	require.NoError(t, mgr.StopWorkspace(context.Background(), "ws-1"))

	ws, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusStopped, ws.Status)
	assert.Nil(t, ws.VSCodePort)
	assert.Nil(t, ws.AgentPort)
	assert.True(t, docker.ContainerStopCalled)
}

func TestDestroyWorkspaceKeepsVolumeByDefault(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	require.NoError(t, mgr.DestroyWorkspace(context.Background(), "ws-1", false))
	assert.Contains(t, docker.Volumes, "workspace-ws-1-data")

	ws, err := db.FindByID[db.Workspace](context.Background(), store, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusDeleted, ws.Status)
	assert.Nil(t, ws.ContainerID)
}

func TestDestroyWorkspaceRemovesVolumeOnOptIn(t *testing.T) {
	mgr, docker, store := newTestManager(t)
	withWorkspaceImage(docker)
	seedWorkspace(t, store, "ws-1")

	_, err := mgr.CreateWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)

	require.NoError(t, mgr.DestroyWorkspace(context.Background(), "ws-1", true))
	assert.NotContains(t, docker.Volumes, "workspace-ws-1-data")
}

func TestStripControlChars(t *testing.T) {
	assert.Equal(t, "[32mAgent bridge started[0m", stripControlChars("\x1b[32mAgent bridge started\x1b[0m"))
	assert.Equal(t, "plain", stripControlChars("plain"))
	assert.Equal(t, "a\tb", stripControlChars("a\tb"))
}
