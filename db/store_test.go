package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestStoreCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("create and find workspace", func(t *testing.T) {
		ws := &Workspace{
			ResourceFields: ResourceFields{
				ID:     "ws-1",
				UserID: "user-1",
				Name:   "my workspace",
				Status: StatusCreating,
			},
			Preset: "node",
		}
		require.NoError(t, Create(ctx, store, ws))

		found, err := FindByID[Workspace](ctx, store, "ws-1")
		require.NoError(t, err)
		assert.Equal(t, "my workspace", found.Name)
		assert.Equal(t, StatusCreating, found.Status)
	})

	t.Run("find missing returns ErrNotFound", func(t *testing.T) {
		_, err := FindByID[Workspace](ctx, store, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update patch", func(t *testing.T) {
		err := Update[Workspace](ctx, store, "ws-1", map[string]interface{}{
			"status":       StatusRunning,
			"vs_code_port": 40000,
			"agent_port":   40001,
		})
		require.NoError(t, err)

		found, err := FindByID[Workspace](ctx, store, "ws-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, found.Status)
		require.NotNil(t, found.VSCodePort)
		assert.Equal(t, 40000, *found.VSCodePort)
	})

	t.Run("update missing returns ErrNotFound", func(t *testing.T) {
		err := Update[Workspace](ctx, store, "nope", map[string]interface{}{"status": StatusError})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by predicate", func(t *testing.T) {
		rows, err := ListBy[Workspace](ctx, store, "user_id = ?", "user-1")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, Delete[Workspace](ctx, store, "ws-1"))
		_, err := FindByID[Workspace](ctx, store, "ws-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreActivePorts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Create(ctx, store, &Workspace{
		ResourceFields: ResourceFields{ID: "ws-1", UserID: "u", Name: "a", Status: StatusRunning},
		VSCodePort:     intPtr(40000),
		AgentPort:      intPtr(40001),
	}))
	require.NoError(t, Create(ctx, store, &Workspace{
		ResourceFields: ResourceFields{ID: "ws-2", UserID: "u", Name: "b", Status: StatusStopped},
		VSCodePort:     intPtr(40010),
	}))
	require.NoError(t, Create(ctx, store, &Database{
		ResourceFields: ResourceFields{ID: "db-1", UserID: "u", Name: "pg", Status: StatusStarting},
		Type:           DBTypePostgres,
		Port:           intPtr(40002),
	}))
	require.NoError(t, store.CreateBucket(ctx, &Bucket{
		ResourceFields: ResourceFields{ID: "bkt-1", UserID: "u", Name: "media", Status: StatusRunning},
		APIPort:        intPtr(40003),
		ConsolePort:    intPtr(40004),
	}))

	ports, err := store.ActivePorts(ctx)
	require.NoError(t, err)

	for _, p := range []int{40000, 40001, 40002, 40003, 40004} {
		assert.True(t, ports[p], "port %d should be reserved", p)
	}
	// stopped workspace ports are free
	assert.False(t, ports[40010])
}

func TestStoreBuildSingleFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Create(ctx, store, &Deployment{
		ResourceFields: ResourceFields{ID: "dep-1", UserID: "u", Name: "api", Status: StatusStopped},
		StartCommand:   "npm start",
	}))

	first := &Build{ID: "build-1", DeploymentID: "dep-1", Trigger: "manual"}
	require.NoError(t, store.CreateBuild(ctx, first))
	assert.Equal(t, BuildStatusBuilding, first.Status)
	assert.False(t, first.StartedAt.IsZero())

	second := &Build{ID: "build-2", DeploymentID: "dep-1", Trigger: "manual"}
	err := store.CreateBuild(ctx, second)
	assert.ErrorIs(t, err, ErrBuildInProgress)

	require.NoError(t, store.FinishBuild(ctx, "build-1", BuildStatusSuccess, "done\n", nil))

	// terminal status frees the slot
	require.NoError(t, store.CreateBuild(ctx, second))

	finished, err := FindByID[Build](ctx, store, "build-1")
	require.NoError(t, err)
	assert.Equal(t, BuildStatusSuccess, finished.Status)
	assert.NotNil(t, finished.CompletedAt)
	assert.Equal(t, "done\n", finished.Logs)
}

func TestStoreBuildLogsFlush(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Create(ctx, store, &Deployment{
		ResourceFields: ResourceFields{ID: "dep-1", UserID: "u", Name: "api", Status: StatusStopped},
	}))
	build := &Build{ID: "build-1", DeploymentID: "dep-1"}
	require.NoError(t, store.CreateBuild(ctx, build))

	require.NoError(t, store.SetBuildLogs(ctx, "build-1", "step 1\nstep 2\n"))
	row, err := FindByID[Build](ctx, store, "build-1")
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2\n", row.Logs)
}

func TestStoreBuildTerminalStatusWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, Create(ctx, store, &Deployment{
		ResourceFields: ResourceFields{ID: "dep-1", UserID: "u", Name: "api", Status: StatusStopped},
	}))
	require.NoError(t, store.CreateBuild(ctx, &Build{ID: "build-1", DeploymentID: "dep-1"}))

	require.NoError(t, store.FinishBuild(ctx, "build-1", BuildStatusCancelled, "build cancelled by user\n", nil))

	// a racing failure transition must not overwrite the cancellation
	msg := "pipeline failed"
	require.NoError(t, store.FinishBuild(ctx, "build-1", BuildStatusFailed, "boom\n", &msg))

	row, err := FindByID[Build](ctx, store, "build-1")
	require.NoError(t, err)
	assert.Equal(t, BuildStatusCancelled, row.Status)
	assert.Equal(t, "build cancelled by user\n", row.Logs)
	assert.Nil(t, row.ErrorMessage)

	// a late log flush is a no-op once the build is terminal
	require.NoError(t, store.SetBuildLogs(ctx, "build-1", "stale buffer\n"))
	row, err = FindByID[Build](ctx, store, "build-1")
	require.NoError(t, err)
	assert.Equal(t, "build cancelled by user\n", row.Logs)

	// a missing build still surfaces as not found
	err = store.FinishBuild(ctx, "ghost", BuildStatusFailed, "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDomainLink(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.db.Create(&Domain{
		ID: "dom-1", UserID: "u", Domain: "example.com", Verified: true,
	}).Error)
	require.NoError(t, store.db.Create(&Domain{
		ID: "dom-2", UserID: "u", Domain: "pending.io", Verified: false,
	}).Error)

	t.Run("verified domain links", func(t *testing.T) {
		assert.NoError(t, store.ValidateDomainLink(ctx, "dom-1", "app", ""))
	})

	t.Run("unverified domain rejected", func(t *testing.T) {
		err := store.ValidateDomainLink(ctx, "dom-2", "app", "")
		assert.ErrorIs(t, err, ErrDomainNotVerified)
	})

	t.Run("missing domain rejected", func(t *testing.T) {
		err := store.ValidateDomainLink(ctx, "dom-404", "app", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("subdomain collision across classes", func(t *testing.T) {
		require.NoError(t, Create(ctx, store, &Deployment{
			ResourceFields: ResourceFields{
				ID: "dep-1", UserID: "u", Name: "api", Status: StatusRunning,
				DomainID: strPtr("dom-1"), Subdomain: strPtr("api"),
			},
		}))

		err := store.ValidateDomainLink(ctx, "dom-1", "api", "")
		assert.ErrorIs(t, err, ErrSubdomainTaken)

		// same resource updating itself is allowed
		assert.NoError(t, store.ValidateDomainLink(ctx, "dom-1", "api", "dep-1"))

		// same subdomain on another domain is fine
		require.NoError(t, store.db.Create(&Domain{
			ID: "dom-3", UserID: "u", Domain: "other.com", Verified: true,
		}).Error)
		assert.NoError(t, store.ValidateDomainLink(ctx, "dom-3", "api", ""))
	})
}

func TestStoreBucketConstraints(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := Bucket{
		ResourceFields: ResourceFields{ID: "bkt-1", UserID: "user-1", Name: "media", Status: StatusCreating},
		PublicURL:      strPtr("media-pub"),
	}
	require.NoError(t, store.CreateBucket(ctx, &base))

	t.Run("per-user name collision", func(t *testing.T) {
		dup := Bucket{ResourceFields: ResourceFields{ID: "bkt-2", UserID: "user-1", Name: "media"}}
		assert.ErrorIs(t, store.CreateBucket(ctx, &dup), ErrBucketNameTaken)
	})

	t.Run("same name other user ok", func(t *testing.T) {
		other := Bucket{ResourceFields: ResourceFields{ID: "bkt-3", UserID: "user-2", Name: "media"}}
		assert.NoError(t, store.CreateBucket(ctx, &other))
	})

	t.Run("publicUrl globally unique", func(t *testing.T) {
		dup := Bucket{
			ResourceFields: ResourceFields{ID: "bkt-4", UserID: "user-3", Name: "other"},
			PublicURL:      strPtr("media-pub"),
		}
		assert.ErrorIs(t, store.CreateBucket(ctx, &dup), ErrPublicURLTaken)
	})
}

func TestStoreBucketObjectAggregates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateBucket(ctx, &Bucket{
		ResourceFields: ResourceFields{ID: "bkt-1", UserID: "u", Name: "media", Status: StatusRunning},
	}))

	require.NoError(t, store.UpsertBucketObject(ctx, &BucketObject{
		ID: uuid.NewString(), BucketID: "bkt-1", Key: "a.png", Size: 100, ContentType: "image/png",
	}))
	require.NoError(t, store.UpsertBucketObject(ctx, &BucketObject{
		ID: uuid.NewString(), BucketID: "bkt-1", Key: "b.txt", Size: 50, ContentType: "text/plain",
	}))

	bucket, err := FindByID[Bucket](ctx, store, "bkt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bucket.ObjectCount)
	assert.Equal(t, int64(150), bucket.TotalSizeBytes)

	t.Run("upsert same key replaces", func(t *testing.T) {
		require.NoError(t, store.UpsertBucketObject(ctx, &BucketObject{
			ID: uuid.NewString(), BucketID: "bkt-1", Key: "a.png", Size: 300,
		}))
		bucket, err := FindByID[Bucket](ctx, store, "bkt-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), bucket.ObjectCount)
		assert.Equal(t, int64(350), bucket.TotalSizeBytes)
	})

	t.Run("delete recomputes", func(t *testing.T) {
		require.NoError(t, store.DeleteBucketObject(ctx, "bkt-1", "a.png", ""))
		bucket, err := FindByID[Bucket](ctx, store, "bkt-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), bucket.ObjectCount)
		assert.Equal(t, int64(50), bucket.TotalSizeBytes)
	})

	t.Run("delete missing is idempotent", func(t *testing.T) {
		assert.NoError(t, store.DeleteBucketObject(ctx, "bkt-1", "ghost.bin", ""))
	})
}
