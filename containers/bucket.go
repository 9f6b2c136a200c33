package containers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"kalpana.dev/common"
	"kalpana.dev/db"
	"kalpana.dev/proxy"
	"kalpana.dev/security"
)

const (
	minioImage       = "minio/minio:latest"
	minioAPIPort     = 9000
	minioConsolePort = 9001

	// health poll budget after container start
	healthPollAttempts = 30
	healthPollInterval = time.Second
)

func bucketContainerName(id string) string { return "bucket-" + id }
func bucketVolumeName(id string) string    { return "bucket-" + id + "-data" }

// CreateBucket provisions the S3-compatible server container for a bucket
// row, waits for its health endpoint, and creates the bucket inside it.
func (m *Manager) CreateBucket(ctx context.Context, bucketID string) (*db.Bucket, error) {
	row, err := db.FindByID[db.Bucket](ctx, m.store, bucketID)
	if err != nil {
		return nil, err
	}
	log := m.log.WithField("bucket", bucketID)

	if row.AccessKey == "" {
		key, err := security.GenerateAccessKey(20)
		if err != nil {
			return nil, err
		}
		row.AccessKey = key
	}
	if row.SecretKey == "" {
		secret, err := security.GeneratePassword(40)
		if err != nil {
			return nil, err
		}
		row.SecretKey = secret
	}
	if row.PublicAccess && row.PublicURL == nil {
		slug, err := m.assignPublicURL(ctx, row)
		if err != nil {
			return nil, err
		}
		row.PublicURL = &slug
	}

	sub, err := m.resolveSubdomain(ctx, bucketID, "storage-", row.Name, row.Subdomain, row.DomainID)
	if err != nil {
		return nil, err
	}
	row.Subdomain = sub

	if err := common.PullImageIfMissing(ctx, m.docker, minioImage); err != nil {
		return nil, err
	}
	if err := m.proxy.EnsureNetwork(ctx); err != nil {
		return nil, err
	}

	volumeName := bucketVolumeName(bucketID)
	if err := common.EnsureVolume(ctx, m.docker, volumeName, map[string]string{LabelBucketID: bucketID}); err != nil {
		return nil, err
	}

	name := bucketContainerName(bucketID)
	if err := common.RemoveContainerIfExists(ctx, m.docker, name); err != nil {
		return nil, err
	}

	apiPort, consolePort, err := m.ports.AllocatePortPair(ctx)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		common.ManagedLabel: "true",
		LabelBucketID:       bucketID,
	}
	if routing := m.bucketRouting(ctx, row); routing.Host != "" {
		sub, dom := splitHost(routing.Host)
		for k, v := range m.proxy.HTTPLabels(bucketID, sub, minioAPIPort, dom) {
			labels[k] = v
		}
	}

	var containerID string
	for attempt := 1; ; attempt++ {
		containerID, err = m.createAndStartBucket(ctx, name, volumeName, row, labels, apiPort, consolePort)
		if err == nil {
			break
		}
		if !isPortBindError(err) || attempt >= 3 {
			m.ports.ReleasePortPair(apiPort, consolePort)
			m.markBucketError(ctx, bucketID, err)
			return nil, err
		}
		log.WithError(err).WithField("attempt", attempt).Warn("port collision on start, reallocating")
		m.ports.ReleasePortPair(apiPort, consolePort)
		_ = common.RemoveContainerIfExists(ctx, m.docker, name)
		apiPort, consolePort, err = m.ports.AllocatePortPair(ctx)
		if err != nil {
			m.markBucketError(ctx, bucketID, err)
			return nil, err
		}
	}

	if err := m.healthCheck(ctx, apiPort); err != nil {
		m.ports.ReleasePortPair(apiPort, consolePort)
		m.markBucketError(ctx, bucketID, err)
		return nil, err
	}

	patch := map[string]interface{}{
		"container_id": containerID,
		"volume_id":    volumeName,
		"access_key":   row.AccessKey,
		"secret_key":   row.SecretKey,
		"api_port":     apiPort,
		"console_port": consolePort,
		"subdomain":    row.Subdomain,
		"status":       db.StatusRunning,
	}
	if row.PublicURL != nil {
		patch["public_url"] = *row.PublicURL
	}
	if err := db.Update[db.Bucket](ctx, m.store, bucketID, patch); err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"container":   containerID,
		"apiPort":     apiPort,
		"consolePort": consolePort,
	}).Info("bucket container started")
	return db.FindByID[db.Bucket](ctx, m.store, bucketID)
}

func (m *Manager) createAndStartBucket(
	ctx context.Context,
	name, volumeName string,
	row *db.Bucket,
	labels map[string]string,
	apiPort, consolePort int,
) (string, error) {
	api := nat.Port(fmt.Sprintf("%d/tcp", minioAPIPort))
	console := nat.Port(fmt.Sprintf("%d/tcp", minioConsolePort))

	resp, err := m.docker.ContainerCreate(ctx,
		&containertypes.Config{
			Image: minioImage,
			Cmd:   []string{"server", "/data", "--console-address", fmt.Sprintf(":%d", minioConsolePort)},
			Env: []string{
				"MINIO_ROOT_USER=" + row.AccessKey,
				"MINIO_ROOT_PASSWORD=" + row.SecretKey,
				"MINIO_REGION=" + row.Region,
			},
			ExposedPorts: nat.PortSet{api: struct{}{}, console: struct{}{}},
			Labels:       labels,
		},
		&containertypes.HostConfig{
			PortBindings: nat.PortMap{
				api:     []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", apiPort)}},
				console: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", consolePort)}},
			},
			Binds: []string{volumeName + ":/data"},
			RestartPolicy: containertypes.RestartPolicy{
				Name: containertypes.RestartPolicyUnlessStopped,
			},
			Resources: containertypes.Resources{
				Memory:   m.containersCfg.Memory,
				NanoCPUs: m.containersCfg.NanoCPUs,
			},
		},
		&networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				m.proxy.Network(): {},
			},
		},
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

// waitBucketHealthy polls the server's liveness endpoint until it answers
// or the attempt budget runs out.
func (m *Manager) waitBucketHealthy(ctx context.Context, apiPort int) error {
	url := fmt.Sprintf("http://localhost:%d/minio/health/live", apiPort)
	client := &http.Client{Timeout: 2 * time.Second}

	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("bucket server did not become healthy after %d attempts", healthPollAttempts)
}

// assignPublicURL finds a globally unique public slug for the bucket, built
// from the sanitized bucket name with a random suffix on collision.
func (m *Manager) assignPublicURL(ctx context.Context, row *db.Bucket) (string, error) {
	base := SanitizeName(row.Name)
	if base == "" {
		base = "bucket"
	}
	taken := func(ctx context.Context, candidate string) (bool, error) {
		_, err := db.FindFirst[db.Bucket](ctx, m.store, "public_url = ?", candidate)
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return GenerateSubdomain(ctx, "", base, taken)
}

func (m *Manager) bucketRouting(ctx context.Context, row *db.Bucket) proxy.Routing {
	sub := ""
	if row.Subdomain != nil {
		sub = *row.Subdomain
	}
	dom := m.routingDomain(ctx, row.ID, row.Subdomain, row.DomainID)
	return proxy.ResolveRouting(row.ID, sub, dom, m.platformCfg.BaseDomain)
}

// StopBucket stops the container and releases both ports.
func (m *Manager) StopBucket(ctx context.Context, bucketID string) error {
	row, err := db.FindByID[db.Bucket](ctx, m.store, bucketID)
	if err != nil {
		return err
	}
	if err := db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status": db.StatusStopping,
	}); err != nil {
		return err
	}
	if row.ContainerID != nil {
		if err := m.StopContainer(ctx, *row.ContainerID); err != nil {
			m.releaseBucketPorts(row)
			m.log.WithField("bucket", bucketID).WithError(err).Error("bucket operation failed")
			_ = db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
				"status":       db.StatusError,
				"api_port":     nil,
				"console_port": nil,
			})
			return fmt.Errorf("failed to stop bucket container: %w", err)
		}
	}
	m.releaseBucketPorts(row)
	return db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status":       db.StatusStopped,
		"api_port":     nil,
		"console_port": nil,
	})
}

// RestartBucket restarts the bucket container in place and waits for it to
// report healthy before returning to RUNNING.
func (m *Manager) RestartBucket(ctx context.Context, bucketID string) error {
	row, err := db.FindByID[db.Bucket](ctx, m.store, bucketID)
	if err != nil {
		return err
	}
	if row.ContainerID == nil {
		return fmt.Errorf("bucket %s has no container", bucketID)
	}

	if err := db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status": db.StatusStarting,
	}); err != nil {
		return err
	}
	if err := m.docker.ContainerRestart(ctx, *row.ContainerID, containertypes.StopOptions{}); err != nil {
		m.markBucketError(ctx, bucketID, err)
		return fmt.Errorf("failed to restart bucket container: %w", err)
	}
	if row.APIPort != nil {
		if err := m.healthCheck(ctx, *row.APIPort); err != nil {
			m.markBucketError(ctx, bucketID, err)
			return err
		}
	}
	return db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status": db.StatusRunning,
	})
}

// DestroyBucket removes the container and optionally the data volume.
func (m *Manager) DestroyBucket(ctx context.Context, bucketID string, removeVolume bool) error {
	row, err := db.FindByID[db.Bucket](ctx, m.store, bucketID)
	if err != nil {
		return err
	}
	if row.ContainerID != nil {
		if err := m.RemoveContainer(ctx, *row.ContainerID); err != nil &&
			!strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("failed to remove bucket container: %w", err)
		}
	}
	if removeVolume && row.VolumeID != nil {
		if err := m.docker.VolumeRemove(ctx, *row.VolumeID, true); err != nil &&
			!strings.Contains(err.Error(), "no such volume") {
			return fmt.Errorf("failed to remove bucket volume: %w", err)
		}
	}
	m.releaseBucketPorts(row)
	return db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status":       db.StatusDeleted,
		"container_id": nil,
		"api_port":     nil,
		"console_port": nil,
	})
}

func (m *Manager) releaseBucketPorts(row *db.Bucket) {
	if row.APIPort != nil && row.ConsolePort != nil {
		m.ports.ReleasePortPair(*row.APIPort, *row.ConsolePort)
		return
	}
	if row.APIPort != nil {
		m.ports.ReleasePort(*row.APIPort)
	}
	if row.ConsolePort != nil {
		m.ports.ReleasePort(*row.ConsolePort)
	}
}

func (m *Manager) markBucketError(ctx context.Context, bucketID string, cause error) {
	m.log.WithField("bucket", bucketID).WithError(cause).Error("bucket operation failed")
	_ = db.Update[db.Bucket](ctx, m.store, bucketID, map[string]interface{}{
		"status": db.StatusError,
	})
}
