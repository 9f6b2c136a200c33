package containers

import (
	"context"
	"fmt"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"kalpana.dev/common"
	"kalpana.dev/db"
	"kalpana.dev/proxy"
	"kalpana.dev/security"
)

// databaseEngine describes how to run one supported database type.
type databaseEngine struct {
	image          string
	defaultVersion string
	internalPort   int
	protocol       string
}

var databaseEngines = map[string]databaseEngine{
	db.DBTypePostgres: {image: "postgres", defaultVersion: "16", internalPort: 5432, protocol: "postgres"},
	db.DBTypeMySQL:    {image: "mysql", defaultVersion: "8", internalPort: 3306, protocol: "mysql"},
	db.DBTypeMongoDB:  {image: "mongo", defaultVersion: "7", internalPort: 27017, protocol: "mongodb"},
	db.DBTypeRedis:    {image: "redis", defaultVersion: "7", internalPort: 6379, protocol: "redis"},
}

func databaseContainerName(id string) string { return "database-" + id }

// ConnectionStrings carries the three typed connection string forms for a
// database: via localhost + host port, via the shared Docker network, and
// via the routed domain when one is linked.
type ConnectionStrings struct {
	External string `json:"external,omitempty"`
	Internal string `json:"internal,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// CreateDatabase provisions the container for a database row. Credentials
// are generated when the row carries none. SQLITE rows get no container and
// are RUNNING immediately.
func (m *Manager) CreateDatabase(ctx context.Context, databaseID string) (*db.Database, error) {
	row, err := db.FindByID[db.Database](ctx, m.store, databaseID)
	if err != nil {
		return nil, err
	}
	log := m.log.WithField("database", databaseID)

	if row.Username == "" {
		row.Username = "admin"
	}
	if row.Password == "" {
		pw, err := security.GeneratePassword(24)
		if err != nil {
			return nil, err
		}
		row.Password = pw
	}
	if row.DBName == "" {
		row.DBName = SanitizeName(row.Name)
		if row.DBName == "" {
			row.DBName = "app"
		}
		row.DBName = strings.ReplaceAll(row.DBName, "-", "_")
	}

	if row.Type == db.DBTypeSQLite {
		if err := db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
			"username": row.Username,
			"password": row.Password,
			"db_name":  row.DBName,
			"status":   db.StatusRunning,
		}); err != nil {
			return nil, err
		}
		return db.FindByID[db.Database](ctx, m.store, databaseID)
	}

	engine, ok := databaseEngines[row.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", row.Type)
	}

	sub, err := m.resolveSubdomain(ctx, databaseID, strings.ToLower(row.Type)+"-", row.Name, row.Subdomain, row.DomainID)
	if err != nil {
		return nil, err
	}
	row.Subdomain = sub

	version := row.Version
	if version == "" {
		version = engine.defaultVersion
	}
	image := engine.image + ":" + version

	if err := common.PullImageIfMissing(ctx, m.docker, image); err != nil {
		return nil, err
	}
	if err := m.proxy.EnsureNetwork(ctx); err != nil {
		return nil, err
	}

	name := databaseContainerName(databaseID)
	if err := common.RemoveContainerIfExists(ctx, m.docker, name); err != nil {
		return nil, err
	}

	hostPort, err := m.ports.AllocatePort(ctx)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		common.ManagedLabel: "true",
		LabelDatabaseID:     databaseID,
	}
	routing := m.databaseRouting(ctx, row)
	if routing.Host != "" {
		sub, dom := splitHost(routing.Host)
		for k, v := range m.proxy.TCPLabels(databaseID, sub, dom, engine.protocol, engine.internalPort) {
			labels[k] = v
		}
	}

	var containerID string
	for attempt := 1; ; attempt++ {
		containerID, err = m.createAndStartDatabase(ctx, name, image, engine, row, labels, hostPort)
		if err == nil {
			break
		}
		if !isPortBindError(err) || attempt >= 3 {
			m.ports.ReleasePort(hostPort)
			m.markDatabaseError(ctx, databaseID, err)
			return nil, err
		}
		log.WithError(err).WithField("attempt", attempt).Warn("port collision on start, reallocating")
		m.ports.ReleasePort(hostPort)
		_ = common.RemoveContainerIfExists(ctx, m.docker, name)
		hostPort, err = m.ports.FindAlternative(ctx, hostPort)
		if err != nil {
			m.markDatabaseError(ctx, databaseID, err)
			return nil, err
		}
	}

	if err := db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"container_id": containerID,
		"username":     row.Username,
		"password":     row.Password,
		"db_name":      row.DBName,
		"host":         "localhost",
		"port":         hostPort,
		"version":      version,
		"subdomain":    row.Subdomain,
		"status":       db.StatusRunning,
	}); err != nil {
		return nil, err
	}

	log.WithFields(map[string]interface{}{"container": containerID, "port": hostPort}).
		Info("database container started")
	return db.FindByID[db.Database](ctx, m.store, databaseID)
}

func (m *Manager) createAndStartDatabase(
	ctx context.Context,
	name, image string,
	engine databaseEngine,
	row *db.Database,
	labels map[string]string,
	hostPort int,
) (string, error) {
	internal := nat.Port(fmt.Sprintf("%d/tcp", engine.internalPort))

	cfg := &containertypes.Config{
		Image:        image,
		Env:          databaseEnv(row),
		ExposedPorts: nat.PortSet{internal: struct{}{}},
		Labels:       labels,
	}
	if row.Type == db.DBTypeRedis && row.Password != "" {
		cfg.Cmd = []string{"redis-server", "--requirepass", row.Password}
	}

	resp, err := m.docker.ContainerCreate(ctx,
		cfg,
		&containertypes.HostConfig{
			PortBindings: nat.PortMap{
				internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)}},
			},
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

func databaseEnv(row *db.Database) []string {
	switch row.Type {
	case db.DBTypePostgres:
		return []string{
			"POSTGRES_USER=" + row.Username,
			"POSTGRES_PASSWORD=" + row.Password,
			"POSTGRES_DB=" + row.DBName,
		}
	case db.DBTypeMySQL:
		return []string{
			"MYSQL_ROOT_PASSWORD=" + row.Password,
			"MYSQL_USER=" + row.Username,
			"MYSQL_PASSWORD=" + row.Password,
			"MYSQL_DATABASE=" + row.DBName,
		}
	case db.DBTypeMongoDB:
		return []string{
			"MONGO_INITDB_ROOT_USERNAME=" + row.Username,
			"MONGO_INITDB_ROOT_PASSWORD=" + row.Password,
		}
	default:
		return nil
	}
}

// DatabaseConnectionStrings produces the typed connection strings for a
// database row. SQLITE yields only a file path in the external slot.
func (m *Manager) DatabaseConnectionStrings(ctx context.Context, row *db.Database) ConnectionStrings {
	if row.Type == db.DBTypeSQLite {
		return ConnectionStrings{External: fmt.Sprintf("file:/workspace/%s.db", row.DBName)}
	}
	engine, ok := databaseEngines[row.Type]
	if !ok {
		return ConnectionStrings{}
	}

	var out ConnectionStrings
	if row.Port != nil {
		out.External = connectionString(row, "localhost", *row.Port)
	}
	out.Internal = connectionString(row, databaseContainerName(row.ID), engine.internalPort)
	if routing := m.databaseRouting(ctx, row); routing.Host != "" {
		out.Domain = connectionString(row, routing.Host, engine.internalPort)
	}
	return out
}

func connectionString(row *db.Database, host string, port int) string {
	switch row.Type {
	case db.DBTypePostgres:
		return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", row.Username, row.Password, host, port, row.DBName)
	case db.DBTypeMySQL:
		return fmt.Sprintf("mysql://%s:%s@%s:%d/%s", row.Username, row.Password, host, port, row.DBName)
	case db.DBTypeMongoDB:
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", row.Username, row.Password, host, port)
	case db.DBTypeRedis:
		return fmt.Sprintf("redis://:%s@%s:%d", row.Password, host, port)
	}
	return ""
}

func (m *Manager) databaseRouting(ctx context.Context, row *db.Database) proxy.Routing {
	sub := ""
	if row.Subdomain != nil {
		sub = *row.Subdomain
	}
	dom := m.routingDomain(ctx, row.ID, row.Subdomain, row.DomainID)
	return proxy.ResolveRouting(row.ID, sub, dom, m.platformCfg.BaseDomain)
}

// StopDatabase stops the container and releases the host port.
func (m *Manager) StopDatabase(ctx context.Context, databaseID string) error {
	row, err := db.FindByID[db.Database](ctx, m.store, databaseID)
	if err != nil {
		return err
	}
	if row.Type == db.DBTypeSQLite {
		return db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
			"status": db.StatusStopped,
		})
	}
	if err := db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status": db.StatusStopping,
	}); err != nil {
		return err
	}
	if row.ContainerID != nil {
		if err := m.StopContainer(ctx, *row.ContainerID); err != nil {
			if row.Port != nil {
				m.ports.ReleasePort(*row.Port)
			}
			m.log.WithField("database", databaseID).WithError(err).Error("database operation failed")
			_ = db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
				"status": db.StatusError,
				"port":   nil,
			})
			return fmt.Errorf("failed to stop database container: %w", err)
		}
	}
	if row.Port != nil {
		m.ports.ReleasePort(*row.Port)
	}
	return db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status": db.StatusStopped,
		"port":   nil,
	})
}

// RestartDatabase restarts the database container in place. SQLITE rows have
// no container and simply return to RUNNING.
func (m *Manager) RestartDatabase(ctx context.Context, databaseID string) error {
	row, err := db.FindByID[db.Database](ctx, m.store, databaseID)
	if err != nil {
		return err
	}
	if row.Type == db.DBTypeSQLite {
		return db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
			"status": db.StatusRunning,
		})
	}
	if row.ContainerID == nil {
		return fmt.Errorf("database %s has no container", databaseID)
	}

	if err := db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status": db.StatusStarting,
	}); err != nil {
		return err
	}
	if err := m.docker.ContainerRestart(ctx, *row.ContainerID, containertypes.StopOptions{}); err != nil {
		m.markDatabaseError(ctx, databaseID, err)
		return fmt.Errorf("failed to restart database container: %w", err)
	}
	return db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status": db.StatusRunning,
	})
}

// DestroyDatabase removes the container and marks the row deleted. Ports
// are always released.
func (m *Manager) DestroyDatabase(ctx context.Context, databaseID string) error {
	row, err := db.FindByID[db.Database](ctx, m.store, databaseID)
	if err != nil {
		return err
	}
	if row.ContainerID != nil {
		if err := m.RemoveContainer(ctx, *row.ContainerID); err != nil &&
			!strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("failed to remove database container: %w", err)
		}
	}
	if row.Port != nil {
		m.ports.ReleasePort(*row.Port)
	}
	return db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status":       db.StatusDeleted,
		"container_id": nil,
		"port":         nil,
	})
}

func (m *Manager) markDatabaseError(ctx context.Context, databaseID string, cause error) {
	m.log.WithField("database", databaseID).WithError(cause).Error("database operation failed")
	_ = db.Update[db.Database](ctx, m.store, databaseID, map[string]interface{}{
		"status": db.StatusError,
	})
}

// splitHost separates "sub.rest.of.domain" into its first label and the
// remainder.
func splitHost(host string) (string, string) {
	parts := strings.SplitN(host, ".", 2)
	if len(parts) != 2 {
		return host, ""
	}
	return parts[0], parts[1]
}
