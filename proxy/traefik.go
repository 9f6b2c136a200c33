// Package proxy maintains the Traefik edge router that fronts all managed
// containers. Routes are declared through container labels; Traefik's Docker
// provider discovers them by polling the daemon, so the orchestrator never
// talks to Traefik directly.
package proxy

import (
	"context"
	"fmt"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"

	"kalpana.dev/common"
	"kalpana.dev/config"
)

// ProxyLabel marks the edge router container itself.
const ProxyLabel = "kalpana.proxy"

// TCP entrypoint names and backend ports per supported database protocol.
var tcpProtocols = map[string]int{
	"postgres": 5432,
	"mysql":    3306,
	"mongodb":  27017,
	"redis":    6379,
}

// Orchestrator manages the single Traefik container and produces routing
// labels for managed resources.
type Orchestrator struct {
	cfg    config.ProxyConfig
	docker common.DockerClient
	log    *logrus.Entry
}

// NewOrchestrator creates a proxy orchestrator.
func NewOrchestrator(cfg config.ProxyConfig, docker common.DockerClient, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = common.Logger
	}
	return &Orchestrator{
		cfg:    cfg,
		docker: docker,
		log:    common.ServiceLogger(logger, "proxy"),
	}
}

// Network returns the name of the shared bridge network.
func (o *Orchestrator) Network() string { return o.cfg.Network }

// EnsureNetwork creates the shared bridge network if missing. Idempotent.
func (o *Orchestrator) EnsureNetwork(ctx context.Context) error {
	return common.EnsureNetwork(ctx, o.docker, o.cfg.Network)
}

// EnsureProxy guarantees a running edge router. If a proxy container already
// exists it is started when stopped; otherwise a new one is created on the
// shared network with HTTP, HTTPS, and the database TCP entrypoints.
// Idempotent and safe to call on every resource creation.
func (o *Orchestrator) EnsureProxy(ctx context.Context) error {
	if err := o.EnsureNetwork(ctx); err != nil {
		return err
	}

	existing, err := o.findProxy(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.State == "running" {
			return nil
		}
		o.log.WithField("container", existing.ID).Info("starting stopped proxy container")
		return o.docker.ContainerStart(ctx, existing.ID, containertypes.StartOptions{})
	}

	if err := common.PullImageIfMissing(ctx, o.docker, o.cfg.Image); err != nil {
		return err
	}
	if err := common.EnsureVolume(ctx, o.docker, o.cfg.ContainerName+"-acme", nil); err != nil {
		return err
	}

	exposed, bindings := o.proxyPorts()
	resp, err := o.docker.ContainerCreate(ctx,
		&containertypes.Config{
			Image:        o.cfg.Image,
			Cmd:          o.proxyArgs(),
			ExposedPorts: exposed,
			Labels: map[string]string{
				common.ManagedLabel: "true",
				ProxyLabel:          "true",
			},
		},
		&containertypes.HostConfig{
			PortBindings: bindings,
			RestartPolicy: containertypes.RestartPolicy{
				Name: containertypes.RestartPolicyUnlessStopped,
			},
			Binds: []string{
				"/var/run/docker.sock:/var/run/docker.sock:ro",
				o.cfg.ContainerName + "-acme:/letsencrypt",
			},
		},
		&networktypes.NetworkingConfig{
			EndpointsConfig: map[string]*networktypes.EndpointSettings{
				o.cfg.Network: {},
			},
		},
		nil,
		o.cfg.ContainerName,
	)
	if err != nil {
		return fmt.Errorf("failed to create proxy container: %w", err)
	}

	o.log.WithField("container", resp.ID).Info("created proxy container")
	if err := o.docker.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start proxy container: %w", err)
	}
	return nil
}

// Attach connects a container to the shared network. Already-attached
// containers are not an error.
func (o *Orchestrator) Attach(ctx context.Context, containerID string) error {
	err := o.docker.NetworkConnect(ctx, o.cfg.Network, containerID, nil)
	if err != nil && strings.Contains(err.Error(), "already") {
		return nil
	}
	return err
}

// Detach disconnects a container from the shared network. Missing
// memberships are not an error.
func (o *Orchestrator) Detach(ctx context.Context, containerID string) error {
	err := o.docker.NetworkDisconnect(ctx, o.cfg.Network, containerID, true)
	if err != nil && strings.Contains(err.Error(), "not connected") {
		return nil
	}
	return err
}

// HTTPLabels returns the Traefik labels routing HTTPS traffic for
// subdomain.domain to the container's internal port. Labels are keyed by
// resourceID so they stay stable for the resource's lifetime.
func (o *Orchestrator) HTTPLabels(resourceID, subdomain string, internalPort int, domain string) map[string]string {
	host := subdomain + "." + domain
	router := "kalpana-" + resourceID
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):                      fmt.Sprintf("Host(`%s`)", host),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):               "websecure",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", router):          "letsencrypt",
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): fmt.Sprintf("%d", internalPort),
	}
}

// TCPLabels returns the Traefik labels routing TLS/SNI traffic for a
// database protocol. The backend port is the protocol's default; unknown
// protocols fall back to the provided internal port on the websecure
// entrypoint's TCP sibling.
func (o *Orchestrator) TCPLabels(resourceID, subdomain, domain, protocol string, internalPort int) map[string]string {
	host := subdomain + "." + domain
	router := "kalpana-" + resourceID

	entrypoint := protocol
	backendPort, ok := tcpProtocols[protocol]
	if !ok {
		entrypoint = "websecure"
		backendPort = internalPort
	}
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.tcp.routers.%s.rule", router):                      fmt.Sprintf("HostSNI(`%s`)", host),
		fmt.Sprintf("traefik.tcp.routers.%s.entrypoints", router):               entrypoint,
		fmt.Sprintf("traefik.tcp.routers.%s.tls.certresolver", router):          "letsencrypt",
		fmt.Sprintf("traefik.tcp.services.%s.loadbalancer.server.port", router): fmt.Sprintf("%d", backendPort),
	}
}

// Routing describes how a resource is exposed to the outside world.
type Routing struct {
	// Host is the FQDN serving the resource. Empty when exposure falls back
	// to a host-port binding.
	Host string
	// CustomDomain is true when Host comes from a verified user domain.
	CustomDomain bool
}

// ResolveRouting applies the exposure precedence: a verified custom domain
// with an explicit subdomain wins; otherwise the platform base domain with
// the resource id as subdomain; otherwise no domain (host-port exposure).
func ResolveRouting(resourceID, subdomain, domain, baseDomain string) Routing {
	if subdomain != "" && domain != "" {
		return Routing{Host: subdomain + "." + domain, CustomDomain: true}
	}
	if baseDomain != "" {
		return Routing{Host: resourceID + "." + baseDomain}
	}
	return Routing{}
}

func (o *Orchestrator) findProxy(ctx context.Context) (*containertypes.Summary, error) {
	containers, err := o.docker.ContainerList(ctx, containertypes.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, cont := range containers {
		if cont.Labels[ProxyLabel] == "true" {
			c := cont
			return &c, nil
		}
		for _, name := range cont.Names {
			if name == "/"+o.cfg.ContainerName {
				c := cont
				return &c, nil
			}
		}
	}
	return nil, nil
}

// proxyArgs builds the Traefik static configuration: Docker provider scoped
// to the shared network, web/websecure plus one TCP entrypoint per database
// protocol, and the ACME resolver doing HTTP-01 on port 80.
func (o *Orchestrator) proxyArgs() []string {
	args := []string{
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + o.cfg.Network,
		"--entrypoints.web.address=:80",
		"--entrypoints.websecure.address=:443",
	}
	for _, proto := range []string{"mongodb", "mysql", "postgres", "redis"} {
		args = append(args, fmt.Sprintf("--entrypoints.%s.address=:%d", proto, tcpProtocols[proto]))
	}
	args = append(args,
		"--certificatesresolvers.letsencrypt.acme.email="+o.cfg.Email,
		"--certificatesresolvers.letsencrypt.acme.storage=/letsencrypt/acme.json",
		"--certificatesresolvers.letsencrypt.acme.httpchallenge.entrypoint=web",
	)
	return args
}

func (o *Orchestrator) proxyPorts() (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	ports := []int{80, 443}
	for _, p := range tcpProtocols {
		ports = append(ports, p)
	}
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", p)}}
	}
	return exposed, bindings
}
