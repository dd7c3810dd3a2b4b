// Package runtime is a thin façade over the Docker engine API.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
)

// ErrNotFound marks an object the engine no longer knows about.
var ErrNotFound = errors.New("not_found")

const (
	LabelManaged   = "battle_agent.managed"
	LabelSessionID = "battle_agent.session_id"
	LabelTeamID    = "battle_agent.team_id"
	LabelRole      = "battle_agent.role"
	LabelServerID  = "battle_agent.server_id"
)

type Client struct {
	docker    *client.Client
	log       *slog.Logger
	hostAddrs func() ([]net.Addr, error)

	execPoll     time.Duration
	execMaxPolls int
}

func New(ctx context.Context, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return NewWithClient(cli, logger), nil
}

// NewWithClient wraps an existing engine client; tests point it at a fake engine.
func NewWithClient(cli *client.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		docker:       cli,
		log:          logger,
		hostAddrs:    net.InterfaceAddrs,
		execPoll:     100 * time.Millisecond,
		execMaxPolls: 600,
	}
}

func (c *Client) Close() error { return c.docker.Close() }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

type Limits struct {
	CPUQuota   int64
	CPUPeriod  int64
	Memory     int64
	MemorySwap int64
}

type ContainerSpec struct {
	Name           string
	Image          string
	Env            []string
	TTY            bool
	Labels         map[string]string
	Network        string
	IPv4Address    string
	Binds          []string
	CapAdd         []string
	DNS            []string
	Sysctls        map[string]string
	UDPPorts       []int
	Limits         Limits
	RestartPolicy  string
	HealthCmd      []string
	HealthInterval time.Duration
}

type ContainerState struct {
	ID      string
	Name    string
	PID     int
	Running bool
	// IPs by network name.
	IPs map[string]string
}

type ManagedObject struct {
	ID        string
	Name      string
	SessionID string
	ServerID  string
	Role      string
}

// EnsureImage reuses tag when the engine already has it, otherwise builds it
// from the build context in contextDir.
func (c *Client) EnsureImage(ctx context.Context, tag, contextDir string) error {
	ok, err := c.ImageExists(ctx, tag)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c.log.Info("image_build_started", slog.String("image", tag), slog.String("context", contextDir))
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := c.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	defer resp.Body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	c.log.Info("image_build_completed", slog.String("image", tag))
	return nil
}

// PullImage fetches ref unless the engine already has it.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	ok, err := c.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c.log.Info("image_pull_started", slog.String("image", ref))
	reader, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer reader.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := c.docker.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("image inspect %s: %w", ref, err)
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Tty:    spec.TTY,
		Labels: spec.Labels,
	}
	hc := &container.HostConfig{
		CapAdd:  spec.CapAdd,
		DNS:     spec.DNS,
		Binds:   spec.Binds,
		Sysctls: spec.Sysctls,
		Resources: container.Resources{
			CPUQuota:   spec.Limits.CPUQuota,
			CPUPeriod:  spec.Limits.CPUPeriod,
			Memory:     spec.Limits.Memory,
			MemorySwap: spec.Limits.MemorySwap,
		},
	}
	if spec.RestartPolicy != "" {
		hc.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)}
	}
	if len(spec.UDPPorts) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hc.PortBindings = nat.PortMap{}
		for _, p := range spec.UDPPorts {
			port := nat.Port(fmt.Sprintf("%d/udp", p))
			cfg.ExposedPorts[port] = struct{}{}
			hc.PortBindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
		}
	}
	if len(spec.HealthCmd) > 0 {
		cfg.Healthcheck = &container.HealthConfig{Test: spec.HealthCmd, Interval: spec.HealthInterval}
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hc.NetworkMode = container.NetworkMode(spec.Network)
		endpoint := &network.EndpointSettings{}
		if spec.IPv4Address != "" {
			endpoint.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: spec.IPv4Address}
		}
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: endpoint}}
	}
	resp, err := c.docker.ContainerCreate(ctx, cfg, hc, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, mapErr(err))
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", mapErr(err))
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("container stop: %w", mapErr(err))
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("container remove: %w", mapErr(err))
	}
	return nil
}

func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, fmt.Errorf("container inspect: %w", mapErr(err))
	}
	st := ContainerState{ID: info.ID, Name: info.Name, IPs: map[string]string{}}
	if info.State != nil {
		st.PID = info.State.Pid
		st.Running = info.State.Running
	}
	if info.NetworkSettings != nil {
		for name, n := range info.NetworkSettings.Networks {
			if n != nil {
				st.IPs[name] = n.IPAddress
			}
		}
	}
	return st, nil
}

func (c *Client) CreateNetwork(ctx context.Context, name string, subnet netip.Prefix, gateway netip.Addr, labels map[string]string) (string, error) {
	resp, err := c.docker.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: subnet.String(), Gateway: gateway.String()}},
		},
		Labels: labels,
	})
	if err != nil {
		return "", fmt.Errorf("network create %s: %w", name, mapErr(err))
	}
	return resp.ID, nil
}

func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	if err := c.docker.NetworkRemove(ctx, id); err != nil {
		return fmt.Errorf("network remove: %w", mapErr(err))
	}
	return nil
}

// UsedSubnets lists every IPv4 prefix that is already routed on the host:
// engine network IPAM ranges plus host interface addresses.
func (c *Client) UsedSubnets(ctx context.Context) ([]netip.Prefix, error) {
	nets, err := c.docker.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("network list: %w", err)
	}
	var out []netip.Prefix
	for _, n := range nets {
		for _, cfg := range n.IPAM.Config {
			if p, err := netip.ParsePrefix(cfg.Subnet); err == nil {
				out = append(out, p.Masked())
			}
		}
	}
	if c.hostAddrs != nil {
		addrs, err := c.hostAddrs()
		if err != nil {
			return nil, fmt.Errorf("host interfaces: %w", err)
		}
		for _, a := range addrs {
			if p, err := netip.ParsePrefix(a.String()); err == nil {
				out = append(out, p.Masked())
			}
		}
	}
	return out, nil
}

func (c *Client) ListManagedContainers(ctx context.Context) ([]ManagedObject, error) {
	list, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]ManagedObject, 0, len(list))
	for _, ct := range list {
		name := ""
		if len(ct.Names) > 0 {
			name = ct.Names[0]
		}
		out = append(out, managedFromLabels(ct.ID, name, ct.Labels))
	}
	return out, nil
}

func (c *Client) ListManagedNetworks(ctx context.Context) ([]ManagedObject, error) {
	list, err := c.docker.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("network list: %w", err)
	}
	out := make([]ManagedObject, 0, len(list))
	for _, n := range list {
		out = append(out, managedFromLabels(n.ID, n.Name, n.Labels))
	}
	return out, nil
}

func managedFromLabels(id, name string, labels map[string]string) ManagedObject {
	return ManagedObject{
		ID:        id,
		Name:      name,
		SessionID: labels[LabelSessionID],
		ServerID:  labels[LabelServerID],
		Role:      labels[LabelRole],
	}
}

// IsNotFound reports whether err means the engine object is already gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	}
	return err
}

func trimOutput(b []byte) string {
	return string(bytes.TrimSpace(b))
}
