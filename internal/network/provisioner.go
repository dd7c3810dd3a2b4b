// Package network creates the per-session bridge network and the WireGuard
// gateway container that fronts it.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/csai/battle-agent/internal/readiness"
	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/wireguard"
)

var (
	ErrNoSubnet         = errors.New("no subnet available")
	ErrGatewayUnhealthy = errors.New("gateway did not become healthy")
)

// Runtime is the subset of the container runtime the provisioner drives.
type Runtime interface {
	CreateNetwork(ctx context.Context, name string, subnet netip.Prefix, gateway netip.Addr, labels map[string]string) (string, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
}

type SubnetAllocator interface {
	AllocateSubnet() (netip.Prefix, bool)
	ReleaseSubnet(netip.Prefix)
}

type Options struct {
	GatewayImage   string
	InternalSubnet string
	InitScriptDir  string
	HostOctet      int
	PUID           int
	PGID           int
	ServerID       string
	DNS            []string
	RestartPolicy  string
	Health         readiness.Poller
}

type Provisioner struct {
	rt      Runtime
	subnets SubnetAllocator
	layout  *wireguard.Layout
	opts    Options
	log     *slog.Logger
}

type NetworkInfo struct {
	ID     string
	Name   string
	Subnet netip.Prefix
}

type GatewayRequest struct {
	SessionID      string
	Network        NetworkInfo
	Port           int
	NumTeams       int
	MembersPerTeam int
	TeamIDs        []string
}

func New(rt Runtime, subnets SubnetAllocator, layout *wireguard.Layout, opts Options, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Health.Attempts == 0 {
		opts.Health = readiness.Default()
	}
	return &Provisioner{rt: rt, subnets: subnets, layout: layout, opts: opts, log: logger}
}

func NetworkName(sessionID string) string { return "sessionNet-" + sessionID }
func GatewayName(sessionID string) string { return "wg-router-" + sessionID }

// ProvisionNetwork takes a subnet from the pool and creates a bridge network
// on it. The subnet goes back to the pool if the engine rejects the network.
func (p *Provisioner) ProvisionNetwork(ctx context.Context, sessionID string) (NetworkInfo, error) {
	subnet, ok := p.subnets.AllocateSubnet()
	if !ok {
		return NetworkInfo{}, ErrNoSubnet
	}
	name := NetworkName(sessionID)
	id, err := p.rt.CreateNetwork(ctx, name, subnet, subnet.Addr().Next(), p.labels(sessionID, "network"))
	if err != nil {
		p.subnets.ReleaseSubnet(subnet)
		return NetworkInfo{}, err
	}
	p.log.Info("session_network_created",
		slog.String("session_id", sessionID),
		slog.String("network", name),
		slog.String("subnet", subnet.String()))
	return NetworkInfo{ID: id, Name: name, Subnet: subnet}, nil
}

// ProvisionGateway starts the gateway and waits for its init script to drop
// the sentinel file. The container id is returned even when the health wait
// fails so the caller can clean it up.
func (p *Provisioner) ProvisionGateway(ctx context.Context, req GatewayRequest) (string, error) {
	addr, err := GatewayAddress(req.Network.Subnet, p.opts.HostOctet)
	if err != nil {
		return "", err
	}
	sessionDir, err := p.layout.SessionDir(req.SessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("create gateway config dir: %w", err)
	}
	sentinel, err := p.layout.SentinelPath(req.SessionID)
	if err != nil {
		return "", err
	}
	if err := p.rt.PullImage(ctx, p.opts.GatewayImage); err != nil {
		return "", err
	}

	env := wireguard.GatewayParams{
		PUID:           p.opts.PUID,
		PGID:           p.opts.PGID,
		NumTeams:       req.NumTeams,
		MembersPerTeam: req.MembersPerTeam,
		InternalSubnet: p.opts.InternalSubnet,
		ServerIP:       addr.String(),
		ServerPort:     req.Port,
		TeamIDs:        req.TeamIDs,
	}.Env()
	binds := []string{sessionDir + ":/config:z"}
	if p.opts.InitScriptDir != "" {
		binds = append(binds, p.opts.InitScriptDir+":/custom-cont-init.d:ro,z")
	}
	id, err := p.rt.CreateContainer(ctx, runtime.ContainerSpec{
		Name:        GatewayName(req.SessionID),
		Image:       p.opts.GatewayImage,
		Env:         env,
		Labels:      p.labels(req.SessionID, "gateway"),
		Network:     req.Network.Name,
		IPv4Address: addr.String(),
		Binds:       binds,
		CapAdd:      []string{"NET_ADMIN"},
		Sysctls: map[string]string{
			"net.ipv4.conf.all.src_valid_mark": "1",
			"net.ipv4.ip_forward":              "1",
		},
		UDPPorts:       []int{req.Port},
		HealthCmd:      []string{"CMD", "test", "-f", "/config/init_done"},
		HealthInterval: 6 * time.Second,
		DNS:            p.opts.DNS,
		RestartPolicy:  p.opts.RestartPolicy,
	})
	if err != nil {
		return "", err
	}
	if err := p.rt.StartContainer(ctx, id); err != nil {
		return id, err
	}
	if err := p.opts.Health.Wait(ctx, readiness.FileExists(sentinel)); err != nil {
		p.log.Error("gateway_unhealthy", slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
		return id, fmt.Errorf("%w: %v", ErrGatewayUnhealthy, err)
	}
	p.log.Info("gateway_ready",
		slog.String("session_id", req.SessionID),
		slog.String("container_id", id),
		slog.Int("port", req.Port))
	return id, nil
}

// GatewayAddress is the host with last octet hostOctet inside subnet.
func GatewayAddress(subnet netip.Prefix, hostOctet int) (netip.Addr, error) {
	if !subnet.Addr().Is4() {
		return netip.Addr{}, fmt.Errorf("gateway subnet %s is not IPv4", subnet)
	}
	if hostOctet < 1 || hostOctet > 254 {
		return netip.Addr{}, fmt.Errorf("invalid gateway host octet %d", hostOctet)
	}
	b := subnet.Masked().Addr().As4()
	b[3] = byte(hostOctet)
	addr := netip.AddrFrom4(b)
	if !subnet.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("gateway address %s outside %s", addr, subnet)
	}
	return addr, nil
}

func (p *Provisioner) labels(sessionID, role string) map[string]string {
	return map[string]string{
		runtime.LabelManaged:   "true",
		runtime.LabelSessionID: sessionID,
		runtime.LabelRole:      role,
		runtime.LabelServerID:  p.opts.ServerID,
	}
}
