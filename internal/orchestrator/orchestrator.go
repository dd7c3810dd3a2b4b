// Package orchestrator drives the session lifecycle: network and gateway,
// one container per team, account provisioning at start and best-effort
// teardown.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/metrics"
	"github.com/csai/battle-agent/internal/network"
	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/state"
	"github.com/csai/battle-agent/internal/wireguard"
)

var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNoCapacity   = errors.New("no_capacity")
	ErrPoolNotReady = errors.New("pool_not_ready")
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrProvisioning = errors.New("provisioning_failed")
)

// Runtime is what the engine needs from the container engine.
type Runtime interface {
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, tag, contextDir string) error
	CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	RemoveNetwork(ctx context.Context, id string) error
	RunToCompletion(ctx context.Context, containerID string, argv []string) (runtime.ExecResult, error)
	ListManagedContainers(ctx context.Context) ([]runtime.ManagedObject, error)
	ListManagedNetworks(ctx context.Context) ([]runtime.ManagedObject, error)
}

type Pool interface {
	WaitReady(ctx context.Context) error
	Ready() bool
	AllocatePort() (int, bool)
	ReleasePort(port int)
	ReleaseSubnet(s netip.Prefix)
	Reserve(s netip.Prefix, port int)
	PortsRemaining() int
	SubnetsRemaining() int
}

type NetworkProvisioner interface {
	ProvisionNetwork(ctx context.Context, sessionID string) (network.NetworkInfo, error)
	ProvisionGateway(ctx context.Context, req network.GatewayRequest) (string, error)
}

type Scenarios interface {
	At(index int) (id string, contextDir string, err error)
}

type Deps struct {
	Runtime   Runtime
	Store     state.Store
	Pool      Pool
	Network   NetworkProvisioner
	Layout    *wireguard.Layout
	Scenarios Scenarios
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

type CreateInput struct {
	ScenarioIndex     int
	NumTeams          int
	NumMembersPerTeam int
	AdminID           string
}

type CreateResult struct {
	SessionID string
	TeamIDs   []string
}

type Engine struct {
	cfg      config.Config
	rt       Runtime
	store    state.Store
	pool     Pool
	net      NetworkProvisioner
	layout   *wireguard.Layout
	catalog  Scenarios
	metrics  *metrics.Registry
	log      *slog.Logger
	serverID string

	mu       sync.Mutex
	creating map[string]struct{}
	starting map[string]struct{}
}

func New(cfg config.Config, d Deps) (*Engine, error) {
	if d.Runtime == nil || d.Store == nil || d.Pool == nil || d.Network == nil || d.Layout == nil || d.Scenarios == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	serverID := cfg.Session.ServerID
	if serverID == "" {
		id, err := MachineID()
		if err != nil {
			return nil, err
		}
		serverID = id
	}
	return &Engine{
		cfg:      cfg,
		rt:       d.Runtime,
		store:    d.Store,
		pool:     d.Pool,
		net:      d.Network,
		layout:   d.Layout,
		catalog:  d.Scenarios,
		metrics:  d.Metrics,
		log:      d.Logger,
		serverID: serverID,
		creating: map[string]struct{}{},
		starting: map[string]struct{}{},
	}, nil
}

// ServerID is the identity stamped on every session this process creates.
func (e *Engine) ServerID() string { return e.serverID }

// CreateSession builds network, gateway and team containers and persists
// the session unstarted. Partial work is left in place on failure unless
// session.cleanup_on_failure is set.
func (e *Engine) CreateSession(ctx context.Context, in CreateInput) (CreateResult, error) {
	if in.NumTeams <= 0 || in.NumMembersPerTeam <= 0 {
		return CreateResult{}, fmt.Errorf("%w: team and member counts must be positive", ErrInvalidInput)
	}
	if in.AdminID == "" {
		return CreateResult{}, fmt.Errorf("%w: admin id is required", ErrInvalidInput)
	}
	scenarioID, buildDir, err := e.catalog.At(in.ScenarioIndex)
	if err != nil {
		return CreateResult{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Session.PoolReadyTimeoutSeconds)*time.Second)
	err = e.pool.WaitReady(waitCtx)
	cancel()
	if err != nil {
		return CreateResult{}, fmt.Errorf("%w: %v", ErrPoolNotReady, err)
	}
	port, ok := e.pool.AllocatePort()
	if !ok {
		e.metrics.IncSessionFailed()
		return CreateResult{}, fmt.Errorf("%w: no WireGuard ports available, please try again later", ErrNoCapacity)
	}

	sess := state.Session{
		ID:         newID(),
		NumTeams:   in.NumTeams,
		NumUsers:   in.NumTeams * in.NumMembersPerTeam,
		ScenarioID: scenarioID,
		AdminUID:   in.AdminID,
		ServerID:   e.serverID,
		WGPort:     port,
	}
	for i := 0; i < in.NumTeams; i++ {
		sess.TeamIDs = append(sess.TeamIDs, newID())
	}
	e.trackCreating(sess.ID, true)
	defer e.trackCreating(sess.ID, false)

	log := e.log.With(slog.String("session_id", sess.ID))
	log.Info("session_create_started",
		slog.String("scenario_id", scenarioID),
		slog.Int("teams", in.NumTeams),
		slog.Int("members_per_team", in.NumMembersPerTeam),
		slog.Int("port", port))

	fail := func(step string, err error) (CreateResult, error) {
		e.metrics.IncSessionFailed()
		log.Error("session_create_failed", slog.String("step", step), slog.String("error", err.Error()))
		if e.cfg.Session.CleanupOnFailure {
			if cerr := e.CleanupSession(context.WithoutCancel(ctx), sess); cerr != nil {
				log.Warn("session_rollback_incomplete", slog.String("error", cerr.Error()))
			}
		}
		return CreateResult{}, fmt.Errorf("%s: %w", step, err)
	}

	info, err := e.net.ProvisionNetwork(ctx, sess.ID)
	if err != nil {
		e.pool.ReleasePort(port)
		e.metrics.IncSessionFailed()
		if errors.Is(err, network.ErrNoSubnet) {
			return CreateResult{}, fmt.Errorf("%w: virtual network space is full, please try again later", ErrNoCapacity)
		}
		return CreateResult{}, fmt.Errorf("create network: %w", err)
	}
	sess.NetworkID = info.ID
	sess.NetworkName = info.Name
	sess.Subnet = info.Subnet.String()

	gwID, err := e.net.ProvisionGateway(ctx, network.GatewayRequest{
		SessionID:      sess.ID,
		Network:        info,
		Port:           port,
		NumTeams:       in.NumTeams,
		MembersPerTeam: in.NumMembersPerTeam,
		TeamIDs:        sess.TeamIDs,
	})
	sess.GatewayContainerID = gwID
	if err != nil {
		return fail("create gateway", err)
	}

	for i, teamID := range sess.TeamIDs {
		team := state.Team{
			ID:         teamID,
			Name:       "Team-" + strconv.Itoa(i+1),
			NumMembers: in.NumMembersPerTeam,
			MemberIDs:  []string{},
			SessionID:  sess.ID,
		}
		if err := e.createTeam(ctx, sess, &team, buildDir); err != nil {
			return fail("create "+team.Name, err)
		}
		log.Info("team_created", slog.String("team_id", team.ID), slog.String("container_id", team.ContainerID))
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	if e.cfg.Session.MaxLifetimeMinutes > 0 {
		sess.ExpiresAt = now.Add(time.Duration(e.cfg.Session.MaxLifetimeMinutes) * time.Minute)
	}
	if err := e.store.PutSession(ctx, sess); err != nil {
		return fail("persist session", err)
	}
	e.metrics.IncSessionCreated()
	e.refreshActive(ctx)
	log.Info("session_created", slog.String("network", sess.NetworkName), slog.String("subnet", sess.Subnet))
	return CreateResult{SessionID: sess.ID, TeamIDs: sess.TeamIDs}, nil
}

// createTeam starts the team container and persists the record as soon as
// the container exists so a later cleanup can find it.
func (e *Engine) createTeam(ctx context.Context, sess state.Session, team *state.Team, buildDir string) error {
	if err := e.rt.EnsureImage(ctx, sess.ScenarioID, buildDir); err != nil {
		return fmt.Errorf("ensure image: %w", err)
	}
	spec, err := e.teamContainerSpec(sess, *team)
	if err != nil {
		return err
	}
	id, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	team.ContainerID = id
	if err := e.store.PutTeam(ctx, *team); err != nil {
		return fmt.Errorf("persist team: %w", err)
	}
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return err
	}
	addr, err := e.layout.TunnelAddress(sess.ID, team.ID)
	if err != nil {
		return fmt.Errorf("tunnel address: %w", err)
	}
	team.IPAddress = addr
	if err := e.store.PutTeam(ctx, *team); err != nil {
		return fmt.Errorf("persist team: %w", err)
	}
	return nil
}

func (e *Engine) teamContainerSpec(sess state.Session, team state.Team) (runtime.ContainerSpec, error) {
	wgConf, err := e.layout.TeamConfigPath(sess.ID, team.ID)
	if err != nil {
		return runtime.ContainerSpec{}, err
	}
	binds := []string{wgConf + ":/etc/wireguard/wg0.conf:ro,z"}
	if e.cfg.Runtime.SupervisordConf != "" {
		binds = append(binds, e.cfg.Runtime.SupervisordConf+":/etc/supervisord.conf:ro,z")
	}
	rc := e.cfg.Runtime
	return runtime.ContainerSpec{
		Name:  "teamcon-" + team.Name + "-" + team.ID,
		Image: sess.ScenarioID,
		Env: []string{
			"PUID=" + strconv.Itoa(e.cfg.Gateway.PUID),
			"PGID=" + strconv.Itoa(e.cfg.Gateway.PGID),
		},
		TTY: true,
		Labels: map[string]string{
			runtime.LabelManaged:   "true",
			runtime.LabelSessionID: sess.ID,
			runtime.LabelTeamID:    team.ID,
			runtime.LabelRole:      "team",
			runtime.LabelServerID:  e.serverID,
		},
		Network: sess.NetworkName,
		Binds:   binds,
		CapAdd:  []string{"NET_ADMIN"},
		DNS:     rc.DNS,
		Sysctls: map[string]string{"net.ipv4.conf.all.src_valid_mark": "1"},
		Limits: runtime.Limits{
			CPUQuota:   rc.CPUQuota,
			CPUPeriod:  rc.CPUPeriod,
			Memory:     rc.MemoryBytes,
			MemorySwap: rc.MemorySwapBytes,
		},
		RestartPolicy: rc.RestartPolicy,
	}, nil
}

func (e *Engine) trackCreating(id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.creating[id] = struct{}{}
	} else {
		delete(e.creating, id)
	}
}

func (e *Engine) isCreating(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.creating[id]
	return ok
}

func (e *Engine) refreshActive(ctx context.Context) {
	list, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return
	}
	e.metrics.SetActiveSessions(len(list))
}

// ListSessions returns the sessions owned by this process.
func (e *Engine) ListSessions(ctx context.Context) ([]state.Session, error) {
	return e.store.ListSessionsByServer(ctx, e.serverID)
}

type HealthStatus struct {
	ActiveSessions   int
	PortsRemaining   int
	SubnetsRemaining int
	PoolReady        bool
}

func (e *Engine) Health(ctx context.Context) (HealthStatus, error) {
	st := HealthStatus{
		PortsRemaining:   e.pool.PortsRemaining(),
		SubnetsRemaining: e.pool.SubnetsRemaining(),
		PoolReady:        e.pool.Ready(),
	}
	list, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return st, err
	}
	st.ActiveSessions = len(list)
	return st, e.rt.Ping(ctx)
}

// Ready fails until the engine answers and the subnet scan is done.
func (e *Engine) Ready(ctx context.Context) error {
	if err := e.rt.Ping(ctx); err != nil {
		return err
	}
	if !e.pool.Ready() {
		return ErrPoolNotReady
	}
	return nil
}

// newID is 16 hex characters, the id format the gateway init script expects.
// Bytes 6 and 8 of a v4 uuid carry version and variant bits, so skip them.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(append(u[:6:6], u[10:12]...))
}
