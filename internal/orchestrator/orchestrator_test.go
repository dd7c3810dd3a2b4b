package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/network"
	"github.com/csai/battle-agent/internal/pool"
	"github.com/csai/battle-agent/internal/readiness"
	"github.com/csai/battle-agent/internal/runtime"
	"github.com/csai/battle-agent/internal/scenario"
	"github.com/csai/battle-agent/internal/state"
	"github.com/csai/battle-agent/internal/wireguard"
)

// fakeEngine stands in for the container engine. Starting a gateway
// behaves like the real image: it writes one wg0.conf per team and the
// readiness sentinel.
type fakeEngine struct {
	mu            sync.Mutex
	configRoot    string
	gatewayBroken bool
	failExec      string
	onExec        func()
	seq           int
	containers    map[string]runtime.ContainerSpec
	networks      map[string]string
	images        []string
	execs         []execCall
	removed       []string
	accounts      map[string]bool
}

type execCall struct {
	containerID string
	argv        []string
}

func newFakeEngine(root string) *fakeEngine {
	return &fakeEngine{
		configRoot: root,
		containers: map[string]runtime.ContainerSpec{},
		networks:   map[string]string{},
		accounts:   map[string]bool{},
	}
}

func notFound(what string) error { return fmt.Errorf("%w: no such %s", runtime.ErrNotFound, what) }

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) EnsureImage(_ context.Context, tag, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, tag)
	return nil
}

func (f *fakeEngine) PullImage(context.Context, string) error { return nil }

func (f *fakeEngine) CreateNetwork(_ context.Context, name string, _ netip.Prefix, _ netip.Addr, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("net-%d", f.seq)
	f.networks[id] = name
	return id, nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[id]; !ok {
		return notFound("network")
	}
	delete(f.networks, id)
	return nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = spec
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	spec, ok := f.containers[id]
	broken := f.gatewayBroken
	f.mu.Unlock()
	if !ok {
		return notFound("container")
	}
	if spec.Labels[runtime.LabelRole] != "gateway" || broken {
		return nil
	}
	sid := spec.Labels[runtime.LabelSessionID]
	var teamIDs []string
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, "TEAM_IDS="); ok {
			teamIDs = strings.Fields(v)
		}
	}
	for i, tid := range teamIDs {
		dir := filepath.Join(f.configRoot, sid, "container-"+tid)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		conf := fmt.Sprintf("[Interface]\nAddress = 10.12.0.%d/32\n", i+2)
		if err := os.WriteFile(filepath.Join(dir, "wg0.conf"), []byte(conf), 0o600); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(f.configRoot, sid, "init_done"), nil, 0o600)
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return notFound("container")
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return notFound("container")
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

// RunToCompletion remembers accounts per container so that an unguarded
// useradd for an existing user fails the way it does in a real container.
func (f *fakeEngine) RunToCompletion(_ context.Context, containerID string, argv []string) (runtime.ExecResult, error) {
	if f.onExec != nil {
		f.onExec()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execCall{containerID: containerID, argv: argv})
	script := strings.Join(argv, " ")
	if f.failExec != "" && strings.Contains(script, f.failExec) {
		return runtime.ExecResult{ExitCode: 1}, &runtime.ExitError{Cmd: argv, ExitCode: 1, Stderr: "boom"}
	}
	const useradd = "useradd -m -s /bin/bash "
	if i := strings.Index(script, useradd); i >= 0 {
		name := strings.TrimSuffix(strings.Fields(script[i+len(useradd):])[0], ";")
		key := containerID + "/" + name
		if f.accounts[key] && !strings.Contains(script, "id -u "+name) {
			return runtime.ExecResult{ExitCode: 9}, &runtime.ExitError{Cmd: argv, ExitCode: 9, Stderr: "useradd: user '" + name + "' already exists"}
		}
		f.accounts[key] = true
	}
	return runtime.ExecResult{}, nil
}

func (f *fakeEngine) ListManagedContainers(context.Context) ([]runtime.ManagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ManagedObject
	for id, spec := range f.containers {
		out = append(out, runtime.ManagedObject{
			ID:        id,
			Name:      "/" + spec.Name,
			SessionID: spec.Labels[runtime.LabelSessionID],
			ServerID:  spec.Labels[runtime.LabelServerID],
			Role:      spec.Labels[runtime.LabelRole],
		})
	}
	return out, nil
}

func (f *fakeEngine) ListManagedNetworks(context.Context) ([]runtime.ManagedObject, error) {
	return nil, nil
}

func (f *fakeEngine) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

type fakeCatalog []string

func (c fakeCatalog) At(i int) (string, string, error) {
	if i < 0 || i >= len(c) {
		return "", "", scenario.ErrInvalidScenario
	}
	return c[i], "/scenarios/" + c[i], nil
}

type harness struct {
	engine *Engine
	fake   *fakeEngine
	store  *state.FileStore
	pool   *pool.Pool
	root   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "wg-configs")

	cfg := config.Default()
	cfg.Session.ServerID = "node-a"
	cfg.Session.PoolReadyTimeoutSeconds = 1
	cfg.Gateway.ConfigRoot = root
	cfg.Pool.PortStart, cfg.Pool.PortEnd = 51820, 51821
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := pool.New(cfg.Pool.PortStart, cfg.Pool.PortEnd, netip.MustParsePrefix("172.12.0.0/22"), 24, nil)
	require.NoError(t, err)
	p.Start(context.Background(), pool.ScannerFunc(func(context.Context) ([]netip.Prefix, error) { return nil, nil }))
	require.NoError(t, p.WaitReady(context.Background()))

	st, err := state.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	fake := newFakeEngine(root)
	layout := wireguard.NewLayout(root)
	prov := network.New(fake, p, layout, network.Options{
		GatewayImage:   cfg.Gateway.Image,
		InternalSubnet: cfg.Gateway.InternalSubnet,
		HostOctet:      cfg.Gateway.HostOctet,
		ServerID:       cfg.Session.ServerID,
		Health:         readiness.Poller{Interval: time.Millisecond, Attempts: 3},
	}, nil)

	eng, err := New(cfg, Deps{
		Runtime:   fake,
		Store:     st,
		Pool:      p,
		Network:   prov,
		Layout:    layout,
		Scenarios: fakeCatalog{"scenario-a", "scenario-b"},
	})
	require.NoError(t, err)
	return &harness{engine: eng, fake: fake, store: st, pool: p, root: root}
}

func (h *harness) create(t *testing.T, teams, members int) CreateResult {
	t.Helper()
	res, err := h.engine.CreateSession(context.Background(), CreateInput{
		ScenarioIndex:     1,
		NumTeams:          teams,
		NumMembersPerTeam: members,
		AdminID:           "admin-uid",
	})
	require.NoError(t, err)
	return res
}

func TestCreateSessionProvisionsTeams(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.create(t, 2, 1)

	require.Len(t, res.TeamIDs, 2)
	assert.Len(t, res.SessionID, 16)
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Started)
	assert.Equal(t, "node-a", sess.ServerID)
	assert.Equal(t, "admin-uid", sess.AdminUID)
	assert.Equal(t, "scenario-b", sess.ScenarioID)
	assert.NotEmpty(t, sess.GatewayContainerID)
	assert.Equal(t, 51820, sess.WGPort)
	assert.Equal(t, "172.12.0.0/24", sess.Subnet)
	assert.Equal(t, "sessionNet-"+res.SessionID, sess.NetworkName)
	assert.False(t, sess.ExpiresAt.IsZero())

	for i, teamID := range res.TeamIDs {
		team, err := h.store.GetTeam(ctx, teamID)
		require.NoError(t, err)
		assert.Empty(t, team.MemberIDs)
		assert.NotEmpty(t, team.ContainerID)
		assert.Equal(t, fmt.Sprintf("Team-%d", i+1), team.Name)
		assert.Equal(t, fmt.Sprintf("10.12.0.%d", i+2), team.IPAddress)

		spec := h.fake.containers[team.ContainerID]
		assert.Equal(t, fmt.Sprintf("teamcon-Team-%d-%s", i+1, teamID), spec.Name)
		assert.Equal(t, "scenario-b", spec.Image)
		assert.Equal(t, sess.NetworkName, spec.Network)
		assert.Equal(t, filepath.Join(h.root, res.SessionID, "container-"+teamID, "wg0.conf")+":/etc/wireguard/wg0.conf:ro,z", spec.Binds[0])
		assert.Equal(t, int64(20000), spec.Limits.CPUQuota)
		assert.Equal(t, "unless-stopped", spec.RestartPolicy)
		assert.Equal(t, []string{"NET_ADMIN"}, spec.CapAdd)
	}
	assert.Equal(t, 1, h.pool.PortsRemaining())
}

func TestCreateSessionRejectsScenarioOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	for _, idx := range []int{-1, 2, 99} {
		_, err := h.engine.CreateSession(context.Background(), CreateInput{ScenarioIndex: idx, NumTeams: 1, NumMembersPerTeam: 1, AdminID: "a"})
		assert.ErrorIs(t, err, scenario.ErrInvalidScenario)
	}
	assert.Empty(t, h.fake.containers)
	assert.Empty(t, h.fake.networks)
	assert.Equal(t, 2, h.pool.PortsRemaining())
}

func TestCreateSessionRejectsBadCounts(t *testing.T) {
	h := newHarness(t, nil)
	for _, in := range []CreateInput{
		{NumTeams: 0, NumMembersPerTeam: 1, AdminID: "a"},
		{NumTeams: 1, NumMembersPerTeam: 0, AdminID: "a"},
		{NumTeams: 1, NumMembersPerTeam: 1},
	} {
		_, err := h.engine.CreateSession(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Empty(t, h.fake.networks)
}

func TestCreateSessionNoPortCapacity(t *testing.T) {
	h := newHarness(t, nil)
	h.create(t, 1, 1)
	h.create(t, 1, 1)

	_, err := h.engine.CreateSession(context.Background(), CreateInput{NumTeams: 1, NumMembersPerTeam: 1, AdminID: "a"})

	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Len(t, h.fake.networks, 2)
}

func TestCreateSessionNoSubnetReleasesPort(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Pool.PortEnd = 51830 })
	for i := 0; i < 4; i++ {
		h.create(t, 1, 1)
	}
	before := h.pool.PortsRemaining()

	_, err := h.engine.CreateSession(context.Background(), CreateInput{NumTeams: 1, NumMembersPerTeam: 1, AdminID: "a"})

	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, before, h.pool.PortsRemaining())
}

func TestCreateSessionGatewayUnhealthyKeepsPartialWork(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.gatewayBroken = true

	_, err := h.engine.CreateSession(context.Background(), CreateInput{NumTeams: 2, NumMembersPerTeam: 1, AdminID: "a"})

	assert.ErrorIs(t, err, network.ErrGatewayUnhealthy)
	sessions, lerr := h.store.ListSessions(context.Background())
	require.NoError(t, lerr)
	assert.Empty(t, sessions)
	assert.Len(t, h.fake.networks, 1)
	assert.Len(t, h.fake.containers, 1)
}

func TestCreateSessionCleanupOnFailure(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Session.CleanupOnFailure = true })
	h.fake.gatewayBroken = true
	subnets := h.pool.SubnetsRemaining()

	_, err := h.engine.CreateSession(context.Background(), CreateInput{NumTeams: 2, NumMembersPerTeam: 1, AdminID: "a"})

	assert.ErrorIs(t, err, network.ErrGatewayUnhealthy)
	assert.Empty(t, h.fake.networks)
	assert.Empty(t, h.fake.containers)
	assert.Equal(t, subnets, h.pool.SubnetsRemaining())
	assert.Equal(t, 2, h.pool.PortsRemaining())
}

func seedMembers(t *testing.T, h *harness, res CreateResult, members map[string][]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.PutUser(ctx, state.User{UID: "admin-uid", UserName: "admin"}))
	for i, teamID := range res.TeamIDs {
		team, err := h.store.GetTeam(ctx, teamID)
		require.NoError(t, err)
		team.MemberIDs = members[fmt.Sprint(i)]
		require.NoError(t, h.store.PutTeam(ctx, team))
		for _, uid := range team.MemberIDs {
			if uid == "admin-uid" {
				continue
			}
			require.NoError(t, h.store.PutUser(ctx, state.User{UID: uid, UserName: "user_" + uid, TeamID: teamID}))
		}
	}
}

func TestStartSessionProvisionsAccountsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 2)
	seedMembers(t, h, res, map[string][]string{"0": {"u1", "admin-uid"}, "1": {"u2", "u3"}})

	out, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, fmt.Sprintf("Session %s started successfully.", res.SessionID), out.Message)
	assert.Equal(t, []string{"u1", "admin-uid"}, out.TeamsAndMembers["Team-1"])
	// team 1: u1 + admin, team 2: u2 + u3 + admin, three steps each
	assert.Equal(t, 5*3, h.fake.execCount())
	assert.Equal(t, "/bin/sh", h.fake.execs[0].argv[0])

	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Started)
	assert.Equal(t, 4, sess.NumUsers)

	again, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, again.Success)
	assert.Equal(t, "Session is already started.", again.Message)
	assert.Equal(t, 5*3, h.fake.execCount())
	sess, err = h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Started)
}

func TestStartSessionRejectsNonAdmin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}, "1": {"u2"}})

	out, err := h.engine.StartSession(ctx, res.SessionID, "u1")

	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, out.Success)
	assert.Equal(t, "Only the session admin can start the session.", out.Message)
	assert.Zero(t, h.fake.execCount())
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Started)
}

func TestStartSessionUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.engine.StartSession(context.Background(), "missing", "admin-uid")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "Session not found.", out.Message)
}

func TestStartSessionTeamWithoutMembers(t *testing.T) {
	h := newHarness(t, nil)
	res := h.create(t, 2, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}})

	out, err := h.engine.StartSession(context.Background(), res.SessionID, "admin-uid")

	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Team Team-2 has no members.", out.Message)
	assert.Zero(t, h.fake.execCount())
}

func TestStartSessionMissingTeam(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}, "1": {"u2"}})
	require.NoError(t, h.store.DeleteTeam(ctx, res.TeamIDs[1]))

	out, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, fmt.Sprintf("Team with ID %s not found.", res.TeamIDs[1]), out.Message)
	assert.Zero(t, h.fake.execCount())
}

func TestStartSessionStepFailureAborts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}, "1": {"u2"}})
	h.fake.failExec = "useradd"

	out, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")

	assert.ErrorIs(t, err, ErrProvisioning)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "Team-1")
	assert.Contains(t, out.Message, "create user")
	// install sudo then the failing useradd; nothing after that
	assert.Equal(t, 2, h.fake.execCount())
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Started)
}

func TestStartSessionRetriesAfterPartialProvisioning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}, "1": {"u2"}})
	h.fake.failExec = "chpasswd"

	_, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")
	require.ErrorIs(t, err, ErrProvisioning)

	h.fake.failExec = ""
	out, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")

	require.NoError(t, err)
	assert.True(t, out.Success)
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Started)
}

func TestStartSessionDoesNotRecreateRemovedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 1, 1)
	seedMembers(t, h, res, map[string][]string{"0": {"u1"}})
	h.fake.onExec = func() { _ = h.store.DeleteSession(ctx, res.SessionID) }

	out, err := h.engine.StartSession(ctx, res.SessionID, "admin-uid")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, out.Success)
	assert.Equal(t, "Session was removed while it was being started.", out.Message)
	_, err = h.store.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestCleanupSessionToleratesMissingGateway(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 2, 1)
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	delete(h.fake.containers, sess.GatewayContainerID)
	subnets := h.pool.SubnetsRemaining()

	require.NoError(t, h.engine.CleanupSession(ctx, sess))

	assert.Empty(t, h.fake.containers)
	assert.Len(t, h.fake.removed, 2)
	for _, teamID := range res.TeamIDs {
		_, err := h.store.GetTeam(ctx, teamID)
		assert.ErrorIs(t, err, state.ErrNotFound)
	}
	_, err = h.store.GetSession(ctx, res.SessionID)
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.Empty(t, h.fake.networks)
	_, err = os.Stat(filepath.Join(h.root, res.SessionID))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, subnets+1, h.pool.SubnetsRemaining())

	got, ok := h.pool.AllocateSubnet()
	require.True(t, ok)
	assert.Equal(t, sess.Subnet, got.String())
}

func TestCleanupSessionTwiceIsQuiet(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 1, 1)
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)

	require.NoError(t, h.engine.CleanupSession(ctx, sess))
	require.NoError(t, h.engine.CleanupSession(ctx, sess))
	assert.Equal(t, 2, h.pool.PortsRemaining())
}

func TestCleanupAllSessionsOnlyOwn(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, 1, 1)
	h.create(t, 1, 1)
	foreign := state.Session{ID: "foreign", ServerID: "node-b", CreatedAt: time.Now()}
	require.NoError(t, h.store.PutSession(ctx, foreign))
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "foreign"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "stale"), 0o750))

	n, err := h.engine.CleanupAllSessions(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	left, err := h.store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "foreign", left[0].ID)
	assert.DirExists(t, filepath.Join(h.root, "foreign"))
	assert.NoDirExists(t, filepath.Join(h.root, "stale"))
	assert.Empty(t, h.fake.networks)
}

func TestCleanupSessionByIDRejectsForeign(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.PutSession(ctx, state.Session{ID: "foreign", ServerID: "node-b"}))

	assert.ErrorIs(t, h.engine.CleanupSessionByID(ctx, "foreign"), ErrForbidden)
	assert.ErrorIs(t, h.engine.CleanupSessionByID(ctx, "missing"), ErrNotFound)
}

func TestExpireDueCleansOverdueSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	old := h.create(t, 1, 1)
	fresh := h.create(t, 1, 1)
	sess, err := h.store.GetSession(ctx, old.SessionID)
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, h.store.PutSession(ctx, sess))

	n, err := h.engine.ExpireDue(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.store.GetSession(ctx, old.SessionID)
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = h.store.GetSession(ctx, fresh.SessionID)
	assert.NoError(t, err)
}

func TestReconcileRemovesOrphansAndReservesResources(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res := h.create(t, 1, 1)
	sess, err := h.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)

	h.fake.containers["orphan"] = runtime.ContainerSpec{Name: "teamcon-Team-1-x", Labels: map[string]string{
		runtime.LabelSessionID: "gone", runtime.LabelServerID: "node-a", runtime.LabelRole: "team",
	}}
	h.fake.containers["other-node"] = runtime.ContainerSpec{Name: "teamcon-Team-1-y", Labels: map[string]string{
		runtime.LabelSessionID: "gone", runtime.LabelServerID: "node-b", runtime.LabelRole: "team",
	}}

	// a fresh process sees the persisted session but an empty pool
	fresh, err := pool.New(51820, 51821, netip.MustParsePrefix("172.12.0.0/22"), 24, nil)
	require.NoError(t, err)
	fresh.Start(ctx, pool.ScannerFunc(func(context.Context) ([]netip.Prefix, error) { return nil, nil }))
	h.engine.pool = fresh

	summary, err := h.engine.Reconcile(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.RemovedContainers)
	assert.NotContains(t, h.fake.containers, "orphan")
	assert.Contains(t, h.fake.containers, "other-node")
	assert.Equal(t, 1, fresh.PortsRemaining())
	got, ok := fresh.AllocateSubnet()
	require.True(t, ok)
	assert.NotEqual(t, sess.Subnet, got.String())
}

func TestAccountStepsQuoteUserName(t *testing.T) {
	steps := accountSteps("alice")
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"install sudo", "create user", "set password"}, []string{steps[0].name, steps[1].name, steps[2].name})
	assert.Equal(t, "{ id -u alice >/dev/null 2>&1 || useradd -m -s /bin/bash alice; } && usermod -aG sudo alice && "+
		"{ grep -qxF 'alice ALL=(ALL) NOPASSWD:ALL' /etc/sudoers || echo 'alice ALL=(ALL) NOPASSWD:ALL' >> /etc/sudoers; }", steps[1].argv[2])
	assert.Equal(t, "echo alice:alice | chpasswd", steps[2].argv[2])
}

func TestMachineIDFallsBackToHostname(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(file, []byte("abc123\n"), 0o600))

	id, err := machineID([]string{filepath.Join(dir, "missing"), file}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	id, err = machineID([]string{filepath.Join(dir, "missing")}, func() (string, error) { return "host-1", nil })
	require.NoError(t, err)
	assert.Equal(t, "host-1", id)

	_, err = machineID(nil, func() (string, error) { return "", errors.New("no hostname") })
	assert.Error(t, err)
}
