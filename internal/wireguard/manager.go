// Package wireguard knows the on-disk layout the gateway container writes:
// one directory per session holding a readiness sentinel, one wg0.conf per
// team container and one wg1.conf plus QR code per player.
package wireguard

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var ErrConfigMissing = errors.New("wireguard config missing")

const sentinelName = "init_done"

type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

func (l *Layout) Root() string { return l.root }

// SessionDir is the directory bind-mounted into the gateway as /config.
func (l *Layout) SessionDir(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("empty session id")
	}
	return securejoin.SecureJoin(l.root, sessionID)
}

func (l *Layout) SentinelPath(sessionID string) (string, error) {
	return l.join(sessionID, sentinelName)
}

// TeamConfigPath is the wg0.conf mounted read-only into a team container.
func (l *Layout) TeamConfigPath(sessionID, teamID string) (string, error) {
	return l.join(sessionID, "container-"+teamID, "wg0.conf")
}

type MemberConfig struct {
	Config string
	QRCode []byte
}

// MemberConfig reads the n-th (1-based) player profile of a team.
func (l *Layout) MemberConfig(sessionID, teamID string, n int) (MemberConfig, error) {
	if n < 1 {
		return MemberConfig{}, fmt.Errorf("invalid member slot %d", n)
	}
	dir := strconv.Itoa(n) + "-member-" + teamID
	confPath, err := l.join(sessionID, dir, "wg1.conf")
	if err != nil {
		return MemberConfig{}, err
	}
	pngPath, err := l.join(sessionID, dir, "wg1.png")
	if err != nil {
		return MemberConfig{}, err
	}
	conf, err := readConfig(confPath)
	if err != nil {
		return MemberConfig{}, err
	}
	png, err := readConfig(pngPath)
	if err != nil {
		return MemberConfig{}, err
	}
	return MemberConfig{Config: string(conf), QRCode: png}, nil
}

// TunnelAddress returns the team container's tunnel address from the value
// of the first line starting with "Address".
func (l *Layout) TunnelAddress(sessionID, teamID string) (string, error) {
	path, err := l.TeamConfigPath(sessionID, teamID)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return "", fmt.Errorf("open team config: %w", err)
	}
	defer f.Close()
	return parseAddress(f, path)
}

func parseAddress(f *os.File, path string) (string, error) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "Address") {
			continue
		}
		_, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if first, _, found := strings.Cut(value, ","); found {
			value = strings.TrimSpace(first)
		}
		if p, err := netip.ParsePrefix(value); err == nil {
			return p.Addr().String(), nil
		}
		return value, nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read team config: %w", err)
	}
	return "", fmt.Errorf("%w: no Address line in %s", ErrConfigMissing, path)
}

// RemoveSession deletes the whole per-session tree; a missing tree is fine.
func (l *Layout) RemoveSession(sessionID string) error {
	dir, err := l.SessionDir(sessionID)
	if err != nil {
		return err
	}
	if dir == filepath.Clean(l.root) {
		return errors.New("refusing to remove config root")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session configs: %w", err)
	}
	return nil
}

// PruneOrphans removes session directories whose id is not in keep and
// returns the ids it removed.
func (l *Layout) PruneOrphans(keep map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config root: %w", err)
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := l.RemoveSession(e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

func (l *Layout) join(sessionID string, parts ...string) (string, error) {
	if sessionID == "" {
		return "", errors.New("empty session id")
	}
	return securejoin.SecureJoin(l.root, filepath.Join(append([]string{sessionID}, parts...)...))
}

func readConfig(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return b, nil
}

// PeerCount is one peer per player plus one per team container.
func PeerCount(numTeams, membersPerTeam int) int {
	return numTeams*membersPerTeam + numTeams
}

type GatewayParams struct {
	PUID           int
	PGID           int
	NumTeams       int
	MembersPerTeam int
	InternalSubnet string
	ServerIP       string
	ServerPort     int
	TeamIDs        []string
}

// Env is the environment understood by the gateway image and its init script.
func (p GatewayParams) Env() []string {
	return []string{
		"PUID=" + strconv.Itoa(p.PUID),
		"PGID=" + strconv.Itoa(p.PGID),
		"PEERS=" + strconv.Itoa(PeerCount(p.NumTeams, p.MembersPerTeam)),
		"INTERNAL_SUBNET=" + p.InternalSubnet,
		"ALLOWEDIPS=" + p.InternalSubnet,
		"SERVERURL=" + p.ServerIP,
		"PERSISTENTKEEPALIVE_PEERS=all",
		"NUM_TEAMS=" + strconv.Itoa(p.NumTeams),
		"NUM_PLAYERS=" + strconv.Itoa(p.MembersPerTeam),
		"SERVER_IP=" + p.ServerIP,
		"SERVER_PORT=" + strconv.Itoa(p.ServerPort),
		"TEAM_IDS=" + strings.Join(p.TeamIDs, " "),
	}
}
