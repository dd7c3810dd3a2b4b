package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"

	"github.com/csai/battle-agent/internal/pool"
)

type ruleLister interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Chains that see gateway traffic before docker's own rules accept it.
var guardedChains = []struct{ table, chain string }{
	{"raw", "PREROUTING"},
	{"filter", "INPUT"},
	{"filter", "FORWARD"},
}

type portRange struct{ lo, hi int }

func (p portRange) overlaps(o portRange) bool { return p.lo <= o.hi && o.lo <= p.hi }

func (p portRange) String() string {
	if p.lo == p.hi {
		return strconv.Itoa(p.lo)
	}
	return fmt.Sprintf("%d:%d", p.lo, p.hi)
}

// firewallScope is what session traffic needs to reach: the subnet pool,
// subnets of sessions this server already runs, and the gateway UDP ports.
type firewallScope struct {
	prefixes []netip.Prefix
	ports    []portRange
}

// StartupSelfCheck refuses to serve when a host firewall rule would drop
// traffic towards session subnets or the gateway port range.
func (e *Engine) StartupSelfCheck(ctx context.Context) error {
	if !e.cfg.Runtime.FirewallCheck {
		return nil
	}
	scope, err := e.firewallScope(ctx)
	if err != nil {
		return err
	}
	return checkFirewall(ctx, execRunner{}, scope, e.log)
}

func (e *Engine) firewallScope(ctx context.Context) (firewallScope, error) {
	cidr, err := netip.ParsePrefix(e.cfg.Pool.SubnetCIDR)
	if err != nil {
		return firewallScope{}, fmt.Errorf("parse subnet pool %q: %w", e.cfg.Pool.SubnetCIDR, err)
	}
	configured := portRange{e.cfg.Pool.PortStart, e.cfg.Pool.PortEnd}
	scope := firewallScope{prefixes: []netip.Prefix{cidr.Masked()}, ports: []portRange{configured}}

	sessions, err := e.store.ListSessionsByServer(ctx, e.serverID)
	if err != nil {
		return scope, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if subnet, err := netip.ParsePrefix(s.Subnet); err == nil && !containsPrefix(cidr, subnet) {
			scope.prefixes = append(scope.prefixes, subnet.Masked())
		}
		if s.WGPort > 0 && !configured.overlaps(portRange{s.WGPort, s.WGPort}) {
			scope.ports = append(scope.ports, portRange{s.WGPort, s.WGPort})
		}
	}
	return scope, nil
}

func containsPrefix(outer, inner netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

func checkFirewall(ctx context.Context, runner ruleLister, scope firewallScope, log *slog.Logger) error {
	var offenders []string
	for _, c := range guardedChains {
		out, err := runner.Output(ctx, "iptables", "-t", c.table, "-S", c.chain)
		if err != nil {
			if iptablesUnavailable(err) {
				log.Warn("firewall_check_skipped",
					slog.String("table", c.table),
					slog.String("chain", c.chain),
					slog.String("error", err.Error()))
				continue
			}
			return fmt.Errorf("list %s %s rules: %w", c.table, c.chain, err)
		}
		for _, line := range strings.Split(string(out), "\n") {
			rule, ok := parseRule(line)
			if !ok || !rule.discards() {
				continue
			}
			if reason := scope.blockedBy(rule); reason != "" {
				offenders = append(offenders, fmt.Sprintf("%s/%s %q (%s)", c.table, c.chain, rule.text, reason))
			}
		}
	}
	if len(offenders) == 0 {
		return nil
	}
	if len(offenders) > 3 {
		offenders = offenders[:3]
	}
	return fmt.Errorf("startup firewall check failed; rules drop session traffic: %s", strings.Join(offenders, " | "))
}

func iptablesUnavailable(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		msg += " " + strings.ToLower(string(ee.Stderr))
	}
	for _, s := range []string{"executable file not found", "permission denied", "operation not permitted", "table does not exist"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// iptablesRule holds the matches of one "-A" line that decide whether it
// hits session traffic. Negated matches are left unset.
type iptablesRule struct {
	text   string
	target string
	proto  string
	dest   netip.Prefix
	ports  []portRange
}

func parseRule(line string) (iptablesRule, bool) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "-A" {
		return iptablesRule{}, false
	}
	r := iptablesRule{text: line}
	negated := false
	for i := 2; i < len(fields); i++ {
		if fields[i] == "!" {
			negated = true
			continue
		}
		value := ""
		if i+1 < len(fields) {
			value = fields[i+1]
		}
		switch fields[i] {
		case "-j", "--jump":
			r.target = value
			i++
		case "-p", "--protocol":
			if !negated {
				r.proto = strings.ToLower(value)
			}
			i++
		case "-d", "--destination":
			if !negated {
				r.dest, _ = parseIPOrCIDR(value)
			}
			i++
		case "--dport", "--dports", "--destination-port", "--destination-ports":
			if !negated {
				r.ports = parsePorts(value)
			}
			i++
		}
		negated = false
	}
	return r, true
}

func (r iptablesRule) discards() bool { return r.target == "DROP" || r.target == "REJECT" }

func (s firewallScope) blockedBy(r iptablesRule) string {
	if r.dest.IsValid() && pool.Overlaps(r.dest, s.prefixes) {
		return "destination " + r.dest.String()
	}
	if r.proto != "udp" {
		return ""
	}
	for _, got := range r.ports {
		for _, want := range s.ports {
			if got.overlaps(want) {
				return "udp port " + got.String()
			}
		}
	}
	return ""
}

// parsePorts reads "51820", "51820:51830" or a multiport list of either.
func parsePorts(value string) []portRange {
	var out []portRange
	for _, part := range strings.Split(value, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				continue
			}
		}
		out = append(out, portRange{start, end})
	}
	return out
}

func parseIPOrCIDR(value string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(value); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
