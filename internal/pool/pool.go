// Package pool hands out the scarce per-session resources: gateway UDP ports
// and session subnets.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// SubnetScanner reports prefixes already in use on the host.
type SubnetScanner interface {
	UsedSubnets(ctx context.Context) ([]netip.Prefix, error)
}

type ScannerFunc func(ctx context.Context) ([]netip.Prefix, error)

func (f ScannerFunc) UsedSubnets(ctx context.Context) ([]netip.Prefix, error) { return f(ctx) }

// Pool keeps every resource in exactly one of available or allocated.
// Allocation pops from the tail of the available list; release pushes back.
type Pool struct {
	mu sync.Mutex

	ports          []int
	portsAllocated map[int]struct{}

	candidates       []netip.Prefix
	subnets          []netip.Prefix
	subnetsAllocated map[netip.Prefix]struct{}

	ready   chan struct{}
	started bool
	scanErr error
	log     *slog.Logger
}

// New builds a pool over ports [portStart, portEnd] and every /prefixLen block
// of cidr. Subnets stay unavailable until Start finishes the host scan.
func New(portStart, portEnd int, cidr netip.Prefix, prefixLen int, logger *slog.Logger) (*Pool, error) {
	if portStart > portEnd {
		return nil, fmt.Errorf("invalid port range %d-%d", portStart, portEnd)
	}
	candidates, err := splitPrefix(cidr, prefixLen)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pool{
		portsAllocated:   map[int]struct{}{},
		candidates:       candidates,
		subnetsAllocated: map[netip.Prefix]struct{}{},
		ready:            make(chan struct{}),
		log:              logger,
	}
	// Reverse order so the lowest port and subnet are handed out first.
	for port := portEnd; port >= portStart; port-- {
		p.ports = append(p.ports, port)
	}
	return p, nil
}

// Start runs the host scan once in the background. Only the first call has any effect.
func (p *Pool) Start(ctx context.Context, scanner SubnetScanner) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		var used []netip.Prefix
		var err error
		if scanner != nil {
			used, err = scanner.UsedSubnets(ctx)
		}
		p.finishScan(used, err)
	}()
}

func (p *Pool) finishScan(used []netip.Prefix, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(p.ready)
	if err != nil {
		// Without a scan we cannot tell which subnets collide; hand out none.
		p.scanErr = fmt.Errorf("scan host subnets: %w", err)
		p.log.Error("subnet_scan_failed", slog.String("error", err.Error()))
		return
	}
	excluded := 0
	for i := len(p.candidates) - 1; i >= 0; i-- {
		c := p.candidates[i]
		if Overlaps(c, used) {
			excluded++
			continue
		}
		p.subnets = append(p.subnets, c)
	}
	p.log.Info("subnet_pool_ready", slog.Int("available", len(p.subnets)), slog.Int("excluded", excluded))
}

// WaitReady blocks until the host scan has completed or ctx is done.
func (p *Pool) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.scanErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Ready() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

func (p *Pool) AllocatePort() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ports) == 0 {
		return 0, false
	}
	port := p.ports[len(p.ports)-1]
	p.ports = p.ports[:len(p.ports)-1]
	p.portsAllocated[port] = struct{}{}
	return port, true
}

// ReleasePort is a no-op for ports that are not currently allocated.
func (p *Pool) ReleasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.portsAllocated[port]; !ok {
		return
	}
	delete(p.portsAllocated, port)
	p.ports = append(p.ports, port)
}

func (p *Pool) PortsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ports)
}

func (p *Pool) AllocateSubnet() (netip.Prefix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subnets) == 0 {
		return netip.Prefix{}, false
	}
	s := p.subnets[len(p.subnets)-1]
	p.subnets = p.subnets[:len(p.subnets)-1]
	p.subnetsAllocated[s] = struct{}{}
	return s, true
}

// ReleaseSubnet is a no-op for subnets that are not currently allocated.
func (p *Pool) ReleaseSubnet(s netip.Prefix) {
	s = s.Masked()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subnetsAllocated[s]; !ok {
		return
	}
	delete(p.subnetsAllocated, s)
	p.subnets = append(p.subnets, s)
}

// Reserve marks a subnet and port as allocated without popping them in order.
// It is used to re-adopt resources of sessions persisted by an earlier run.
func (p *Pool) Reserve(s netip.Prefix, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.IsValid() {
		s = s.Masked()
		for i, c := range p.subnets {
			if c == s {
				p.subnets = append(p.subnets[:i], p.subnets[i+1:]...)
				p.subnetsAllocated[s] = struct{}{}
				break
			}
		}
	}
	for i, c := range p.ports {
		if c == port {
			p.ports = append(p.ports[:i], p.ports[i+1:]...)
			p.portsAllocated[port] = struct{}{}
			break
		}
	}
}

func (p *Pool) SubnetsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subnets)
}

// Overlaps reports whether dst overlaps any prefix, in either containment direction.
func Overlaps(dst netip.Prefix, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Addr().Is4() != dst.Addr().Is4() {
			continue
		}
		if p.Contains(dst.Addr()) || dst.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

func splitPrefix(cidr netip.Prefix, prefixLen int) ([]netip.Prefix, error) {
	cidr = cidr.Masked()
	if !cidr.Addr().Is4() {
		return nil, errors.New("subnet pool must be IPv4")
	}
	if prefixLen < cidr.Bits() || prefixLen > 30 {
		return nil, fmt.Errorf("prefix length %d does not fit %s", prefixLen, cidr)
	}
	count := 1 << (prefixLen - cidr.Bits())
	step := uint32(1) << (32 - prefixLen)
	base := cidr.Addr().As4()
	start := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	out := make([]netip.Prefix, 0, count)
	for i := 0; i < count; i++ {
		v := start + uint32(i)*step
		addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		out = append(out, netip.PrefixFrom(addr, prefixLen))
	}
	return out, nil
}
