package pool

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func newReadyPool(t *testing.T, used ...string) *Pool {
	t.Helper()
	p, err := New(51820, 51822, netip.MustParsePrefix("172.12.0.0/22"), 24, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	var prefixes []netip.Prefix
	for _, u := range used {
		prefixes = append(prefixes, netip.MustParsePrefix(u))
	}
	p.Start(context.Background(), ScannerFunc(func(context.Context) ([]netip.Prefix, error) { return prefixes, nil }))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	return p
}

func TestAllocateSubnetsInOrderUntilExhausted(t *testing.T) {
	p := newReadyPool(t)
	want := []string{"172.12.0.0/24", "172.12.1.0/24", "172.12.2.0/24", "172.12.3.0/24"}
	for _, w := range want {
		got, ok := p.AllocateSubnet()
		if !ok {
			t.Fatalf("expected subnet %s", w)
		}
		if got.String() != w {
			t.Fatalf("expected %s, got %s", w, got)
		}
	}
	if _, ok := p.AllocateSubnet(); ok {
		t.Fatal("expected exhaustion")
	}
	if p.SubnetsRemaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", p.SubnetsRemaining())
	}
}

func TestScanExcludesOverlapsBothDirections(t *testing.T) {
	// 172.12.1.5/32 sits inside a candidate; 172.12.2.0/23 contains two candidates.
	p := newReadyPool(t, "172.12.1.5/32", "172.12.2.0/23", "10.0.0.0/8")
	if p.SubnetsRemaining() != 1 {
		t.Fatalf("expected 1 subnet left, got %d", p.SubnetsRemaining())
	}
	got, _ := p.AllocateSubnet()
	if got.String() != "172.12.0.0/24" {
		t.Fatalf("unexpected subnet %s", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := newReadyPool(t)
	total := p.SubnetsRemaining()
	s, _ := p.AllocateSubnet()
	p.ReleaseSubnet(s)
	p.ReleaseSubnet(s)
	p.ReleaseSubnet(netip.MustParsePrefix("192.168.0.0/24"))
	if p.SubnetsRemaining() != total {
		t.Fatalf("expected %d subnets, got %d", total, p.SubnetsRemaining())
	}

	port, ok := p.AllocatePort()
	if !ok || port != 51820 {
		t.Fatalf("expected port 51820, got %d %v", port, ok)
	}
	p.ReleasePort(port)
	p.ReleasePort(port)
	p.ReleasePort(1)
	if p.PortsRemaining() != 3 {
		t.Fatalf("expected 3 ports, got %d", p.PortsRemaining())
	}
}

func TestReleasedSubnetIsReallocated(t *testing.T) {
	p := newReadyPool(t)
	first, _ := p.AllocateSubnet()
	p.ReleaseSubnet(first)
	again, ok := p.AllocateSubnet()
	if !ok || again != first {
		t.Fatalf("expected %s to be handed out again, got %s", first, again)
	}
}

func TestPortExhaustionDoesNotBlock(t *testing.T) {
	p := newReadyPool(t)
	for i := 0; i < 3; i++ {
		if _, ok := p.AllocatePort(); !ok {
			t.Fatalf("allocation %d failed", i)
		}
	}
	if _, ok := p.AllocatePort(); ok {
		t.Fatal("expected no port")
	}
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	p, err := New(40000, 40999, netip.MustParsePrefix("172.20.0.0/16"), 24, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.Start(context.Background(), nil)
	if err := p.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var mu sync.Mutex
	seenPorts := map[int]bool{}
	seenSubnets := map[netip.Prefix]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				port, okP := p.AllocatePort()
				sub, okS := p.AllocateSubnet()
				mu.Lock()
				if okP {
					if seenPorts[port] {
						t.Errorf("port %d handed out twice", port)
					}
					seenPorts[port] = true
				}
				if okS {
					if seenSubnets[sub] {
						t.Errorf("subnet %s handed out twice", sub)
					}
					seenSubnets[sub] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seenSubnets)+p.SubnetsRemaining() != 256 {
		t.Fatalf("subnet accounting broken: %d + %d", len(seenSubnets), p.SubnetsRemaining())
	}
	if len(seenPorts)+p.PortsRemaining() != 1000 {
		t.Fatalf("port accounting broken: %d + %d", len(seenPorts), p.PortsRemaining())
	}
}

func TestWaitReadyBeforeScanCompletes(t *testing.T) {
	p, _ := New(1, 2, netip.MustParsePrefix("172.12.0.0/24"), 24, nil)
	release := make(chan struct{})
	p.Start(context.Background(), ScannerFunc(func(context.Context) ([]netip.Prefix, error) {
		<-release
		return nil, nil
	}))
	if p.Ready() {
		t.Fatal("pool should still be initializing")
	}
	if _, ok := p.AllocateSubnet(); ok {
		t.Fatal("no subnet should be available before the scan")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(release)
	if err := p.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.SubnetsRemaining() != 1 {
		t.Fatalf("expected 1 subnet, got %d", p.SubnetsRemaining())
	}
}

func TestScanFailureLeavesNoSubnets(t *testing.T) {
	p, _ := New(1, 2, netip.MustParsePrefix("172.12.0.0/23"), 24, nil)
	p.Start(context.Background(), ScannerFunc(func(context.Context) ([]netip.Prefix, error) {
		return nil, errors.New("docker down")
	}))
	if err := p.WaitReady(context.Background()); err == nil {
		t.Fatal("expected scan error")
	}
	if p.SubnetsRemaining() != 0 {
		t.Fatal("expected no subnets after failed scan")
	}
}

func TestReserveRemovesFromAvailable(t *testing.T) {
	p := newReadyPool(t)
	p.Reserve(netip.MustParsePrefix("172.12.0.0/24"), 51820)
	got, _ := p.AllocateSubnet()
	if got.String() == "172.12.0.0/24" {
		t.Fatal("reserved subnet handed out")
	}
	port, _ := p.AllocatePort()
	if port == 51820 {
		t.Fatal("reserved port handed out")
	}
	p.ReleaseSubnet(netip.MustParsePrefix("172.12.0.0/24"))
	p.ReleasePort(51820)
	if p.PortsRemaining() != 2 {
		t.Fatalf("expected 2 ports, got %d", p.PortsRemaining())
	}
}
