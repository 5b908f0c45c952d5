package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"

	ps "github.com/mitchellh/go-ps"
	gnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/atomic"

	pnet "github.com/jinmuyano/proctraffic"
)

type fakeLister struct {
	conns []gnet.ConnectionStat
	err   error
}

func (f *fakeLister) Connections(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return f.conns, f.err
}

type fakeProc struct {
	pid int
	exe string
}

func (p fakeProc) Pid() int           { return p.pid }
func (p fakeProc) PPid() int          { return 1 }
func (p fakeProc) Executable() string { return p.exe }

func tcpConn(pid int32, lip string, lport uint32, rip string, rport uint32) gnet.ConnectionStat {
	return gnet.ConnectionStat{
		Family: syscall.AF_INET,
		Type:   syscall.SOCK_STREAM,
		Laddr:  gnet.Addr{IP: lip, Port: lport},
		Raddr:  gnet.Addr{IP: rip, Port: rport},
		Status: "ESTABLISHED",
		Pid:    pid,
	}
}

func udpConn(pid int32, lip string, lport uint32) gnet.ConnectionStat {
	return gnet.ConnectionStat{
		Family: syscall.AF_INET,
		Type:   syscall.SOCK_DGRAM,
		Laddr:  gnet.Addr{IP: lip, Port: lport},
		Pid:    pid,
	}
}

var names = map[int32]string{100: "curl", 200: "sshd", 300: "dnsmasq", 400: "nginx"}

func fakeLookup(ctx context.Context, pid int32) (pnet.ProcessIdentity, error) {
	name, ok := names[pid]
	if !ok {
		return pnet.ProcessIdentity{}, os.ErrPermission
	}
	return pnet.ProcessIdentity{Pid: pid, Name: name, Cmdline: name}, nil
}

func newTestResolver(conns ...gnet.ConnectionStat) *Resolver {
	return New(
		WithConnectionLister(&fakeLister{conns: conns}),
		WithIdentityLookup(fakeLookup),
	)
}

func tuple(lip string, lport uint16, rip string, rport uint16, proto pnet.Transport) pnet.ConnectionTuple {
	return pnet.ConnectionTuple{
		LocalIP:    net.ParseIP(lip),
		LocalPort:  lport,
		RemoteIP:   net.ParseIP(rip),
		RemotePort: rport,
		Protocol:   proto,
	}
}

func TestResolveByConnection(t *testing.T) {
	r := newTestResolver(
		tcpConn(400, "10.0.0.2", 8080, "10.0.0.9", 5000),
		tcpConn(200, "10.0.0.2", 22, "192.168.1.5", 51000),
		tcpConn(100, "10.0.0.2", 40000, "93.184.216.34", 443),
		udpConn(300, "0.0.0.0", 53),
	)
	ctx := context.Background()

	cases := []struct {
		name  string
		tuple pnet.ConnectionTuple
		pid   int32
		found bool
	}{
		{"forward", tuple("10.0.0.2", 40000, "93.184.216.34", 443, pnet.TransportTCP), 100, true},
		{"reversed", tuple("93.184.216.34", 443, "10.0.0.2", 40000, pnet.TransportTCP), 100, true},
		{"v4 mapped", tuple("::ffff:10.0.0.2", 22, "192.168.1.5", 51000, pnet.TransportTCP), 200, true},
		{"partial local port", tuple("10.0.0.2", 8080, "10.0.0.77", 6000, pnet.TransportTCP), 400, true},
		{"bound datagram", tuple("10.0.0.2", 53, "8.8.8.8", 33000, pnet.TransportUDP), 300, true},
		{"transport mismatch", tuple("10.0.0.2", 53, "8.8.8.8", 33000, pnet.TransportTCP), 0, false},
		{"unknown tuple", tuple("10.0.0.2", 1234, "1.2.3.4", 80, pnet.TransportTCP), 0, false},
		{"remote port is not local", tuple("10.0.0.2", 1234, "1.2.3.4", 8080, pnet.TransportTCP), 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := r.ResolveByConnection(ctx, tc.tuple)
			if ok != tc.found {
				t.Fatalf("expected found=%v, got %v (%+v)", tc.found, ok, id)
			}
			if ok && id.Pid != tc.pid {
				t.Fatalf("expected pid=%d, got %+v", tc.pid, id)
			}
		})
	}
}

func TestResolveByConnectionExactBeatsPartial(t *testing.T) {
	// the partial candidate is scanned first, the exact match must still win
	r := newTestResolver(
		tcpConn(400, "10.0.0.2", 40000, "10.0.0.50", 9999),
		tcpConn(100, "10.0.0.2", 40000, "93.184.216.34", 443),
	)
	id, ok := r.ResolveByConnection(context.Background(), tuple("10.0.0.2", 40000, "93.184.216.34", 443, pnet.TransportTCP))
	if !ok || id.Pid != 100 {
		t.Fatalf("expected exact match pid=100, got %+v ok=%v", id, ok)
	}
}

func TestResolveByConnectionFirstPartialWins(t *testing.T) {
	r := newTestResolver(
		tcpConn(400, "10.0.0.2", 8080, "10.0.0.50", 1),
		tcpConn(100, "10.0.0.2", 8080, "10.0.0.51", 2),
	)
	id, ok := r.ResolveByConnection(context.Background(), tuple("10.0.0.2", 8080, "10.0.0.99", 3, pnet.TransportTCP))
	if !ok || id.Pid != 400 {
		t.Fatalf("expected first partial match pid=400, got %+v ok=%v", id, ok)
	}
}

func TestResolveUnresolvablePid(t *testing.T) {
	r := newTestResolver(tcpConn(999, "10.0.0.2", 40000, "1.1.1.1", 443))
	if id, ok := r.ResolveByConnection(context.Background(), tuple("10.0.0.2", 40000, "1.1.1.1", 443, pnet.TransportTCP)); ok {
		t.Fatalf("expected no identity for pid without access, got %+v", id)
	}
}

func TestResolveByPort(t *testing.T) {
	r := newTestResolver(
		tcpConn(100, "10.0.0.2", 40000, "1.1.1.1", 443),
		udpConn(300, "127.0.0.1", 53),
	)
	ctx := context.Background()

	if id, ok := r.ResolveByPort(ctx, 40000, pnet.TransportTCP); !ok || id.Pid != 100 {
		t.Fatalf("expected pid=100, got %+v ok=%v", id, ok)
	}
	if id, ok := r.ResolveByPort(ctx, 53, pnet.TransportUnknown); !ok || id.Pid != 300 {
		t.Fatalf("expected pid=300, got %+v ok=%v", id, ok)
	}
	if _, ok := r.ResolveByPort(ctx, 53, pnet.TransportTCP); ok {
		t.Fatalf("expected no tcp owner on port 53")
	}
	if _, ok := r.ResolveByPort(ctx, 443, pnet.TransportTCP); ok {
		t.Fatalf("remote port must not resolve")
	}
	if _, ok := r.ResolveByPort(ctx, 0, pnet.TransportTCP); ok {
		t.Fatalf("port 0 must not resolve")
	}
}

type countingLister struct {
	fakeLister
	calls atomic.Int64
}

func (c *countingLister) Connections(ctx context.Context) ([]gnet.ConnectionStat, error) {
	c.calls.Inc()
	return c.fakeLister.Connections(ctx)
}

func TestResolveQueriesTableOnce(t *testing.T) {
	lister := &countingLister{fakeLister: fakeLister{conns: []gnet.ConnectionStat{
		tcpConn(100, "10.0.0.2", 40000, "1.1.1.1", 443),
		udpConn(300, "0.0.0.0", 53),
	}}}
	r := New(WithConnectionLister(lister), WithIdentityLookup(fakeLookup))
	ctx := context.Background()

	cases := []struct {
		name  string
		tuple pnet.ConnectionTuple
		pid   int32
		found bool
	}{
		{"exact", tuple("10.0.0.2", 40000, "1.1.1.1", 443, pnet.TransportTCP), 100, true},
		{"port fallback", tuple("10.0.0.2", 53, "8.8.8.8", 33000, pnet.TransportUDP), 300, true},
		{"unknown", tuple("10.0.0.2", 41000, "8.8.8.8", 80, pnet.TransportTCP), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := lister.calls.Load()
			id, ok := r.Resolve(ctx, tc.tuple)
			if ok != tc.found || (ok && id.Pid != tc.pid) {
				t.Fatalf("expected pid=%d found=%v, got %+v ok=%v", tc.pid, tc.found, id, ok)
			}
			if n := lister.calls.Load() - before; n != 1 {
				t.Fatalf("expected one connection table query, got %d", n)
			}
		})
	}
}

func TestConnectionTableErrorsAreSilent(t *testing.T) {
	r := New(
		WithConnectionLister(&fakeLister{
			conns: []gnet.ConnectionStat{tcpConn(100, "10.0.0.2", 40000, "1.1.1.1", 443)},
			err:   syscall.EACCES,
		}),
		WithIdentityLookup(fakeLookup),
	)
	id, ok := r.ResolveByConnection(context.Background(), tuple("10.0.0.2", 40000, "1.1.1.1", 443, pnet.TransportTCP))
	if !ok || id.Pid != 100 {
		t.Fatalf("partial table should still resolve, got %+v ok=%v", id, ok)
	}

	r = New(WithConnectionLister(&fakeLister{err: errors.New("boom")}), WithIdentityLookup(fakeLookup))
	if _, ok := r.ResolveByPort(context.Background(), 40000, pnet.TransportTCP); ok {
		t.Fatalf("expected not found on failed query")
	}
}

func TestAllNetworkProcesses(t *testing.T) {
	r := newTestResolver(
		tcpConn(400, "10.0.0.2", 8080, "10.0.0.9", 5000),
		tcpConn(400, "10.0.0.2", 8080, "10.0.0.10", 5001),
		tcpConn(100, "10.0.0.2", 40000, "1.1.1.1", 443),
		tcpConn(999, "10.0.0.2", 40001, "1.1.1.1", 443),
		udpConn(0, "0.0.0.0", 68),
	)
	procs, err := r.AllNetworkProcesses(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(procs) != 2 || procs[0].Pid != 100 || procs[1].Pid != 400 {
		t.Fatalf("unexpected processes: %+v", procs)
	}
}

func TestIdentityCacheDroppedOnRefresh(t *testing.T) {
	var calls int
	var mu sync.Mutex
	lookup := func(ctx context.Context, pid int32) (pnet.ProcessIdentity, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return pnet.ProcessIdentity{Pid: pid, Name: "p"}, nil
	}
	r := New(
		WithConnectionLister(&fakeLister{conns: []gnet.ConnectionStat{tcpConn(100, "10.0.0.2", 1, "1.1.1.1", 2)}}),
		WithIdentityLookup(lookup),
		WithProcessLister(func() ([]ps.Process, error) { return nil, nil }),
		WithProcRoot(t.TempDir()),
	)
	ctx := context.Background()
	r.ResolveByPort(ctx, 1, pnet.TransportTCP)
	r.ResolveByPort(ctx, 1, pnet.TransportTCP)
	if calls != 1 {
		t.Fatalf("expected cached identity, lookups=%d", calls)
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	r.ResolveByPort(ctx, 1, pnet.TransportTCP)
	if calls != 2 {
		t.Fatalf("expected lookup after refresh, lookups=%d", calls)
	}
}

// makeProcFd fakes /proc/<pid>/fd with symlinks shaped like the kernel's.
func makeProcFd(t *testing.T, root string, pid int, targets ...string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid), "fd")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, target := range targets {
		if err := os.Symlink(target, filepath.Join(dir, strconv.Itoa(i))); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRefreshBuildsSocketTable(t *testing.T) {
	root := t.TempDir()
	makeProcFd(t, root, 100, "/dev/null", "socket:[1001]", "pipe:[5]", "socket:[1002]")
	makeProcFd(t, root, 200, "socket:[2001]")
	makeProcFd(t, root, 300, "/var/log/syslog")

	procs := []ps.Process{
		fakeProc{100, "curl"},
		fakeProc{200, "sshd"},
		fakeProc{300, "rsyslogd"},
		fakeProc{400, "gone"}, // exited before the scan
	}
	r := New(
		WithProcessLister(func() ([]ps.Process, error) { return procs, nil }),
		WithProcRoot(root),
	)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if r.TableSize() != 3 {
		t.Fatalf("expected 3 sockets, got %d", r.TableSize())
	}
	if id, ok := r.OwnerOfInode("1002"); !ok || id.Pid != 100 || id.Name != "curl" {
		t.Fatalf("unexpected owner of 1002: %+v ok=%v", id, ok)
	}
	if id, ok := r.OwnerOfInode("2001"); !ok || id.Pid != 200 {
		t.Fatalf("unexpected owner of 2001: %+v ok=%v", id, ok)
	}
	if _, ok := r.OwnerOfInode("5"); ok {
		t.Fatalf("pipes must not be recorded")
	}

	// a full rebuild forgets sockets that disappeared
	procs = procs[1:2]
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := r.OwnerOfInode("1001"); ok {
		t.Fatalf("stale socket survived refresh")
	}
	if r.Revision() != 2 {
		t.Fatalf("expected revision 2, got %d", r.Revision())
	}
}

func TestRefreshListError(t *testing.T) {
	r := New(WithProcessLister(func() ([]ps.Process, error) { return nil, errors.New("no procfs") }))
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if r.Revision() != 0 {
		t.Fatalf("failed refresh must not publish a table")
	}
}

func TestRefreshConcurrentWithLookups(t *testing.T) {
	root := t.TempDir()
	const perGen = 50
	var procsA, procsB []ps.Process
	for i := 0; i < perGen; i++ {
		makeProcFd(t, root, 1000+i, fmt.Sprintf("socket:[%d]", 10000+i))
		makeProcFd(t, root, 2000+i, fmt.Sprintf("socket:[%d]", 20000+i), fmt.Sprintf("socket:[%d]", 30000+i))
		procsA = append(procsA, fakeProc{1000 + i, "a"})
		procsB = append(procsB, fakeProc{2000 + i, "b"})
	}

	var (
		mu   sync.Mutex
		flip bool
	)
	lister := func() ([]ps.Process, error) {
		mu.Lock()
		defer mu.Unlock()
		flip = !flip
		if flip {
			return procsA, nil
		}
		return procsB, nil
	}

	r := New(
		WithProcessLister(lister),
		WithProcRoot(root),
		WithConnectionLister(&fakeLister{conns: []gnet.ConnectionStat{tcpConn(100, "10.0.0.2", 40000, "1.1.1.1", 443)}}),
		WithIdentityLookup(fakeLookup),
	)
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if err := r.Refresh(ctx); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, ok := r.ResolveByConnection(ctx, tuple("10.0.0.2", 40000, "1.1.1.1", 443, pnet.TransportTCP)); !ok || id.Pid != 100 {
				errs <- fmt.Errorf("lookup failed during refresh: %+v", id)
				return
			}
			tb := r.current.Load()
			switch len(tb.sockets) {
			case perGen:
				if _, ok := tb.sockets["10000"]; !ok {
					errs <- fmt.Errorf("generation a table is incomplete")
				}
			case 2 * perGen:
				if _, ok := tb.sockets["30049"]; !ok {
					errs <- fmt.Errorf("generation b table is incomplete")
				}
			default:
				errs <- fmt.Errorf("torn table with %d sockets", len(tb.sockets))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
