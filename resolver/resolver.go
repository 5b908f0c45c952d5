package resolver

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"syscall"

	ps "github.com/mitchellh/go-ps"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	pnet "github.com/jinmuyano/proctraffic"
)

// ConnectionLister queries the live OS connection table.
type ConnectionLister interface {
	Connections(ctx context.Context) ([]gnet.ConnectionStat, error)
}

type gopsutilLister struct{}

func (gopsutilLister) Connections(ctx context.Context) ([]gnet.ConnectionStat, error) {
	return gnet.ConnectionsWithContext(ctx, "inet")
}

// IdentityLookup resolves a pid to its name and short command line.
type IdentityLookup func(ctx context.Context, pid int32) (pnet.ProcessIdentity, error)

func lookupIdentity(ctx context.Context, pid int32) (pnet.ProcessIdentity, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return pnet.ProcessIdentity{}, err
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return pnet.ProcessIdentity{}, err
	}
	id := pnet.ProcessIdentity{Pid: pid, Name: name, Cmdline: name}
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
		if len(args) > 2 {
			args = args[:2]
		}
		id.Cmdline = strings.Join(args, " ")
	}
	return id, nil
}

// table is one published refresh generation. Identities resolved while it
// is current are cached here, so a refresh drops them together with the
// socket map.
type table struct {
	revision int64
	sockets  map[string]pnet.ProcessIdentity // socket inode -> owner

	mu         sync.Mutex
	identities map[int32]pnet.ProcessIdentity
}

func newTable(rev int64, sockets map[string]pnet.ProcessIdentity) *table {
	return &table{
		revision:   rev,
		sockets:    sockets,
		identities: make(map[int32]pnet.ProcessIdentity, 64),
	}
}

// Resolver answers which process owns a connection or a local port.
type Resolver struct {
	conns    ConnectionLister
	lookup   IdentityLookup
	procs    func() ([]ps.Process, error)
	procRoot string
	workers  int
	logger   pnet.LoggerInterface

	current  atomic.Pointer[table]
	revision atomic.Int64
}

type Option func(*Resolver)

func WithConnectionLister(l ConnectionLister) Option {
	return func(r *Resolver) { r.conns = l }
}

func WithIdentityLookup(fn IdentityLookup) Option {
	return func(r *Resolver) { r.lookup = fn }
}

func WithProcessLister(fn func() ([]ps.Process, error)) Option {
	return func(r *Resolver) { r.procs = fn }
}

// WithProcRoot points the descriptor scan at another procfs mount.
func WithProcRoot(root string) Option {
	return func(r *Resolver) { r.procRoot = root }
}

func WithScanWorkers(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithLogger(l pnet.LoggerInterface) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{
		conns:    gopsutilLister{},
		lookup:   lookupIdentity,
		procs:    ps.Processes,
		procRoot: "/proc",
		workers:  4,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(newTable(0, map[string]pnet.ProcessIdentity{}))
	return r
}

// identity returns the cached identity for pid, resolving it on first use.
// Processes that vanished or deny access resolve to nothing.
func (r *Resolver) identity(ctx context.Context, pid int32) (pnet.ProcessIdentity, bool) {
	if pid <= 0 {
		return pnet.ProcessIdentity{}, false
	}
	t := r.current.Load()

	t.mu.Lock()
	id, ok := t.identities[pid]
	t.mu.Unlock()
	if ok {
		return id, true
	}

	id, err := r.lookup(ctx, pid)
	if err != nil {
		r.logger.Debug("identity lookup failed pid=", pid, " err=", err)
		return pnet.ProcessIdentity{}, false
	}

	t.mu.Lock()
	t.identities[pid] = id
	t.mu.Unlock()
	return id, true
}

func (r *Resolver) liveConnections(ctx context.Context) []gnet.ConnectionStat {
	conns, err := r.conns.Connections(ctx)
	if err != nil {
		// partial tables still carry information
		if !errors.Is(err, syscall.EACCES) && !errors.Is(err, syscall.EPERM) {
			r.logger.Debug("connection table query failed: ", err)
		}
	}
	return conns
}

// ResolveByConnection looks the tuple up in the live connection table.
// Exact matches in either orientation win. Otherwise the first socket bound
// to the local port without a peer is used, then the first connected socket
// whose local port matches.
func (r *Resolver) ResolveByConnection(ctx context.Context, t pnet.ConnectionTuple) (pnet.ProcessIdentity, bool) {
	return r.matchConnection(ctx, r.liveConnections(ctx), t)
}

// Resolve tries ResolveByConnection and then ResolveByPort on the local
// port, both against a single connection table query.
func (r *Resolver) Resolve(ctx context.Context, t pnet.ConnectionTuple) (pnet.ProcessIdentity, bool) {
	conns := r.liveConnections(ctx)
	if id, ok := r.matchConnection(ctx, conns, t); ok {
		return id, true
	}
	return r.matchPort(ctx, conns, t.LocalPort, t.Protocol)
}

func (r *Resolver) matchConnection(ctx context.Context, conns []gnet.ConnectionStat, t pnet.ConnectionTuple) (pnet.ProcessIdentity, bool) {
	local, lok := toAddr(t.LocalIP)
	remote, rok := toAddr(t.RemoteIP)
	if !lok || !rok {
		return pnet.ProcessIdentity{}, false
	}

	var bound, partial *gnet.ConnectionStat
	for i := range conns {
		c := &conns[i]
		if c.Pid == 0 || !sameTransport(c.Type, t.Protocol) {
			continue
		}

		if c.Raddr.IP == "" || c.Raddr.Port == 0 {
			if bound == nil && uint16(c.Laddr.Port) == t.LocalPort {
				bound = c
			}
			continue
		}

		if endpointEqual(c.Laddr, local, t.LocalPort) && endpointEqual(c.Raddr, remote, t.RemotePort) {
			return r.identity(ctx, c.Pid)
		}
		if endpointEqual(c.Laddr, remote, t.RemotePort) && endpointEqual(c.Raddr, local, t.LocalPort) {
			return r.identity(ctx, c.Pid)
		}
		if partial == nil && uint16(c.Laddr.Port) == t.LocalPort {
			partial = c
		}
	}

	if bound != nil {
		return r.identity(ctx, bound.Pid)
	}
	if partial != nil {
		return r.identity(ctx, partial.Pid)
	}
	return pnet.ProcessIdentity{}, false
}

// ResolveByPort matches any live socket bound to the local port.
func (r *Resolver) ResolveByPort(ctx context.Context, port uint16, proto pnet.Transport) (pnet.ProcessIdentity, bool) {
	return r.matchPort(ctx, r.liveConnections(ctx), port, proto)
}

func (r *Resolver) matchPort(ctx context.Context, conns []gnet.ConnectionStat, port uint16, proto pnet.Transport) (pnet.ProcessIdentity, bool) {
	if port == 0 {
		return pnet.ProcessIdentity{}, false
	}
	for _, c := range conns {
		if c.Pid == 0 || !sameTransport(c.Type, proto) {
			continue
		}
		if uint16(c.Laddr.Port) == port {
			return r.identity(ctx, c.Pid)
		}
	}
	return pnet.ProcessIdentity{}, false
}

// AllNetworkProcesses lists every process owning at least one live
// connection, deduplicated by pid and name and sorted by pid.
func (r *Resolver) AllNetworkProcesses(ctx context.Context) ([]pnet.ProcessIdentity, error) {
	conns, err := r.conns.Connections(ctx)
	if err != nil && len(conns) == 0 {
		return nil, err
	}

	type key struct {
		pid  int32
		name string
	}
	seen := make(map[key]struct{}, len(conns))
	var out []pnet.ProcessIdentity
	for _, c := range conns {
		id, ok := r.identity(ctx, c.Pid)
		if !ok {
			continue
		}
		k := key{id.Pid, id.Name}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out, nil
}

// OwnerOfInode consults the last refreshed socket table.
func (r *Resolver) OwnerOfInode(inode string) (pnet.ProcessIdentity, bool) {
	id, ok := r.current.Load().sockets[inode]
	return id, ok
}

func (r *Resolver) TableSize() int {
	return len(r.current.Load().sockets)
}

func (r *Resolver) Revision() int64 {
	return r.current.Load().revision
}

func sameTransport(sockType uint32, proto pnet.Transport) bool {
	switch proto {
	case pnet.TransportTCP:
		return sockType == syscall.SOCK_STREAM
	case pnet.TransportUDP:
		return sockType == syscall.SOCK_DGRAM
	default:
		return true
	}
}

func toAddr(ip []byte) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func endpointEqual(a gnet.Addr, ip netip.Addr, port uint16) bool {
	if uint16(a.Port) != port {
		return false
	}
	pa, err := netip.ParseAddr(a.IP)
	if err != nil {
		return false
	}
	return pa.WithZone("").Unmap() == ip
}
