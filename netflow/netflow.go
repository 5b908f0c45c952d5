package netflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron"
	"github.com/tevino/abool"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pnet "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/resolver"
)

var (
	ErrNoDevice      = errors.New("no capture device available")
	ErrInvalidOption = errors.New("invalid option")
	ErrClosed        = errors.New("netflow closed")
)

const (
	defaultQueueSize       = 100000
	defaultSnapshotLen     = 65536
	defaultCaptureTimeout  = time.Second
	defaultRefreshInterval = 2 * time.Second
	defaultRateWindow      = time.Second
	defaultStopTimeout     = 5 * time.Second
)

type nullObject = struct{}

// SocketResolver is the resolver surface the capture session uses.
type SocketResolver interface {
	ownerResolver
	Refresh(ctx context.Context) error
	AllNetworkProcesses(ctx context.Context) ([]pnet.ProcessIdentity, error)
}

// runState belongs to one Start/Stop cycle. An abandoned worker keeps its
// own state, so a later Start never revives it.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
	alive  *abool.AtomicBool
	group  errgroup.Group

	packetQueue chan gopacket.Packet
	handles     []CaptureHandle
	crontab     *cron.Cron

	pcapFile   *os.File
	pcapWriter *pcapgo.Writer

	exitFunc []func() error
}

// Netflow is the capture session.
type Netflow struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	run *runState

	resolver   SocketResolver
	stats      *trafficController
	alerts     *alertTracker
	attributor *attributor
	refreshing *abool.AtomicBool

	bindIPs         map[string]nullObject // read only
	bindDevices     map[string]nullObject // read only
	qsize           int
	captureTimeout  time.Duration
	refreshInterval time.Duration
	rateWindow      time.Duration
	stopTimeout     time.Duration
	pcapFilter      string
	pcapFileName    string
	useAFPacket     bool
	openHandle      HandleOpener

	// for debug
	debugMode bool
	logger    pnet.LoggerInterface

	// for cgroup
	cpuCore float64
	memMB   int

	alertThreshold float64 // bytes/s
	alertHandler   func(pnet.Alert)
	now            func() time.Time

	captured     atomic.Int64
	attributed   atomic.Int64
	unattributed atomic.Int64
	overflow     atomic.Int64
}

type optionFunc func(*Netflow) error

// WithPcapFilter set custom pcap filter
// filter: "not port 22", "host 10.0.0.5 and tcp port 443"
func WithPcapFilter(filter string) optionFunc {
	return func(o *Netflow) error {
		if len(filter) == 0 {
			return nil
		}

		st := strings.TrimSpace(filter)
		if strings.HasPrefix(st, "and") || strings.HasPrefix(st, "or") {
			return fmt.Errorf("%w: pcap filter %q", ErrInvalidOption, filter)
		}

		o.pcapFilter = st
		return nil
	}
}

func WithOpenDebug() optionFunc {
	return func(o *Netflow) error {
		o.debugMode = true
		return nil
	}
}

func WithLogger(l pnet.LoggerInterface) optionFunc {
	return func(o *Netflow) error {
		o.logger = l
		return nil
	}
}

// WithLimitCgroup use cgroup to limit cpu and mem, param cpu's unit is cpu core num , mem's unit is MB
func WithLimitCgroup(cpu float64, mem int) optionFunc {
	return func(o *Netflow) error {
		if cpu < 0 || mem < 0 {
			return fmt.Errorf("%w: cgroup limits must not be negative", ErrInvalidOption)
		}
		o.cpuCore = cpu
		o.memMB = mem
		return nil
	}
}

func WithStorePcap(fpath string) optionFunc {
	return func(o *Netflow) error {
		o.pcapFileName = fpath
		return nil
	}
}

// WithCaptureTimeout bounds a single blocking read on a capture handle.
func WithCaptureTimeout(dur time.Duration) optionFunc {
	return func(o *Netflow) error {
		if dur <= 0 {
			return fmt.Errorf("%w: capture timeout %s", ErrInvalidOption, dur)
		}
		o.captureTimeout = dur
		return nil
	}
}

// WithSyncInterval sets how often the socket table is rebuilt.
func WithSyncInterval(dur time.Duration) optionFunc {
	return func(o *Netflow) error {
		if dur <= 0 {
			return fmt.Errorf("%w: sync interval %s", ErrInvalidOption, dur)
		}
		o.refreshInterval = dur
		return nil
	}
}

// WithRateWindow sets the minimum time between two rate samples of a process.
func WithRateWindow(dur time.Duration) optionFunc {
	return func(o *Netflow) error {
		if dur <= 0 {
			return fmt.Errorf("%w: rate window %s", ErrInvalidOption, dur)
		}
		o.rateWindow = dur
		return nil
	}
}

func WithStopTimeout(dur time.Duration) optionFunc {
	return func(o *Netflow) error {
		if dur <= 0 {
			return fmt.Errorf("%w: stop timeout %s", ErrInvalidOption, dur)
		}
		o.stopTimeout = dur
		return nil
	}
}

func WithCtx(ctx context.Context) optionFunc {
	return func(o *Netflow) error {
		cctx, cancel := context.WithCancel(ctx)
		o.ctx = cctx
		o.cancel = cancel
		return nil
	}
}

func WithBindIPs(ips []string) optionFunc {
	return func(o *Netflow) error {
		if len(ips) == 0 {
			return fmt.Errorf("%w: empty ip list", ErrInvalidOption)
		}

		mm := make(map[string]nullObject, 10)
		for _, s := range ips {
			ip := net.ParseIP(s)
			if ip == nil {
				return fmt.Errorf("%w: bad ip %q", ErrInvalidOption, s)
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			mm[ip.String()] = nullObject{}
		}

		o.bindIPs = mm
		return nil
	}
}

func WithBindDevices(devs []string) optionFunc {
	return func(o *Netflow) error {
		if len(devs) == 0 {
			return fmt.Errorf("%w: empty device list", ErrInvalidOption)
		}

		mm := make(map[string]nullObject, 6)
		for _, dev := range devs {
			mm[dev] = nullObject{}
		}

		o.bindDevices = mm
		return nil
	}
}

func WithQueueSize(size int) optionFunc {
	if size < 1000 {
		size = defaultQueueSize
	}

	return func(o *Netflow) error {
		o.qsize = size
		return nil
	}
}

func WithResolver(r SocketResolver) optionFunc {
	return func(o *Netflow) error {
		o.resolver = r
		return nil
	}
}

// WithHandleOpener replaces how capture devices are opened.
func WithHandleOpener(fn HandleOpener) optionFunc {
	return func(o *Netflow) error {
		o.openHandle = fn
		return nil
	}
}

// WithAFPacket captures through an AF_PACKET ring instead of libpcap.
func WithAFPacket() optionFunc {
	return func(o *Netflow) error {
		o.useAFPacket = true
		return nil
	}
}

// WithAlertThreshold sets the alert threshold in KB/s, 0 disables alerts.
func WithAlertThreshold(kbps float64) optionFunc {
	return func(o *Netflow) error {
		if kbps < 0 {
			return fmt.Errorf("%w: alert threshold %f", ErrInvalidOption, kbps)
		}
		o.alertThreshold = kbps * 1024
		return nil
	}
}

func WithAlertHandler(fn func(pnet.Alert)) optionFunc {
	return func(o *Netflow) error {
		o.alertHandler = fn
		return nil
	}
}

func WithClock(now func() time.Time) optionFunc {
	return func(o *Netflow) error {
		o.now = now
		return nil
	}
}

func NewNetflow(opts ...optionFunc) (*Netflow, error) {
	var (
		ctx, cancel = context.WithCancel(context.Background())
	)

	nf := &Netflow{
		ctx:             ctx,
		cancel:          cancel,
		qsize:           defaultQueueSize,
		captureTimeout:  defaultCaptureTimeout,
		refreshInterval: defaultRefreshInterval,
		rateWindow:      defaultRateWindow,
		stopTimeout:     defaultStopTimeout,
		refreshing:      abool.New(),
		now:             time.Now,
	}

	for _, opt := range opts {
		err := opt(nf)
		if err != nil {
			return nil, err
		}
	}

	if nf.logger == nil {
		nf.logger = newLogger(nf.debugMode)
	}
	if nf.openHandle == nil {
		nf.openHandle = nf.defaultOpener()
	}
	if nf.bindIPs == nil {
		ips, err := localAddrs(nf.ctx)
		if err != nil {
			nf.logError("read interface addresses: ", err)
		}
		nf.bindIPs = ips
	}
	if nf.bindDevices == nil {
		devs, err := discoverDevices(nf.useAFPacket)
		if err != nil {
			return nil, err
		}
		nf.bindDevices = devs
	}
	if nf.resolver == nil {
		nf.resolver = resolver.New(resolver.WithLogger(nf.logger))
	}

	nf.stats = newTrafficController(nf.now)
	nf.alerts = newAlertTracker(nf.alertThreshold)
	nf.attributor = &attributor{bindIPs: nf.bindIPs, resolver: nf.resolver}

	return nf, nil
}

func newLogger(debug bool) pnet.LoggerInterface {
	build := zap.NewProduction
	if debug {
		build = zap.NewDevelopment
	}
	l, err := build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func (nf *Netflow) Done() <-chan struct{} {
	return nf.ctx.Done()
}

func (nf *Netflow) Running() bool {
	nf.mu.Lock()
	defer nf.mu.Unlock()

	return nf.run != nil
}

func (nf *Netflow) configureCgroups(run *runState) error {
	if nf.cpuCore == 0 && nf.memMB == 0 {
		return nil
	}

	cg := cgroupsLimiter{}
	pid := os.Getpid()

	err := cg.configure(pid, nf.cpuCore, nf.memMB)
	if err != nil {
		return err
	}
	run.exitFunc = append(run.exitFunc, cg.free)
	return nil
}

func (run *runState) configurePersist(fpath string, h CaptureHandle) error {
	if len(fpath) == 0 {
		return nil
	}

	f, err := os.Create(fpath)
	if err != nil {
		return fmt.Errorf("create pcap file: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(defaultSnapshotLen, h.LinkType()); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header: %w", err)
	}

	run.pcapFile = f
	run.pcapWriter = w
	return nil
}

// intervalSchedule fires every d. cron.Every truncates to whole seconds.
type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(s))
}

// Start refreshes the socket table, opens every capture device and starts
// the workers. Calling it while running is a no-op.
func (nf *Netflow) Start() error {
	nf.mu.Lock()
	defer nf.mu.Unlock()

	if nf.run != nil {
		return nil
	}
	if nf.ctx.Err() != nil {
		return ErrClosed
	}

	run := &runState{
		alive:       abool.New(),
		packetQueue: make(chan gopacket.Packet, nf.qsize),
	}

	// linux cpu/mem by cgroup
	if err := nf.configureCgroups(run); err != nil {
		return err
	}

	// fill the socket table before the first packet arrives
	if err := nf.rescanResource(nf.ctx); err != nil {
		nf.logError("initial socket table refresh: ", err)
	}

	var openErr *multierror.Error
	for dev := range nf.bindDevices {
		h, err := nf.openHandle(dev)
		if err != nil {
			openErr = multierror.Append(openErr, fmt.Errorf("open %s: %w", dev, err))
			continue
		}
		run.handles = append(run.handles, h)
	}
	if len(run.handles) == 0 {
		run.finalize()
		return fmt.Errorf("%w: %v", ErrNoDevice, openErr.ErrorOrNil())
	}
	if openErr != nil {
		nf.logError("some devices could not be opened: ", openErr)
	}

	if err := run.configurePersist(nf.pcapFileName, run.handles[0]); err != nil {
		for _, h := range run.handles {
			h.Close()
		}
		run.finalize()
		return err
	}

	run.ctx, run.cancel = context.WithCancel(nf.ctx)
	run.alive.Set()

	run.group.Go(func() error {
		nf.loopHandlePacket(run)
		return nil
	})
	for _, h := range run.handles {
		h := h
		run.group.Go(func() error {
			return nf.captureDevice(run, h)
		})
	}

	run.crontab = cron.New()
	run.crontab.Schedule(intervalSchedule(nf.refreshInterval), cron.FuncJob(func() {
		nf.syncResource(run.ctx)
	}))
	run.crontab.Schedule(intervalSchedule(nf.rateWindow), cron.FuncJob(nf.ComputeRates))
	run.crontab.Start()

	nf.run = run
	nf.logger.Info("capture started on ", len(run.handles), " device(s)")
	return nil
}

// Stop signals the workers and waits up to the stop timeout for them. A
// worker that does not exit in time is abandoned and the session is idle
// either way.
func (nf *Netflow) Stop() error {
	nf.mu.Lock()
	run := nf.run
	nf.run = nil
	nf.mu.Unlock()

	if run == nil {
		return nil
	}

	run.alive.UnSet()
	run.cancel()
	run.crontab.Stop()

	var result *multierror.Error

	done := make(chan error, 1)
	go func() {
		done <- run.group.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			result = multierror.Append(result, err)
		}
		if err := run.closePcap(); err != nil {
			result = multierror.Append(result, err)
		}
	case <-time.After(nf.stopTimeout):
		nf.logError("capture workers did not exit within ", nf.stopTimeout, ", abandoning them")
		go func() {
			<-done
			run.closePcap()
		}()
	}

	if err := run.finalize(); err != nil {
		result = multierror.Append(result, err)
	}

	nf.logger.Info("capture stopped")
	return result.ErrorOrNil()
}

func (run *runState) closePcap() error {
	if run.pcapFile == nil {
		return nil
	}
	return run.pcapFile.Close()
}

// finalize releases what Start acquired for this run.
func (run *runState) finalize() error {
	var result *multierror.Error
	for _, fn := range run.exitFunc {
		if err := fn(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	run.exitFunc = nil
	return result.ErrorOrNil()
}

// Close stops capture and releases the session context. A closed session
// cannot be started again.
func (nf *Netflow) Close() error {
	err := nf.Stop()
	nf.cancel()
	return err
}

// Reset drops all statistics and alert state. It is legal while running.
func (nf *Netflow) Reset() {
	nf.stats.Reset()
	nf.alerts.reset()
}

func (nf *Netflow) GetSnapshot() pnet.Result {
	return nf.stats.Snapshot()
}

// ComputeRates samples rates for every process whose window elapsed and
// raises alerts for processes that crossed the threshold.
func (nf *Netflow) ComputeRates() {
	nf.stats.ComputeRates(nf.rateWindow)

	alerts := nf.alerts.check(nf.stats.Snapshot(), nf.now())
	for _, a := range alerts {
		nf.logger.Info("bandwidth alert: ", a.String())
		if nf.alertHandler != nil {
			nf.alertHandler(a)
		}
	}
}

// SetAlertThreshold changes the alert threshold, in KB/s.
func (nf *Netflow) SetAlertThreshold(kbps float64) {
	nf.alerts.setThreshold(kbps * 1024)
}

func (nf *Netflow) AllNetworkProcesses(ctx context.Context) ([]pnet.ProcessIdentity, error) {
	return nf.resolver.AllNetworkProcesses(ctx)
}

func (nf *Netflow) Counters() pnet.Counters {
	return pnet.Counters{
		Captured:     nf.captured.Load(),
		Attributed:   nf.attributed.Load(),
		Unattributed: nf.unattributed.Load(),
		Overflow:     nf.overflow.Load(),
	}
}

func (nf *Netflow) rescanResource(ctx context.Context) error {
	return nf.resolver.Refresh(ctx)
}

// syncResource is the timer job. A refresh still running from the previous
// tick makes this one a no-op.
func (nf *Netflow) syncResource(ctx context.Context) {
	if !nf.refreshing.SetToIf(false, true) {
		nf.logDebug("socket table refresh still running, skip")
		return
	}
	defer nf.refreshing.UnSet()

	if err := nf.rescanResource(ctx); err != nil && ctx.Err() == nil {
		nf.logError("socket table refresh: ", err)
	}
}

func (nf *Netflow) logDebug(msg ...interface{}) {
	if !nf.debugMode {
		return
	}
	nf.logger.Debug(msg...)
}

func (nf *Netflow) logError(msg ...interface{}) {
	if nf.logger == nil {
		return
	}
	nf.logger.Error(msg...)
}
