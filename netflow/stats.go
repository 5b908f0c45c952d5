package netflow

import (
	"sort"
	"sync"
	"time"

	pnet "github.com/jinmuyano/proctraffic"
)

// trafficStatsEntry accumulates one process's traffic. The baseline fields
// hold the counters at the last rate computation and never exceed the
// cumulative ones.
type trafficStatsEntry struct {
	process pnet.ProcessIdentity

	upBytes   int64
	downBytes int64
	upPkts    int64
	downPkts  int64
	protocols map[string]struct{}
	lastSeen  time.Time

	upRate   float64
	downRate float64

	baseUp   int64
	baseDown int64
	baseTime time.Time
}

func (e *trafficStatsEntry) copy() pnet.TrafficStat {
	protos := make([]string, 0, len(e.protocols))
	for p := range e.protocols {
		protos = append(protos, p)
	}
	sort.Strings(protos)

	return pnet.TrafficStat{
		Pid:             e.process.Pid,
		Name:            e.process.Name,
		Cmdline:         e.process.Cmdline,
		UploadBytes:     e.upBytes,
		DownloadBytes:   e.downBytes,
		UploadPackets:   e.upPkts,
		DownloadPackets: e.downPkts,
		UploadRate:      e.upRate,
		DownloadRate:    e.downRate,
		Protocols:       protos,
		LastSeen:        e.lastSeen,
	}
}

// trafficController owns every trafficStatsEntry. One lock covers the whole
// table so readers never see a record half way through an update.
type trafficController struct {
	sync.RWMutex

	dict map[int32]*trafficStatsEntry
	now  func() time.Time
}

func newTrafficController(now func() time.Time) *trafficController {
	if now == nil {
		now = time.Now
	}
	return &trafficController{
		dict: make(map[int32]*trafficStatsEntry, 64),
		now:  now,
	}
}

// Apply adds one attributed delta to its process's record, creating the
// record on first sight.
func (tc *trafficController) Apply(d attributedDelta) {
	tc.Lock()
	defer tc.Unlock()

	e, ok := tc.dict[d.process.Pid]
	if !ok {
		e = &trafficStatsEntry{
			protocols: make(map[string]struct{}, 4),
			baseTime:  tc.now(),
		}
		tc.dict[d.process.Pid] = e
	}
	e.process = d.process

	switch d.direction {
	case pnet.Upload:
		e.upBytes += d.length
		e.upPkts += d.packets
	case pnet.Download:
		e.downBytes += d.length
		e.downPkts += d.packets
	}
	for _, p := range d.protocols {
		e.protocols[p] = struct{}{}
	}
	e.lastSeen = d.timestamp
}

// ComputeRates refreshes the rate of every record whose own window has
// elapsed since its baseline. Records with no elapsed time are skipped.
func (tc *trafficController) ComputeRates(window time.Duration) {
	tc.Lock()
	defer tc.Unlock()

	now := tc.now()
	for _, e := range tc.dict {
		elapsed := now.Sub(e.baseTime)
		if elapsed <= 0 || elapsed < window {
			continue
		}
		sec := elapsed.Seconds()
		e.upRate = float64(e.upBytes-e.baseUp) / sec
		e.downRate = float64(e.downBytes-e.baseDown) / sec

		e.baseUp = e.upBytes
		e.baseDown = e.downBytes
		e.baseTime = now
	}
}

func (tc *trafficController) Snapshot() pnet.Result {
	tc.RLock()
	defer tc.RUnlock()

	res := make(pnet.Result, len(tc.dict))
	for pid, e := range tc.dict {
		res[pid] = e.copy()
	}
	return res
}

func (tc *trafficController) Reset() {
	tc.Lock()
	defer tc.Unlock()

	tc.dict = make(map[int32]*trafficStatsEntry, 64)
}

func (tc *trafficController) Len() int {
	tc.RLock()
	defer tc.RUnlock()

	return len(tc.dict)
}
