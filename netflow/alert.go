package netflow

import (
	"sync"
	"time"

	pnet "github.com/jinmuyano/proctraffic"
)

// alertTracker raises one alert per process while its rate stays above the
// threshold.
type alertTracker struct {
	sync.Mutex

	threshold float64 // bytes/s, 0 disables
	alerted   map[int32]struct{}
}

func newAlertTracker(threshold float64) *alertTracker {
	return &alertTracker{
		threshold: threshold,
		alerted:   make(map[int32]struct{}),
	}
}

func (at *alertTracker) setThreshold(threshold float64) {
	at.Lock()
	defer at.Unlock()

	at.threshold = threshold
}

func (at *alertTracker) check(snapshot pnet.Result, now time.Time) []pnet.Alert {
	at.Lock()
	defer at.Unlock()

	if at.threshold <= 0 {
		return nil
	}

	var alerts []pnet.Alert
	for pid, st := range snapshot {
		over := st.UploadRate > at.threshold || st.DownloadRate > at.threshold
		if !over {
			delete(at.alerted, pid)
			continue
		}
		if _, done := at.alerted[pid]; done {
			continue
		}
		at.alerted[pid] = struct{}{}

		direction, rate := pnet.Upload, st.UploadRate
		if st.DownloadRate > st.UploadRate {
			direction, rate = pnet.Download, st.DownloadRate
		}
		alerts = append(alerts, pnet.Alert{
			Process:   pnet.ProcessIdentity{Pid: pid, Name: st.Name, Cmdline: st.Cmdline},
			Direction: direction,
			Rate:      rate,
			Threshold: at.threshold,
			Timestamp: now,
		})
	}
	return alerts
}

func (at *alertTracker) reset() {
	at.Lock()
	defer at.Unlock()

	at.alerted = make(map[int32]struct{})
}
