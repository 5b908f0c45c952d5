package pnet

import (
	"fmt"
	"net"
	"time"
)

// Transport is the layer 4 protocol of a packet or socket.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportUDP:
		return "UDP"
	default:
		return "OTHER"
	}
}

// Direction is relative to the local host.
type Direction int

const (
	Upload Direction = iota + 1
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// ConnectionTuple identifies one flow from the local host's point of view.
type ConnectionTuple struct {
	LocalIP    net.IP
	LocalPort  uint16
	RemoteIP   net.IP
	RemotePort uint16
	Protocol   Transport
}

func (t ConnectionTuple) String() string {
	return fmt.Sprintf("%s %s_%s", t.Protocol,
		net.JoinHostPort(t.LocalIP.String(), fmt.Sprint(t.LocalPort)),
		net.JoinHostPort(t.RemoteIP.String(), fmt.Sprint(t.RemotePort)))
}

// Reverse swaps the local and remote endpoints.
func (t ConnectionTuple) Reverse() ConnectionTuple {
	return ConnectionTuple{
		LocalIP:    t.RemoteIP,
		LocalPort:  t.RemotePort,
		RemoteIP:   t.LocalIP,
		RemotePort: t.LocalPort,
		Protocol:   t.Protocol,
	}
}

type ProcessIdentity struct {
	Pid     int32  `json:"pid"`
	Name    string `json:"name"`
	Cmdline string `json:"cmdline,omitempty"`
}

// TrafficStat is the read-only view of one process's accumulator.
type TrafficStat struct {
	Pid             int32     `json:"pid"`
	Name            string    `json:"name"`
	Cmdline         string    `json:"cmdline,omitempty"`
	UploadBytes     int64     `json:"upload_bytes"`
	DownloadBytes   int64     `json:"download_bytes"`
	UploadPackets   int64     `json:"upload_packets"`
	DownloadPackets int64     `json:"download_packets"`
	UploadRate      float64   `json:"upload_rate"`   // bytes/s
	DownloadRate    float64   `json:"download_rate"` // bytes/s
	Protocols       []string  `json:"protocols"`     // sorted, unique
	LastSeen        time.Time `json:"last_seen"`
}

// Result maps pid to its statistics.
type Result map[int32]TrafficStat

// Totals sums a snapshot. It is only as consistent as the snapshot it is
// computed from.
func (r Result) Totals() (upBytes, downBytes int64, upRate, downRate float64) {
	for _, st := range r {
		upBytes += st.UploadBytes
		downBytes += st.DownloadBytes
		upRate += st.UploadRate
		downRate += st.DownloadRate
	}
	return
}

// Alert is raised once when a process crosses the bandwidth threshold.
type Alert struct {
	Process   ProcessIdentity
	Direction Direction
	Rate      float64 // bytes/s
	Threshold float64 // bytes/s
	Timestamp time.Time
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s(%d) %s %.1f KB/s exceeds %.1f KB/s",
		a.Timestamp.Format(time.RFC3339), a.Process.Name, a.Process.Pid,
		a.Direction, a.Rate/1024, a.Threshold/1024)
}

type Counters struct {
	Captured     int64 `json:"captured"`
	Attributed   int64 `json:"attributed"`
	Unattributed int64 `json:"unattributed"`
	Overflow     int64 `json:"overflow"`
}
