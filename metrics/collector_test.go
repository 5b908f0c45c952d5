package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	pnet "github.com/jinmuyano/proctraffic"
)

type staticSource struct {
	res pnet.Result
	cnt pnet.Counters
}

func (s staticSource) GetSnapshot() pnet.Result { return s.res }
func (s staticSource) Counters() pnet.Counters  { return s.cnt }

func TestCollector(t *testing.T) {
	src := staticSource{
		res: pnet.Result{
			100: {Pid: 100, Name: "curl", UploadBytes: 1000, DownloadBytes: 2000, UploadPackets: 1, DownloadPackets: 2, DownloadRate: 2000},
			300: {Pid: 300, Name: "dnsmasq", DownloadBytes: 80, DownloadPackets: 1},
		},
		cnt: pnet.Counters{Captured: 10, Attributed: 4, Unattributed: 6},
	}
	c := NewCollector(src)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	// 2 processes x 3 families x 2 directions + 4 session counters
	if n := testutil.CollectAndCount(c); n != 16 {
		t.Fatalf("collected %d metrics, want 16", n)
	}

	expected := `
# HELP proctraffic_process_bytes_total Bytes attributed to a process.
# TYPE proctraffic_process_bytes_total counter
proctraffic_process_bytes_total{direction="download",name="curl",pid="100"} 2000
proctraffic_process_bytes_total{direction="download",name="dnsmasq",pid="300"} 80
proctraffic_process_bytes_total{direction="upload",name="curl",pid="100"} 1000
proctraffic_process_bytes_total{direction="upload",name="dnsmasq",pid="300"} 0
# HELP proctraffic_capture_packets_total Packets read from capture devices.
# TYPE proctraffic_capture_packets_total counter
proctraffic_capture_packets_total 10
# HELP proctraffic_capture_unattributed_total Packets that could not be charged to any process.
# TYPE proctraffic_capture_unattributed_total counter
proctraffic_capture_unattributed_total 6
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"proctraffic_process_bytes_total",
		"proctraffic_capture_packets_total",
		"proctraffic_capture_unattributed_total",
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectorEmptySnapshot(t *testing.T) {
	c := NewCollector(staticSource{res: pnet.Result{}})
	if n := testutil.CollectAndCount(c, "proctraffic_process_bytes_total"); n != 0 {
		t.Fatalf("collected %d process metrics from an empty snapshot", n)
	}
}
