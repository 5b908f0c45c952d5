package pnet

import (
	"net"
	"testing"
)

func TestResultTotals(t *testing.T) {
	r := Result{
		1: {Pid: 1, UploadBytes: 100, DownloadBytes: 50, UploadRate: 10, DownloadRate: 5},
		2: {Pid: 2, UploadBytes: 1, DownloadBytes: 2, UploadRate: 0.5, DownloadRate: 1.5},
	}
	up, down, upRate, downRate := r.Totals()
	if up != 101 || down != 52 || upRate != 10.5 || downRate != 6.5 {
		t.Fatalf("unexpected totals: %d %d %f %f", up, down, upRate, downRate)
	}

	up, down, upRate, downRate = Result{}.Totals()
	if up != 0 || down != 0 || upRate != 0 || downRate != 0 {
		t.Fatalf("expected zero totals for empty result")
	}
}

func TestTupleReverse(t *testing.T) {
	tp := ConnectionTuple{
		LocalIP:    net.ParseIP("10.0.0.1"),
		LocalPort:  40000,
		RemoteIP:   net.ParseIP("1.1.1.1"),
		RemotePort: 443,
		Protocol:   TransportTCP,
	}
	rv := tp.Reverse()
	if !rv.LocalIP.Equal(tp.RemoteIP) || rv.LocalPort != 443 || rv.RemotePort != 40000 || rv.Protocol != TransportTCP {
		t.Fatalf("unexpected reverse: %+v", rv)
	}
	if got := tp.String(); got != "TCP 10.0.0.1:40000_1.1.1.1:443" {
		t.Fatalf("unexpected string %q", got)
	}
}
