// Package metrics exports per-process traffic statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	pnet "github.com/jinmuyano/proctraffic"
)

const namespace = "proctraffic"

// Source is what the collector reads on every scrape.
type Source interface {
	GetSnapshot() pnet.Result
	Counters() pnet.Counters
}

// Collector reads a fresh snapshot per scrape, so it never holds state of
// its own.
type Collector struct {
	src Source

	bytes   *prometheus.Desc
	packets *prometheus.Desc
	rate    *prometheus.Desc

	captured     *prometheus.Desc
	attributed   *prometheus.Desc
	unattributed *prometheus.Desc
	overflow     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src Source) *Collector {
	procLabels := []string{"pid", "name", "direction"}

	return &Collector{
		src: src,
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "bytes_total"),
			"Bytes attributed to a process.",
			procLabels, nil,
		),
		packets: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "packets_total"),
			"Packets attributed to a process.",
			procLabels, nil,
		),
		rate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "rate_bytes_per_second"),
			"Last computed transfer rate of a process.",
			procLabels, nil,
		),
		captured: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "packets_total"),
			"Packets read from capture devices.",
			nil, nil,
		),
		attributed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "attributed_total"),
			"Packets charged to a process.",
			nil, nil,
		),
		unattributed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "unattributed_total"),
			"Packets that could not be charged to any process.",
			nil, nil,
		),
		overflow: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "capture", "queue_overflow_total"),
			"Packets dropped because the processing queue was full.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.packets
	ch <- c.rate
	ch <- c.captured
	ch <- c.attributed
	ch <- c.unattributed
	ch <- c.overflow
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for pid, st := range c.src.GetSnapshot() {
		p := strconv.Itoa(int(pid))
		up, down := pnet.Upload.String(), pnet.Download.String()

		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.UploadBytes), p, st.Name, up)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.DownloadBytes), p, st.Name, down)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(st.UploadPackets), p, st.Name, up)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(st.DownloadPackets), p, st.Name, down)
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, st.UploadRate, p, st.Name, up)
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, st.DownloadRate, p, st.Name, down)
	}

	cnt := c.src.Counters()
	ch <- prometheus.MustNewConstMetric(c.captured, prometheus.CounterValue, float64(cnt.Captured))
	ch <- prometheus.MustNewConstMetric(c.attributed, prometheus.CounterValue, float64(cnt.Attributed))
	ch <- prometheus.MustNewConstMetric(c.unattributed, prometheus.CounterValue, float64(cnt.Unattributed))
	ch <- prometheus.MustNewConstMetric(c.overflow, prometheus.CounterValue, float64(cnt.Overflow))
}
