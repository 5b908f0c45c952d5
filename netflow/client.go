package netflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	pnet "github.com/jinmuyano/proctraffic"
)

type PacketClientConfig struct {
	Interface       string  // comma separated device names, empty captures on every device with an address
	RefreshInterval string  // socket table refresh cadence, 2s
	RateWindow      string  // minimum rate sampling interval, 1s
	StopTimeout     string  // how long Stop waits for workers, 5s
	AlertThreshold  float64 // KB/s, 0 disables alerts
	PcapFilter      string  // extra bpf expression
	StorePcap       string  // dump every captured frame to this file
	QueueSize       int
	CPUCore         float64
	MemMB           int
	UseAFPacket     bool
	Debug           bool
}

func NewPacketClientConfig() PacketClientConfig {
	return PacketClientConfig{
		RefreshInterval: "2s",
		RateWindow:      "1s",
		StopTimeout:     "5s",
		AlertThreshold:  1024,
		QueueSize:       defaultQueueSize,
	}
}

// ConfigFromMap overlays loosely typed values, as read from env, flags or
// json, on the defaults. Unknown keys are ignored.
func ConfigFromMap(m map[string]interface{}) (PacketClientConfig, error) {
	conf := NewPacketClientConfig()

	var err error
	for k, v := range m {
		switch strings.ToLower(k) {
		case "interface":
			conf.Interface, err = cast.ToStringE(v)
		case "refresh_interval":
			conf.RefreshInterval, err = castDuration(v)
		case "rate_window":
			conf.RateWindow, err = castDuration(v)
		case "stop_timeout":
			conf.StopTimeout, err = castDuration(v)
		case "alert_threshold":
			conf.AlertThreshold, err = cast.ToFloat64E(v)
		case "pcap_filter":
			conf.PcapFilter, err = cast.ToStringE(v)
		case "store_pcap":
			conf.StorePcap, err = cast.ToStringE(v)
		case "queue_size":
			conf.QueueSize, err = cast.ToIntE(v)
		case "cpu_core":
			conf.CPUCore, err = cast.ToFloat64E(v)
		case "mem_mb":
			conf.MemMB, err = cast.ToIntE(v)
		case "afpacket":
			conf.UseAFPacket, err = cast.ToBoolE(v)
		case "debug":
			conf.Debug, err = cast.ToBoolE(v)
		}
		if err != nil {
			return conf, fmt.Errorf("%w: %s: %v", ErrInvalidOption, k, err)
		}
	}
	return conf, nil
}

func castDuration(v interface{}) (string, error) {
	d, err := cast.ToDurationE(v)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// options turns the config into Netflow options.
func (conf PacketClientConfig) options() ([]optionFunc, error) {
	var opts []optionFunc

	durations := []struct {
		val string
		fn  func(time.Duration) optionFunc
	}{
		{conf.RefreshInterval, WithSyncInterval},
		{conf.RateWindow, WithRateWindow},
		{conf.StopTimeout, WithStopTimeout},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		dur, err := cast.ToDurationE(d.val)
		if err != nil {
			return nil, fmt.Errorf("%w: duration %q", ErrInvalidOption, d.val)
		}
		opts = append(opts, d.fn(dur))
	}

	if conf.Interface != "" {
		var devs []string
		for _, dev := range strings.Split(conf.Interface, ",") {
			if dev = strings.TrimSpace(dev); dev != "" {
				devs = append(devs, dev)
			}
		}
		opts = append(opts, WithBindDevices(devs))
	}
	if conf.UseAFPacket {
		opts = append(opts, WithAFPacket())
	}
	if conf.Debug {
		opts = append(opts, WithOpenDebug())
	}
	if conf.StorePcap != "" {
		opts = append(opts, WithStorePcap(conf.StorePcap))
	}
	if conf.CPUCore != 0 || conf.MemMB != 0 {
		opts = append(opts, WithLimitCgroup(conf.CPUCore, conf.MemMB))
	}

	opts = append(opts,
		WithPcapFilter(conf.PcapFilter),
		WithQueueSize(conf.QueueSize),
		WithAlertThreshold(conf.AlertThreshold),
	)
	return opts, nil
}

// PacketClient is the config driven entry point collaborators hold.
type PacketClient struct {
	conf PacketClientConfig
	nf   *Netflow
}

var _ pnet.PacketClient = (*PacketClient)(nil)

// NewPacketClient builds a client from conf. Extra options are applied
// after the config, so they win.
func NewPacketClient(conf PacketClientConfig, extra ...optionFunc) (*PacketClient, error) {
	opts, err := conf.options()
	if err != nil {
		return nil, err
	}

	nf, err := NewNetflow(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}

	return &PacketClient{
		conf: conf,
		nf:   nf,
	}, nil
}

func (c *PacketClient) Start() error {
	return c.nf.Start()
}

func (c *PacketClient) Stop() error {
	return c.nf.Stop()
}

// Close stops the client for good.
func (c *PacketClient) Close() error {
	return c.nf.Close()
}

func (c *PacketClient) Reset() {
	c.nf.Reset()
}

func (c *PacketClient) GetSnapshot() pnet.Result {
	return c.nf.GetSnapshot()
}

func (c *PacketClient) AllNetworkProcesses(ctx context.Context) ([]pnet.ProcessIdentity, error) {
	return c.nf.AllNetworkProcesses(ctx)
}

func (c *PacketClient) Counters() pnet.Counters {
	return c.nf.Counters()
}

func (c *PacketClient) Running() bool {
	return c.nf.Running()
}

func (c *PacketClient) SetAlertThreshold(kbps float64) {
	c.nf.SetAlertThreshold(kbps)
}

func (c *PacketClient) Config() PacketClientConfig {
	return c.conf
}
