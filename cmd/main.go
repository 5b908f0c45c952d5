package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	pnet "github.com/jinmuyano/proctraffic"
	"github.com/jinmuyano/proctraffic/metrics"
	"github.com/jinmuyano/proctraffic/netflow"
)

func main() {
	var (
		conf  = netflow.NewPacketClientConfig()
		every = flag.Duration("interval", 5*time.Second, "how often to print the process table")
		top   = flag.Int("top", 10, "processes to print, 0 prints all")
		addr  = flag.String("metrics", "", "serve prometheus metrics on this address, e.g. :9100")
	)
	flag.StringVar(&conf.Interface, "iface", conf.Interface, "comma separated capture devices, empty for all")
	flag.StringVar(&conf.RefreshInterval, "refresh", conf.RefreshInterval, "socket table refresh interval")
	flag.StringVar(&conf.RateWindow, "window", conf.RateWindow, "rate computation window")
	flag.Float64Var(&conf.AlertThreshold, "alert", conf.AlertThreshold, "bandwidth alert threshold in KB/s, 0 disables")
	flag.StringVar(&conf.PcapFilter, "filter", conf.PcapFilter, "extra bpf filter")
	flag.StringVar(&conf.StorePcap, "pcap", conf.StorePcap, "dump captured frames to this file")
	flag.BoolVar(&conf.UseAFPacket, "afpacket", conf.UseAFPacket, "capture with AF_PACKET instead of libpcap")
	flag.Float64Var(&conf.CPUCore, "cpu", conf.CPUCore, "cpu cores allowed to this process, 0 is unlimited")
	flag.IntVar(&conf.MemMB, "mem", conf.MemMB, "memory in MB allowed to this process, 0 is unlimited")
	flag.BoolVar(&conf.Debug, "debug", conf.Debug, "debug logging")
	flag.Parse()

	logger := newLogger(conf.Debug)
	defer logger.Sync()

	if err := run(conf, *every, *top, *addr, logger.Sugar()); err != nil {
		logger.Sugar().Error("exit: ", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	build := zap.NewProduction
	if debug {
		build = zap.NewDevelopment
	}
	l, err := build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func run(conf netflow.PacketClientConfig, every time.Duration, top int, addr string, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	client, err := netflow.NewPacketClient(conf,
		netflow.WithCtx(ctx),
		netflow.WithLogger(log),
		netflow.WithAlertHandler(func(a pnet.Alert) {
			log.Info("ALERT ", a.String())
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(client))

		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server: ", err)
			}
		}()
		defer srv.Close()
	}

	if err := client.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printTable(os.Stdout, client.GetSnapshot(), top)
			return client.Stop()
		case <-ticker.C:
			printTable(os.Stdout, client.GetSnapshot(), top)
		}
	}
}

// topProcesses orders by total rate, then total bytes, then pid.
func topProcesses(res pnet.Result, n int) []pnet.TrafficStat {
	stats := make([]pnet.TrafficStat, 0, len(res))
	for _, st := range res {
		stats = append(stats, st)
	}

	sort.Slice(stats, func(i, j int) bool {
		ri := stats[i].UploadRate + stats[i].DownloadRate
		rj := stats[j].UploadRate + stats[j].DownloadRate
		if ri != rj {
			return ri > rj
		}
		bi := stats[i].UploadBytes + stats[i].DownloadBytes
		bj := stats[j].UploadBytes + stats[j].DownloadBytes
		if bi != bj {
			return bi > bj
		}
		return stats[i].Pid < stats[j].Pid
	})

	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

func formatBytes(n float64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGB", n/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2fMB", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2fKB", n/(1<<10))
	default:
		return fmt.Sprintf("%.0fB", n)
	}
}

func printTable(w *os.File, res pnet.Result, top int) {
	up, down, upRate, downRate := res.Totals()
	fmt.Fprintf(w, "%-8s %-20s %12s %12s %12s %12s  %s\n", "PID", "NAME", "UP", "DOWN", "UP/s", "DOWN/s", "PROTOCOLS")
	for _, st := range topProcesses(res, top) {
		fmt.Fprintf(w, "%-8d %-20.20s %12s %12s %12s %12s  %v\n",
			st.Pid, st.Name,
			formatBytes(float64(st.UploadBytes)), formatBytes(float64(st.DownloadBytes)),
			formatBytes(st.UploadRate), formatBytes(st.DownloadRate),
			st.Protocols,
		)
	}
	fmt.Fprintf(w, "%-29s %12s %12s %12s %12s\n\n", "TOTAL",
		formatBytes(float64(up)), formatBytes(float64(down)),
		formatBytes(upRate), formatBytes(downRate),
	)
}
