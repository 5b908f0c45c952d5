package netflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// errCaptureTimeout is returned by a CaptureHandle when a read found no
// packet within the capture timeout.
var errCaptureTimeout = errors.New("capture read timeout")

// CaptureHandle is one open capture device.
type CaptureHandle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

type HandleOpener func(device string) (CaptureHandle, error)

type pcapHandle struct {
	*pcap.Handle
}

func (h pcapHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.Handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, ci, errCaptureTimeout
	}
	return data, ci, err
}

func (nf *Netflow) defaultOpener() HandleOpener {
	if nf.useAFPacket {
		return func(device string) (CaptureHandle, error) {
			return buildAFPacketHandler(device, nf.captureTimeout)
		}
	}
	return func(device string) (CaptureHandle, error) {
		return buildPcapHandler(device, nf.captureTimeout, nf.pcapFilter)
	}
}

// buildPcapHandler opens a live capture on device. A read returns once a
// packet arrives or the timeout expires.
func buildPcapHandler(device string, timeout time.Duration, pfilter string) (CaptureHandle, error) {
	var (
		snapshotLen int32 = defaultSnapshotLen
		promisc     bool  = false
	)

	handler, err := pcap.OpenLive(device, snapshotLen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	var filter = "ip or ip6"
	if len(pfilter) != 0 {
		filter = fmt.Sprintf("(%s) and (%s)", filter, pfilter)
	}

	err = handler.SetBPFFilter(filter)
	if err != nil {
		handler.Close()
		return nil, err
	}

	return pcapHandle{handler}, nil
}

// captureDevice reads h until the run is cancelled. The liveness flag is
// checked before every read so an abandoned loop exits on its next timeout.
func (nf *Netflow) captureDevice(run *runState, h CaptureHandle) error {
	defer h.Close()

	linkType := h.LinkType()
	for run.alive.IsSet() {
		data, ci, err := h.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, errCaptureTimeout):
			continue
		case errors.Is(err, io.EOF):
			nf.logDebug("capture source exhausted")
			return nil
		default:
			if !run.alive.IsSet() {
				return nil
			}
			nf.logError("capture read: ", err)
			continue
		}

		pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		md := pkt.Metadata()
		md.CaptureInfo = ci
		if md.Length == 0 {
			md.Length = len(data)
		}
		nf.enqueue(run, pkt)
	}
	return nil
}

// enqueue drops the packet when the queue is full.
func (nf *Netflow) enqueue(run *runState, pkt gopacket.Packet) {
	nf.captured.Inc()

	select {
	case run.packetQueue <- pkt:
		return
	default:
		nf.overflow.Inc()
		nf.logDebug("queue overflow, current size: ", len(run.packetQueue))
	}
}

func (nf *Netflow) dequeue(run *runState) gopacket.Packet {
	select {
	case pkt := <-run.packetQueue:
		return pkt

	case <-run.ctx.Done():
		return nil
	}
}

func (nf *Netflow) loopHandlePacket(run *runState) {
	for {
		pkt := nf.dequeue(run)
		if pkt == nil {
			return // ctx.Done
		}

		nf.handlePacket(run, pkt)
	}
}

func (nf *Netflow) handlePacket(run *runState, packet gopacket.Packet) {
	if run.pcapWriter != nil {
		err := run.pcapWriter.WritePacket(packet.Metadata().CaptureInfo, packet.Data())
		if err != nil {
			nf.logError("write pcap: ", err)
		}
	}

	meta, ok := decodePacket(packet)
	if !ok {
		nf.unattributed.Inc()
		return
	}

	delta, ok := nf.attributor.attribute(run.ctx, meta)
	if !ok {
		nf.unattributed.Inc()
		return
	}

	nf.stats.Apply(delta)
	nf.attributed.Inc()
}

// localAddrs collects every unicast address of every interface, plus the
// loopback addresses.
func localAddrs(ctx context.Context) (map[string]nullObject, error) {
	ips := map[string]nullObject{
		"127.0.0.1": {},
		"::1":       {},
	}

	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return ips, err
	}
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsMulticast() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			ips[ip.String()] = nullObject{}
		}
	}
	return ips, nil
}

// discoverDevices lists capture devices that carry at least one address.
// AF_PACKET can listen on every interface at once.
func discoverDevices(afpacket bool) (map[string]nullObject, error) {
	if afpacket {
		return map[string]nullObject{"any": {}}, nil
	}

	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	devNames := map[string]nullObject{}
	for _, dev := range devs {
		if len(dev.Addresses) == 0 {
			continue
		}
		devNames[dev.Name] = nullObject{}
	}
	if len(devNames) == 0 {
		return nil, ErrNoDevice
	}
	return devNames, nil
}
