package netflow

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	pnet "github.com/jinmuyano/proctraffic"
)

// packetMeta is what attribution needs from a captured frame.
type packetMeta struct {
	srcIP     net.IP
	dstIP     net.IP
	srcPort   uint16
	dstPort   uint16
	transport pnet.Transport
	length    int64
	timestamp time.Time
}

type attributedDelta struct {
	process   pnet.ProcessIdentity
	direction pnet.Direction
	length    int64
	packets   int64
	protocols []string
	timestamp time.Time
}

// ownerResolver is the part of resolver.Resolver attribution depends on.
// Resolve matches the full tuple first and falls back to the local port.
type ownerResolver interface {
	Resolve(ctx context.Context, t pnet.ConnectionTuple) (pnet.ProcessIdentity, bool)
}

// decodePacket extracts addressing from a frame. Frames without a network
// layer are rejected.
func decodePacket(packet gopacket.Packet) (packetMeta, bool) {
	var meta packetMeta

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		meta.srcIP, meta.dstIP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		meta.srcIP, meta.dstIP = ip.SrcIP, ip.DstIP
	default:
		return meta, false
	}

	switch tl := packet.TransportLayer().(type) {
	case *layers.TCP:
		meta.transport = pnet.TransportTCP
		meta.srcPort, meta.dstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
	case *layers.UDP:
		meta.transport = pnet.TransportUDP
		meta.srcPort, meta.dstPort = uint16(tl.SrcPort), uint16(tl.DstPort)
	}

	md := packet.Metadata()
	meta.length = int64(md.Length)
	if meta.length == 0 {
		meta.length = int64(len(packet.Data()))
	}
	meta.timestamp = md.Timestamp
	if meta.timestamp.IsZero() {
		meta.timestamp = time.Now()
	}
	return meta, true
}

// attributor turns packets into process-attributed byte deltas.
type attributor struct {
	bindIPs  map[string]nullObject // read only
	resolver ownerResolver
}

func (a *attributor) isBindIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	_, ok := a.bindIPs[ip.String()]
	return ok
}

// attribute reports false for every packet that cannot be charged to a
// process. None of those cases is an error.
func (a *attributor) attribute(ctx context.Context, pkt packetMeta) (attributedDelta, bool) {
	if pkt.srcIP == nil || pkt.dstIP == nil {
		return attributedDelta{}, false
	}

	isUpload := a.isBindIP(pkt.srcIP)
	isDownload := a.isBindIP(pkt.dstIP)
	if isUpload == isDownload {
		return attributedDelta{}, false
	}
	if pkt.transport == pnet.TransportUnknown {
		return attributedDelta{}, false
	}

	tp := pnet.ConnectionTuple{
		LocalIP:    pkt.srcIP,
		LocalPort:  pkt.srcPort,
		RemoteIP:   pkt.dstIP,
		RemotePort: pkt.dstPort,
		Protocol:   pkt.transport,
	}
	direction := pnet.Upload
	if isDownload {
		tp = tp.Reverse()
		direction = pnet.Download
	}

	proc, ok := a.resolver.Resolve(ctx, tp)
	if !ok {
		return attributedDelta{}, false
	}

	return attributedDelta{
		process:   proc,
		direction: direction,
		length:    pkt.length,
		packets:   1,
		protocols: classify(pkt.transport, pkt.srcPort, pkt.dstPort),
		timestamp: pkt.timestamp,
	}, true
}
