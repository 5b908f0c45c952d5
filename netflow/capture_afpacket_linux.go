//go:build linux

package netflow

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
)

type afpacketHandle struct {
	*afpacket.TPacket
}

func (h afpacketHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := h.TPacket.ReadPacketData()
	if err == afpacket.ErrTimeout {
		return nil, ci, errCaptureTimeout
	}
	return data, ci, err
}

func (h afpacketHandle) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

// buildAFPacketHandler opens an AF_PACKET ring on device, or on every
// interface when device is "any".
func buildAFPacketHandler(device string, timeout time.Duration) (CaptureHandle, error) {
	opts := []interface{}{
		afpacket.OptFrameSize(4096),
		afpacket.OptBlockSize(4096 * 128),
		afpacket.OptNumBlocks(64),
		afpacket.OptPollTimeout(timeout),
	}
	if device != "any" {
		opts = append(opts, afpacket.OptInterface(device))
	}

	tp, err := afpacket.NewTPacket(opts...)
	if err != nil {
		return nil, err
	}
	return afpacketHandle{tp}, nil
}
