//go:build !linux

package netflow

import (
	"errors"
	"time"
)

func buildAFPacketHandler(device string, timeout time.Duration) (CaptureHandle, error) {
	return nil, errors.New("af_packet capture is only supported on linux")
}
