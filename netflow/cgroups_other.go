//go:build !linux

package netflow

import "errors"

type cgroupsLimiter struct{}

func (c *cgroupsLimiter) configure(pid int, core float64, mbn int) error {
	return errors.New("cgroup limits are only supported on linux")
}

func (c *cgroupsLimiter) free() error {
	return nil
}
