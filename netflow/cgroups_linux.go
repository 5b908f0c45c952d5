//go:build linux

package netflow

import (
	"fmt"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const cgroupPath = "/proctraffic"

type cgroupsLimiter struct {
	control cgroups.Cgroup
}

// configure moves pid into a dedicated v1 cgroup limited to core cpus and
// mbn megabytes. A zero limit leaves that resource unrestricted.
func (c *cgroupsLimiter) configure(pid int, core float64, mbn int) error {
	res := &specs.LinuxResources{}
	if core > 0 {
		var (
			period = uint64(100000)
			quota  = int64(float64(period) * core)
		)
		res.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if mbn > 0 {
		limit := int64(mbn) * 1024 * 1024
		res.Memory = &specs.LinuxMemory{Limit: &limit}
	}

	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath(cgroupPath), res)
	if err != nil {
		return fmt.Errorf("create cgroup: %w", err)
	}

	if err := control.Add(cgroups.Process{Pid: pid}); err != nil {
		control.Delete()
		return fmt.Errorf("join cgroup: %w", err)
	}

	c.control = control
	return nil
}

func (c *cgroupsLimiter) free() error {
	if c.control == nil {
		return nil
	}
	return c.control.Delete()
}
