// Package hwinfo builds the capability descriptor advertised to the
// coordinator. The descriptor is probed once and cached for the process
// lifetime; accelerator probing is best effort and never fails the build.
package hwinfo

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"workerbee/pkg/types"
)

// Probe hooks, swappable in tests.
var (
	cpuCount   = cpuCountDefault
	hostMemory = hostMemoryDefault
	gpuQuery   = gpuQueryDefault
)

// Reporter memoizes one CapabilityDescriptor per process.
type Reporter struct {
	lnURL string
	once  sync.Once
	desc  *types.CapabilityDescriptor
}

func NewReporter(lnURL string) *Reporter {
	return &Reporter{lnURL: lnURL}
}

// Get returns the cached descriptor, probing the host on first call.
func (r *Reporter) Get() *types.CapabilityDescriptor {
	r.once.Do(func() {
		r.desc = r.build()
	})
	return r.desc
}

func (r *Reporter) build() *types.CapabilityDescriptor {
	d := &types.CapabilityDescriptor{
		LnURL:    r.lnURL,
		CPUCount: cpuCount(),
		GPUs:     []types.GPUInfo{},
	}
	if avail, err := hostMemory(); err == nil {
		d.HostMemory = avail
	} else {
		log.Debug().Err(err).Msg("host memory query failed")
	}
	gpus, driver, err := gpuQuery()
	if err != nil {
		// Partial hardware info is fine; an absent driver must not surface.
		log.Debug().Err(err).Msg("no nvidia accelerator reported")
		return d
	}
	d.GPUs = gpus
	d.GPUCount = len(gpus)
	d.DriverVersion = driver
	return d
}

func cpuCountDefault() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func hostMemoryDefault() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// gpuQueryDefault shells out to nvidia-smi; there is no portable in-process
// way to read NVML without cgo.
func gpuQueryDefault() ([]types.GPUInfo, string, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,uuid,memory.total,driver_version",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, "", err
	}
	return parseSMI(string(out))
}

// parseSMI parses one CSV line per device: name, uuid, memory MiB, driver.
func parseSMI(out string) ([]types.GPUInfo, string, error) {
	var gpus []types.GPUInfo
	var driver string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		g := types.GPUInfo{Name: fields[0], UUID: fields[1]}
		if mib, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
			g.MemoryTotal = mib * 1024 * 1024
		}
		if driver == "" {
			driver = fields[3]
		}
		gpus = append(gpus, g)
	}
	return gpus, driver, nil
}
