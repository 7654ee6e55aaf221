// Package metrics collects the host facts a worker advertises at
// registration time (device name, GPU, VRAM, capability tags) and a CPU/RAM
// resource snapshot (Collect), using gopsutil for real host introspection
// rather than placeholder values. The heartbeat frame does not carry the
// snapshot.
package metrics

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Descriptor is the set of host facts sent once, at registration.
type Descriptor struct {
	DeviceName   string
	GPU          string
	VRAMGiB      float64
	Capabilities []string
}

// Snapshot is a point-in-time resource gauge produced by Collect.
type Snapshot struct {
	CPUPercent float64
	RAMPercent float64
	Busy       bool
}

// busyCPUThreshold and busyRAMThreshold mark a worker as too loaded to take
// on additional sessions. The snapshot is not sent to the coordinator, which
// does not schedule around it.
const (
	busyCPUThreshold = 90.0
	busyRAMThreshold = 95.0
)

// Describe gathers the host descriptor advertised at registration.
// GPU detection is best-effort: nvidia-smi is probed if present, and the
// device is reported as CPU-only otherwise.
func Describe(ctx context.Context, capabilities []string) (Descriptor, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Descriptor{}, fmt.Errorf("metrics: host info: %w", err)
	}

	desc := Descriptor{
		DeviceName:   fmt.Sprintf("%s (%s/%s)", info.Hostname, info.Platform, info.KernelArch),
		GPU:          "none",
		Capabilities: capabilities,
	}

	if gpu, vramGiB, ok := detectNvidiaGPU(ctx); ok {
		desc.GPU = gpu
		desc.VRAMGiB = vramGiB
	}

	return desc, nil
}

// ProbeGPU reports whether an NVIDIA GPU is present on this host, for the
// executor's sandbox.Spec.HasGPU flag. Best-effort: a host with no
// nvidia-smi binary is reported as CPU-only rather than erroring.
func ProbeGPU(ctx context.Context) bool {
	_, _, ok := detectNvidiaGPU(ctx)
	return ok
}

// Collect gathers the current resource snapshot for a heartbeat.
func Collect(ctx context.Context) (Snapshot, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: memory stats: %w", err)
	}

	cpuPct, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: cpu stats: %w", err)
	}

	var cpuPercent float64
	if len(cpuPct) > 0 {
		cpuPercent = cpuPct[0]
	}

	return Snapshot{
		CPUPercent: cpuPercent,
		RAMPercent: v.UsedPercent,
		Busy:       cpuPercent > busyCPUThreshold || v.UsedPercent > busyRAMThreshold,
	}, nil
}

// detectNvidiaGPU shells out to nvidia-smi, when present, to report the GPU
// name and total VRAM. Absence of the binary is not an error — it just
// means this host has no usable GPU.
func detectNvidiaGPU(ctx context.Context) (name string, vramGiB float64, ok bool) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return "", 0, false
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 2 {
		return "", 0, false
	}

	gpuName := strings.TrimSpace(fields[0])
	var vramMiB float64
	if _, err := fmt.Sscanf(strings.TrimSpace(fields[1]), "%f", &vramMiB); err != nil {
		return gpuName, 0, true
	}
	return gpuName, vramMiB / 1024, true
}
