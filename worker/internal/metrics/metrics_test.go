package metrics

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestCollectReturnsPlausibleSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if snap.CPUPercent < 0 || snap.CPUPercent > 100 {
		t.Errorf("CPUPercent = %v, want within [0, 100]", snap.CPUPercent)
	}
	if snap.RAMPercent < 0 || snap.RAMPercent > 100 {
		t.Errorf("RAMPercent = %v, want within [0, 100]", snap.RAMPercent)
	}
}

func TestDescribeFillsDeviceNameAndCapabilities(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc, err := Describe(ctx, []string{"script", "cli"})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.DeviceName == "" {
		t.Error("expected a non-empty DeviceName")
	}
	if desc.GPU == "" {
		t.Error("expected GPU to default to a non-empty value even with no GPU present")
	}
	if len(desc.Capabilities) != 2 || desc.Capabilities[0] != "script" {
		t.Errorf("Capabilities = %v, want [script cli]", desc.Capabilities)
	}
}

func TestProbeGPUIsFalseWhenNvidiaSMIAbsent(t *testing.T) {
	// Best-effort: on a host without nvidia-smi (the common case in CI and
	// this sandbox), ProbeGPU must report false rather than error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := exec.LookPath("nvidia-smi"); err != nil && ProbeGPU(ctx) {
		t.Error("ProbeGPU = true although nvidia-smi is not on PATH")
	}
}

func TestBusyThresholdsAreConsistentWithSnapshot(t *testing.T) {
	s := Snapshot{CPUPercent: busyCPUThreshold + 1, RAMPercent: 0}
	if !(s.CPUPercent > busyCPUThreshold) {
		t.Fatal("test fixture does not exceed the CPU threshold")
	}
}
