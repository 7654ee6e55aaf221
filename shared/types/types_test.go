package types

import "testing"

func TestDefaultLimitsPerMode(t *testing.T) {
	cases := []struct {
		mode           JobMode
		wantGPU        bool
		wantWritable   bool
		wantMinMemGiB  int64
	}{
		{ModeScript, false, false, 2},
		{ModeNotebookCell, false, false, 2},
		{ModeRender, true, true, 8},
		{ModeCLI, false, false, 2},
	}

	for _, tc := range cases {
		limits := DefaultLimits(tc.mode)
		if limits.GPUIfAvailable != tc.wantGPU {
			t.Errorf("mode %s: GPUIfAvailable = %v, want %v", tc.mode, limits.GPUIfAvailable, tc.wantGPU)
		}
		if limits.OutputWritable != tc.wantWritable {
			t.Errorf("mode %s: OutputWritable = %v, want %v", tc.mode, limits.OutputWritable, tc.wantWritable)
		}
		const gib = 1 << 30
		if limits.MemoryBytes != tc.wantMinMemGiB*gib {
			t.Errorf("mode %s: MemoryBytes = %d, want %d GiB", tc.mode, limits.MemoryBytes, tc.wantMinMemGiB)
		}
		if limits.Deadline <= 0 {
			t.Errorf("mode %s: non-positive deadline", tc.mode)
		}
	}
}

func TestDefaultLimitsUnknownModeFallsBackSafely(t *testing.T) {
	limits := DefaultLimits(JobMode("nonsense"))
	if limits.CPUs <= 0 || limits.MemoryBytes <= 0 || limits.Deadline <= 0 {
		t.Fatalf("unknown mode should still yield a safe, bounded envelope, got %+v", limits)
	}
}

func TestCLIAllowListRejectsArbitraryCommands(t *testing.T) {
	allowed := []string{"echo", "date", "uname", "whoami", "pwd", "ls", "true", "false"}
	for _, cmd := range allowed {
		if _, ok := CLIAllowList[cmd]; !ok {
			t.Errorf("expected %q to be on the allow-list", cmd)
		}
	}

	denied := []string{"rm", "curl", "bash", "sh", "reboot"}
	for _, cmd := range denied {
		if _, ok := CLIAllowList[cmd]; ok {
			t.Errorf("did not expect %q to be on the allow-list", cmd)
		}
	}
}

func TestKnownModesCoversEveryJobMode(t *testing.T) {
	for _, m := range []JobMode{ModeScript, ModeRender, ModeCLI, ModeNotebookCell} {
		if _, ok := KnownModes[m]; !ok {
			t.Errorf("expected %s to be a known mode", m)
		}
	}
	if _, ok := KnownModes[JobMode("bogus")]; ok {
		t.Error("bogus mode should not be known")
	}
}
