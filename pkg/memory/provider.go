// Package memory discovers the host's memory providers and probes their
// capacity. A provider is one source of usable memory: a GPU vendor tool,
// Apple unified memory or plain system RAM.
package memory

import (
	"context"
	"os/exec"
	"runtime"

	"memgrid/pkg/models"
)

// Provider reads capacity figures from one memory source. A provider may
// report several snapshots, one per physical device.
type Provider interface {
	ID() string
	Kind() models.ProviderKind
	Probe(ctx context.Context) ([]models.MemorySnapshot, error)
}

// runner executes an external probe tool. Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// hostInfo is the subset of platform facts detection depends on.
type hostInfo struct {
	os           string
	arch         string
	hasNvidiaSMI bool
	hasRocmSMI   bool
	hasIntelGPU  bool
}

func currentHost() hostInfo {
	info := hostInfo{os: runtime.GOOS, arch: runtime.GOARCH}

	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		info.hasNvidiaSMI = true
	}
	if _, err := exec.LookPath("rocm-smi"); err == nil {
		info.hasRocmSMI = true
	}
	info.hasIntelGPU = intelPresent()

	return info
}

// Detect assembles the providers for this host. Apple Silicon exposes one
// unified pool, so the system RAM provider is suppressed there to avoid
// counting the same bytes twice.
func Detect() []Provider {
	return detect(currentHost())
}

func detect(info hostInfo) []Provider {
	var providers []Provider

	appleSilicon := info.os == "darwin" && info.arch == "arm64"

	if appleSilicon {
		providers = append(providers, newAppleProvider())
	}
	if info.hasNvidiaSMI {
		providers = append(providers, newNvidiaProvider())
	}
	if info.hasRocmSMI {
		providers = append(providers, newAMDProvider())
	}
	if info.hasIntelGPU {
		providers = append(providers, newIntelProvider())
	}
	if !appleSilicon {
		providers = append(providers, newSystemRAMProvider())
	}

	return providers
}
