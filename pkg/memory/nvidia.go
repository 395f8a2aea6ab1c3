package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"memgrid/pkg/models"
)

// nvidiaProvider shells out to nvidia-smi and reports one snapshot per
// GPU. Values are requested in MiB with no units so parsing stays dumb.
type nvidiaProvider struct {
	run runner
}

func newNvidiaProvider() *nvidiaProvider {
	return &nvidiaProvider{run: execRunner}
}

func (p *nvidiaProvider) ID() string { return "nvidia" }

func (p *nvidiaProvider) Kind() models.ProviderKind { return models.ProviderNvidia }

func (p *nvidiaProvider) Probe(ctx context.Context) ([]models.MemorySnapshot, error) {
	out, err := p.run(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("running nvidia-smi: %w", err)
	}

	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) ([]models.MemorySnapshot, error) {
	var snapshots []models.MemorySnapshot

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}

		index := strings.TrimSpace(fields[0])
		name := strings.TrimSpace(fields[1])

		totalMB, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing total for gpu %s: %w", index, err)
		}
		usedMB, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing used for gpu %s: %w", index, err)
		}

		snapshots = append(snapshots, models.MemorySnapshot{
			ProviderID: "nvidia-" + index,
			Name:       name,
			Kind:       models.ProviderNvidia,
			TotalMB:    totalMB,
			UsedMB:     usedMB,
			FreeMB:     totalMB - usedMB,
		})
	}

	if len(snapshots) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no GPUs")
	}

	return snapshots, nil
}
