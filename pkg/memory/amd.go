package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"memgrid/pkg/models"
)

// amdProvider shells out to rocm-smi. The CSV output reports VRAM in
// bytes, one row per card.
type amdProvider struct {
	run runner
}

func newAMDProvider() *amdProvider {
	return &amdProvider{run: execRunner}
}

func (p *amdProvider) ID() string { return "amd" }

func (p *amdProvider) Kind() models.ProviderKind { return models.ProviderAMD }

func (p *amdProvider) Probe(ctx context.Context) ([]models.MemorySnapshot, error) {
	out, err := p.run(ctx, "rocm-smi", "--showmeminfo", "vram", "--csv")
	if err != nil {
		return nil, fmt.Errorf("running rocm-smi: %w", err)
	}

	return parseRocmSMI(string(out))
}

func parseRocmSMI(out string) ([]models.MemorySnapshot, error) {
	var snapshots []models.MemorySnapshot

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "device") {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}

		card := strings.TrimSpace(fields[0])
		if !strings.HasPrefix(card, "card") {
			continue
		}

		totalBytes, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing vram total for %s: %w", card, err)
		}
		usedBytes, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing vram used for %s: %w", card, err)
		}

		totalMB := totalBytes / (1024 * 1024)
		usedMB := usedBytes / (1024 * 1024)

		snapshots = append(snapshots, models.MemorySnapshot{
			ProviderID: "amd-" + card,
			Name:       "AMD GPU " + strings.TrimPrefix(card, "card"),
			Kind:       models.ProviderAMD,
			TotalMB:    totalMB,
			UsedMB:     usedMB,
			FreeMB:     totalMB - usedMB,
		})
	}

	if len(snapshots) == 0 {
		return nil, fmt.Errorf("rocm-smi reported no GPUs")
	}

	return snapshots, nil
}
