package memory

import (
	"context"
	"fmt"

	"memgrid/pkg/models"

	"github.com/shirou/gopsutil/v3/mem"
)

// systemRAMProvider reports host RAM via gopsutil. It is the fallback
// provider on machines without a discrete GPU.
type systemRAMProvider struct {
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func newSystemRAMProvider() *systemRAMProvider {
	return &systemRAMProvider{virtualMemory: mem.VirtualMemoryWithContext}
}

func (p *systemRAMProvider) ID() string { return "sysram" }

func (p *systemRAMProvider) Kind() models.ProviderKind { return models.ProviderSystemRAM }

func (p *systemRAMProvider) Probe(ctx context.Context) ([]models.MemorySnapshot, error) {
	stat, err := p.virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading system memory: %w", err)
	}

	totalMB := int64(stat.Total / (1024 * 1024))
	freeMB := int64(stat.Available / (1024 * 1024))

	return []models.MemorySnapshot{{
		ProviderID: "sysram",
		Name:       "System RAM",
		Kind:       models.ProviderSystemRAM,
		TotalMB:    totalMB,
		UsedMB:     totalMB - freeMB,
		FreeMB:     freeMB,
	}}, nil
}
