package memory

import (
	"context"
	"fmt"

	"memgrid/pkg/models"

	"github.com/shirou/gopsutil/v3/mem"
)

// appleProvider reports Apple Silicon unified memory. CPU and GPU share
// the same pool, so when this provider is active the plain system RAM
// provider is left out.
type appleProvider struct {
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

func newAppleProvider() *appleProvider {
	return &appleProvider{virtualMemory: mem.VirtualMemoryWithContext}
}

func (p *appleProvider) ID() string { return "apple" }

func (p *appleProvider) Kind() models.ProviderKind { return models.ProviderAppleSilicon }

func (p *appleProvider) Probe(ctx context.Context) ([]models.MemorySnapshot, error) {
	stat, err := p.virtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading unified memory: %w", err)
	}

	totalMB := int64(stat.Total / (1024 * 1024))
	freeMB := int64(stat.Available / (1024 * 1024))

	return []models.MemorySnapshot{{
		ProviderID: "apple-unified",
		Name:       "Apple Unified Memory",
		Kind:       models.ProviderAppleSilicon,
		TotalMB:    totalMB,
		UsedMB:     totalMB - freeMB,
		FreeMB:     freeMB,
	}}, nil
}
