package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"memgrid/pkg/models"
)

// Intel discrete GPUs expose local memory figures through the i915 sysfs
// tree. There is no vendor CLI worth shelling out to, so this provider
// reads the files directly.
const intelSysfsGlob = "/sys/class/drm/card*/device/lmem_total_bytes"

type intelProvider struct {
	glob string
}

func newIntelProvider() *intelProvider {
	return &intelProvider{glob: intelSysfsGlob}
}

func intelPresent() bool {
	matches, err := filepath.Glob(intelSysfsGlob)

	return err == nil && len(matches) > 0
}

func (p *intelProvider) ID() string { return "intel" }

func (p *intelProvider) Kind() models.ProviderKind { return models.ProviderIntel }

func (p *intelProvider) Probe(_ context.Context) ([]models.MemorySnapshot, error) {
	matches, err := filepath.Glob(p.glob)
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("no intel GPU sysfs entries found")
	}

	var snapshots []models.MemorySnapshot

	for _, totalPath := range matches {
		card := filepath.Base(filepath.Dir(filepath.Dir(totalPath)))

		totalBytes, err := readSysfsInt(totalPath)
		if err != nil {
			return nil, fmt.Errorf("reading lmem total for %s: %w", card, err)
		}

		availPath := filepath.Join(filepath.Dir(totalPath), "lmem_avail_bytes")
		availBytes, err := readSysfsInt(availPath)
		if err != nil {
			// Some kernels omit the avail file; treat the card as empty.
			availBytes = totalBytes
		}

		totalMB := totalBytes / (1024 * 1024)
		freeMB := availBytes / (1024 * 1024)

		snapshots = append(snapshots, models.MemorySnapshot{
			ProviderID: "intel-" + card,
			Name:       "Intel GPU " + strings.TrimPrefix(card, "card"),
			Kind:       models.ProviderIntel,
			TotalMB:    totalMB,
			UsedMB:     totalMB - freeMB,
			FreeMB:     freeMB,
		})
	}

	return snapshots, nil
}

func readSysfsInt(path string) (int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
}
