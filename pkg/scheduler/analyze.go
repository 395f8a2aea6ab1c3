package scheduler

import (
	"context"
	"fmt"
	"os"

	"memgrid/pkg/errors"
	"memgrid/pkg/models"
)

// loadOverhead inflates the raw file size to account for KV cache and
// runtime buffers when judging fit.
const loadOverhead = 1.15

// estimateLayers maps a model's on-disk size to a transformer layer count.
// Exact counts live in the GGUF header; this coarse ladder is close enough
// for partitioning and avoids parsing the file.
func estimateLayers(sizeMB int64) int {
	switch {
	case sizeMB < 3*1024:
		return 26
	case sizeMB < 6*1024:
		return 32
	case sizeMB < 12*1024:
		return 40
	case sizeMB < 28*1024:
		return 60
	default:
		return 80
	}
}

// modelSizeMB returns the model file size in MB. Callers treat the model
// reference as a path; names without a file behind them cannot be sized.
func modelSizeMB(modelRef string) (int64, error) {
	info, err := os.Stat(modelRef)
	if err != nil {
		return 0, fmt.Errorf("sizing model %s: %w", modelRef, err)
	}

	return info.Size() / (1024 * 1024), nil
}

// Analyze classifies whether modelRef fits the local host, the selected
// device set, or nothing, and proposes layer and context settings.
func (s *Scheduler) Analyze(ctx context.Context, modelRef string, deviceIDs []string) (*models.FitReport, error) {
	if modelRef == "" {
		return nil, errors.WithKind(errors.KindValidation, errors.ErrModelRefRequired)
	}

	sizeMB, err := modelSizeMB(modelRef)
	if err != nil {
		return nil, err
	}

	requiredMB := int64(float64(sizeMB) * loadOverhead)
	localFreeMB := s.memory.LocalFreeMB(ctx)

	report := &models.FitReport{
		EstimatedSizeMB:    sizeMB,
		EstimatedLayers:    estimateLayers(sizeMB),
		RecommendedContext: s.cfg.ContextSize,
		LocalFreeMB:        localFreeMB,
	}

	// Collect the usable remote device capacities. Devices reporting zero
	// free memory are kept out of the plan but only warned about.
	type candidate struct {
		id     string
		freeMB int64
	}

	var candidates []candidate

	for _, id := range deviceIDs {
		device, err := s.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if device.Status != models.DeviceApproved {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("device %s is %s and was excluded", device.Name, device.Status))

			continue
		}
		if device.RPCStatus != models.RPCReady {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("device %s has no ready rpc-server and was excluded", device.Name))

			continue
		}
		if device.MemoryFreeMB == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("device %s reports zero free memory, is the remote agent running?", device.Name))

			continue
		}

		candidates = append(candidates, candidate{id: device.ID, freeMB: device.MemoryFreeMB})
		report.ClusterFreeMB += device.MemoryFreeMB
	}

	// Local capacity alone wins even when the cluster would also fit, to
	// keep layer traffic off the network.
	if requiredMB <= localFreeMB {
		report.Class = models.FitsLocally
		report.RecommendedGPULayers = -1

		return report, nil
	}

	combinedMB := localFreeMB + report.ClusterFreeMB

	if requiredMB <= combinedMB && len(candidates) > 0 {
		report.Class = models.FitsDistributed
		report.RecommendedGPULayers = -1

		shares := make([]int64, 0, len(candidates)+1)
		ids := make([]string, 0, len(candidates)+1)
		shares = append(shares, localFreeMB)
		ids = append(ids, "local")
		for _, c := range candidates {
			shares = append(shares, c.freeMB)
			ids = append(ids, c.id)
		}

		report.Assignments = partitionLayers(report.EstimatedLayers, ids, shares)

		return report, nil
	}

	// Not enough memory anywhere near the GPUs. If partial offload would
	// still put a meaningful share of layers on GPU, recommend that.
	if localFreeMB > 0 && requiredMB > 0 {
		gpuLayers := int(int64(report.EstimatedLayers) * localFreeMB / requiredMB)
		if gpuLayers > 0 && gpuLayers < report.EstimatedLayers {
			report.Class = models.PartialGPUOffload
			report.RecommendedGPULayers = gpuLayers

			return report, nil
		}
	}

	// No partition can work; recommending one would only mislead.
	report.Class = models.TooLarge
	report.RecommendedGPULayers = 0
	report.RecommendedContext = 0

	return report, nil
}

// layerAssignments computes the advisory layer split recorded on a
// distributed session. The serving process shards on its own either way;
// an unsizable model or missing figures just mean no record.
func (s *Scheduler) layerAssignments(ctx context.Context, modelRef string, deviceIDs []string) []models.LayerAssignment {
	if len(deviceIDs) == 0 {
		return nil
	}

	sizeMB, err := modelSizeMB(modelRef)
	if err != nil {
		return nil
	}

	ids := []string{"local"}
	shares := []int64{s.memory.LocalFreeMB(ctx)}

	for _, id := range deviceIDs {
		device, err := s.registry.Get(ctx, id)
		if err != nil || device.MemoryFreeMB <= 0 {
			continue
		}

		ids = append(ids, id)
		shares = append(shares, device.MemoryFreeMB)
	}
	if len(ids) < 2 {
		return nil
	}

	return partitionLayers(estimateLayers(sizeMB), ids, shares)
}

// partitionLayers splits layerCount into contiguous ranges proportional to
// each participant's free memory. Every participant with a nonzero share
// receives at least one layer; the final range absorbs rounding.
func partitionLayers(layerCount int, ids []string, freeMB []int64) []models.LayerAssignment {
	var totalFree int64
	for _, free := range freeMB {
		totalFree += free
	}
	if totalFree == 0 || layerCount == 0 {
		return nil
	}

	assignments := make([]models.LayerAssignment, 0, len(ids))
	next := 0

	for i, id := range ids {
		remaining := layerCount - next
		if remaining <= 0 {
			break
		}

		var span int
		if i == len(ids)-1 {
			span = remaining
		} else {
			span = int(int64(layerCount) * freeMB[i] / totalFree)
			if span < 1 {
				span = 1
			}
			if span > remaining {
				span = remaining
			}
		}

		assignments = append(assignments, models.LayerAssignment{
			DeviceID: id,
			Layers:   fmt.Sprintf("%d-%d", next, next+span-1),
		})
		next += span
	}

	return assignments
}
