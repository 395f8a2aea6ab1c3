package models

import "time"

// SessionStatus represents the lifecycle state of an inference session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// Session is one active or historical run of model inference. At most one
// session may be running at a time.
type Session struct {
	ID string `json:"id"`
	// ModelRef is the model path or name served by this session.
	ModelRef string        `json:"model_ref"`
	Status   SessionStatus `json:"status"`
	// DeviceIDs are the participating devices, in assignment order.
	DeviceIDs []string `json:"device_ids"`
	// Assignments maps layer ranges to devices.
	Assignments []LayerAssignment `json:"assignments,omitempty"`
	// GPULayers is the number of layers kept on GPU. -1 means all of them.
	GPULayers int `json:"gpu_layers"`
	// ContextSize is the context window the serving process was given.
	ContextSize int        `json:"context_size"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// LayerAssignment maps a contiguous layer range to one device.
type LayerAssignment struct {
	DeviceID string `json:"device_id"`
	// Layers is a human-readable range, e.g. "0-15".
	Layers string `json:"layers"`
}

// FitClass is the scheduler's verdict on whether a model fits available
// capacity.
type FitClass string

const (
	FitsLocally       FitClass = "fits_locally"
	FitsDistributed   FitClass = "fits_distributed"
	PartialGPUOffload FitClass = "partial_gpu_offload"
	TooLarge          FitClass = "too_large"
)

// FitReport is the result of analyzing a model against a device set.
type FitReport struct {
	Class FitClass `json:"classification"`
	// EstimatedSizeMB is derived from the model file size.
	EstimatedSizeMB int64 `json:"estimated_size_mb"`
	// EstimatedLayers is the layer-count estimate used for partitioning.
	EstimatedLayers int `json:"estimated_layers"`
	// RecommendedGPULayers is -1 ("run entirely on GPU") for local and
	// distributed fits. TooLarge carries no recommendation.
	RecommendedGPULayers int `json:"recommended_gpu_layers"`
	RecommendedContext   int `json:"recommended_context"`
	// LocalFreeMB and ClusterFreeMB are the capacity figures the verdict
	// was computed from.
	LocalFreeMB   int64 `json:"local_free_mb"`
	ClusterFreeMB int64 `json:"cluster_free_mb"`
	// Assignments is the proposed layer split for distributed fits.
	Assignments []LayerAssignment `json:"assignments,omitempty"`
	// Warnings surface soft problems (zero-memory devices, dropped peers).
	Warnings []string `json:"warnings,omitempty"`
}
