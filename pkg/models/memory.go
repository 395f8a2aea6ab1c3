package models

// ProviderKind identifies what class of memory a capacity provider reports.
type ProviderKind string

const (
	ProviderNvidia       ProviderKind = "nvidia"
	ProviderAMD          ProviderKind = "amd"
	ProviderAppleSilicon ProviderKind = "apple_silicon"
	ProviderIntel        ProviderKind = "intel"
	ProviderSystemRAM    ProviderKind = "system_ram"
)

// MemorySnapshot is a point-in-time capacity reading from one provider.
// Snapshots are ephemeral: they are recomputed every probe tick and never
// persisted, only the allocation decisions derived from them are.
type MemorySnapshot struct {
	ProviderID  string       `json:"provider_id"`
	Name        string       `json:"name"`
	Kind        ProviderKind `json:"kind"`
	TotalMB     int64        `json:"total_mb"`
	UsedMB      int64        `json:"used_mb"`
	FreeMB      int64        `json:"free_mb"`
	AllocatedMB int64        `json:"allocated_mb"`
}
