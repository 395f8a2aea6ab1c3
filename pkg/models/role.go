package models

import "time"

// Role is a named quota/trust bundle applied to approved devices.
type Role struct {
	ID string `json:"id"`
	// Name is unique among roles.
	Name string `json:"name"`
	// MaxMemoryMB caps the allocation any bearer of this role may receive.
	MaxMemoryMB int64 `json:"max_memory_mb"`
	// CanPullModels reports whether the bearer may request model downloads.
	CanPullModels bool `json:"can_pull_models"`
	// TrustLevel is ordinal, higher is more privileged.
	TrustLevel int `json:"trust_level"`
	// Builtin roles are seeded at startup and reject deletion.
	Builtin   bool      `json:"builtin"`
	CreatedAt time.Time `json:"created_at"`
}
