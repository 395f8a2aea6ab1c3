package ports

import "time"

type Collection struct {
	Devices      DeviceRepository
	Roles        RoleRepository
	Allocations  AllocationRepository
	Sessions     SessionRepository
	EventService EventService
	Memory       MemoryService
	Prober       ReachabilityProber
	Clock        func() time.Time
}
