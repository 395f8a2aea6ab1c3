package postgres

import (
	"context"
	"errors"
	"fmt"

	grid "memgrid/pkg/errors"
	"memgrid/pkg/models"

	"github.com/jackc/pgx/v5"
)

var deviceColumns = []string{
	"id", "name", "address", "hardware_id", "hostname", "platform",
	"role_id", "status", "discovery_method", "allocated_mb",
	"rpc_port", "rpc_status", "memory_total_mb", "memory_free_mb",
	"first_seen", "last_seen", "created_at",
}

// DeviceRepo implements ports.DeviceRepository.
type DeviceRepo struct {
	db *DB
}

func NewDeviceRepo(db *DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// CreateIfAbsent inserts the device with ON CONFLICT (address) DO NOTHING
// and then reads back whichever row won, so concurrent registrations of the
// same address collapse to a single record.
func (r *DeviceRepo) CreateIfAbsent(ctx context.Context, device *models.Device) (*models.Device, bool, error) {
	sql, args, err := r.db.Builder.
		Insert("devices").
		Columns(deviceColumns...).
		Values(device.ID, device.Name, device.Address, nullable(device.HardwareID),
			nullable(device.Hostname), nullable(device.Platform), nullable(device.RoleID),
			device.Status, device.Method, device.AllocatedMB,
			device.RPCPort, device.RPCStatus, device.MemoryTotalMB, device.MemoryFreeMB,
			device.FirstSeen, device.LastSeen, device.CreatedAt).
		Suffix("ON CONFLICT (address) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("building device insert: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, false, fmt.Errorf("inserting device: %w", err)
	}

	stored, err := r.GetByAddress(ctx, device.Address)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("device %s vanished after upsert", device.Address)
	}

	return stored, tag.RowsAffected() == 1, nil
}

func (r *DeviceRepo) Get(ctx context.Context, id string) (*models.Device, error) {
	device, err := r.fetchOne(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, grid.NewDeviceNotFound(id)
	}

	return device, nil
}

func (r *DeviceRepo) GetByAddress(ctx context.Context, address string) (*models.Device, error) {
	return r.fetchOne(ctx, "address", address)
}

func (r *DeviceRepo) fetchOne(ctx context.Context, column, value string) (*models.Device, error) {
	sql, args, err := r.db.Builder.
		Select(deviceColumns...).
		From("devices").
		Where(fmt.Sprintf("%s = ?", column), value).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device select: %w", err)
	}

	row := r.db.Pool.QueryRow(ctx, sql, args...)

	device, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	return device, nil
}

func (r *DeviceRepo) List(ctx context.Context) ([]*models.Device, error) {
	sql, args, err := r.db.Builder.
		Select(deviceColumns...).
		From("devices").
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building device list: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

func (r *DeviceRepo) Update(ctx context.Context, device *models.Device) error {
	sql, args, err := r.db.Builder.
		Update("devices").
		Set("name", device.Name).
		Set("hardware_id", nullable(device.HardwareID)).
		Set("hostname", nullable(device.Hostname)).
		Set("platform", nullable(device.Platform)).
		Set("role_id", nullable(device.RoleID)).
		Set("status", device.Status).
		Set("allocated_mb", device.AllocatedMB).
		Set("rpc_port", device.RPCPort).
		Set("rpc_status", device.RPCStatus).
		Set("memory_total_mb", device.MemoryTotalMB).
		Set("memory_free_mb", device.MemoryFreeMB).
		Set("last_seen", device.LastSeen).
		Where("id = ?", device.ID).
		ToSql()
	if err != nil {
		return fmt.Errorf("building device update: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return grid.NewDeviceNotFound(device.ID)
	}

	return nil
}

func (r *DeviceRepo) Delete(ctx context.Context, id string) error {
	sql, args, err := r.db.Builder.
		Delete("devices").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("building device delete: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return grid.NewDeviceNotFound(id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		device     models.Device
		hardwareID *string
		hostname   *string
		platform   *string
		roleID     *string
	)

	err := row.Scan(&device.ID, &device.Name, &device.Address, &hardwareID,
		&hostname, &platform, &roleID, &device.Status, &device.Method,
		&device.AllocatedMB, &device.RPCPort, &device.RPCStatus,
		&device.MemoryTotalMB, &device.MemoryFreeMB,
		&device.FirstSeen, &device.LastSeen, &device.CreatedAt)
	if err != nil {
		return nil, err
	}

	device.HardwareID = deref(hardwareID)
	device.Hostname = deref(hostname)
	device.Platform = deref(platform)
	device.RoleID = deref(roleID)

	return &device, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
