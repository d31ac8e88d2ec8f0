package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// ========== Device Profile Methods ==========

// CreateDeviceProfile creates a new device profile
func (s *PostgresStore) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}

	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_profiles (
			id, created_at, updated_at, tenant_id, name, region, mac_version,
			reg_params_revision, supports_otaa, supports_class_b, supports_class_c,
			class_c_timeout, adr_algorithm_id, device_status_req_interval, uplink_interval
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		profile.ID, profile.CreatedAt, profile.UpdatedAt, profile.TenantID, profile.Name,
		profile.Region, profile.MACVersion, profile.RegParamsRevision, profile.SupportsOTAA,
		profile.SupportsClassB, profile.SupportsClassC, profile.ClassCTimeout,
		profile.ADRAlgorithmID, profile.DeviceStatusReqInterval, profile.UplinkInterval,
	)

	return handlePSQLError(err)
}

// GetDeviceProfile gets a device profile by ID
func (s *PostgresStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	profile := &models.DeviceProfile{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, tenant_id, name, region, mac_version,
		       reg_params_revision, supports_otaa, supports_class_b, supports_class_c,
		       class_c_timeout, adr_algorithm_id, device_status_req_interval, uplink_interval
		FROM device_profiles
		WHERE id = $1`,
		id,
	).Scan(
		&profile.ID, &profile.CreatedAt, &profile.UpdatedAt, &profile.TenantID, &profile.Name,
		&profile.Region, &profile.MACVersion, &profile.RegParamsRevision, &profile.SupportsOTAA,
		&profile.SupportsClassB, &profile.SupportsClassC, &profile.ClassCTimeout,
		&profile.ADRAlgorithmID, &profile.DeviceStatusReqInterval, &profile.UplinkInterval,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return profile, nil
}
