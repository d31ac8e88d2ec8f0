package storage

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ========== Device Methods ==========

const deviceColumns = `dev_eui, created_at, updated_at, join_eui, application_id,
		device_profile_id, name, description, is_disabled, skip_fcnt_check,
		enabled_class, variables, tags, last_seen_at, battery_level,
		scheduler_run_after`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	d := &models.Device{}
	err := row.Scan(
		&d.DevEUI, &d.CreatedAt, &d.UpdatedAt, &d.JoinEUI, &d.ApplicationID,
		&d.DeviceProfileID, &d.Name, &d.Description, &d.IsDisabled, &d.SkipFCntCheck,
		&d.EnabledClass, &d.Variables, &d.Tags, &d.LastSeenAt, &d.BatteryLevel,
		&d.SchedulerRunAfter,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}
	return d, nil
}

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	if device.EnabledClass == "" {
		device.EnabledClass = models.DeviceClassA
	}

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		device.DevEUI, device.CreatedAt, device.UpdatedAt, device.JoinEUI, device.ApplicationID,
		device.DeviceProfileID, device.Name, device.Description, device.IsDisabled, device.SkipFCntCheck,
		device.EnabledClass, device.Variables, device.Tags, device.LastSeenAt, device.BatteryLevel,
		device.SchedulerRunAfter,
	)

	return handlePSQLError(err)
}

// GetDevice gets a device by DevEUI
func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return scanDevice(s.getDB().QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE dev_eui = $1", devEUI))
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	return s.exec(ctx, `
		UPDATE devices SET
			updated_at = $2, join_eui = $3, application_id = $4, device_profile_id = $5,
			name = $6, description = $7, is_disabled = $8, skip_fcnt_check = $9,
			enabled_class = $10, variables = $11, tags = $12, last_seen_at = $13,
			battery_level = $14, scheduler_run_after = $15
		WHERE dev_eui = $1`,
		device.DevEUI, device.UpdatedAt, device.JoinEUI, device.ApplicationID, device.DeviceProfileID,
		device.Name, device.Description, device.IsDisabled, device.SkipFCntCheck,
		device.EnabledClass, device.Variables, device.Tags, device.LastSeenAt,
		device.BatteryLevel, device.SchedulerRunAfter,
	)
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	return s.exec(ctx, "DELETE FROM devices WHERE dev_eui = $1", devEUI)
}

// ========== Device Keys Methods ==========

// SetDeviceKeys creates or updates the root keys of a device
func (s *PostgresStore) SetDeviceKeys(ctx context.Context, keys *models.DeviceKeys) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys.UpdatedAt = time.Now()

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_keys (dev_eui, nwk_key, app_key, join_nonce, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dev_eui) DO UPDATE SET
			nwk_key = EXCLUDED.nwk_key,
			app_key = EXCLUDED.app_key,
			join_nonce = EXCLUDED.join_nonce,
			updated_at = EXCLUDED.updated_at`,
		keys.DevEUI, keys.NwkKey, keys.AppKey, int64(keys.JoinNonce), keys.UpdatedAt,
	)

	return handlePSQLError(err)
}

// GetDeviceKeys gets the root keys of a device
func (s *PostgresStore) GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceKeys, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := &models.DeviceKeys{}
	var joinNonce int64
	err := s.getDB().QueryRowContext(ctx, `
		SELECT dev_eui, nwk_key, app_key, join_nonce, updated_at
		FROM device_keys
		WHERE dev_eui = $1`,
		devEUI,
	).Scan(&keys.DevEUI, &keys.NwkKey, &keys.AppKey, &joinNonce, &keys.UpdatedAt)
	if err != nil {
		return nil, handlePSQLError(err)
	}
	keys.JoinNonce = uint32(joinNonce)

	return keys, nil
}

// AddDevNonce records a used DevNonce
func (s *PostgresStore) AddDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_dev_nonces (dev_eui, dev_nonce, created_at)
		VALUES ($1, $2, $3)`,
		devEUI, int(devNonce), time.Now(),
	)

	return handlePSQLError(err)
}

// ========== Device Lock Methods ==========

// SetDeviceLock takes the device lease for ttl. It fails with ErrLocked
// while a previous lease has not expired.
func (s *PostgresStore) SetDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_locks (dev_eui, locked_until)
		VALUES ($1, $2)
		ON CONFLICT (dev_eui) DO UPDATE SET
			locked_until = EXCLUDED.locked_until
		WHERE device_locks.locked_until < now()`,
		devEUI, time.Now().Add(ttl),
	)
	if err != nil {
		return handlePSQLError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLocked
	}

	return nil
}

// ReleaseDeviceLock releases the device lease
func (s *PostgresStore) ReleaseDeviceLock(ctx context.Context, devEUI lorawan.EUI64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx, "DELETE FROM device_locks WHERE dev_eui = $1", devEUI)
	return handlePSQLError(err)
}

// ========== Device Gateway Rx Info Methods ==========

// SaveDeviceGatewayRxInfo stores the gateways of the last uplink
func (s *PostgresStore) SaveDeviceGatewayRxInfo(ctx context.Context, info *models.DeviceGatewayRxInfo) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_gateway_rx_info (dev_eui, rx_info, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dev_eui) DO UPDATE SET
			rx_info = EXCLUDED.rx_info,
			updated_at = EXCLUDED.updated_at`,
		info.DevEUI, models.JSONColumn(info), time.Now(),
	)

	return handlePSQLError(err)
}

// GetDeviceGatewayRxInfo returns the gateways of the last uplink
func (s *PostgresStore) GetDeviceGatewayRxInfo(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceGatewayRxInfo, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	info := &models.DeviceGatewayRxInfo{}
	err := s.getDB().QueryRowContext(ctx,
		"SELECT rx_info FROM device_gateway_rx_info WHERE dev_eui = $1", devEUI,
	).Scan(models.JSONColumn(info))
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return info, nil
}
