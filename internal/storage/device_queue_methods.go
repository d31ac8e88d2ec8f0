package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ========== Device Queue Methods ==========

// CreateDeviceQueueItem adds an item to the device queue
func (s *PostgresStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_queue_items (
			id, dev_eui, created_at, f_port, data, confirmed,
			is_pending, is_encrypted, f_cnt_down, timeout_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID, item.DevEUI, item.CreatedAt, int(item.FPort), item.Data, item.Confirmed,
		item.IsPending, item.IsEncrypted, nullFCnt(item.FCntDown), item.TimeoutAfter,
	)

	return handlePSQLError(err)
}

// GetDeviceQueueItems returns the queue of a device, oldest first
func (s *PostgresStore) GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.getDB().QueryContext(ctx, `
		SELECT id, dev_eui, created_at, f_port, data, confirmed,
		       is_pending, is_encrypted, f_cnt_down, timeout_after
		FROM device_queue_items
		WHERE dev_eui = $1
		ORDER BY created_at`,
		devEUI,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}
	defer rows.Close()

	var items []*models.DeviceQueueItem
	for rows.Next() {
		item := &models.DeviceQueueItem{}
		var fPort int
		var fCnt sql.NullInt64
		err := rows.Scan(
			&item.ID, &item.DevEUI, &item.CreatedAt, &fPort, &item.Data, &item.Confirmed,
			&item.IsPending, &item.IsEncrypted, &fCnt, &item.TimeoutAfter,
		)
		if err != nil {
			return nil, err
		}
		item.FPort = uint8(fPort)
		if fCnt.Valid {
			v := uint32(fCnt.Int64)
			item.FCntDown = &v
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// UpdateDeviceQueueItem updates the pending state of a queue item
func (s *PostgresStore) UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	return s.exec(ctx, `
		UPDATE device_queue_items SET
			is_pending = $2, f_cnt_down = $3, timeout_after = $4
		WHERE id = $1`,
		item.ID, item.IsPending, nullFCnt(item.FCntDown), item.TimeoutAfter,
	)
}

// DeleteDeviceQueueItem deletes a queue item
func (s *PostgresStore) DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "DELETE FROM device_queue_items WHERE id = $1", id)
}

// FlushDeviceQueue deletes every queue item of a device
func (s *PostgresStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx, "DELETE FROM device_queue_items WHERE dev_eui = $1", devEUI)
	return handlePSQLError(err)
}

// GetClassCDevicesWithQueueItems returns class-C devices that have a queue
// item ready to be sent and whose scheduler_run_after has passed
func (s *PostgresStore) GetClassCDevicesWithQueueItems(ctx context.Context, limit int) ([]*models.Device, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.getDB().QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices d
		WHERE d.enabled_class = 'C'
			AND NOT d.is_disabled
			AND (d.scheduler_run_after IS NULL OR d.scheduler_run_after <= now())
			AND EXISTS (
				SELECT 1 FROM device_queue_items q
				WHERE q.dev_eui = d.dev_eui
					AND (NOT q.is_pending OR q.timeout_after < now())
			)
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func nullFCnt(f *uint32) sql.NullInt64 {
	if f == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*f), Valid: true}
}
