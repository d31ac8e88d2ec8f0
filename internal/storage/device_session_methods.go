package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ========== Device Session Methods ==========

// GetDeviceSession gets a device session
func (s *PostgresStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ds := &models.DeviceSession{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT session
		FROM device_sessions
		WHERE dev_eui = $1 AND expires_at > now()`,
		devEUI,
	).Scan(models.JSONColumn(ds))
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return ds, nil
}

// GetDeviceSessionsForDevAddr gets the device sessions using the DevAddr
func (s *PostgresStore) GetDeviceSessionsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.DeviceSession, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.getDB().QueryContext(ctx, `
		SELECT session
		FROM device_sessions
		WHERE dev_addr = $1 AND expires_at > now()`,
		devAddr,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}
	defer rows.Close()

	var sessions []*models.DeviceSession
	for rows.Next() {
		ds := &models.DeviceSession{}
		if err := rows.Scan(models.JSONColumn(ds)); err != nil {
			return nil, fmt.Errorf("scan device session: %w", err)
		}
		sessions = append(sessions, ds)
	}

	return sessions, rows.Err()
}

// SaveDeviceSession saves a device session and extends its expiry
func (s *PostgresStore) SaveDeviceSession(ctx context.Context, ds *models.DeviceSession) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_sessions (
			dev_eui, dev_addr, session, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dev_eui) DO UPDATE SET
			dev_addr = EXCLUDED.dev_addr,
			session = EXCLUDED.session,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		ds.DevEUI, ds.DevAddr, models.JSONColumn(ds), now, now.Add(s.sessionTTL),
	)

	return handlePSQLError(err)
}

// DeleteDeviceSession deletes a device session
func (s *PostgresStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	return s.exec(ctx, "DELETE FROM device_sessions WHERE dev_eui = $1", devEUI)
}

// ========== Pending MAC Command Methods ==========

// GetPendingMACCommand returns the pending request for the CID, or nil
func (s *PostgresStore) GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*lorawan.PendingMACCommand, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p := &lorawan.PendingMACCommand{CID: cid}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT payload, created_at
		FROM device_mac_command_pending
		WHERE dev_eui = $1 AND cid = $2 AND expires_at > now()`,
		devEUI, int(cid),
	).Scan(&p.Payload, &p.CreatedAt)
	if err != nil {
		if err = handlePSQLError(err); err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

// SetPendingMACCommand stores the pending request, replacing a previous
// one with the same CID
func (s *PostgresStore) SetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, pending *lorawan.PendingMACCommand) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO device_mac_command_pending (
			dev_eui, cid, payload, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dev_eui, cid) DO UPDATE SET
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		devEUI, int(pending.CID), pending.Payload, pending.CreatedAt, pending.CreatedAt.Add(s.sessionTTL),
	)

	return handlePSQLError(err)
}

// DeletePendingMACCommand removes the pending request. Deleting an empty
// slot is not an error.
func (s *PostgresStore) DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.getDB().ExecContext(ctx,
		"DELETE FROM device_mac_command_pending WHERE dev_eui = $1 AND cid = $2",
		devEUI, int(cid),
	)
	return handlePSQLError(err)
}
