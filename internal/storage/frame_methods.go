package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ========== Frame Log Methods ==========

// CreateUplinkFrameLog stores a raw uplink together with its metadata
func (s *PostgresStore) CreateUplinkFrameLog(ctx context.Context, frame *models.UplinkFrameLog) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO uplink_frame_logs (
			id, dev_eui, dev_addr, m_type, phy_payload,
			tx_info, rx_info, region_config_id, mic_valid, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		frame.ID, euiBytes(frame.DevEUI), frame.DevAddr, int16(frame.MType), frame.PHYPayload,
		models.JSONColumn(&frame.TxInfo), models.JSONColumn(&frame.RxInfo), frame.RegionConfigID,
		frame.MICValid, frame.ReceivedAt,
	)

	return handlePSQLError(err)
}

// ListUplinkFrameLogs lists the logged uplinks, newest first. The returned
// count is the total number of matching rows.
func (s *PostgresStore) ListUplinkFrameLogs(ctx context.Context, filters FrameLogFilters, limit, offset int) ([]*models.UplinkFrameLog, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := filters.where()

	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM uplink_frame_logs"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, handlePSQLError(err)
	}

	query := `SELECT id, dev_eui, dev_addr, m_type, phy_payload,
		tx_info, rx_info, region_config_id, mic_valid, received_at
		FROM uplink_frame_logs` + where +
		fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, handlePSQLError(err)
	}
	defer rows.Close()

	var frames []*models.UplinkFrameLog
	for rows.Next() {
		frame := &models.UplinkFrameLog{}
		var (
			devEUI []byte
			mType  int16
		)

		err := rows.Scan(
			&frame.ID, &devEUI, &frame.DevAddr, &mType, &frame.PHYPayload,
			models.JSONColumn(&frame.TxInfo), models.JSONColumn(&frame.RxInfo),
			&frame.RegionConfigID, &frame.MICValid, &frame.ReceivedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		frame.DevEUI = bytesEUI(devEUI)
		frame.MType = lorawan.MType(mType)
		frames = append(frames, frame)
	}

	return frames, count, rows.Err()
}

func (f FrameLogFilters) where() (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.DevEUI != nil {
		add("dev_eui = $%d", euiBytes(f.DevEUI))
	}
	if f.DevAddr != nil {
		add("dev_addr = $%d", f.DevAddr[:])
	}
	if f.MICValid != nil {
		add("mic_valid = $%d", *f.MICValid)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
