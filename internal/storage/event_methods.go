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

// ========== Event Log Methods ==========

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO event_logs (
			id, created_at, tenant_id, application_id, dev_eui,
			gateway_id, type, level, code, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.CreatedAt, event.TenantID, event.ApplicationID,
		euiBytes(event.DevEUI), euiBytes(event.GatewayID), event.Type, event.Level,
		event.Code, event.Description, event.Details,
	)

	return handlePSQLError(err)
}

// ListEventLogs lists event logs with filters, newest first. The returned
// count is the total number of matching rows.
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := filters.where()

	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, handlePSQLError(err)
	}

	query := `SELECT id, created_at, tenant_id, application_id, dev_eui, gateway_id,
		type, level, code, description, details
		FROM event_logs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, handlePSQLError(err)
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var devEUI, gatewayID []byte

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.TenantID, &event.ApplicationID,
			&devEUI, &gatewayID, &event.Type, &event.Level, &event.Code,
			&event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}

		event.DevEUI = bytesEUI(devEUI)
		event.GatewayID = bytesEUI(gatewayID)
		events = append(events, event)
	}

	return events, count, rows.Err()
}

// where builds the WHERE clause and its positional arguments
func (f EventLogFilters) where() (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantID != nil {
		add("tenant_id = $%d", *f.TenantID)
	}
	if f.ApplicationID != nil {
		add("application_id = $%d", *f.ApplicationID)
	}
	if f.DevEUI != nil {
		add("dev_eui = $%d", euiBytes(f.DevEUI))
	}
	if f.GatewayID != nil {
		add("gateway_id = $%d", euiBytes(f.GatewayID))
	}
	if f.Type != nil {
		add("type = $%d", string(*f.Type))
	}
	if f.Level != nil {
		add("level = $%d", string(*f.Level))
	}
	if f.StartTime != nil {
		add("created_at >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		add("created_at <= $%d", *f.EndTime)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func euiBytes(eui *lorawan.EUI64) []byte {
	if eui == nil {
		return nil
	}
	return eui[:]
}

func bytesEUI(b []byte) *lorawan.EUI64 {
	if len(b) != 8 {
		return nil
	}
	var eui lorawan.EUI64
	copy(eui[:], b)
	return &eui
}
