package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ========== Gateway Methods ==========

// CreateGateway creates a new gateway
func (s *PostgresStore) CreateGateway(ctx context.Context, gateway *models.Gateway) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if gateway.ID == uuid.Nil {
		gateway.ID = uuid.New()
	}

	now := time.Now()
	gateway.CreatedAt = now
	gateway.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO gateways (
			gateway_id, id, created_at, updated_at, tenant_id, name,
			description, location, last_seen_at, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		gateway.GatewayID, gateway.ID, gateway.CreatedAt, gateway.UpdatedAt, gateway.TenantID,
		gateway.Name, gateway.Description, models.JSONColumn(&gateway.Location),
		gateway.LastSeenAt, gateway.Tags,
	)

	return handlePSQLError(err)
}

// GetGateway gets a gateway by gateway ID
func (s *PostgresStore) GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	gateway := &models.Gateway{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT gateway_id, id, created_at, updated_at, tenant_id, name,
		       description, location, last_seen_at, tags
		FROM gateways
		WHERE gateway_id = $1`,
		gatewayID,
	).Scan(
		&gateway.GatewayID, &gateway.ID, &gateway.CreatedAt, &gateway.UpdatedAt, &gateway.TenantID,
		&gateway.Name, &gateway.Description, models.JSONColumn(&gateway.Location),
		&gateway.LastSeenAt, &gateway.Tags,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return gateway, nil
}

// UpdateGateway updates a gateway
func (s *PostgresStore) UpdateGateway(ctx context.Context, gateway *models.Gateway) error {
	gateway.UpdatedAt = time.Now()

	return s.exec(ctx, `
		UPDATE gateways SET
			updated_at = $2, tenant_id = $3, name = $4, description = $5,
			location = $6, last_seen_at = $7, tags = $8
		WHERE gateway_id = $1`,
		gateway.GatewayID, gateway.UpdatedAt, gateway.TenantID, gateway.Name,
		gateway.Description, models.JSONColumn(&gateway.Location), gateway.LastSeenAt,
		gateway.Tags,
	)
}
