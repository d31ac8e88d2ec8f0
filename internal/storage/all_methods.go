package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// ========== User Methods ==========

// CreateUser creates a new user. The password must already be hashed.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO users (
			id, created_at, updated_at, email, password_hash, is_admin,
			is_active, tenant_id, last_login_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.CreatedAt, user.UpdatedAt, user.Email, user.PasswordHash,
		user.IsAdmin, user.IsActive, user.TenantID, user.LastLoginAt,
	)

	return handlePSQLError(err)
}

// GetUserByEmail gets a user by email
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user := &models.User{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, email, password_hash, is_admin,
		       is_active, tenant_id, last_login_at
		FROM users
		WHERE email = $1`,
		email,
	).Scan(
		&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Email, &user.PasswordHash,
		&user.IsAdmin, &user.IsActive, &user.TenantID, &user.LastLoginAt,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return user, nil
}

// UpdateUser updates a user
func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()

	return s.exec(ctx, `
		UPDATE users SET
			updated_at = $2, email = $3, password_hash = $4, is_admin = $5,
			is_active = $6, tenant_id = $7, last_login_at = $8
		WHERE id = $1`,
		user.ID, user.UpdatedAt, user.Email, user.PasswordHash, user.IsAdmin,
		user.IsActive, user.TenantID, user.LastLoginAt,
	)
}

// ========== Tenant Methods ==========

// CreateTenant creates a new tenant
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}

	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO tenants (
			id, created_at, updated_at, name, description,
			private_gateways_up, private_gateways_down
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tenant.ID, tenant.CreatedAt, tenant.UpdatedAt, tenant.Name, tenant.Description,
		tenant.PrivateGatewaysUp, tenant.PrivateGatewaysDown,
	)

	return handlePSQLError(err)
}

// GetTenant gets a tenant by ID
func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tenant := &models.Tenant{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, name, description,
		       private_gateways_up, private_gateways_down
		FROM tenants
		WHERE id = $1`,
		id,
	).Scan(
		&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt, &tenant.Name, &tenant.Description,
		&tenant.PrivateGatewaysUp, &tenant.PrivateGatewaysDown,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return tenant, nil
}

// ========== Application Methods ==========

// CreateApplication creates a new application
func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}

	now := time.Now()
	app.CreatedAt = now
	app.UpdatedAt = now

	_, err := s.getDB().ExecContext(ctx, `
		INSERT INTO applications (
			id, created_at, updated_at, tenant_id, name, description, variables
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.CreatedAt, app.UpdatedAt, app.TenantID, app.Name,
		app.Description, app.Variables,
	)

	return handlePSQLError(err)
}

// GetApplication gets an application by ID
func (s *PostgresStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	app := &models.Application{}
	err := s.getDB().QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, tenant_id, name, description, variables
		FROM applications
		WHERE id = $1`,
		id,
	).Scan(
		&app.ID, &app.CreatedAt, &app.UpdatedAt, &app.TenantID, &app.Name,
		&app.Description, &app.Variables,
	)
	if err != nil {
		return nil, handlePSQLError(err)
	}

	return app, nil
}
