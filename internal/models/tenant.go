package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a tenant/organization
type Tenant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	// Private gateways only serve devices of the same tenant
	PrivateGatewaysUp   bool `json:"privateGatewaysUp" db:"private_gateways_up"`
	PrivateGatewaysDown bool `json:"privateGatewaysDown" db:"private_gateways_down"`
}
