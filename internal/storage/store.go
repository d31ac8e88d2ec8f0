package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrLocked       = errors.New("locked")
)

// Store defines the storage interface
type Store interface {
	// Device session methods
	GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error)
	GetDeviceSessionsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.DeviceSession, error)
	SaveDeviceSession(ctx context.Context, ds *models.DeviceSession) error
	DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error

	// Pending MAC command methods. Get returns nil when no command is
	// pending for the CID.
	GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*lorawan.PendingMACCommand, error)
	SetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, pending *lorawan.PendingMACCommand) error
	DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error

	// Device queue methods
	CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error)
	UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error
	DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error
	FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error
	GetClassCDevicesWithQueueItems(ctx context.Context, limit int) ([]*models.Device, error)

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error

	// Device keys methods. AddDevNonce returns ErrDuplicateKey for a
	// nonce that was used before.
	SetDeviceKeys(ctx context.Context, keys *models.DeviceKeys) error
	GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceKeys, error)
	AddDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error

	// Device lock and rx info methods. SetDeviceLock returns ErrLocked
	// while another lease is active.
	SetDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) error
	ReleaseDeviceLock(ctx context.Context, devEUI lorawan.EUI64) error
	SaveDeviceGatewayRxInfo(ctx context.Context, info *models.DeviceGatewayRxInfo) error
	GetDeviceGatewayRxInfo(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceGatewayRxInfo, error)

	// Device profile methods
	CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error
	GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error)

	// Application methods
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)

	// Tenant methods
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)

	// Gateway methods
	CreateGateway(ctx context.Context, gateway *models.Gateway) error
	GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error)
	UpdateGateway(ctx context.Context, gateway *models.Gateway) error

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Frame log methods
	CreateUplinkFrameLog(ctx context.Context, frame *models.UplinkFrameLog) error
	ListUplinkFrameLogs(ctx context.Context, filters FrameLogFilters, limit, offset int) ([]*models.UplinkFrameLog, int64, error)

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Close the store
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open returns the store selected by the DSN. A memory:// DSN selects the
// memory store, anything else is handed to the PostgreSQL driver and the
// schema is migrated.
func Open(ctx context.Context, cfg config.DatabaseConfig, sessionTTL time.Duration) (Store, error) {
	if strings.HasPrefix(cfg.DSN, "memory://") {
		return NewMemoryStore(sessionTTL), nil
	}

	s, err := NewPostgresStore(cfg, sessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	TenantID      *uuid.UUID
	ApplicationID *uuid.UUID
	DevEUI        *lorawan.EUI64
	GatewayID     *lorawan.EUI64
	Type          *models.EventType
	Level         *models.EventLevel
	StartTime     *time.Time
	EndTime       *time.Time
}

// match returns true when the event passes the filters
func (f EventLogFilters) match(e *models.EventLog) bool {
	switch {
	case f.TenantID != nil && (e.TenantID == nil || *e.TenantID != *f.TenantID):
		return false
	case f.ApplicationID != nil && (e.ApplicationID == nil || *e.ApplicationID != *f.ApplicationID):
		return false
	case f.DevEUI != nil && (e.DevEUI == nil || *e.DevEUI != *f.DevEUI):
		return false
	case f.GatewayID != nil && (e.GatewayID == nil || *e.GatewayID != *f.GatewayID):
		return false
	case f.Type != nil && e.Type != *f.Type:
		return false
	case f.Level != nil && e.Level != *f.Level:
		return false
	case f.StartTime != nil && e.CreatedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.CreatedAt.After(*f.EndTime):
		return false
	}
	return true
}

// FrameLogFilters represents filters for the uplink frame log
type FrameLogFilters struct {
	DevEUI  *lorawan.EUI64
	DevAddr *lorawan.DevAddr
	// MICValid selects frames by their MIC result
	MICValid *bool
}

func (f FrameLogFilters) match(fl *models.UplinkFrameLog) bool {
	switch {
	case f.DevEUI != nil && (fl.DevEUI == nil || *fl.DevEUI != *f.DevEUI):
		return false
	case f.DevAddr != nil && fl.DevAddr != *f.DevAddr:
		return false
	case f.MICValid != nil && fl.MICValid != *f.MICValid:
		return false
	}
	return true
}
