package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// MemoryStore implements Store in process memory. It is used by the tests
// and by single node deployments started with a memory:// DSN.
type MemoryStore struct {
	mu sync.Mutex

	sessionTTL time.Duration
	now        func() time.Time

	sessions  map[lorawan.EUI64]memSession
	pending   map[lorawan.EUI64]map[lorawan.CID]lorawan.PendingMACCommand
	queue     []*models.DeviceQueueItem
	devices   map[lorawan.EUI64]*models.Device
	keys      map[lorawan.EUI64]*models.DeviceKeys
	devNonces map[lorawan.EUI64]map[uint16]struct{}
	locks     map[lorawan.EUI64]time.Time
	rxInfo    map[lorawan.EUI64]*models.DeviceGatewayRxInfo
	profiles  map[uuid.UUID]*models.DeviceProfile
	apps      map[uuid.UUID]*models.Application
	tenants   map[uuid.UUID]*models.Tenant
	gateways  map[lorawan.EUI64]*models.Gateway
	events    []*models.EventLog
	frames    []*models.UplinkFrameLog
	users     map[string]*models.User
}

type memSession struct {
	ds        *models.DeviceSession
	expiresAt time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore(sessionTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		sessionTTL: sessionTTL,
		now:        time.Now,
		sessions:   make(map[lorawan.EUI64]memSession),
		pending:    make(map[lorawan.EUI64]map[lorawan.CID]lorawan.PendingMACCommand),
		devices:    make(map[lorawan.EUI64]*models.Device),
		keys:       make(map[lorawan.EUI64]*models.DeviceKeys),
		devNonces:  make(map[lorawan.EUI64]map[uint16]struct{}),
		locks:      make(map[lorawan.EUI64]time.Time),
		rxInfo:     make(map[lorawan.EUI64]*models.DeviceGatewayRxInfo),
		profiles:   make(map[uuid.UUID]*models.DeviceProfile),
		apps:       make(map[uuid.UUID]*models.Application),
		tenants:    make(map[uuid.UUID]*models.Tenant),
		gateways:   make(map[lorawan.EUI64]*models.Gateway),
		users:      make(map[string]*models.User),
	}
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}

// ========== Device Session Methods ==========

// GetDeviceSession returns a copy of the stored session
func (m *MemoryStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[devEUI]
	if !ok || !m.now().Before(s.expiresAt) {
		return nil, ErrNotFound
	}
	return s.ds.Clone(), nil
}

// GetDeviceSessionsForDevAddr returns copies of the sessions using devAddr
func (m *MemoryStore) GetDeviceSessionsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]*models.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*models.DeviceSession
	for _, s := range m.sessions {
		if s.ds.DevAddr == devAddr && now.Before(s.expiresAt) {
			out = append(out, s.ds.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DevEUI.String() < out[j].DevEUI.String()
	})
	return out, nil
}

// SaveDeviceSession stores a copy of ds and extends its expiry
func (m *MemoryStore) SaveDeviceSession(ctx context.Context, ds *models.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	m.sessions[ds.DevEUI] = memSession{ds: ds.Clone(), expiresAt: now.Add(m.sessionTTL)}
	return nil
}

// DeleteDeviceSession deletes a device session
func (m *MemoryStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[devEUI]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, devEUI)
	return nil
}

// ========== Pending MAC Command Methods ==========

// GetPendingMACCommand returns the pending request for the CID, or nil
func (m *MemoryStore) GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*lorawan.PendingMACCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[devEUI][cid]
	if !ok || !m.now().Before(p.CreatedAt.Add(m.sessionTTL)) {
		return nil, nil
	}
	p.Payload = append([]byte(nil), p.Payload...)
	return &p, nil
}

// SetPendingMACCommand stores the pending request
func (m *MemoryStore) SetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, pending *lorawan.PendingMACCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending[devEUI] == nil {
		m.pending[devEUI] = make(map[lorawan.CID]lorawan.PendingMACCommand)
	}
	p := *pending
	p.Payload = append([]byte(nil), pending.Payload...)
	m.pending[devEUI][pending.CID] = p
	return nil
}

// DeletePendingMACCommand removes the pending request
func (m *MemoryStore) DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending[devEUI], cid)
	return nil
}

// ========== Device Queue Methods ==========

// CreateDeviceQueueItem adds an item to the device queue
func (m *MemoryStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	m.queue = append(m.queue, copyQueueItem(item))
	return nil
}

// GetDeviceQueueItems returns the queue of a device, oldest first
func (m *MemoryStore) GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []*models.DeviceQueueItem
	for _, qi := range m.queue {
		if qi.DevEUI == devEUI {
			items = append(items, copyQueueItem(qi))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// UpdateDeviceQueueItem updates the pending state of a queue item
func (m *MemoryStore) UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, qi := range m.queue {
		if qi.ID == item.ID {
			m.queue[i] = copyQueueItem(item)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteDeviceQueueItem deletes a queue item
func (m *MemoryStore) DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, qi := range m.queue {
		if qi.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// FlushDeviceQueue deletes all queue items of a device
func (m *MemoryStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	for _, qi := range m.queue {
		if qi.DevEUI != devEUI {
			kept = append(kept, qi)
		}
	}
	m.queue = kept
	return nil
}

// GetClassCDevicesWithQueueItems returns enabled class-C devices having a
// queue item that is not pending or whose pending state timed out. Devices
// whose scheduler_run_after lies in the future are left out.
func (m *MemoryStore) GetClassCDevicesWithQueueItems(ctx context.Context, limit int) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	seen := make(map[lorawan.EUI64]bool)
	var out []*models.Device
	for _, qi := range m.queue {
		if seen[qi.DevEUI] {
			continue
		}
		if qi.IsPending && (qi.TimeoutAfter == nil || !qi.TimeoutAfter.Before(now)) {
			continue
		}
		d, ok := m.devices[qi.DevEUI]
		if !ok || d.IsDisabled || d.EnabledClass != models.DeviceClassC {
			continue
		}
		if d.SchedulerRunAfter != nil && d.SchedulerRunAfter.After(now) {
			continue
		}
		seen[qi.DevEUI] = true
		out = append(out, copyDevice(d))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ========== Device Methods ==========

// CreateDevice creates a new device
func (m *MemoryStore) CreateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[device.DevEUI]; ok {
		return ErrDuplicateKey
	}
	now := m.now()
	device.CreatedAt = now
	device.UpdatedAt = now
	m.devices[device.DevEUI] = copyDevice(device)
	return nil
}

// GetDevice gets a device by DevEUI
func (m *MemoryStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

// UpdateDevice updates a device
func (m *MemoryStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[device.DevEUI]; !ok {
		return ErrNotFound
	}
	device.UpdatedAt = m.now()
	m.devices[device.DevEUI] = copyDevice(device)
	return nil
}

// DeleteDevice deletes a device and everything attached to it
func (m *MemoryStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[devEUI]; !ok {
		return ErrNotFound
	}
	delete(m.devices, devEUI)
	delete(m.keys, devEUI)
	delete(m.devNonces, devEUI)
	delete(m.sessions, devEUI)
	delete(m.pending, devEUI)
	delete(m.rxInfo, devEUI)
	kept := m.queue[:0]
	for _, qi := range m.queue {
		if qi.DevEUI != devEUI {
			kept = append(kept, qi)
		}
	}
	m.queue = kept
	return nil
}

// SetDeviceKeys creates or replaces the root keys of a device
func (m *MemoryStore) SetDeviceKeys(ctx context.Context, keys *models.DeviceKeys) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys.UpdatedAt = m.now()
	k := *keys
	m.keys[keys.DevEUI] = &k
	return nil
}

// GetDeviceKeys returns the root keys of a device
func (m *MemoryStore) GetDeviceKeys(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	out := *k
	return &out, nil
}

// AddDevNonce records a used DevNonce
func (m *MemoryStore) AddDevNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devNonces[devEUI] == nil {
		m.devNonces[devEUI] = make(map[uint16]struct{})
	}
	if _, ok := m.devNonces[devEUI][devNonce]; ok {
		return ErrDuplicateKey
	}
	m.devNonces[devEUI][devNonce] = struct{}{}
	return nil
}

// ========== Device Lock Methods ==========

// SetDeviceLock takes the device lease for ttl
func (m *MemoryStore) SetDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.locks[devEUI]; ok && now.Before(until) {
		return ErrLocked
	}
	m.locks[devEUI] = now.Add(ttl)
	return nil
}

// ReleaseDeviceLock releases the device lease
func (m *MemoryStore) ReleaseDeviceLock(ctx context.Context, devEUI lorawan.EUI64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, devEUI)
	return nil
}

// ========== Device Gateway Rx Info Methods ==========

// SaveDeviceGatewayRxInfo stores the gateways of the last uplink
func (m *MemoryStore) SaveDeviceGatewayRxInfo(ctx context.Context, info *models.DeviceGatewayRxInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := *info
	out.Items = append([]models.DeviceGatewayRxInfoItem(nil), info.Items...)
	m.rxInfo[info.DevEUI] = &out
	return nil
}

// GetDeviceGatewayRxInfo returns the gateways of the last uplink
func (m *MemoryStore) GetDeviceGatewayRxInfo(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceGatewayRxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.rxInfo[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	out := *info
	out.Items = append([]models.DeviceGatewayRxInfoItem(nil), info.Items...)
	return &out, nil
}

// ========== Device Profile Methods ==========

// CreateDeviceProfile creates a new device profile
func (m *MemoryStore) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	profile.CreatedAt = m.now()
	profile.UpdatedAt = profile.CreatedAt
	p := *profile
	m.profiles[profile.ID] = &p
	return nil
}

// GetDeviceProfile gets a device profile by ID
func (m *MemoryStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// ========== Application Methods ==========

// CreateApplication creates a new application
func (m *MemoryStore) CreateApplication(ctx context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	app.CreatedAt = m.now()
	app.UpdatedAt = app.CreatedAt
	a := *app
	a.Variables = copyVariables(app.Variables)
	m.apps[app.ID] = &a
	return nil
}

// GetApplication gets an application by ID
func (m *MemoryStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	out.Variables = copyVariables(a.Variables)
	return &out, nil
}

// ========== Tenant Methods ==========

// CreateTenant creates a new tenant
func (m *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	tenant.CreatedAt = m.now()
	tenant.UpdatedAt = tenant.CreatedAt
	t := *tenant
	m.tenants[tenant.ID] = &t
	return nil
}

// GetTenant gets a tenant by ID
func (m *MemoryStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

// ========== Gateway Methods ==========

// CreateGateway creates a new gateway
func (m *MemoryStore) CreateGateway(ctx context.Context, gateway *models.Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gateways[gateway.GatewayID]; ok {
		return ErrDuplicateKey
	}
	if gateway.ID == uuid.Nil {
		gateway.ID = uuid.New()
	}
	gateway.CreatedAt = m.now()
	gateway.UpdatedAt = gateway.CreatedAt
	m.gateways[gateway.GatewayID] = copyGateway(gateway)
	return nil
}

// GetGateway gets a gateway by gateway ID
func (m *MemoryStore) GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gw, ok := m.gateways[gatewayID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGateway(gw), nil
}

// UpdateGateway updates a gateway
func (m *MemoryStore) UpdateGateway(ctx context.Context, gateway *models.Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gateways[gateway.GatewayID]; !ok {
		return ErrNotFound
	}
	gateway.UpdatedAt = m.now()
	m.gateways[gateway.GatewayID] = copyGateway(gateway)
	return nil
}

// ========== Frame Log Methods ==========

// CreateUplinkFrameLog stores a raw uplink
func (m *MemoryStore) CreateUplinkFrameLog(ctx context.Context, frame *models.UplinkFrameLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = m.now()
	}
	f := *frame
	f.PHYPayload = append([]byte(nil), frame.PHYPayload...)
	f.RxInfo = append([]models.RxInfo(nil), frame.RxInfo...)
	m.frames = append(m.frames, &f)
	return nil
}

// ListUplinkFrameLogs lists the logged uplinks, newest first
func (m *MemoryStore) ListUplinkFrameLogs(ctx context.Context, filters FrameLogFilters, limit, offset int) ([]*models.UplinkFrameLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.UplinkFrameLog
	for i := len(m.frames) - 1; i >= 0; i-- {
		if filters.match(m.frames[i]) {
			f := *m.frames[i]
			matched = append(matched, &f)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// ========== Event Log Methods ==========

// CreateEventLog creates an event log entry
func (m *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	e := *event
	e.Details = copyVariables(event.Details)
	m.events = append(m.events, &e)
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (m *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.EventLog
	for i := len(m.events) - 1; i >= 0; i-- {
		if filters.match(m.events[i]) {
			matched = append(matched, m.events[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.EventLog, len(matched))
	for i, e := range matched {
		c := *e
		c.Details = copyVariables(e.Details)
		out[i] = &c
	}
	return out, total, nil
}

// ========== User Methods ==========

// CreateUser creates a new user
func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Email]; ok {
		return ErrDuplicateKey
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = m.now()
	user.UpdatedAt = user.CreatedAt
	u := *user
	m.users[user.Email] = &u
	return nil
}

// GetUserByEmail gets a user by email
func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

// UpdateUser updates a user
func (m *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for email, u := range m.users {
		if u.ID == user.ID {
			delete(m.users, email)
			user.UpdatedAt = m.now()
			c := *user
			m.users[user.Email] = &c
			return nil
		}
	}
	return ErrNotFound
}

func copyQueueItem(qi *models.DeviceQueueItem) *models.DeviceQueueItem {
	out := *qi
	out.Data = append([]byte(nil), qi.Data...)
	if qi.FCntDown != nil {
		f := *qi.FCntDown
		out.FCntDown = &f
	}
	if qi.TimeoutAfter != nil {
		t := *qi.TimeoutAfter
		out.TimeoutAfter = &t
	}
	return &out
}

func copyDevice(d *models.Device) *models.Device {
	out := *d
	out.Variables = copyVariables(d.Variables)
	out.Tags = copyVariables(d.Tags)
	return &out
}

func copyGateway(gw *models.Gateway) *models.Gateway {
	out := *gw
	if gw.Location != nil {
		loc := *gw.Location
		out.Location = &loc
	}
	out.Tags = copyVariables(gw.Tags)
	return &out
}

func copyVariables(v models.Variables) models.Variables {
	if v == nil {
		return nil
	}
	out := make(models.Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
