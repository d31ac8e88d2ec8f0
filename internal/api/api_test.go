package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/crypto"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

var testDevEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

type testEnv struct {
	server *RESTServer
	store  *storage.MemoryStore
	tenant *models.Tenant
	other  *models.Tenant

	admin      string
	tenantUser string
	otherUser  string
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()

	cfg := &config.Config{
		JWT: config.JWTConfig{Secret: "secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: time.Hour},
		Regions: []config.RegionConfig{
			{ID: "eu868", CommonName: "EU868", Network: config.RegionNetworkConfig{RX1DROffset: 1}},
		},
	}
	regions, err := region.NewRegistry(cfg.Regions)
	require.NoError(t, err)

	store := storage.NewMemoryStore(time.Hour)
	env := &testEnv{
		server: NewRESTServer(cfg, store, regions),
		store:  store,
		tenant: &models.Tenant{Name: "tenant"},
		other:  &models.Tenant{Name: "other"},
	}
	require.NoError(t, store.CreateTenant(ctx, env.tenant))
	require.NoError(t, store.CreateTenant(ctx, env.other))

	app := &models.Application{Name: "app"}
	app.TenantID = env.tenant.ID
	require.NoError(t, store.CreateApplication(ctx, app))
	dp := &models.DeviceProfile{TenantID: env.tenant.ID, Name: "dp", Region: "EU868", MACVersion: lorawan.MACVersion103}
	require.NoError(t, store.CreateDeviceProfile(ctx, dp))
	require.NoError(t, store.CreateDevice(ctx, &models.Device{
		DevEUI:          testDevEUI,
		ApplicationID:   app.ID,
		DeviceProfileID: dp.ID,
		Name:            "device",
	}))

	hash, err := crypto.HashPassword("secret")
	require.NoError(t, err)
	users := []struct {
		email    string
		admin    bool
		tenantID *uuid.UUID
		token    *string
	}{
		{"admin@example.com", true, nil, &env.admin},
		{"user@tenant.com", false, &env.tenant.ID, &env.tenantUser},
		{"user@other.com", false, &env.other.ID, &env.otherUser},
	}
	for _, u := range users {
		require.NoError(t, store.CreateUser(ctx, &models.User{
			Email:        u.email,
			PasswordHash: hash,
			IsAdmin:      u.admin,
			IsActive:     true,
			TenantID:     u.tenantID,
		}))
		*u.token = env.login(t, u.email, "secret")
	}

	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email, password string) string {
	rec := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/api/v1/health"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "healthy")
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "admin@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "admin@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens struct {
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	decodeBody(t, rec, &tokens)
	assert.Equal(t, 3600, tokens.ExpiresIn)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": tokens.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)

	user, err := env.store.GetUserByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/regions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/regions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegions(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/regions", env.tenantUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Regions []regionResponse `json:"regions"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Regions, 1)
	rg := resp.Regions[0]
	assert.Equal(t, "eu868", rg.ID)
	assert.Equal(t, "EU868", rg.CommonName)
	assert.Equal(t, []int{0, 1, 2}, rg.UplinkChannels)
	assert.Equal(t, 1, rg.RX1DROffset)
	assert.Equal(t, uint32(869525000), rg.RX2Frequency)
	assert.Equal(t, 5, rg.MaxDR)
}

func TestDeviceQueue(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/devices/0102030405060708/queue"

	rec := env.do(t, http.MethodPost, path, env.tenantUser, map[string]interface{}{"fPort": 10, "data": "cafe", "confirmed": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	for _, body := range []map[string]interface{}{
		{"fPort": 0, "data": "cafe"},
		{"fPort": 224, "data": "cafe"},
		{"fPort": 1, "data": "zz"},
	} {
		rec = env.do(t, http.MethodPost, path, env.tenantUser, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec = env.do(t, http.MethodGet, path, env.tenantUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []models.DeviceQueueItem `json:"items"`
		Total int                      `json:"total"`
	}
	decodeBody(t, rec, &resp)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, uint8(10), resp.Items[0].FPort)
	assert.Equal(t, []byte{0xca, 0xfe}, resp.Items[0].Data)
	assert.True(t, resp.Items[0].Confirmed)

	rec = env.do(t, http.MethodDelete, path, env.tenantUser, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	items, err := env.store.GetDeviceQueueItems(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.Empty(t, items)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/0807060504030201/queue", env.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/xyz/queue", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodGet, "/api/v1/devices/0102030405060708/", nil},
		{http.MethodGet, "/api/v1/devices/0102030405060708/queue", nil},
		{http.MethodPost, "/api/v1/devices/0102030405060708/queue", map[string]interface{}{"fPort": 1, "data": "01"}},
		{http.MethodGet, "/api/v1/devices/0102030405060708/session", nil},
		{http.MethodPut, "/api/v1/devices/0102030405060708/disabled", map[string]bool{"disabled": true}},
	} {
		rec := env.do(t, tc.method, tc.path, env.otherUser, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}

	items, err := env.store.GetDeviceQueueItems(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.Empty(t, items)

	d, err := env.store.GetDevice(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.False(t, d.IsDisabled)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/0102030405060708/", env.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestActivateDevice(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/devices/0102030405060708/activate"

	rec := env.do(t, http.MethodPost, path, env.tenantUser, map[string]interface{}{
		"dev_addr":  "01020304",
		"app_s_key": "0202020202020202020202020202020202",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 1.0 devices need the NwkSKey
	rec = env.do(t, http.MethodPost, path, env.tenantUser, map[string]interface{}{
		"dev_addr":  "01020304",
		"app_s_key": "02020202020202020202020202020202",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, env.tenantUser, map[string]interface{}{
		"dev_addr":         "01020304",
		"app_s_key":        "02020202020202020202020202020202",
		"nwk_s_key":        "01010101010101010101010101010101",
		"f_cnt_up":         5,
		"region_config_id": "us915",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path, env.tenantUser, map[string]interface{}{
		"dev_addr":  "01020304",
		"app_s_key": "02020202020202020202020202020202",
		"nwk_s_key": "01010101010101010101010101010101",
		"f_cnt_up":  5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ds, err := env.store.GetDeviceSession(context.Background(), testDevEUI)
	require.NoError(t, err)
	nwkSKey := lorawan.AES128Key{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	assert.Equal(t, lorawan.DevAddr{1, 2, 3, 4}, ds.DevAddr)
	assert.Equal(t, nwkSKey, ds.FNwkSIntKey)
	assert.Equal(t, nwkSKey, ds.SNwkSIntKey)
	assert.Equal(t, nwkSKey, ds.NwkSEncKey)
	assert.Equal(t, []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, ds.AppSKey.AESKey)
	assert.Equal(t, uint32(5), ds.FCntUp)
	assert.Equal(t, "eu868", ds.RegionConfigID)
	assert.Equal(t, 1, ds.RX1DROffset)
	assert.Equal(t, 0, ds.RX2DR)
	assert.Equal(t, 1, ds.RX1Delay)
	assert.Equal(t, []int{0, 1, 2}, ds.EnabledUplinkChannelIndices)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/0102030405060708/session", env.tenantUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "01010101010101010101010101010101")
	var session sessionResponse
	decodeBody(t, rec, &session)
	assert.Equal(t, uint32(5), session.FCntUp)
	assert.Equal(t, lorawan.DevAddr{1, 2, 3, 4}, session.DevAddr)
}

func TestActivateDeviceKEK(t *testing.T) {
	env := newTestEnv(t)
	keks, err := crypto.NewKEKRing(map[string]string{"kek": "000102030405060708090a0b0c0d0e0f"})
	require.NoError(t, err)
	env.server.SetKEK("kek", keks)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/0102030405060708/activate", env.admin, map[string]interface{}{
		"dev_addr":  "01020304",
		"app_s_key": "02020202020202020202020202020202",
		"nwk_s_key": "01010101010101010101010101010101",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ds, err := env.store.GetDeviceSession(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.True(t, ds.AppSKey.Wrapped())
	key, err := keks.Unwrap("kek", ds.AppSKey.AESKey)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, key)
}

func TestSetDeviceDisabled(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/devices/0102030405060708/disabled"

	rec := env.do(t, http.MethodPut, path, env.tenantUser, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, path, env.tenantUser, map[string]bool{"disabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := env.store.GetDevice(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.True(t, d.IsDisabled)

	rec = env.do(t, http.MethodPut, path, env.tenantUser, map[string]bool{"disabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err = env.store.GetDevice(context.Background(), testDevEUI)
	require.NoError(t, err)
	assert.False(t, d.IsDisabled)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	devEUI := testDevEUI
	for _, e := range []*models.EventLog{
		{TenantID: &env.tenant.ID, DevEUI: &devEUI, Type: models.EventTypeLog, Level: models.EventLevelWarning, Code: models.LogCodeUplinkMIC},
		{TenantID: &env.tenant.ID, DevEUI: &devEUI, Type: models.EventTypeUplink, Level: models.EventLevelInfo},
		{TenantID: &env.other.ID, Type: models.EventTypeLog, Level: models.EventLevelError},
	} {
		require.NoError(t, env.store.CreateEventLog(ctx, e))
	}

	type eventsResponse struct {
		Events []models.EventLog `json:"events"`
		Total  int64             `json:"total"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/events", env.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp eventsResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(3), resp.Total)

	rec = env.do(t, http.MethodGet, "/api/v1/events", env.tenantUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = eventsResponse{}
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(2), resp.Total)

	rec = env.do(t, http.MethodGet, "/api/v1/events?type=LOG&dev_eui=0102030405060708", env.tenantUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = eventsResponse{}
	decodeBody(t, rec, &resp)
	require.Equal(t, int64(1), resp.Total)
	assert.Equal(t, models.LogCodeUplinkMIC, resp.Events[0].Code)

	rec = env.do(t, http.MethodGet, "/api/v1/events?dev_eui=xyz", env.tenantUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/events?start=yesterday", env.tenantUser, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateways(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/gateways", env.tenantUser, map[string]interface{}{
		"gateway_id": "0101010101010101",
		"name":       "gw",
		"latitude":   52.1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	gw, err := env.store.GetGateway(context.Background(), lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, env.tenant.ID, gw.TenantID)
	require.NotNil(t, gw.Location)
	assert.Equal(t, 52.1, gw.Location.Latitude)

	rec = env.do(t, http.MethodPost, "/api/v1/gateways", env.tenantUser, map[string]interface{}{
		"gateway_id": "0101010101010101",
		"name":       "gw",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// admins have to name the tenant
	rec = env.do(t, http.MethodPost, "/api/v1/gateways", env.admin, map[string]interface{}{
		"gateway_id": "0202020202020202",
		"name":       "gw",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/gateways/0101010101010101", env.tenantUser, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/gateways/0101010101010101", env.otherUser, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
