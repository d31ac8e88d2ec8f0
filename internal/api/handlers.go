package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/auth"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
)

// ========== Auth handlers ==========

// HandleLogin handles user login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Msg("get user error")
		}
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if !user.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		log.Warn().Err(err).Str("email", user.Email).Msg("update last login error")
	}

	s.respondTokens(w, accessToken, refreshToken)
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(r.Context(), req.RefreshToken, s.store.GetUserByEmail)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokens(w, accessToken, refreshToken)
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, accessToken, refreshToken string) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.jwtCfg.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// ========== Region handlers ==========

type regionResponse struct {
	ID                 string  `json:"id"`
	CommonName         string  `json:"commonName"`
	UplinkChannels     []int   `json:"uplinkChannels"`
	RX1Delay           int     `json:"rx1Delay"`
	RX1DROffset        int     `json:"rx1DROffset"`
	RX2DR              int     `json:"rx2DR"`
	RX2Frequency       uint32  `json:"rx2Frequency"`
	MinDR              int     `json:"minDR"`
	MaxDR              int     `json:"maxDR"`
	ADRDisabled        bool    `json:"adrDisabled"`
	InstallationMargin float64 `json:"installationMargin"`
}

// HandleListRegions lists the configured regions
func (s *RESTServer) HandleListRegions(w http.ResponseWriter, r *http.Request) {
	var out []regionResponse
	for _, rg := range s.regions.Load().All() {
		out = append(out, regionResponse{
			ID:                 rg.ID,
			CommonName:         rg.CommonName,
			UplinkChannels:     rg.Band.GetEnabledUplinkChannelIndices(),
			RX1Delay:           rg.Network.RX1Delay,
			RX1DROffset:        rg.Network.RX1DROffset,
			RX2DR:              rg.Network.RX2DR,
			RX2Frequency:       rg.Network.RX2Frequency,
			MinDR:              rg.Network.MinDR,
			MaxDR:              rg.MaxDR(),
			ADRDisabled:        rg.Network.ADRDisabled,
			InstallationMargin: rg.Network.InstallationMargin,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"regions": out,
		"total":   len(out),
	})
}

// ========== Event handlers ==========

// HandleListEvents lists the event log. Users bound to a tenant only see
// the events of their tenant.
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filters storage.EventLogFilters
	claims, _ := auth.FromContext(r.Context())
	if claims == nil || !claims.IsAdmin {
		if claims == nil || claims.TenantID == nil {
			s.respondError(w, http.StatusForbidden, "no tenant access")
			return
		}
		filters.TenantID = claims.TenantID
	}

	if v := q.Get("dev_eui"); v != "" {
		devEUI, err := parseEUI64(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
			return
		}
		filters.DevEUI = &devEUI
	}
	if v := q.Get("gateway_id"); v != "" {
		gatewayID, err := parseEUI64(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
			return
		}
		filters.GatewayID = &gatewayID
	}
	if v := q.Get("application_id"); v != "" {
		appID, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid application_id")
			return
		}
		filters.ApplicationID = &appID
	}
	if v := q.Get("type"); v != "" {
		t := models.EventType(v)
		filters.Type = &t
	}
	if v := q.Get("level"); v != "" {
		l := models.EventLevel(v)
		filters.Level = &l
	}
	for key, dst := range map[string]**time.Time{"start": &filters.StartTime, "end": &filters.EndTime} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+key+" time")
			return
		}
		*dst = &t
	}

	limit, offset := pagination(r)
	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Helper methods ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().UTC(),
		"regions": len(s.regions.Load().All()),
	})
}

// decode reads and validates the JSON body. On failure the error response
// is written and false returned.
func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// canAccess returns true when the authenticated user may access resources
// of the tenant
func canAccess(ctx context.Context, tenantID uuid.UUID) bool {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return false
	}
	if claims.IsAdmin {
		return true
	}
	return claims.TenantID != nil && *claims.TenantID == tenantID
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		log.Debug().Err(err).Msg("write response error")
	}
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondStoreError maps storage errors to status codes
func (s *RESTServer) respondStoreError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, storage.ErrDuplicateKey):
		s.respondError(w, http.StatusConflict, what+" already exists")
	default:
		log.Error().Err(err).Str("resource", what).Msg("storage error")
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// ========== Helper functions ==========

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseEUI64(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	err := eui.UnmarshalText([]byte(s))
	return eui, err
}

func parseDevAddr(s string) (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	err := addr.UnmarshalText([]byte(s))
	return addr, err
}

func parseKey(s string) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	err := key.UnmarshalText([]byte(s))
	return key, err
}
