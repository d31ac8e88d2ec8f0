package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/auth"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// HandleCreateGateway registers a gateway. Uplinks of gateways that are
// not registered are dropped by the network server.
func (s *RESTServer) HandleCreateGateway(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GatewayID   string    `json:"gateway_id" validate:"required,len=16,hex"`
		TenantID    uuid.UUID `json:"tenant_id"`
		Name        string    `json:"name" validate:"required,max=100"`
		Description string    `json:"description"`
		Latitude    float64   `json:"latitude"`
		Longitude   float64   `json:"longitude"`
		Altitude    float64   `json:"altitude"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	// tenant users always create gateways in their own tenant
	if claims, _ := auth.FromContext(r.Context()); claims != nil && !claims.IsAdmin && claims.TenantID != nil {
		req.TenantID = *claims.TenantID
	}
	if req.TenantID == uuid.Nil {
		s.respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !canAccess(r.Context(), req.TenantID) {
		s.respondError(w, http.StatusForbidden, "no tenant access")
		return
	}

	gatewayID, err := parseEUI64(req.GatewayID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	gateway := &models.Gateway{
		GatewayID:   gatewayID,
		Name:        req.Name,
		Description: req.Description,
	}
	gateway.TenantID = req.TenantID
	if req.Latitude != 0 || req.Longitude != 0 || req.Altitude != 0 {
		gateway.Location = &models.Location{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Altitude:  req.Altitude,
		}
	}

	if _, err := s.store.GetTenant(r.Context(), req.TenantID); err != nil {
		s.respondStoreError(w, "tenant", err)
		return
	}
	if err := s.store.CreateGateway(r.Context(), gateway); err != nil {
		s.respondStoreError(w, "gateway", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, gateway)
}

// HandleGetGateway gets a gateway
func (s *RESTServer) HandleGetGateway(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := parseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	gateway, err := s.store.GetGateway(r.Context(), gatewayID)
	if err != nil {
		s.respondStoreError(w, "gateway", err)
		return
	}
	if !canAccess(r.Context(), gateway.TenantID) {
		s.respondError(w, http.StatusNotFound, "gateway not found")
		return
	}

	s.respondJSON(w, http.StatusOK, gateway)
}
