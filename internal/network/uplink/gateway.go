package uplink

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/internal/region"
	"github.com/lorawan-server/lorawan-network-server/internal/storage"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// privateDown holds the gateways that only transmit for their own tenant
type privateDown map[lorawan.EUI64]bool

// resolveGateways fills the tenant and private maps of the frame-set.
// Receptions of unknown gateways are removed.
func (p *Pipeline) resolveGateways(ctx context.Context, r *region.Region, ufs *models.UplinkFrameSet) (privateDown, error) {
	ufs.GatewayTenantMap = make(map[lorawan.EUI64]uuid.UUID, len(ufs.RxInfo))
	ufs.GatewayPrivateMap = make(map[lorawan.EUI64]bool, len(ufs.RxInfo))

	down := make(privateDown, len(ufs.RxInfo))
	tenants := make(map[uuid.UUID]*models.Tenant)
	rxInfo := make([]models.RxInfo, 0, len(ufs.RxInfo))

	for _, rx := range ufs.RxInfo {
		gw, err := p.store.GetGateway(ctx, rx.GatewayID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				log.Warn().Str("gateway_id", rx.GatewayID.String()).Msg("unknown gateway, ignoring reception")
				continue
			}
			return nil, fmt.Errorf("get gateway: %w", err)
		}

		t, ok := tenants[gw.TenantID]
		if !ok {
			if t, err = p.store.GetTenant(ctx, gw.TenantID); err != nil {
				return nil, fmt.Errorf("get tenant: %w", err)
			}
			tenants[gw.TenantID] = t
		}

		ufs.GatewayTenantMap[gw.GatewayID] = gw.TenantID
		ufs.GatewayPrivateMap[gw.GatewayID] = r.ForceGwsPrivate || t.PrivateGatewaysUp
		down[gw.GatewayID] = r.ForceGwsPrivate || t.PrivateGatewaysDown
		rxInfo = append(rxInfo, rx)
	}

	if len(rxInfo) == 0 {
		return nil, fmt.Errorf("%w: no known gateway", ErrAbort)
	}
	ufs.RxInfo = rxInfo
	return down, nil
}

// filterRxInfoUp keeps the receptions of public gateways and of private
// gateways owned by tenantID
func filterRxInfoUp(ufs *models.UplinkFrameSet, tenantID uuid.UUID) []models.RxInfo {
	out := make([]models.RxInfo, 0, len(ufs.RxInfo))
	for _, rx := range ufs.RxInfo {
		if ufs.GatewayPrivateMap[rx.GatewayID] && ufs.GatewayTenantMap[rx.GatewayID] != tenantID {
			continue
		}
		out = append(out, rx)
	}
	return out
}

// filterRxInfoDown keeps the gateways allowed to transmit for tenantID
func filterRxInfoDown(ufs *models.UplinkFrameSet, rxInfo []models.RxInfo, down privateDown, tenantID uuid.UUID) []models.RxInfo {
	out := make([]models.RxInfo, 0, len(rxInfo))
	for _, rx := range rxInfo {
		if down[rx.GatewayID] && ufs.GatewayTenantMap[rx.GatewayID] != tenantID {
			continue
		}
		out = append(out, rx)
	}
	return out
}
