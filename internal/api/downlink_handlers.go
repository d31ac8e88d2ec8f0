package api

import (
	"encoding/hex"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// HandleEnqueueDownlink adds a downlink to the device queue. It is sent
// with the next class-A window or by the class-C scheduler.
func (s *RESTServer) HandleEnqueueDownlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	device := s.device(w, r)
	if device == nil {
		return
	}

	var req struct {
		FPort     uint8  `json:"fPort" validate:"required,min=1,max=223"`
		Data      string `json:"data" validate:"hex,max=484"` // hex encoded
		Confirmed bool   `json:"confirmed"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	data, _ := hex.DecodeString(req.Data)

	qi := &models.DeviceQueueItem{
		DevEUI:    device.DevEUI,
		FPort:     req.FPort,
		Data:      data,
		Confirmed: req.Confirmed,
	}
	if err := s.store.CreateDeviceQueueItem(ctx, qi); err != nil {
		s.respondStoreError(w, "queue item", err)
		return
	}

	log.Info().
		Str("dev_eui", device.DevEUI.String()).
		Str("queue_item_id", qi.ID.String()).
		Uint8("f_port", qi.FPort).
		Bool("confirmed", qi.Confirmed).
		Msg("downlink enqueued")

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"id": qi.ID,
	})
}

// HandleListDeviceQueue lists the queue of a device, oldest first
func (s *RESTServer) HandleListDeviceQueue(w http.ResponseWriter, r *http.Request) {
	device := s.device(w, r)
	if device == nil {
		return
	}

	items, err := s.store.GetDeviceQueueItems(r.Context(), device.DevEUI)
	if err != nil {
		s.respondStoreError(w, "queue", err)
		return
	}
	if items == nil {
		items = []*models.DeviceQueueItem{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// HandleFlushDeviceQueue removes every queued downlink of a device
func (s *RESTServer) HandleFlushDeviceQueue(w http.ResponseWriter, r *http.Request) {
	device := s.device(w, r)
	if device == nil {
		return
	}

	if err := s.store.FlushDeviceQueue(r.Context(), device.DevEUI); err != nil {
		s.respondStoreError(w, "queue", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
