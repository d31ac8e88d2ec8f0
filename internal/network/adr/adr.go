package adr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// DefaultStrategyID is used when a device profile does not select a strategy
const DefaultStrategyID = "default"

// Request holds the state an ADR strategy works on
type Request struct {
	RegionConfigID    string
	RegionCommonName  string
	DevEUI            lorawan.EUI64
	MACVersion        lorawan.MACVersion
	RegParamsRevision string

	ADR             bool
	DR              int
	TxPowerIndex    int
	NbTrans         int
	MaxTxPowerIndex int

	RequiredSNRForDR   float64
	InstallationMargin float64
	MinDR              int
	MaxDR              int
	// MaxLoRaDR is the highest LoRa 125 kHz uplink data rate of the band
	MaxLoRaDR int

	UplinkHistory []models.UplinkADRHistory
	SkipFCntCheck bool
}

// Response holds the parameters the device should use
type Response struct {
	DR           int
	TxPowerIndex int
	NbTrans      int
}

// Strategy is an ADR algorithm
type Strategy interface {
	ID() string
	Name() string
	Handle(req Request) (Response, error)
}

// Registry maps strategy ids to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// DefaultRegistry returns a registry holding the built-in strategies
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewDefaultStrategy())
	r.Register(NewLossStrategy())
	return r
}

// Register adds a strategy, replacing one with the same id
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
}

// Get returns the strategy for the id
func (r *Registry) Get(id string) (Strategy, error) {
	if id == "" {
		id = DefaultStrategyID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("unknown adr strategy: %s", id)
	}
	return s, nil
}

// Strategies returns the registered strategies ordered by id
func (r *Registry) Strategies() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Handle runs the strategy selected by id. An unknown id or a failing
// strategy keeps the current values of the request.
func (r *Registry) Handle(id string, req Request) Response {
	current := Response{DR: req.DR, TxPowerIndex: req.TxPowerIndex, NbTrans: req.NbTrans}

	s, err := r.Get(id)
	if err != nil {
		log.Warn().Err(err).Str("dev_eui", req.DevEUI.String()).Msg("ADR strategy not found, keeping current values")
		return current
	}

	resp, err := s.Handle(req)
	if err != nil {
		log.Warn().Err(err).Str("dev_eui", req.DevEUI.String()).Str("strategy", s.ID()).Msg("ADR strategy failed, keeping current values")
		return current
	}
	return resp
}
