package region

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// ErrUnknownRegion is returned when no region matches the config id
var ErrUnknownRegion = errors.New("unknown region")

// Region is one configured band together with its network parameters
type Region struct {
	ID              string
	CommonName      string
	ForceGwsPrivate bool
	Network         config.RegionNetworkConfig
	Band            *lorawan.Band
}

// Snapshot is an immutable set of regions keyed by config id
type Snapshot struct {
	regions map[string]*Region
}

// Get returns the region for the config id
func (s *Snapshot) Get(id string) (*Region, error) {
	r, ok := s.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, id)
	}
	return r, nil
}

// All returns the regions ordered by id
func (s *Snapshot) All() []*Region {
	out := make([]*Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build creates a snapshot from the region configuration
func Build(regions []config.RegionConfig) (*Snapshot, error) {
	s := &Snapshot{regions: make(map[string]*Region, len(regions))}
	for _, rc := range regions {
		r, err := newRegion(rc)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", rc.ID, err)
		}
		s.regions[rc.ID] = r
	}
	return s, nil
}

func newRegion(rc config.RegionConfig) (*Region, error) {
	band, err := lorawan.NewBand(rc.CommonName, rc.Network.RepeaterCompatible)
	if err != nil {
		return nil, err
	}

	for _, c := range rc.Network.ExtraChannels {
		if err := band.AddChannel(c.Frequency, c.MinDR, c.MaxDR); err != nil {
			return nil, fmt.Errorf("add channel %d: %w", c.Frequency, err)
		}
	}

	if len(rc.Network.EnabledUplinkChannels) != 0 {
		for _, i := range band.GetDefaultUplinkChannelIndices() {
			if err := band.DisableUplinkChannelIndex(i); err != nil {
				return nil, err
			}
		}
		for _, i := range rc.Network.EnabledUplinkChannels {
			if err := band.EnableUplinkChannelIndex(i); err != nil {
				return nil, fmt.Errorf("enable channel: %w", err)
			}
		}
	}

	if rc.Network.RX2Frequency == 0 {
		rc.Network.RX2Frequency = band.Defaults.RX2Frequency
	}
	if rc.Network.RX2DR == 0 {
		rc.Network.RX2DR = band.Defaults.RX2DataRate
	}
	if rc.Network.RX1Delay == 0 {
		rc.Network.RX1Delay = int(band.Defaults.RX1Delay / time.Second)
	}

	return &Region{
		ID:              rc.ID,
		CommonName:      rc.CommonName,
		ForceGwsPrivate: rc.Gateway.ForceGwsPrivate,
		Network:         rc.Network,
		Band:            band,
	}, nil
}

// Registry holds the current region snapshot. Readers load the pointer
// once per operation; Swap replaces it on reload.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry builds the initial snapshot
func NewRegistry(regions []config.RegionConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(regions); err != nil {
		return nil, err
	}
	return r, nil
}

// Load returns the current snapshot
func (r *Registry) Load() *Snapshot {
	return r.current.Load()
}

// Swap builds a new snapshot and makes it current. On error the current
// snapshot is kept.
func (r *Registry) Swap(regions []config.RegionConfig) error {
	s, err := Build(regions)
	if err != nil {
		return err
	}
	r.current.Store(s)
	return nil
}

// MaxDR returns the configured max data rate, falling back to the highest
// 125 kHz LoRa uplink data rate of the band
func (r *Region) MaxDR() int {
	max := r.Band.MaxUplinkLoRaDR()
	if r.Network.MaxDR != 0 && r.Network.MaxDR < max {
		return r.Network.MaxDR
	}
	return max
}

// ResetDeviceSession sets the radio parameters a device uses right after
// activation. With cfList set the user defined channels sent in the join
// accept are enabled too.
func (r *Region) ResetDeviceSession(ds *models.DeviceSession, cfList bool) {
	ds.RegionConfigID = r.ID
	ds.EnabledUplinkChannelIndices = r.Band.GetDefaultUplinkChannelIndices()
	ds.ExtraUplinkChannels = nil
	if cfList {
		for _, i := range r.Band.GetUserDefinedUplinkChannelIndices() {
			c := r.Band.UplinkChannels[i]
			if ds.ExtraUplinkChannels == nil {
				ds.ExtraUplinkChannels = make(map[int]models.ExtraChannel)
			}
			ds.ExtraUplinkChannels[i] = models.ExtraChannel{Frequency: c.Frequency, MinDR: c.MinDR, MaxDR: c.MaxDR}
			ds.EnabledUplinkChannelIndices = append(ds.EnabledUplinkChannelIndices, i)
		}
	}

	ds.DR = 0
	ds.TxPowerIndex = 0
	ds.NbTrans = 1
	ds.MinSupportedTxPowerIndex = 0
	ds.MaxSupportedTxPowerIndex = 0
	ds.RX1Delay = r.Network.RX1Delay
	ds.RX1DROffset = r.Network.RX1DROffset
	ds.RX2DR = r.Network.RX2DR
	ds.RX2Frequency = r.Network.RX2Frequency
	ds.UplinkADRHistory = nil
	ds.MACCommandErrorCount = nil
	ds.ADRBackoffCount = 0
}
