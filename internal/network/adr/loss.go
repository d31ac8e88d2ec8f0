package adr

// LossStrategyID selects the loss-only strategy
const LossStrategyID = "lora_loss"

// LossStrategy only adapts NbTrans to the packet loss and leaves DR and tx
// power to the device
type LossStrategy struct{}

// NewLossStrategy creates the loss-only strategy
func NewLossStrategy() *LossStrategy {
	return &LossStrategy{}
}

func (s *LossStrategy) ID() string   { return LossStrategyID }
func (s *LossStrategy) Name() string { return "Packet-loss only (NbTrans)" }

// Handle returns the request values with NbTrans adjusted
func (s *LossStrategy) Handle(req Request) (Response, error) {
	resp := Response{DR: req.DR, TxPowerIndex: req.TxPowerIndex, NbTrans: req.NbTrans}
	if !req.ADR {
		return resp, nil
	}
	resp.NbTrans = nbTrans(req.NbTrans, packetLossPercentage(req.UplinkHistory))
	return resp, nil
}
