package lorawan

// GetFullFCnt reconstructs the full 32 bit uplink frame counter from the
// next expected counter and the 16 LSB received on air. A counter one below
// the expected value is treated as a retransmission, anything else as a
// forward gap which rolls over the 16 MSB when needed.
func GetFullFCnt(next uint32, received uint16) uint32 {
	if received == uint16(next)-1 {
		return next - 1
	}
	gap := uint32(received - uint16(next))
	return next + gap
}

// FCntValidation is the outcome of the uplink frame-counter check
type FCntValidation int

const (
	FCntOk FCntValidation = iota
	FCntRetransmission
	FCntReset
)

// String returns the validation name
func (v FCntValidation) String() string {
	switch v {
	case FCntOk:
		return "ok"
	case FCntRetransmission:
		return "retransmission"
	default:
		return "reset"
	}
}

// ValidateFCntUp checks the full received counter against the next
// expected FCntUp. With skip set every counter is accepted.
func ValidateFCntUp(fCntUp, full uint32, skip bool) FCntValidation {
	switch {
	case full >= fCntUp:
		return FCntOk
	case skip:
		return FCntOk
	case full+1 == fCntUp:
		return FCntRetransmission
	default:
		return FCntReset
	}
}
