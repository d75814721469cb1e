package mqterm

import "errors"

var ErrQuotaExceeded = errors.New("in-flight quota exceeded")

// FlowController bounds outbound QoS 1/2 publishes awaiting acknowledgement
// by the smaller of the local max_inflight and the server Receive Maximum.
type FlowController struct {
	local    uint16
	server   uint16
	inFlight uint16
}

// NewFlowController creates a controller; 0 means 65535.
func NewFlowController(maxInflight uint16) *FlowController {
	if maxInflight == 0 {
		maxInflight = maxPacketID
	}
	return &FlowController{local: maxInflight, server: maxPacketID}
}

// SetServerMaximum applies the Receive Maximum announced in CONNACK.
func (f *FlowController) SetServerMaximum(maximum uint16) {
	if maximum == 0 {
		maximum = maxPacketID
	}
	f.server = maximum
}

// Limit returns the effective in-flight bound.
func (f *FlowController) Limit() uint16 {
	return min(f.local, f.server)
}

// InFlight returns the number of acquired slots.
func (f *FlowController) InFlight() uint16 {
	return f.inFlight
}

// Acquire takes one slot.
func (f *FlowController) Acquire() error {
	if f.inFlight >= f.Limit() {
		return ErrQuotaExceeded
	}
	f.inFlight++
	return nil
}

// Release frees one slot.
func (f *FlowController) Release() {
	if f.inFlight > 0 {
		f.inFlight--
	}
}
