package mqterm

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DeliveryState is the step a QoS 1/2 exchange is waiting on.
type DeliveryState uint8

const (
	AwaitingPuback DeliveryState = iota + 1
	AwaitingPubrec
	AwaitingPubcomp
	AwaitingPubrel
)

func (s DeliveryState) String() string {
	switch s {
	case AwaitingPuback:
		return "awaiting-puback"
	case AwaitingPubrec:
		return "awaiting-pubrec"
	case AwaitingPubcomp:
		return "awaiting-pubcomp"
	case AwaitingPubrel:
		return "awaiting-pubrel"
	default:
		return "unknown"
	}
}

// PendingDelivery is an unfinished QoS 1/2 exchange.
type PendingDelivery struct {
	PacketID uint16
	Message  *Message
	State    DeliveryState
	Retries  int
	SentAt   time.Time

	sent  bool
	order uint64
	done  chan<- error
}

func (d *PendingDelivery) finish(err error) {
	if d.done == nil {
		return
	}
	select {
	case d.done <- err:
	default:
	}
	d.done = nil
}

func (d *PendingDelivery) packet() Packet {
	if d.State == AwaitingPubcomp {
		return &PubrelPacket{PacketID: d.PacketID}
	}
	pkt := NewPublishPacket(d.Message, d.PacketID)
	pkt.DUP = d.sent
	d.sent = true
	return pkt
}

// DeliveryTracker drives outbound QoS 1/2 publishes to completion and
// de-duplicates inbound ones. All methods must be called from the goroutine
// that owns the connection state.
type DeliveryTracker struct {
	ids  *PacketIDManager
	flow *FlowController

	outbound map[uint16]*PendingDelivery
	inbound  map[uint16]*PendingDelivery
	order    uint64

	retryTimeout time.Duration
	maxRetries   int

	// recentQoS1 maps acknowledged inbound QoS 1 ids to a digest of their
	// topic and payload. A DUP copy is suppressed only when the digest
	// matches, since the server may reuse an id once it has the PUBACK.
	recentQoS1 *expirable.LRU[uint16, uint64]
}

// NewDeliveryTracker creates a tracker that retransmits after retryTimeout
// and gives up after maxRetries retransmissions.
func NewDeliveryTracker(retryTimeout time.Duration, maxRetries int, maxInflight uint16) *DeliveryTracker {
	window := retryTimeout * time.Duration(maxRetries+1)
	if window <= 0 {
		window = time.Minute
	}
	return &DeliveryTracker{
		ids:          NewPacketIDManager(),
		flow:         NewFlowController(maxInflight),
		outbound:     make(map[uint16]*PendingDelivery),
		inbound:      make(map[uint16]*PendingDelivery),
		retryTimeout: retryTimeout,
		maxRetries:   maxRetries,
		recentQoS1:   expirable.NewLRU[uint16, uint64](maxPacketID, nil, window),
	}
}

// SetServerReceiveMaximum applies the CONNACK Receive Maximum.
func (t *DeliveryTracker) SetServerReceiveMaximum(maximum uint16) {
	t.flow.SetServerMaximum(maximum)
}

// Outbound returns the number of unfinished outbound deliveries.
func (t *DeliveryTracker) Outbound() int { return len(t.outbound) }

// Inbound returns the number of inbound QoS 2 messages awaiting PUBREL.
func (t *DeliveryTracker) Inbound() int { return len(t.inbound) }

// Pending returns the outbound delivery for id, if any.
func (t *DeliveryTracker) Pending(id uint16) (*PendingDelivery, bool) {
	d, ok := t.outbound[id]
	return d, ok
}

// Begin registers an outbound QoS 1/2 message and returns the PUBLISH to
// send. The outcome is reported once on done.
func (t *DeliveryTracker) Begin(msg *Message, now time.Time, done chan<- error) (*PublishPacket, error) {
	if err := t.flow.Acquire(); err != nil {
		return nil, err
	}
	id, err := t.ids.Allocate()
	if err != nil {
		t.flow.Release()
		return nil, err
	}

	state := AwaitingPuback
	if msg.QoS == 2 {
		state = AwaitingPubrec
	}

	t.order++
	t.outbound[id] = &PendingDelivery{
		PacketID: id,
		Message:  msg,
		State:    state,
		SentAt:   now,
		sent:     true,
		order:    t.order,
		done:     done,
	}
	return NewPublishPacket(msg, id), nil
}

// Hold marks a delivery begun while disconnected. Its first transmission,
// from Resume, goes out without the DUP flag.
func (t *DeliveryTracker) Hold(id uint16) {
	if d, ok := t.outbound[id]; ok {
		d.sent = false
	}
}

func (t *DeliveryTracker) complete(d *PendingDelivery, err error) {
	delete(t.outbound, d.PacketID)
	_ = t.ids.Release(d.PacketID)
	t.flow.Release()
	d.finish(err)
}

func (t *DeliveryTracker) expect(id uint16, state DeliveryState, got PacketType) (*PendingDelivery, error) {
	d, ok := t.outbound[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s for unknown packet id %d", ErrProtocolViolation, got, id)
	}
	if d.State != state {
		return nil, fmt.Errorf("%w: %s for packet id %d in state %s", ErrProtocolViolation, got, id, d.State)
	}
	return d, nil
}

func publishError(d *PendingDelivery, rc ReasonCode, props *Properties) error {
	if !rc.IsError() {
		return nil
	}
	return &PublishError{
		Topic:      d.Message.Topic,
		PacketID:   d.PacketID,
		ReasonCode: rc,
		Reason:     props.GetString(PropReasonString),
	}
}

// HandlePuback completes a QoS 1 delivery.
func (t *DeliveryTracker) HandlePuback(p *PubackPacket) error {
	d, err := t.expect(p.PacketID, AwaitingPuback, PacketPUBACK)
	if err != nil {
		return err
	}
	t.complete(d, publishError(d, p.ReasonCode, &p.Props))
	return nil
}

// HandlePubrec advances a QoS 2 delivery. The returned PUBREL, if non-nil,
// must be sent even when err is set.
func (t *DeliveryTracker) HandlePubrec(p *PubrecPacket, now time.Time) (*PubrelPacket, error) {
	d, err := t.expect(p.PacketID, AwaitingPubrec, PacketPUBREC)
	if err != nil {
		if d, ok := t.outbound[p.PacketID]; ok && d.State == AwaitingPubcomp {
			// Our PUBREL was lost and the server repeated PUBREC.
			d.SentAt = now
			return &PubrelPacket{PacketID: p.PacketID}, nil
		}
		if !p.ReasonCode.IsError() {
			return &PubrelPacket{PacketID: p.PacketID, ReasonCode: ReasonPacketIDNotFound}, err
		}
		return nil, err
	}

	if perr := publishError(d, p.ReasonCode, &p.Props); perr != nil {
		t.complete(d, perr)
		return nil, nil
	}

	d.State = AwaitingPubcomp
	d.Retries = 0
	d.SentAt = now
	d.Message = &Message{Topic: d.Message.Topic, QoS: 2}
	return &PubrelPacket{PacketID: p.PacketID}, nil
}

// HandlePubcomp completes a QoS 2 delivery.
func (t *DeliveryTracker) HandlePubcomp(p *PubcompPacket) error {
	d, err := t.expect(p.PacketID, AwaitingPubcomp, PacketPUBCOMP)
	if err != nil {
		return err
	}
	t.complete(d, nil)
	return nil
}

// Receive processes an inbound PUBLISH. It returns the message to hand to
// subscribers (nil for duplicates or QoS 2 before PUBREL) and the
// acknowledgement to send, if any.
func (t *DeliveryTracker) Receive(p *PublishPacket, now time.Time) (*Message, Packet) {
	switch p.QoS {
	case 1:
		ack := &PubackPacket{PacketID: p.PacketID}
		sum := contentDigest(p)
		if prev, ok := t.recentQoS1.Get(p.PacketID); ok && p.DUP && prev == sum {
			return nil, ack
		}
		t.recentQoS1.Add(p.PacketID, sum)
		return p.Message(), ack

	case 2:
		ack := &PubrecPacket{PacketID: p.PacketID}
		if _, ok := t.inbound[p.PacketID]; ok {
			return nil, ack
		}
		t.order++
		t.inbound[p.PacketID] = &PendingDelivery{
			PacketID: p.PacketID,
			Message:  p.Message(),
			State:    AwaitingPubrel,
			SentAt:   now,
			order:    t.order,
		}
		return nil, ack

	default:
		return p.Message(), nil
	}
}

func contentDigest(p *PublishPacket) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(p.Topic)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(p.Payload)
	return d.Sum64()
}

// HandlePubrel releases an inbound QoS 2 message for delivery. msg is nil
// if the id was unknown, in which case PUBCOMP reports it.
func (t *DeliveryTracker) HandlePubrel(p *PubrelPacket) (*Message, *PubcompPacket) {
	d, ok := t.inbound[p.PacketID]
	if !ok {
		return nil, &PubcompPacket{PacketID: p.PacketID, ReasonCode: ReasonPacketIDNotFound}
	}
	delete(t.inbound, p.PacketID)
	return d.Message, &PubcompPacket{PacketID: p.PacketID}
}

// Due returns packets to retransmit and the deliveries abandoned after
// exhausting their retries. Abandoned deliveries have been completed with a
// DeliveryFailedError.
func (t *DeliveryTracker) Due(now time.Time) ([]Packet, []*PendingDelivery) {
	if t.retryTimeout <= 0 {
		return nil, nil
	}

	var resend []Packet
	var failed []*PendingDelivery
	for _, d := range t.sortedOutbound() {
		if now.Sub(d.SentAt) < t.retryTimeout {
			continue
		}
		if d.Retries >= t.maxRetries {
			failed = append(failed, d)
			t.complete(d, &DeliveryFailedError{Topic: d.Message.Topic, PacketID: d.PacketID, Attempts: d.Retries + 1})
			continue
		}
		d.Retries++
		d.SentAt = now
		resend = append(resend, d.packet())
	}
	return resend, failed
}

// Resume returns every outbound delivery's next packet, oldest first, for
// sending on a new connection. When the server did not keep the session,
// inbound QoS 2 state is discarded since no PUBREL will follow.
func (t *DeliveryTracker) Resume(now time.Time, sessionPresent bool) []Packet {
	if !sessionPresent {
		clear(t.inbound)
	}

	pending := t.sortedOutbound()
	packets := make([]Packet, 0, len(pending))
	for _, d := range pending {
		d.SentAt = now
		packets = append(packets, d.packet())
	}
	return packets
}

// Abort completes every outbound delivery with err and clears all state.
func (t *DeliveryTracker) Abort(err error) {
	for _, d := range t.sortedOutbound() {
		t.complete(d, err)
	}
	clear(t.inbound)
}

func (t *DeliveryTracker) sortedOutbound() []*PendingDelivery {
	out := make([]*PendingDelivery, 0, len(t.outbound))
	for _, d := range t.outbound {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *PendingDelivery) int {
		return cmp.Compare(a.order, b.order)
	})
	return out
}
