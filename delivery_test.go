package mqterm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func TestDeliveryQoS1(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	done := make(chan error, 1)

	pkt, err := tr.Begin(&Message{Topic: "a", Payload: []byte("x"), QoS: 1}, epoch, done)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pkt.PacketID)
	assert.False(t, pkt.DUP)
	assert.Equal(t, 1, tr.Outbound())

	d, ok := tr.Pending(1)
	require.True(t, ok)
	assert.Equal(t, AwaitingPuback, d.State)

	require.NoError(t, tr.HandlePuback(&PubackPacket{PacketID: 1}))
	assert.NoError(t, <-done)
	assert.Zero(t, tr.Outbound())

	err = tr.HandlePuback(&PubackPacket{PacketID: 1})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDeliveryQoS1Rejected(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	done := make(chan error, 1)

	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, done)
	require.NoError(t, err)

	puback := &PubackPacket{PacketID: 1, ReasonCode: ReasonNotAuthorized}
	puback.Props.Set(PropReasonString, "denied")
	require.NoError(t, tr.HandlePuback(puback))

	err = <-done
	assert.ErrorIs(t, err, ErrPublishFailed)
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, ReasonNotAuthorized, pubErr.ReasonCode)
	assert.Equal(t, "denied", pubErr.Reason)
}

func TestDeliveryQoS2(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	done := make(chan error, 1)

	_, err := tr.Begin(&Message{Topic: "a", Payload: []byte("x"), QoS: 2}, epoch, done)
	require.NoError(t, err)

	err = tr.HandlePubcomp(&PubcompPacket{PacketID: 1})
	assert.ErrorIs(t, err, ErrProtocolViolation, "PUBCOMP before PUBREC")

	rel, err := tr.HandlePubrec(&PubrecPacket{PacketID: 1}, epoch)
	require.NoError(t, err)
	assert.Equal(t, &PubrelPacket{PacketID: 1}, rel)

	d, _ := tr.Pending(1)
	assert.Equal(t, AwaitingPubcomp, d.State)
	assert.Nil(t, d.Message.Payload, "payload released after PUBREC")

	rel, err = tr.HandlePubrec(&PubrecPacket{PacketID: 1}, epoch)
	require.NoError(t, err, "repeated PUBREC is answered again")
	assert.Equal(t, &PubrelPacket{PacketID: 1}, rel)

	require.NoError(t, tr.HandlePubcomp(&PubcompPacket{PacketID: 1}))
	assert.NoError(t, <-done)
	assert.Zero(t, tr.Outbound())
}

func TestDeliveryPubrecUnknown(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	rel, err := tr.HandlePubrec(&PubrecPacket{PacketID: 9}, epoch)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	require.NotNil(t, rel)
	assert.Equal(t, ReasonPacketIDNotFound, rel.ReasonCode)

	rel, err = tr.HandlePubrec(&PubrecPacket{PacketID: 9, ReasonCode: ReasonQuotaExceeded}, epoch)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Nil(t, rel)
}

func TestDeliveryPubrecRejected(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	done := make(chan error, 1)

	_, err := tr.Begin(&Message{Topic: "a", QoS: 2}, epoch, done)
	require.NoError(t, err)

	rel, err := tr.HandlePubrec(&PubrecPacket{PacketID: 1, ReasonCode: ReasonQuotaExceeded}, epoch)
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.ErrorIs(t, <-done, ErrPublishFailed)
	assert.Zero(t, tr.Outbound())
}

func TestDeliveryFlowControl(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 2)

	for range 2 {
		_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
		require.NoError(t, err)
	}
	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, tr.HandlePuback(&PubackPacket{PacketID: 1}))
	_, err = tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	assert.NoError(t, err)

	tr.SetServerReceiveMaximum(1)
	_, err = tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDeliveryRetries(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 2, 0)
	done := make(chan error, 1)

	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, done)
	require.NoError(t, err)

	resend, failed := tr.Due(epoch.Add(500 * time.Millisecond))
	assert.Empty(t, resend)
	assert.Empty(t, failed)

	now := epoch
	for retry := 1; retry <= 2; retry++ {
		now = now.Add(time.Second)
		resend, failed = tr.Due(now)
		require.Len(t, resend, 1, "retry %d", retry)
		assert.Empty(t, failed)

		pub := resend[0].(*PublishPacket)
		assert.True(t, pub.DUP)
		assert.Equal(t, uint16(1), pub.PacketID)
	}

	resend, failed = tr.Due(now.Add(time.Second))
	assert.Empty(t, resend)
	require.Len(t, failed, 1)

	err = <-done
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	var failedErr *DeliveryFailedError
	require.ErrorAs(t, err, &failedErr)
	assert.Equal(t, 3, failedErr.Attempts)
	assert.Zero(t, tr.Outbound())
}

func TestDeliveryRetryPubrel(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	_, err := tr.Begin(&Message{Topic: "a", QoS: 2}, epoch, nil)
	require.NoError(t, err)
	_, err = tr.HandlePubrec(&PubrecPacket{PacketID: 1}, epoch)
	require.NoError(t, err)

	resend, _ := tr.Due(epoch.Add(time.Second))
	require.Len(t, resend, 1)
	assert.Equal(t, &PubrelPacket{PacketID: 1}, resend[0])
}

func TestDeliveryRetriesDisabled(t *testing.T) {
	tr := NewDeliveryTracker(0, 0, 0)
	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	require.NoError(t, err)

	resend, failed := tr.Due(epoch.Add(time.Hour))
	assert.Nil(t, resend)
	assert.Nil(t, failed)
}

func TestDeliveryResume(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	_, err := tr.Begin(&Message{Topic: "first", QoS: 1}, epoch, nil)
	require.NoError(t, err)
	_, err = tr.Begin(&Message{Topic: "second", QoS: 2}, epoch, nil)
	require.NoError(t, err)
	_, err = tr.Begin(&Message{Topic: "third", QoS: 2}, epoch, nil)
	require.NoError(t, err)
	_, err = tr.HandlePubrec(&PubrecPacket{PacketID: 3}, epoch)
	require.NoError(t, err)
	tr.Hold(1)

	tr.Receive(&PublishPacket{Topic: "in", QoS: 2, PacketID: 50}, epoch)
	require.Equal(t, 1, tr.Inbound())

	packets := tr.Resume(epoch.Add(time.Minute), true)
	require.Len(t, packets, 3)

	first := packets[0].(*PublishPacket)
	assert.Equal(t, "first", first.Topic)
	assert.False(t, first.DUP, "held delivery was never sent")

	second := packets[1].(*PublishPacket)
	assert.Equal(t, "second", second.Topic)
	assert.True(t, second.DUP)

	assert.Equal(t, &PubrelPacket{PacketID: 3}, packets[2])
	assert.Equal(t, 1, tr.Inbound(), "session kept inbound QoS 2 state")

	tr.Resume(epoch.Add(time.Minute), false)
	assert.Zero(t, tr.Inbound())
}

func TestDeliveryAbort(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)

	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, done1)
	require.NoError(t, err)
	_, err = tr.Begin(&Message{Topic: "b", QoS: 2}, epoch, done2)
	require.NoError(t, err)

	tr.Abort(ErrClientClosed)
	assert.ErrorIs(t, <-done1, ErrClientClosed)
	assert.ErrorIs(t, <-done2, ErrClientClosed)
	assert.Zero(t, tr.Outbound())

	id, err := tr.ids.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), id, "ids released but allocation keeps cycling")
}

func TestDeliveryReceiveQoS0(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	msg, ack := tr.Receive(&PublishPacket{Topic: "a", Payload: []byte("x")}, epoch)
	require.NotNil(t, msg)
	assert.Equal(t, "a", msg.Topic)
	assert.Nil(t, ack)
}

func TestDeliveryReceiveQoS1Duplicate(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	msg, ack := tr.Receive(&PublishPacket{Topic: "a", QoS: 1, PacketID: 4}, epoch)
	require.NotNil(t, msg)
	assert.Equal(t, &PubackPacket{PacketID: 4}, ack)

	msg, ack = tr.Receive(&PublishPacket{Topic: "a", QoS: 1, PacketID: 4, DUP: true}, epoch)
	assert.Nil(t, msg, "redelivery after a lost PUBACK is acknowledged only")
	assert.Equal(t, &PubackPacket{PacketID: 4}, ack)

	msg, _ = tr.Receive(&PublishPacket{Topic: "b", QoS: 1, PacketID: 4}, epoch)
	assert.NotNil(t, msg, "a fresh publish may reuse the id")
}

func TestDeliveryReceiveQoS1ReusedIDWithDup(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	msg, _ := tr.Receive(&PublishPacket{Topic: "a", Payload: []byte("first"), QoS: 1, PacketID: 5}, epoch)
	require.NotNil(t, msg)

	msg, ack := tr.Receive(&PublishPacket{Topic: "b", Payload: []byte("second"), QoS: 1, PacketID: 5, DUP: true}, epoch)
	require.NotNil(t, msg, "a different message resent under a reused id is delivered")
	assert.Equal(t, "second", string(msg.Payload))
	assert.Equal(t, &PubackPacket{PacketID: 5}, ack)

	msg, _ = tr.Receive(&PublishPacket{Topic: "b", Payload: []byte("second"), QoS: 1, PacketID: 5, DUP: true}, epoch)
	assert.Nil(t, msg, "its own redelivery is still suppressed")

	msg, _ = tr.Receive(&PublishPacket{Topic: "b", Payload: []byte("other"), QoS: 1, PacketID: 5, DUP: true}, epoch)
	assert.NotNil(t, msg, "same topic with a different payload is a different message")
}

func TestDeliveryReceiveQoS2(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)
	pub := &PublishPacket{Topic: "a", Payload: []byte("once"), QoS: 2, PacketID: 8}

	msg, ack := tr.Receive(pub, epoch)
	assert.Nil(t, msg, "held until PUBREL")
	assert.Equal(t, &PubrecPacket{PacketID: 8}, ack)

	dup := *pub
	dup.DUP = true
	msg, ack = tr.Receive(&dup, epoch)
	assert.Nil(t, msg)
	assert.Equal(t, &PubrecPacket{PacketID: 8}, ack)

	msg, comp := tr.HandlePubrel(&PubrelPacket{PacketID: 8})
	require.NotNil(t, msg)
	assert.Equal(t, []byte("once"), msg.Payload)
	assert.Equal(t, &PubcompPacket{PacketID: 8}, comp)

	msg, comp = tr.HandlePubrel(&PubrelPacket{PacketID: 8})
	assert.Nil(t, msg, "delivered exactly once")
	assert.Equal(t, ReasonPacketIDNotFound, comp.ReasonCode)
}

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "awaiting-puback", AwaitingPuback.String())
	assert.Equal(t, "awaiting-pubrel", AwaitingPubrel.String())
	assert.Equal(t, "unknown", DeliveryState(0).String())
}

func TestPendingDeliveryFinishOnce(t *testing.T) {
	done := make(chan error, 1)
	d := &PendingDelivery{done: done}
	d.finish(errors.New("first"))
	d.finish(errors.New("second"))
	assert.EqualError(t, <-done, "first")
}

func TestDeliveryIdentifierPoolExhausted(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	seen := make(map[uint16]bool, maxPacketID)
	for range maxPacketID {
		pkt, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
		require.NoError(t, err)
		require.False(t, seen[pkt.PacketID], "id %d reused", pkt.PacketID)
		seen[pkt.PacketID] = true
	}

	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, maxPacketID, tr.Outbound())
}

func TestDeliveryIdentifiersSharedWithSubscriptions(t *testing.T) {
	tr := NewDeliveryTracker(time.Second, 3, 0)

	for range maxPacketID {
		_, err := tr.ids.Allocate()
		require.NoError(t, err)
	}

	_, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	assert.ErrorIs(t, err, ErrPacketIDExhausted)

	// the flow slot taken by the failed attempt is returned
	require.NoError(t, tr.ids.Release(7))
	pkt, err := tr.Begin(&Message{Topic: "a", QoS: 1}, epoch, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), pkt.PacketID)
}
