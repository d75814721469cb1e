package mqterm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

func (c *Client) handlePacket(pkt Packet) {
	switch p := pkt.(type) {
	case *PublishPacket:
		c.handlePublish(p)
	case *PubackPacket:
		c.handlePuback(p)
	case *PubrecPacket:
		c.handlePubrec(p)
	case *PubrelPacket:
		c.handlePubrel(p)
	case *PubcompPacket:
		c.handlePubcomp(p)
	case *SubackPacket:
		c.handleSuback(p)
	case *UnsubackPacket:
		c.handleUnsuback(p)
	case *PingrespPacket:
		c.keepAlive.pong()
	case *DisconnectPacket:
		c.handleDisconnect(p)
	case *AuthPacket:
		c.handleAuth(p)
	default:
		c.protocolError(fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, pkt.Type()))
	}
}

// protocolError ends the connection with DISCONNECT 0x82.
func (c *Client) protocolError(err error) {
	c.log.Error("protocol error", LogFields{LogFieldError: err})
	c.sendDisconnect(ReasonProtocolError)
	c.connectionLost(err)
}

func (c *Client) violation(err error) {
	c.log.Warn("ignoring packet", LogFields{LogFieldError: err})
}

func (c *Client) handlePublish(p *PublishPacket) {
	if err := c.aliases.resolve(p); err != nil {
		if errors.Is(err, ErrTopicAliasInvalid) {
			c.log.Error("invalid topic alias", LogFields{LogFieldError: err})
			c.sendDisconnect(ReasonTopicAliasInvalid)
			c.connectionLost(err)
			return
		}
		c.protocolError(err)
		return
	}

	msg, ack := c.tracker.Receive(p, time.Now())
	if msg != nil {
		c.route(msg)
	}
	if p.QoS == 2 {
		c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())
	}
	if ack != nil {
		c.write(ack)
	}
}

// route hands msg to every matching subscription.
func (c *Client) route(msg *Message) {
	msg = c.interceptConsume(msg)
	if msg == nil {
		return
	}

	subs := c.subs.Match(msg.Topic)
	c.metrics.MessageRouted(len(subs))
	if len(subs) == 0 {
		c.log.Debug("no subscription for message", LogFields{LogFieldTopic: msg.Topic})
		return
	}
	for i, sub := range subs {
		m := msg
		if i > 0 {
			m = msg.Clone()
		}
		sub.deliver(m)
	}
}

func (c *Client) handlePuback(p *PubackPacket) {
	d, known := c.tracker.Pending(p.PacketID)
	if err := c.tracker.HandlePuback(p); err != nil {
		c.violation(err)
		return
	}
	c.publishOutcome(d, known, p.ReasonCode, &p.Props)
}

func (c *Client) handlePubrec(p *PubrecPacket) {
	d, known := c.tracker.Pending(p.PacketID)
	rel, err := c.tracker.HandlePubrec(p, time.Now())
	if err != nil {
		c.violation(err)
	}
	if rel != nil {
		c.write(rel)
		return
	}
	if err == nil {
		c.publishOutcome(d, known, p.ReasonCode, &p.Props)
	}
}

func (c *Client) handlePubcomp(p *PubcompPacket) {
	if err := c.tracker.HandlePubcomp(p); err != nil {
		c.violation(err)
		return
	}
	c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())
}

func (c *Client) publishOutcome(d *PendingDelivery, known bool, rc ReasonCode, props *Properties) {
	c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())
	if !known || !rc.IsError() {
		return
	}
	err := &PublishError{
		Topic:      d.Message.Topic,
		PacketID:   d.PacketID,
		ReasonCode: rc,
		Reason:     props.GetString(PropReasonString),
	}
	c.log.Warn("publish rejected", LogFields{LogFieldTopic: err.Topic, LogFieldReason: rc.String()})
	c.emit(err)
}

func (c *Client) handlePubrel(p *PubrelPacket) {
	msg, comp := c.tracker.HandlePubrel(p)
	if msg != nil {
		c.route(msg)
	} else {
		c.violation(fmt.Errorf("%w: PUBREL for unknown packet id %d", ErrProtocolViolation, p.PacketID))
	}
	c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())
	c.write(comp)
}

func (c *Client) handleSuback(p *SubackPacket) {
	sub, ok := c.pendingSubs[p.PacketID]
	if !ok {
		c.violation(fmt.Errorf("%w: SUBACK for unknown packet id %d", ErrProtocolViolation, p.PacketID))
		return
	}
	delete(c.pendingSubs, p.PacketID)
	_ = c.tracker.ids.Release(p.PacketID)

	if cur, ok := c.subs.Get(sub.Filter()); !ok || cur != sub {
		return
	}

	rc := ReasonUnspecifiedError
	if len(p.ReasonCodes) > 0 {
		rc = p.ReasonCodes[0]
	}
	if !rc.IsError() {
		sub.acked = true
		sub.resolve(nil)
		return
	}

	err := &SubscribeError{Filter: sub.Filter(), ReasonCode: rc}
	c.log.Warn("subscription rejected", LogFields{LogFieldTopic: sub.Filter(), LogFieldReason: rc.String()})
	c.subs.Remove(sub.Filter())
	if sub.ready == nil {
		c.emit(err)
	}
	sub.resolve(err)
	sub.end(err)
}

func (c *Client) handleUnsuback(p *UnsubackPacket) {
	done, ok := c.pendingUnsubs[p.PacketID]
	if !ok {
		c.violation(fmt.Errorf("%w: UNSUBACK for unknown packet id %d", ErrProtocolViolation, p.PacketID))
		return
	}
	delete(c.pendingUnsubs, p.PacketID)
	_ = c.tracker.ids.Release(p.PacketID)

	var err error
	for _, rc := range p.ReasonCodes {
		if rc.IsError() {
			err = fmt.Errorf("%w: %s", ErrUnsubscribeFailed, rc)
			break
		}
	}
	done <- err
}

func (c *Client) handleDisconnect(p *DisconnectPacket) {
	err := newDisconnectError(p.ReasonCode, &p.Props, true)
	c.log.Warn("server disconnect", LogFields{LogFieldReason: p.ReasonCode.String()})
	c.connectionLost(err)
}

func (c *Client) handleAuth(p *AuthPacket) {
	auth := c.opts.enhancedAuth
	if auth == nil || c.reauth == nil {
		c.protocolError(fmt.Errorf("%w: unsolicited AUTH", ErrProtocolViolation))
		return
	}

	challenge := &AuthChallenge{
		Method:     p.Props.GetString(PropAuthenticationMethod),
		Data:       p.Props.GetBinary(PropAuthenticationData),
		ReasonCode: p.ReasonCode,
		State:      c.authState,
	}

	switch p.ReasonCode {
	case ReasonSuccess:
		var err error
		if v, ok := auth.(AuthVerifier); ok {
			err = v.AuthComplete(context.Background(), challenge)
		}
		c.finishReauth(err)

	case ReasonContinueAuth:
		step, err := auth.AuthContinue(context.Background(), challenge)
		if err != nil {
			c.finishReauth(authFailure(err))
			c.sendDisconnect(ReasonNotAuthorized)
			c.connectionLost(err)
			return
		}
		c.authState = step.State
		c.write(c.authPacket(ReasonContinueAuth, step.Data))

	default:
		c.protocolError(fmt.Errorf("%w: AUTH reason %s", ErrProtocolViolation, p.ReasonCode))
	}
}
