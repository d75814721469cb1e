package mqterm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const readBufferSize = 4096

// session is an established connection handed to the client goroutine.
type session struct {
	conn      net.Conn
	connack   *ConnackPacket
	server    string
	authState any
}

type connectResult struct {
	sess *session
	err  error
}

type inboundPacket struct {
	gen  uint64
	pkt  Packet
	size int
	err  error
}

// connect tries every server in order. A CONNACK refusal stops the search.
func (c *Client) connect(ctx context.Context) (*session, error) {
	c.setState(StateConnecting)

	var errs []error
	for _, server := range c.opts.servers {
		sess, err := c.handshake(ctx, server)
		if err == nil {
			return sess, nil
		}

		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		c.log.Warn("connect failed", LogFields{LogFieldRemote: server, LogFieldError: err})
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrTransportFailure, errors.Join(errs...))
}

func (c *Client) handshake(ctx context.Context, server string) (*session, error) {
	conn, err := c.dialer.Dial(ctx, server)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	sess, err := c.exchange(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	sess.server = server
	return sess, nil
}

func (c *Client) exchange(ctx context.Context, conn net.Conn) (*session, error) {
	pkt := c.connectPacket()
	auth := c.opts.enhancedAuth

	var authState any
	if auth != nil {
		step, err := auth.AuthStart(ctx)
		if err != nil {
			return nil, authFailure(err)
		}
		pkt.Props.Set(PropAuthenticationMethod, auth.AuthMethod())
		if len(step.Data) > 0 {
			pkt.Props.Set(PropAuthenticationData, step.Data)
		}
		authState = step.State
	}

	if _, err := WritePacket(conn, pkt, 0); err != nil {
		return nil, err
	}

	for {
		in, _, err := ReadPacket(conn, c.opts.maxPacketSize)
		if err != nil {
			return nil, err
		}

		switch p := in.(type) {
		case *ConnackPacket:
			if p.ReasonCode.IsError() {
				return nil, newConnectError(p.ReasonCode, &p.Props)
			}
			if v, ok := auth.(AuthVerifier); ok {
				err := v.AuthComplete(ctx, &AuthChallenge{
					Method:     p.Props.GetString(PropAuthenticationMethod),
					Data:       p.Props.GetBinary(PropAuthenticationData),
					ReasonCode: p.ReasonCode,
					State:      authState,
				})
				if err != nil {
					_, _ = WritePacket(conn, &DisconnectPacket{ReasonCode: ReasonNotAuthorized}, 0)
					return nil, authFailure(err)
				}
			}
			return &session{conn: conn, connack: p, authState: authState}, nil

		case *AuthPacket:
			if auth == nil || p.ReasonCode != ReasonContinueAuth {
				return nil, fmt.Errorf("%w: unexpected AUTH %s", ErrProtocolViolation, p.ReasonCode)
			}
			c.setState(StateAuthenticating)
			step, err := auth.AuthContinue(ctx, &AuthChallenge{
				Method:     p.Props.GetString(PropAuthenticationMethod),
				Data:       p.Props.GetBinary(PropAuthenticationData),
				ReasonCode: p.ReasonCode,
				State:      authState,
			})
			if err != nil {
				return nil, authFailure(err)
			}
			authState = step.State

			resp := &AuthPacket{ReasonCode: ReasonContinueAuth}
			resp.Props.Set(PropAuthenticationMethod, auth.AuthMethod())
			if len(step.Data) > 0 {
				resp.Props.Set(PropAuthenticationData, step.Data)
			}
			if _, err := WritePacket(conn, resp, 0); err != nil {
				return nil, err
			}

		case *DisconnectPacket:
			return nil, newDisconnectError(p.ReasonCode, &p.Props, true)

		default:
			return nil, fmt.Errorf("%w: expected CONNACK, got %s", ErrProtocolViolation, in.Type())
		}
	}
}

func authFailure(err error) *ConnectError {
	return &ConnectError{err: ErrAuthFailed, ReasonCode: ReasonNotAuthorized, Reason: err.Error()}
}

func (c *Client) connectPacket() *ConnectPacket {
	o := c.opts
	pkt := &ConnectPacket{
		ClientID:   c.ClientID(),
		CleanStart: o.cleanStart,
		KeepAlive:  o.keepAlive,
		Username:   o.username,
		Password:   o.password,
	}

	if o.sessionExpiryInterval > 0 {
		pkt.Props.Set(PropSessionExpiryInterval, o.sessionExpiryInterval)
	}
	if o.receiveMaximum > 0 && o.receiveMaximum < maxPacketID {
		pkt.Props.Set(PropReceiveMaximum, o.receiveMaximum)
	}
	if o.maxPacketSize > 0 {
		pkt.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
	}
	if o.topicAliasMaximum > 0 {
		pkt.Props.Set(PropTopicAliasMaximum, o.topicAliasMaximum)
	}
	for _, up := range o.userProperties {
		pkt.Props.Add(PropUserProperty, up)
	}

	if o.willTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = o.willTopic
		pkt.WillPayload = o.willPayload
		pkt.WillRetain = o.willRetain
		pkt.WillQoS = o.willQoS
	}
	return pkt
}

// install makes sess the live connection, then resends unfinished
// deliveries and replays subscriptions.
func (c *Client) install(sess *session, reconnect bool) {
	now := time.Now()
	props := &sess.connack.Props

	c.conn = sess.conn
	c.gen++
	c.authState = sess.authState

	if id := props.GetString(PropAssignedClientIdentifier); id != "" {
		c.clientID.Store(id)
	}

	keepAlive := c.opts.keepAlive
	if props.Has(PropServerKeepAlive) {
		keepAlive = props.GetUint16(PropServerKeepAlive)
	}
	c.keepAlive = newKeepAlive(keepAlive, now)

	receiveMax := uint16(maxPacketID)
	if props.Has(PropReceiveMaximum) {
		receiveMax = props.GetUint16(PropReceiveMaximum)
	}
	c.tracker.SetServerReceiveMaximum(receiveMax)

	c.outboundMax = 0
	if props.Has(PropMaximumPacketSize) {
		c.outboundMax = props.GetUint32(PropMaximumPacketSize)
	}
	c.serverMaxQoS = 2
	if props.Has(PropMaximumQoS) {
		c.serverMaxQoS = props.GetByte(PropMaximumQoS)
	}

	c.aliases.reset()
	c.backoff.reset()
	c.failures = 0
	c.setState(StateConnected)
	if reconnect {
		c.metrics.Reconnected()
	}

	c.log.Info("connected", LogFields{
		LogFieldClientID: c.ClientID(),
		LogFieldRemote:   sess.server,
		"session":        sess.connack.SessionPresent,
		"reconnect":      reconnect,
	})
	c.emit(newConnectedEvent(sess.connack.SessionPresent, reconnect, props))

	go c.readLoop(sess.conn, c.gen)

	for _, pkt := range c.tracker.Resume(now, sess.connack.SessionPresent) {
		if !c.write(pkt) {
			return
		}
	}
	for _, sub := range c.subs.Replay(sess.connack.SessionPresent) {
		if c.conn == nil {
			return
		}
		c.sendSubscribe(sub)
	}
}

// readLoop decodes packets from conn until it fails. Packets are tagged with
// the connection generation so stale ones are dropped after a reconnect.
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	dec := NewDecoder(c.opts.maxPacketSize)
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				before := dec.Buffered()
				pkt, derr := dec.Next()
				if errors.Is(derr, ErrNeedMoreData) {
					break
				}
				if !c.forward(inboundPacket{gen: gen, pkt: pkt, size: before - dec.Buffered(), err: derr}) || derr != nil {
					return
				}
			}
		}
		if err != nil {
			c.forward(inboundPacket{gen: gen, err: fmt.Errorf("%w: %w", ErrTransportFailure, err)})
			return
		}
	}
}

func (c *Client) forward(in inboundPacket) bool {
	select {
	case c.inbound <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) handleInbound(in inboundPacket) {
	if in.gen != c.gen || c.conn == nil {
		return
	}

	if in.err != nil {
		switch {
		case errors.Is(in.err, ErrPacketTooLarge):
			c.sendDisconnect(ReasonPacketTooLarge)
		case errors.Is(in.err, ErrMalformedPacket):
			c.sendDisconnect(ReasonMalformedPacket)
		}
		c.connectionLost(in.err)
		return
	}

	c.metrics.PacketReceived(in.pkt.Type(), in.size)
	c.handlePacket(in.pkt)
}

// connectionLost closes the live connection and schedules a reconnect, or
// stops the client when reconnecting is disabled.
func (c *Client) connectionLost(cause error) {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	c.gen++

	for id := range c.pendingSubs {
		_ = c.tracker.ids.Release(id)
	}
	clear(c.pendingSubs)
	for id, done := range c.pendingUnsubs {
		_ = c.tracker.ids.Release(id)
		done <- nil
	}
	clear(c.pendingUnsubs)
	c.finishReauth(ErrConnectionLost)

	c.log.Warn("connection lost", LogFields{LogFieldError: cause})
	c.emit(&ConnectionLostError{Cause: cause})

	if !c.opts.autoReconnect {
		c.shutdown(cause)
		return
	}
	c.setState(StateReconnecting)
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	c.failures++
	if limit := c.opts.maxReconnects; limit > 0 && c.failures > limit {
		err := fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, limit, cause)
		c.log.Error("giving up reconnecting", LogFields{LogFieldError: err})
		c.emit(err)
		c.shutdown(err)
		return
	}

	delay := c.backoff.next()
	if c.opts.backoffStrategy != nil {
		delay = c.opts.backoffStrategy(c.failures, delay, cause)
	}

	c.log.Info("reconnecting", LogFields{LogFieldAttempt: c.failures, LogFieldDelay: delay.String()})
	c.emit(&ReconnectEvent{
		Attempt:     c.failures,
		MaxAttempts: c.opts.maxReconnects,
		Delay:       delay,
		cancel:      c.cancelReconnect,
	})
	c.reconnectTimer = time.NewTimer(delay)
}

func (c *Client) cancelReconnect() {
	_ = c.exec(context.Background(), func() {
		if c.conn == nil {
			c.log.Info("reconnect cancelled", nil)
			c.emit(newDisconnectError(ReasonNormalDisconnection, nil, false))
			c.shutdown(ErrClientClosed)
		}
	})
}

func (c *Client) startConnect() {
	ctx, cancel := context.WithTimeout(c.parent, c.opts.connectTimeout)
	c.connectCancel = cancel

	go func() {
		sess, err := c.connect(ctx)
		select {
		case c.attempts <- connectResult{sess: sess, err: err}:
		case <-c.done:
			if sess != nil {
				sess.conn.Close()
			}
		}
	}()
}

func (c *Client) handleConnectResult(res connectResult) {
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.stopped {
		if res.sess != nil {
			res.sess.conn.Close()
		}
		return
	}

	if res.err == nil {
		c.install(res.sess, true)
		return
	}

	var ce *ConnectError
	if errors.As(res.err, &ce) {
		c.log.Error("connection refused", LogFields{LogFieldReason: ce.ReasonCode.String()})
		c.emit(ce)
		c.shutdown(ce)
		return
	}
	c.setState(StateReconnecting)
	c.scheduleReconnect(res.err)
}
