package mqterm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// MessageHandler handles messages delivered to a SubscribeFunc subscription.
type MessageHandler func(msg *Message)

// Client is an MQTT v5 client. A single goroutine owns the connection,
// delivery and subscription state; every exported method hands its work to
// that goroutine and waits for the result, so a Client is safe for
// concurrent use.
type Client struct {
	opts    *clientOptions
	log     Logger
	metrics Metrics
	dialer  Dialer

	parent   context.Context
	cmds     chan func()
	inbound  chan inboundPacket
	attempts chan connectResult
	events   *mailbox[error]
	done     chan struct{}

	state    atomic.Int32
	clientID atomic.Value

	// Owned by run.
	conn           net.Conn
	gen            uint64
	stopped        bool
	tracker        *DeliveryTracker
	subs           *SubscriptionManager
	pendingSubs    map[uint16]*Subscription
	pendingUnsubs  map[uint16]chan<- error
	aliases        *topicAliases
	keepAlive      *keepAlive
	backoff        *backoff
	failures       int
	reconnectTimer *time.Timer
	connectCancel  context.CancelFunc
	outboundMax    uint32
	serverMaxQoS   byte
	authState      any
	reauth         chan<- error
}

// Dial connects to the first reachable server and returns a running client.
func Dial(opts ...Option) (*Client, error) {
	return DialContext(context.Background(), opts...)
}

// DialContext connects with ctx bounding the client's lifetime: when ctx is
// done the client disconnects and stops reconnecting. A CONNACK refusal is
// returned as *ConnectError and never retried.
func DialContext(ctx context.Context, opts ...Option) (*Client, error) {
	o := applyOptions(opts...)
	if len(o.servers) == 0 {
		return nil, errors.New("no servers configured: use WithServers()")
	}

	c, err := newClient(ctx, o)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()

	sess, err := c.connect(connectCtx)
	if err != nil {
		c.setState(StateDisconnected)
		c.events.finish()
		return nil, err
	}

	go c.run(sess)
	return c, nil
}

func newClient(ctx context.Context, o *clientOptions) (*Client, error) {
	dialer := o.dialer
	if dialer == nil {
		d, err := newURLDialer(o)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	c := &Client{
		opts:          o,
		metrics:       o.metrics,
		dialer:        dialer,
		parent:        ctx,
		cmds:          make(chan func()),
		inbound:       make(chan inboundPacket, 16),
		attempts:      make(chan connectResult),
		events:        newMailbox[error](),
		done:          make(chan struct{}),
		tracker:       NewDeliveryTracker(o.retryTimeout, o.maxRetries, o.maxInflight),
		subs:          NewSubscriptionManager(),
		pendingSubs:   make(map[uint16]*Subscription),
		pendingUnsubs: make(map[uint16]chan<- error),
		aliases:       newTopicAliases(o.topicAliasMaximum),
		backoff:       newBackoff(o.reconnectBackoff, o.maxBackoff),
		serverMaxQoS:  2,
	}
	c.clientID.Store(o.clientID)
	c.log = o.logger.WithFields(LogFields{LogFieldClientID: o.clientID})

	go c.dispatchEvents()
	return c, nil
}

// ClientID returns the client identifier, including one assigned by the
// server.
func (c *Client) ClientID() string {
	id, _ := c.clientID.Load().(string)
	return id
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Publish sends msg and waits until its delivery completes: immediately
// after writing for QoS 0, on PUBACK for QoS 1 and on PUBCOMP for QoS 2.
// QoS 1/2 messages published while reconnecting are held and sent once the
// connection is back. Cancelling ctx stops the wait, not the delivery.
func (c *Client) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrPublishFailed)
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	if msg.QoS > 2 {
		return ErrInvalidQoS
	}

	msg = c.interceptSend(msg.Clone())
	if msg == nil {
		return nil
	}

	done := make(chan error, 1)
	if err := c.exec(ctx, func() { c.publish(msg, done) }); err != nil {
		return err
	}
	return c.wait(ctx, done)
}

// Subscribe registers filter and waits for the server to acknowledge it.
// While disconnected the SUBSCRIBE is deferred until the next connection.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) (*Subscription, error) {
	return c.SubscribeWithOptions(ctx, SubscribeOption{TopicFilter: filter, QoS: qos})
}

// SubscribeWithOptions is Subscribe with full subscription options.
func (c *Client) SubscribeWithOptions(ctx context.Context, opt SubscribeOption) (*Subscription, error) {
	if err := ValidateTopicFilter(opt.TopicFilter); err != nil {
		return nil, err
	}
	if opt.QoS > 2 {
		return nil, ErrInvalidQoS
	}

	sub := newSubscription(c, opt)
	ready := make(chan error, 1)
	if err := c.exec(ctx, func() { c.subscribe(sub, ready) }); err != nil {
		sub.queue.close()
		return nil, err
	}

	if err := c.wait(ctx, ready); err != nil {
		if ctx.Err() != nil {
			// The SUBSCRIBE may still be acknowledged; drop the registration.
			go func() { _ = c.Unsubscribe(context.Background(), sub) }()
		}
		return nil, err
	}
	return sub, nil
}

// SubscribeFunc subscribes and calls handler for every message on a
// dedicated goroutine until the subscription ends.
func (c *Client) SubscribeFunc(ctx context.Context, filter string, qos byte, handler MessageHandler) (*Subscription, error) {
	sub, err := c.Subscribe(ctx, filter, qos)
	if err != nil {
		return nil, err
	}
	go func() {
		for msg := range sub.Messages() {
			handler(msg)
		}
	}()
	return sub, nil
}

// Unsubscribe removes sub and, when connected, waits for UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	done := make(chan error, 1)
	if err := c.exec(ctx, func() { c.unsubscribe(sub, done) }); err != nil {
		return err
	}
	return c.wait(ctx, done)
}

// Reauthenticate starts an AUTH exchange on the live connection with the
// configured enhanced authenticator.
func (c *Client) Reauthenticate(ctx context.Context) error {
	auth := c.opts.enhancedAuth
	if auth == nil {
		return fmt.Errorf("%w: no authenticator configured", ErrAuthExchange)
	}
	step, err := auth.AuthStart(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	if err := c.exec(ctx, func() { c.startReauth(step, done) }); err != nil {
		return err
	}
	return c.wait(ctx, done)
}

// Disconnect sends DISCONNECT, closes the transport and stops the client.
// Pending operations fail with ErrClientClosed.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.DisconnectWithCode(ctx, ReasonNormalDisconnection)
}

// DisconnectWithCode is Disconnect with an explicit reason code, e.g.
// ReasonDisconnectWithWill to have the server publish the will message.
func (c *Client) DisconnectWithCode(ctx context.Context, code ReasonCode) error {
	err := c.exec(ctx, func() { c.disconnect(code) })
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and is a no-op on a stopped client.
func (c *Client) Close() error {
	err := c.Disconnect(context.Background())
	if errors.Is(err, ErrClientClosed) {
		return nil
	}
	return err
}

// exec runs fn on the client goroutine.
func (c *Client) exec(ctx context.Context, fn func()) error {
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-done:
			return err
		default:
			return ErrClientClosed
		}
	}
}

func (c *Client) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	c.metrics.StateChanged(s)
	c.log.Debug("state changed", LogFields{LogFieldState: s.String()})
}

func (c *Client) emit(event error) {
	c.events.put(event)
}

func (c *Client) dispatchEvents() {
	for ev := range c.events.out {
		if h := c.opts.onEvent; h != nil {
			h(c, ev)
		}
	}
}

// run is the client goroutine.
func (c *Client) run(first *session) {
	defer close(c.done)
	defer c.events.finish()

	c.install(first, false)

	ticker := time.NewTicker(c.tickInterval())
	defer ticker.Stop()

	for !c.stopped {
		select {
		case fn := <-c.cmds:
			fn()
		case in := <-c.inbound:
			c.handleInbound(in)
		case now := <-ticker.C:
			c.housekeeping(now)
		case <-c.reconnectC():
			c.reconnectTimer = nil
			c.startConnect()
		case res := <-c.attempts:
			c.handleConnectResult(res)
		case <-c.parent.Done():
			c.disconnect(ReasonNormalDisconnection)
		}
	}
}

func (c *Client) tickInterval() time.Duration {
	d := time.Second
	if c.opts.retryTimeout > 0 {
		d = min(d, c.opts.retryTimeout/4)
	}
	if c.opts.keepAlive > 0 {
		d = min(d, time.Duration(c.opts.keepAlive)*time.Second/4)
	}
	return max(d, 10*time.Millisecond)
}

func (c *Client) reconnectC() <-chan time.Time {
	if c.reconnectTimer == nil {
		return nil
	}
	return c.reconnectTimer.C
}

func (c *Client) housekeeping(now time.Time) {
	if c.conn == nil {
		return
	}

	ping, err := c.keepAlive.check(now)
	if err != nil {
		c.sendDisconnect(ReasonKeepAliveTimeout)
		c.connectionLost(err)
		return
	}
	if ping && !c.write(&PingreqPacket{}) {
		return
	}

	resend, failed := c.tracker.Due(now)
	for _, pkt := range resend {
		c.metrics.DeliveryRetried()
		if !c.write(pkt) {
			return
		}
	}
	for _, d := range failed {
		c.metrics.DeliveryFailed()
		c.log.Warn("delivery failed", LogFields{LogFieldTopic: d.Message.Topic, LogFieldPacketID: d.PacketID, LogFieldAttempt: d.Retries + 1})
		c.emit(&DeliveryFailedError{Topic: d.Message.Topic, PacketID: d.PacketID, Attempts: d.Retries + 1})
	}
	if len(failed) > 0 {
		c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())
	}
}

// write sends pkt on the current connection. A transport failure tears the
// connection down and reports false.
func (c *Client) write(pkt Packet) bool {
	if c.conn == nil {
		return false
	}
	err := c.send(pkt)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrTransportFailure) {
		c.connectionLost(err)
	} else {
		c.log.Error("failed to encode packet", LogFields{"type": pkt.Type().String(), LogFieldError: err})
	}
	return false
}

func (c *Client) send(pkt Packet) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	buf, err := EncodePacket(pkt)
	if err != nil {
		return err
	}
	if c.outboundMax > 0 && uint32(len(buf)) > c.outboundMax {
		return ErrPacketTooLarge
	}

	if c.opts.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}

	c.keepAlive.sent(time.Now())
	c.metrics.PacketSent(pkt.Type(), len(buf))
	return nil
}

func (c *Client) sendDisconnect(code ReasonCode) {
	if c.conn != nil {
		_ = c.send(&DisconnectPacket{ReasonCode: code})
	}
}

func (c *Client) publish(msg *Message, done chan<- error) {
	if msg.QoS > c.serverMaxQoS {
		done <- fmt.Errorf("%w: server maximum is %d", ErrInvalidQoS, c.serverMaxQoS)
		return
	}
	if c.outboundMax > 0 {
		if buf, err := EncodePacket(NewPublishPacket(msg, 1)); err == nil && uint32(len(buf)) > c.outboundMax {
			done <- ErrPacketTooLarge
			return
		}
	}

	if msg.QoS == 0 {
		if c.conn == nil {
			done <- ErrNotConnected
			return
		}
		err := c.send(NewPublishPacket(msg, 0))
		if errors.Is(err, ErrTransportFailure) {
			c.connectionLost(err)
		}
		done <- err
		return
	}

	pkt, err := c.tracker.Begin(msg, time.Now(), done)
	if err != nil {
		done <- err
		return
	}
	c.metrics.InflightChanged(c.tracker.Outbound(), c.tracker.Inbound())

	if c.conn == nil {
		c.tracker.Hold(pkt.PacketID)
		return
	}
	c.write(pkt)
}

func (c *Client) subscribe(sub *Subscription, ready chan<- error) {
	if err := c.subs.Add(sub); err != nil {
		sub.queue.close()
		ready <- err
		return
	}
	sub.ready = ready
	if c.conn != nil {
		c.sendSubscribe(sub)
	}
}

func (c *Client) sendSubscribe(sub *Subscription) {
	id, err := c.tracker.ids.Allocate()
	if err != nil {
		c.subs.Remove(sub.Filter())
		sub.resolve(err)
		sub.end(err)
		return
	}
	c.pendingSubs[id] = sub
	c.write(&SubscribePacket{PacketID: id, Filters: []SubscribeOption{sub.option}})
}

func (c *Client) unsubscribe(sub *Subscription, done chan<- error) {
	if cur, ok := c.subs.Get(sub.Filter()); !ok || cur != sub {
		done <- nil
		return
	}
	c.subs.Remove(sub.Filter())
	sub.resolve(context.Canceled)
	sub.end(nil)

	if c.conn == nil {
		done <- nil
		return
	}
	id, err := c.tracker.ids.Allocate()
	if err != nil {
		done <- err
		return
	}
	c.pendingUnsubs[id] = done
	c.write(&UnsubscribePacket{PacketID: id, TopicFilters: []string{sub.Filter()}})
}

func (c *Client) startReauth(step *AuthStep, done chan<- error) {
	if c.conn == nil {
		done <- ErrNotConnected
		return
	}
	if c.reauth != nil {
		done <- fmt.Errorf("%w: exchange already in progress", ErrAuthExchange)
		return
	}
	c.authState = step.State
	c.reauth = done
	c.setState(StateAuthenticating)
	c.write(c.authPacket(ReasonReAuth, step.Data))
}

func (c *Client) authPacket(code ReasonCode, data []byte) *AuthPacket {
	pkt := &AuthPacket{ReasonCode: code}
	pkt.Props.Set(PropAuthenticationMethod, c.opts.enhancedAuth.AuthMethod())
	if len(data) > 0 {
		pkt.Props.Set(PropAuthenticationData, data)
	}
	return pkt
}

func (c *Client) finishReauth(err error) {
	if c.reauth == nil {
		return
	}
	c.reauth <- err
	c.reauth = nil
	if c.conn != nil {
		c.setState(StateConnected)
	}
}

func (c *Client) disconnect(code ReasonCode) {
	if c.stopped {
		return
	}
	c.setState(StateDisconnecting)
	c.sendDisconnect(code)
	c.log.Info("disconnected", LogFields{LogFieldReason: code.String()})
	c.emit(newDisconnectError(code, nil, false))
	c.shutdown(ErrClientClosed)
}

// shutdown releases every resource and fails everything still waiting.
// The run loop exits afterwards.
func (c *Client) shutdown(cause error) {
	if c.stopped {
		return
	}
	c.stopped = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.gen++
	}

	c.tracker.Abort(ErrClientClosed)
	c.finishReauth(ErrClientClosed)
	for id, done := range c.pendingUnsubs {
		done <- ErrClientClosed
		delete(c.pendingUnsubs, id)
	}
	clear(c.pendingSubs)
	for _, sub := range c.subs.All() {
		sub.resolve(ErrClientClosed)
		sub.end(cause)
	}

	c.setState(StateDisconnected)
}
