// Package mqtermtest provides an in-process MQTT v5 broker for tests. It
// implements just enough of the server side to exercise the client:
// CONNECT, SUBSCRIBE, UNSUBSCRIBE, QoS 0/1/2 routing, PINGREQ and
// DISCONNECT, and records every packet it receives.
package mqtermtest

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/vitalvas/mqterm"
)

const maxPacketSize = 1 << 20

// Broker listens on a loopback TCP port.
type Broker struct {
	ln net.Listener
	wg sync.WaitGroup

	mu             sync.Mutex
	conns          map[*brokerConn]struct{}
	sessions       map[string][]mqterm.SubscribeOption
	received       []mqterm.Packet
	connects       int
	denied         map[string]bool
	connackCode    mqterm.ReasonCode
	sessionPresent bool
	ignorePing     bool
	ignorePublish  bool
	closed         bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithConnackCode answers every CONNECT with code.
func WithConnackCode(code mqterm.ReasonCode) Option {
	return func(b *Broker) { b.connackCode = code }
}

// WithSessionPresent makes the broker keep subscriptions per client id and
// report session_present on reconnect.
func WithSessionPresent() Option {
	return func(b *Broker) { b.sessionPresent = true }
}

// WithDeniedFilter rejects SUBSCRIBE for filter with Not Authorized.
func WithDeniedFilter(filter string) Option {
	return func(b *Broker) { b.denied[filter] = true }
}

// New starts a broker and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Broker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mqtermtest: listen: %v", err)
	}

	b := &Broker{
		ln:       ln,
		conns:    make(map[*brokerConn]struct{}),
		sessions: make(map[string][]mqterm.SubscribeOption),
		denied:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.accept()
	t.Cleanup(b.Close)
	return b
}

// URL returns the tcp:// address clients dial.
func (b *Broker) URL() string {
	return "tcp://" + b.ln.Addr().String()
}

// Close stops the listener and drops every connection.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

// DropConnections closes every client connection without DISCONNECT.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// Deny rejects future SUBSCRIBE requests for filter.
func (b *Broker) Deny(filter string) {
	b.mu.Lock()
	b.denied[filter] = true
	b.mu.Unlock()
}

// IgnorePing stops PINGRESP replies.
func (b *Broker) IgnorePing(ignore bool) {
	b.mu.Lock()
	b.ignorePing = ignore
	b.mu.Unlock()
}

// IgnorePublish stops acknowledging and routing client PUBLISH packets.
func (b *Broker) IgnorePublish(ignore bool) {
	b.mu.Lock()
	b.ignorePublish = ignore
	b.mu.Unlock()
}

// Connects returns how many CONNECT packets were accepted.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Connections returns the number of live client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Received returns a copy of every packet read from clients, in order.
func (b *Broker) Received() []mqterm.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mqterm.Packet(nil), b.received...)
}

// ReceivedOf returns the received packets of type t.
func (b *Broker) ReceivedOf(t mqterm.PacketType) []mqterm.Packet {
	var out []mqterm.Packet
	for _, p := range b.Received() {
		if p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

// SubscribedFilters returns every filter from received SUBSCRIBE packets in
// arrival order, repeats included.
func (b *Broker) SubscribedFilters() []string {
	var out []string
	for _, p := range b.ReceivedOf(mqterm.PacketSUBSCRIBE) {
		for _, f := range p.(*mqterm.SubscribePacket).Filters {
			out = append(out, f.TopicFilter)
		}
	}
	return out
}

// Publish routes msg to every matching subscriber as if a client had sent it.
func (b *Broker) Publish(msg *mqterm.Message) {
	b.route(msg)
}

func (b *Broker) accept() {
	defer b.wg.Done()

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := &brokerConn{broker: b, conn: conn, inflight: make(map[uint16]*mqterm.Message)}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.serve()

			b.mu.Lock()
			delete(b.conns, c)
			b.mu.Unlock()
		}()
	}
}

func (b *Broker) record(p mqterm.Packet) {
	b.mu.Lock()
	b.received = append(b.received, p)
	b.mu.Unlock()
}

func (b *Broker) route(msg *mqterm.Message) {
	b.mu.Lock()
	targets := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliver(msg)
	}
}

// brokerConn is one client connection.
type brokerConn struct {
	broker *Broker
	conn   net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	clientID string
	subs     []mqterm.SubscribeOption
	nextID   uint16
	inflight map[uint16]*mqterm.Message
}

func (c *brokerConn) write(p mqterm.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := mqterm.WritePacket(c.conn, p, maxPacketSize)
	return err
}

func (c *brokerConn) serve() {
	defer c.conn.Close()

	pkt, _, err := mqterm.ReadPacket(c.conn, maxPacketSize)
	if err != nil {
		return
	}
	connect, ok := pkt.(*mqterm.ConnectPacket)
	if !ok {
		return
	}
	c.broker.record(connect)
	if !c.handleConnect(connect) {
		return
	}

	for {
		pkt, _, err := mqterm.ReadPacket(c.conn, maxPacketSize)
		if err != nil {
			return
		}
		c.broker.record(pkt)
		if err := c.handle(pkt); err != nil {
			return
		}
	}
}

func (c *brokerConn) handleConnect(p *mqterm.ConnectPacket) bool {
	b := c.broker
	b.mu.Lock()
	code := b.connackCode
	present := false
	if code == mqterm.ReasonSuccess {
		b.connects++
		if b.sessionPresent && !p.CleanStart {
			if subs, ok := b.sessions[p.ClientID]; ok {
				present = true
				c.subs = append(c.subs, subs...)
			}
		}
	}
	b.mu.Unlock()

	c.clientID = p.ClientID
	ack := &mqterm.ConnackPacket{SessionPresent: present, ReasonCode: code}
	if p.ClientID == "" {
		c.clientID = "mqtermtest-assigned"
		ack.Props.Set(mqterm.PropAssignedClientIdentifier, c.clientID)
	}
	if err := c.write(ack); err != nil {
		return false
	}
	return code == mqterm.ReasonSuccess
}

var errClientDisconnect = errors.New("mqtermtest: client disconnected")

func (c *brokerConn) handle(pkt mqterm.Packet) error {
	switch p := pkt.(type) {
	case *mqterm.PublishPacket:
		return c.handlePublish(p)
	case *mqterm.PubrelPacket:
		c.mu.Lock()
		msg := c.inflight[p.PacketID]
		delete(c.inflight, p.PacketID)
		c.mu.Unlock()
		if msg != nil {
			c.broker.route(msg)
		}
		return c.write(&mqterm.PubcompPacket{PacketID: p.PacketID})
	case *mqterm.PubrecPacket:
		return c.write(&mqterm.PubrelPacket{PacketID: p.PacketID})
	case *mqterm.PubackPacket, *mqterm.PubcompPacket:
		return nil
	case *mqterm.SubscribePacket:
		return c.handleSubscribe(p)
	case *mqterm.UnsubscribePacket:
		return c.handleUnsubscribe(p)
	case *mqterm.PingreqPacket:
		c.broker.mu.Lock()
		ignore := c.broker.ignorePing
		c.broker.mu.Unlock()
		if ignore {
			return nil
		}
		return c.write(&mqterm.PingrespPacket{})
	case *mqterm.DisconnectPacket:
		return errClientDisconnect
	}
	return nil
}

func (c *brokerConn) handlePublish(p *mqterm.PublishPacket) error {
	c.broker.mu.Lock()
	ignore := c.broker.ignorePublish
	c.broker.mu.Unlock()
	if ignore {
		return nil
	}

	msg := p.Message()
	switch p.QoS {
	case 0:
		c.broker.route(msg)
		return nil
	case 1:
		if err := c.write(&mqterm.PubackPacket{PacketID: p.PacketID}); err != nil {
			return err
		}
		c.broker.route(msg)
		return nil
	default:
		c.mu.Lock()
		if _, dup := c.inflight[p.PacketID]; !dup {
			c.inflight[p.PacketID] = msg
		}
		c.mu.Unlock()
		return c.write(&mqterm.PubrecPacket{PacketID: p.PacketID})
	}
}

func (c *brokerConn) handleSubscribe(p *mqterm.SubscribePacket) error {
	b := c.broker
	codes := make([]mqterm.ReasonCode, len(p.Filters))

	b.mu.Lock()
	c.mu.Lock()
	for i, f := range p.Filters {
		if b.denied[f.TopicFilter] {
			codes[i] = mqterm.ReasonNotAuthorized
			continue
		}
		codes[i] = mqterm.ReasonCode(f.QoS)
		c.subs = removeFilter(c.subs, f.TopicFilter)
		c.subs = append(c.subs, f)
	}
	if b.sessionPresent {
		b.sessions[c.clientID] = append([]mqterm.SubscribeOption(nil), c.subs...)
	}
	c.mu.Unlock()
	b.mu.Unlock()

	return c.write(&mqterm.SubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
}

func (c *brokerConn) handleUnsubscribe(p *mqterm.UnsubscribePacket) error {
	b := c.broker
	codes := make([]mqterm.ReasonCode, len(p.TopicFilters))

	b.mu.Lock()
	c.mu.Lock()
	for i, filter := range p.TopicFilters {
		before := len(c.subs)
		c.subs = removeFilter(c.subs, filter)
		if len(c.subs) == before {
			codes[i] = mqterm.ReasonNoSubscriptionExisted
		}
	}
	if b.sessionPresent {
		b.sessions[c.clientID] = append([]mqterm.SubscribeOption(nil), c.subs...)
	}
	c.mu.Unlock()
	b.mu.Unlock()

	return c.write(&mqterm.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
}

// deliver sends msg once if any subscription matches, at the highest
// granted QoS among the matches.
func (c *brokerConn) deliver(msg *mqterm.Message) {
	c.mu.Lock()
	matched := false
	var qos byte
	for _, s := range c.subs {
		if mqterm.TopicMatch(s.TopicFilter, msg.Topic) {
			matched = true
			qos = max(qos, s.QoS)
		}
	}
	if !matched {
		c.mu.Unlock()
		return
	}
	qos = min(qos, msg.QoS)

	out := msg.Clone()
	out.QoS = qos
	var id uint16
	if qos > 0 {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		id = c.nextID
	}
	c.mu.Unlock()

	_ = c.write(mqterm.NewPublishPacket(out, id))
}

func removeFilter(subs []mqterm.SubscribeOption, filter string) []mqterm.SubscribeOption {
	out := subs[:0]
	for _, s := range subs {
		if s.TopicFilter != filter {
			out = append(out, s)
		}
	}
	return out
}
