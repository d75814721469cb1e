// Package rpc multiplexes request/response exchanges over MQTT v5 using the
// Response Topic and Correlation Data properties. Replies may be split into
// numbered chunks, which are reassembled in order per request.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vitalvas/mqterm"
)

var (
	ErrRequestTimeout  = errors.New("rpc: request timeout")
	ErrPayloadTooLarge = errors.New("rpc: payload too large")
	ErrClosed          = errors.New("rpc: multiplexer closed")
)

// RemoteError is returned when the responder marked its reply as an error.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "rpc: remote error: " + e.Message }

// Client is the part of *mqterm.Client the multiplexer uses.
type Client interface {
	ClientID() string
	Publish(ctx context.Context, msg *mqterm.Message) error
	Subscribe(ctx context.Context, filter string, qos byte) (*mqterm.Subscription, error)
}

// Headers are sent and received as user properties.
type Headers map[string]string

type Request struct {
	Payload     []byte
	Headers     Headers
	ContentType string

	// Body, when set, is streamed after the request as chunks 1..n followed
	// by a terminator.
	Body io.Reader
}

type Response struct {
	Payload         []byte
	Headers         Headers
	ContentType     string
	CorrelationData []byte
	Chunks          int
}

// Options configures a Multiplexer. Zero values select the defaults.
type Options struct {
	// Prefix builds the default response topic <Prefix>/<clientID>/reply.
	Prefix string

	// ResponseTopic overrides the default response topic. It may be a
	// filter shared by several clients as long as replies stay distinct by
	// correlation id.
	ResponseTopic string

	QoS            byte
	Timeout        time.Duration
	MaxPayloadSize int
	ChunkSize      int

	// TombstoneTTL is how long finished correlation ids are remembered so
	// late chunks can be recognised and dropped.
	TombstoneTTL time.Duration

	Logger mqterm.Logger
}

const (
	DefaultPrefix         = "mqterm"
	DefaultTimeout        = 30 * time.Second
	DefaultMaxPayloadSize = 16 * 1024 * 1024
	DefaultTombstoneTTL   = 5 * time.Minute

	maxTombstones = 4096
)

func (o *Options) withDefaults(clientID string) Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Prefix == "" {
		out.Prefix = DefaultPrefix
	}
	if out.ResponseTopic == "" {
		out.ResponseTopic = out.Prefix + "/" + clientID + "/reply"
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxPayloadSize <= 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.TombstoneTTL <= 0 {
		out.TombstoneTTL = DefaultTombstoneTTL
	}
	if out.Logger == nil {
		out.Logger = mqterm.NoOpLogger{}
	}
	return out
}

type result struct {
	resp *Response
	err  error
}

// pendingRequest is one outstanding call.
type pendingRequest struct {
	id     string
	parts  *assembly
	first  *mqterm.Message
	failed bool
	done   chan result
}

// Multiplexer issues requests and routes chunked replies back to their
// callers. One goroutine owns the pending request set; callers hand work to
// it over a channel.
type Multiplexer struct {
	client Client
	opts   Options
	sub    *mqterm.Subscription
	log    mqterm.Logger

	cmds chan func()
	done chan struct{}

	// Owned by run.
	pending    map[string]*pendingRequest
	tombstones *expirable.LRU[string, struct{}]
}

// New subscribes to the response topic and returns a running multiplexer.
// The subscription is acknowledged before New returns, so no reply can
// arrive ahead of it.
func New(client Client, opts *Options) (*Multiplexer, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	o := opts.withDefaults(client.ClientID())

	ctx, cancel := context.WithTimeout(context.Background(), o.Timeout)
	defer cancel()

	sub, err := client.Subscribe(ctx, o.ResponseTopic, o.QoS)
	if err != nil {
		return nil, fmt.Errorf("rpc: subscribe %s: %w", o.ResponseTopic, err)
	}

	m := &Multiplexer{
		client:     client,
		opts:       o,
		sub:        sub,
		log:        o.Logger.WithFields(mqterm.LogFields{mqterm.LogFieldTopic: o.ResponseTopic}),
		cmds:       make(chan func()),
		done:       make(chan struct{}),
		pending:    make(map[string]*pendingRequest),
		tombstones: expirable.NewLRU[string, struct{}](maxTombstones, nil, o.TombstoneTTL),
	}
	go m.run()
	return m, nil
}

// ResponseTopic returns the topic replies are expected on.
func (m *Multiplexer) ResponseTopic() string {
	return m.opts.ResponseTopic
}

// Call publishes req to topic and waits for the complete reply. Without a
// deadline on ctx the configured Timeout applies. Expiry yields
// ErrRequestTimeout; chunks arriving afterwards are dropped.
func (m *Multiplexer) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if req == nil {
		req = &Request{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	id := uuid.NewString()
	p := &pendingRequest{
		id:    id,
		parts: newAssembly(m.opts.MaxPayloadSize),
		done:  make(chan result, 1),
	}
	if err := m.exec(ctx, func() { m.pending[id] = p }); err != nil {
		return nil, m.ctxErr(err)
	}

	if err := m.send(ctx, topic, id, req); err != nil {
		m.cancel(id)
		return nil, m.ctxErr(err)
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
		m.cancel(id)
		// The reply may have completed while cancelling.
		select {
		case res := <-p.done:
			return res.resp, res.err
		default:
		}
		return nil, m.ctxErr(ctx.Err())
	case <-m.done:
		return nil, ErrClosed
	}
}

// CallWithTimeout is Call bounded by timeout.
func (m *Multiplexer) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Call(ctx, topic, req)
}

// Request sends payload with no headers.
func (m *Multiplexer) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return m.Call(ctx, topic, &Request{Payload: payload})
}

func (m *Multiplexer) RequestWithTimeout(topic string, payload []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Request(ctx, topic, payload)
}

// Close drops the response subscription and fails outstanding calls with
// ErrClosed.
func (m *Multiplexer) Close(ctx context.Context) error {
	err := m.sub.Unsubscribe(ctx)
	if errors.Is(err, mqterm.ErrClientClosed) {
		err = nil
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (m *Multiplexer) ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return err
}

func (m *Multiplexer) exec(ctx context.Context, fn func()) error {
	select {
	case m.cmds <- fn:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancel forgets id; later chunks for it are discarded.
func (m *Multiplexer) cancel(id string) {
	_ = m.exec(context.Background(), func() {
		if _, ok := m.pending[id]; ok {
			delete(m.pending, id)
			m.tombstones.Add(id, struct{}{})
		}
	})
}

func (m *Multiplexer) send(ctx context.Context, topic, id string, req *Request) error {
	props := []mqterm.StringPair{
		{Key: PropSeq, Value: "0"},
		{Key: PropClient, Value: m.client.ClientID()},
	}
	for k, v := range req.Headers {
		props = append(props, mqterm.StringPair{Key: k, Value: v})
	}

	// A request with a body goes out at the body's QoS so the command
	// cannot be lost or overtaken by its first chunk.
	qos := m.opts.QoS
	if req.Body != nil {
		qos = max(qos, 1)
	}

	err := m.client.Publish(ctx, &mqterm.Message{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             qos,
		ContentType:     req.ContentType,
		ResponseTopic:   m.opts.ResponseTopic,
		CorrelationData: []byte(id),
		UserProperties:  props,
	})
	if err != nil || req.Body == nil {
		return err
	}

	w := NewChunkWriter(ctx, m.client, topic, []byte(id),
		WithFirstSeq(1), WithChunkSize(m.opts.ChunkSize), WithQoS(qos))
	if _, err := io.Copy(w, req.Body); err != nil {
		return err
	}
	return w.Close()
}

func (m *Multiplexer) run() {
	defer close(m.done)

	for {
		select {
		case fn := <-m.cmds:
			fn()
		case msg, ok := <-m.sub.Messages():
			if !ok {
				m.failAll(ErrClosed)
				return
			}
			m.handleReply(msg)
		}
	}
}

func (m *Multiplexer) failAll(err error) {
	for id, p := range m.pending {
		p.done <- result{err: err}
		delete(m.pending, id)
	}
}

func (m *Multiplexer) finish(p *pendingRequest, res result) {
	delete(m.pending, p.id)
	m.tombstones.Add(p.id, struct{}{})
	p.done <- res
}

func (m *Multiplexer) handleReply(msg *mqterm.Message) {
	id := string(msg.CorrelationData)
	p, ok := m.pending[id]
	if !ok {
		if m.tombstones.Contains(id) {
			m.log.Debug("discarding late chunk", mqterm.LogFields{mqterm.LogFieldRequest: id})
		} else {
			m.log.Debug("reply for unknown request", mqterm.LogFields{mqterm.LogFieldRequest: id})
		}
		return
	}

	info, err := parseChunk(msg)
	if err != nil {
		m.finish(p, result{err: fmt.Errorf("rpc: %w", err)})
		return
	}
	if p.first == nil {
		p.first = msg
	}
	p.failed = p.failed || info.failed

	var complete bool
	switch {
	case !info.hasSeq:
		// Unchunked reply.
		if complete, err = p.parts.add(0, msg.Payload); err == nil {
			complete, err = p.parts.end(1, true)
		}
	case info.seq == SeqEnd:
		complete, err = p.parts.end(info.total, info.hasTotal)
	default:
		complete, err = p.parts.add(info.seq, msg.Payload)
	}

	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		m.finish(p, result{err: ErrPayloadTooLarge})
	case err != nil:
		m.finish(p, result{err: fmt.Errorf("rpc: %w", err)})
	case complete:
		m.finish(p, m.response(p))
	}
}

func (m *Multiplexer) response(p *pendingRequest) result {
	body := p.parts.body
	if body == nil {
		body = []byte{}
	}
	if p.failed {
		return result{err: &RemoteError{Message: string(bytes.TrimSpace(body))}}
	}

	resp := &Response{
		Payload:         body,
		ContentType:     p.first.ContentType,
		CorrelationData: p.first.CorrelationData,
		Chunks:          p.parts.total,
	}
	for _, up := range p.first.UserProperties {
		switch up.Key {
		case PropSeq, PropTotal, PropStatus, PropClient:
			continue
		}
		if resp.Headers == nil {
			resp.Headers = make(Headers)
		}
		resp.Headers[up.Key] = up.Value
	}
	return result{resp: resp}
}
