package rpc

import (
	"context"
	"errors"
	"strconv"

	"github.com/vitalvas/mqterm"
	"golang.org/x/time/rate"
)

// DefaultChunkSize is the payload size of one chunk.
const DefaultChunkSize = 64 * 1024

var ErrWriterClosed = errors.New("rpc: chunk writer closed")

// Publisher is the part of the client a ChunkWriter needs.
type Publisher interface {
	Publish(ctx context.Context, msg *mqterm.Message) error
}

// ChunkWriter streams a reply as numbered chunks. Close sends the
// terminator whose total is one past the last sequence number used.
type ChunkWriter struct {
	ctx     context.Context
	pub     Publisher
	topic   string
	correl  []byte
	qos     byte
	size    int
	limiter *rate.Limiter

	buf    []byte
	seq    int
	closed bool
}

// ChunkOption configures a ChunkWriter.
type ChunkOption func(*ChunkWriter)

// WithChunkSize sets the chunk payload size.
func WithChunkSize(n int) ChunkOption {
	return func(w *ChunkWriter) {
		if n > 0 {
			w.size = n
		}
	}
}

// WithLimiter paces chunk publishing.
func WithLimiter(l *rate.Limiter) ChunkOption {
	return func(w *ChunkWriter) {
		w.limiter = l
	}
}

func WithQoS(qos byte) ChunkOption {
	return func(w *ChunkWriter) {
		w.qos = qos
	}
}

// WithFirstSeq numbers the first chunk n instead of 0. Request bodies start
// at 1 since seq 0 carries the request itself.
func WithFirstSeq(n int) ChunkOption {
	return func(w *ChunkWriter) {
		w.seq = n
	}
}

// NewChunkWriter writes to topic, tagging every chunk with correlation.
func NewChunkWriter(ctx context.Context, pub Publisher, topic string, correlation []byte, opts ...ChunkOption) *ChunkWriter {
	w := &ChunkWriter{
		ctx:    ctx,
		pub:    pub,
		topic:  topic,
		correl: correlation,
		qos:    1,
		size:   DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewReplyWriter answers req on its ResponseTopic. It returns nil when req
// asked for no reply.
func NewReplyWriter(ctx context.Context, pub Publisher, req *mqterm.Message, opts ...ChunkOption) *ChunkWriter {
	if req.ResponseTopic == "" {
		return nil
	}
	return NewChunkWriter(ctx, pub, req.ResponseTopic, req.CorrelationData, opts...)
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.size {
		if err := w.publish(w.buf[:w.size], w.seq, false); err != nil {
			return 0, err
		}
		w.buf = w.buf[w.size:]
		w.seq++
	}
	return len(p), nil
}

// NextSeq returns the sequence number the next chunk will carry. After
// Close it equals the total sent in the terminator.
func (w *ChunkWriter) NextSeq() int {
	return w.seq
}

// Close flushes buffered output and sends the terminator.
func (w *ChunkWriter) Close() error {
	return w.finish(nil)
}

// CloseWithError sends err as a single error chunk and terminates the
// reply. Output not yet flushed is discarded.
func (w *ChunkWriter) CloseWithError(err error) error {
	return w.finish(err)
}

func (w *ChunkWriter) finish(failure error) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if failure != nil {
		w.buf = []byte(failure.Error())
	}
	if len(w.buf) > 0 {
		if err := w.publish(w.buf, w.seq, failure != nil); err != nil {
			return err
		}
		w.buf = nil
		w.seq++
	}
	return w.publish(nil, SeqEnd, failure != nil)
}

func (w *ChunkWriter) publish(payload []byte, seq int, failed bool) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(w.ctx); err != nil {
			return err
		}
	}

	props := []mqterm.StringPair{{Key: PropSeq, Value: strconv.Itoa(seq)}}
	if seq == SeqEnd {
		props = append(props, mqterm.StringPair{Key: PropTotal, Value: strconv.Itoa(w.seq)})
	}
	if failed {
		props = append(props, mqterm.StringPair{Key: PropStatus, Value: StatusError})
	}

	return w.pub.Publish(w.ctx, &mqterm.Message{
		Topic:           w.topic,
		Payload:         append([]byte(nil), payload...),
		QoS:             w.qos,
		CorrelationData: w.correl,
		UserProperties:  props,
	})
}
