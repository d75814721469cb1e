// Package terminal runs the device side of an mqterm session: commands
// arrive on <prefix>/tty/in, run as jobs on a worker pool and stream their
// output back as numbered chunks.
//
// A command message carries the job id in Correlation Data and seq=0. When
// it also has a Response Topic the reply goes there in the rpc chunk
// format; otherwise output is published to <prefix>/tty/out and errors to
// <prefix>/tty/err.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/vitalvas/mqterm"
	"github.com/vitalvas/mqterm/extensions/router"
	"github.com/vitalvas/mqterm/extensions/rpc"
	"golang.org/x/time/rate"
)

const (
	// DefaultChunkSize keeps a chunk within two TCP segments.
	DefaultChunkSize = 2800
	DefaultWorkers   = 4
	DefaultPrefix    = "mqterm"

	releaseTimeout = 5 * time.Second
)

// Client is the part of *mqterm.Client the terminal uses.
type Client interface {
	rpc.Publisher
	Subscribe(ctx context.Context, filter string, qos byte) (*mqterm.Subscription, error)
}

// Options configures a Terminal. Zero values select the defaults.
type Options struct {
	// Prefix is prepended to the tty topics.
	Prefix string

	// Dir confines file commands. Paths may not escape it.
	Dir string

	Workers   int
	ChunkSize int

	// Rate limits published chunks per second across all jobs; zero
	// disables pacing.
	Rate  rate.Limit
	Burst int

	Version string
	Logger  mqterm.Logger
}

// Terminal executes commands received over MQTT.
type Terminal struct {
	client Client
	opts   Options
	log    mqterm.Logger

	inTopic  string
	outTopic string
	errTopic string

	root    *os.Root
	pool    *ants.Pool
	limiter *rate.Limiter
	router  *router.Router

	ctx    context.Context
	cancel context.CancelFunc

	sub  *mqterm.Subscription
	done chan struct{}

	// Upload jobs waiting for chunks, keyed by correlation id. Only touched
	// by the goroutine calling HandleMessage.
	jobs map[string]*job
}

// New prepares a terminal. Call Start to begin receiving commands.
func New(client Client, opts *Options) (*Terminal, error) {
	if client == nil {
		return nil, errors.New("terminal: client is required")
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.Logger == nil {
		o.Logger = mqterm.NoOpLogger{}
	}

	root, err := os.OpenRoot(o.Dir)
	if err != nil {
		return nil, fmt.Errorf("terminal: open %s: %w", o.Dir, err)
	}

	t := &Terminal{
		client:   client,
		opts:     o,
		inTopic:  o.Prefix + "/tty/in",
		outTopic: o.Prefix + "/tty/out",
		errTopic: o.Prefix + "/tty/err",
		root:     root,
		router:   router.New(),
		done:     make(chan struct{}),
		jobs:     make(map[string]*job),
	}
	t.log = o.Logger.WithFields(mqterm.LogFields{mqterm.LogFieldTopic: t.inTopic})
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if o.Rate > 0 {
		t.limiter = rate.NewLimiter(o.Rate, max(o.Burst, 1))
	}

	t.pool, err = ants.NewPool(o.Workers, ants.WithPanicHandler(func(v any) {
		t.log.Error("job panicked", mqterm.LogFields{mqterm.LogFieldError: fmt.Sprint(v)})
	}))
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("terminal: new pool: %w", err)
	}

	t.routes()
	return t, nil
}

func (t *Terminal) routes() {
	seq := regexp.MustCompile(`^` + rpc.PropSeq + `$`)

	t.router.Handle(t.handleChunk, router.WithTopic(t.inTopic),
		router.WithUserProperty(seq, regexp.MustCompile(`^(-1|[1-9][0-9]*)$`)))

	for name := range commands {
		t.router.Handle(t.handleCommand, router.WithTopic(t.inTopic),
			router.WithUserProperty(seq, regexp.MustCompile(`^0$`)),
			router.WithPayload(regexp.MustCompile(`^\s*`+regexp.QuoteMeta(name)+`(\s|$)`)))
	}

	t.router.HandleDefault(t.reject)
}

// InTopic returns the command topic.
func (t *Terminal) InTopic() string { return t.inTopic }

// OutTopic returns the legacy output topic.
func (t *Terminal) OutTopic() string { return t.outTopic }

// ErrTopic returns the legacy error topic.
func (t *Terminal) ErrTopic() string { return t.errTopic }

// Start subscribes to the command topic and handles messages until Stop.
func (t *Terminal) Start(ctx context.Context) error {
	sub, err := t.client.Subscribe(ctx, t.inTopic, 1)
	if err != nil {
		return fmt.Errorf("terminal: subscribe %s: %w", t.inTopic, err)
	}
	t.sub = sub
	t.log.Info("terminal started", nil)

	go func() {
		defer close(t.done)
		for msg := range sub.Messages() {
			t.HandleMessage(msg)
		}
	}()
	return nil
}

// Stop unsubscribes, waits for running jobs and aborts unfinished uploads.
func (t *Terminal) Stop(ctx context.Context) error {
	var errs []error
	if t.sub != nil {
		// A closed client has already ended the subscription.
		if err := t.sub.Unsubscribe(ctx); !errors.Is(err, mqterm.ErrClientClosed) {
			errs = append(errs, err)
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timeout := releaseTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	errs = append(errs, t.pool.ReleaseTimeout(timeout))
	t.cancel()

	for id, j := range t.jobs {
		errs = append(errs, j.closeFile())
		delete(t.jobs, id)
	}
	errs = append(errs, t.root.Close())

	t.log.Info("terminal stopped", nil)
	return errors.Join(errs...)
}

// HandleMessage processes one command or upload chunk. Start calls it from
// a single goroutine; callers feeding messages themselves must do the same.
func (t *Terminal) HandleMessage(msg *mqterm.Message) {
	if len(msg.CorrelationData) == 0 {
		t.log.Warn("dropping message", mqterm.LogFields{mqterm.LogFieldError: ErrMissingCorrelation.Error()})
		return
	}
	t.router.Route(msg)
}

func (t *Terminal) handleCommand(msg *mqterm.Message) {
	j, err := newJob(msg)
	if err != nil {
		t.fail(msg, err)
		return
	}
	if _, busy := t.jobs[j.id]; busy {
		t.fail(msg, fmt.Errorf("%w: %s", ErrJobExists, j.id))
		return
	}

	if j.cmd.upload {
		if j.file, err = t.root.Create(j.args[0]); err != nil {
			t.fail(msg, err)
			return
		}
		t.jobs[j.id] = j
		t.log.Debug("created "+j.String(), mqterm.LogFields{mqterm.LogFieldRequest: j.id})
		return
	}

	t.submit(j)
}

func (t *Terminal) handleChunk(msg *mqterm.Message) {
	id := string(msg.CorrelationData)
	v, _ := msg.UserProperty(rpc.PropSeq)
	seq, _ := strconv.Atoi(v)

	j, ok := t.jobs[id]
	if !ok {
		t.fail(msg, fmt.Errorf("%w: %s", ErrNoJob, id))
		return
	}

	if seq == rpc.SeqEnd {
		delete(t.jobs, id)
		if err := j.closeFile(); err != nil {
			t.fail(j.req, err)
			return
		}
		t.submit(j)
		return
	}

	err := j.chunk(seq, msg.Payload)
	switch {
	case errors.Is(err, ErrDuplicateChunk):
		t.log.Warn(err.Error(), mqterm.LogFields{mqterm.LogFieldRequest: id})
		if j.req.ResponseTopic == "" {
			t.publishErr(msg.CorrelationData, err, seq, false)
		}
	case err != nil:
		delete(t.jobs, id)
		_ = j.closeFile()
		t.fail(j.req, err)
	default:
		t.log.Debug("updated "+j.String(), mqterm.LogFields{mqterm.LogFieldRequest: id, "seq": seq})
	}
}

// reject answers messages no command route accepted.
func (t *Terminal) reject(msg *mqterm.Message) {
	v, ok := msg.UserProperty(rpc.PropSeq)
	switch {
	case !ok:
		t.fail(msg, ErrMissingSeq)
	case v != "0":
		t.fail(msg, fmt.Errorf("%w: %q", ErrInvalidSeq, v))
	default:
		_, err := newJob(msg)
		if err == nil {
			err = ErrUnknownCommand
		}
		t.fail(msg, err)
	}
}

func (t *Terminal) submit(j *job) {
	err := t.pool.Submit(func() { t.run(j) })
	if err != nil {
		t.fail(j.req, err)
	}
}

func (t *Terminal) run(j *job) {
	log := t.log.WithFields(mqterm.LogFields{mqterm.LogFieldRequest: j.id})
	log.Debug("running "+j.String(), nil)

	w := t.writer(j.req)
	if err := t.handler(j.name)(t.ctx, j, w); err != nil {
		log.Warn("job failed", mqterm.LogFields{mqterm.LogFieldError: err.Error()})
		if j.req.ResponseTopic != "" {
			_ = w.CloseWithError(err)
		} else {
			t.publishErr(j.req.CorrelationData, err, rpc.SeqEnd, true)
		}
		return
	}
	if err := w.Close(); err != nil {
		log.Error("streaming output", mqterm.LogFields{mqterm.LogFieldError: err.Error()})
	}
}

func (t *Terminal) chunkOptions() []rpc.ChunkOption {
	opts := []rpc.ChunkOption{rpc.WithChunkSize(t.opts.ChunkSize), rpc.WithQoS(1)}
	if t.limiter != nil {
		opts = append(opts, rpc.WithLimiter(t.limiter))
	}
	return opts
}

func (t *Terminal) writer(req *mqterm.Message) *rpc.ChunkWriter {
	if w := rpc.NewReplyWriter(t.ctx, t.client, req, t.chunkOptions()...); w != nil {
		return w
	}
	return rpc.NewChunkWriter(t.ctx, t.client, t.outTopic, req.CorrelationData, t.chunkOptions()...)
}

// fail ends the job started by req with err.
func (t *Terminal) fail(req *mqterm.Message, err error) {
	t.log.Warn("rejected message", mqterm.LogFields{
		mqterm.LogFieldRequest: string(req.CorrelationData),
		mqterm.LogFieldError:   err.Error(),
	})
	if req.ResponseTopic != "" {
		_ = t.writer(req).CloseWithError(err)
		return
	}
	t.publishErr(req.CorrelationData, err, rpc.SeqEnd, true)
}

func (t *Terminal) publishErr(correlation []byte, err error, seq int, failed bool) {
	props := []mqterm.StringPair{{Key: rpc.PropSeq, Value: strconv.Itoa(seq)}}
	if failed {
		props = append(props, mqterm.StringPair{Key: rpc.PropStatus, Value: rpc.StatusError})
	}
	perr := t.client.Publish(t.ctx, &mqterm.Message{
		Topic:           t.errTopic,
		Payload:         []byte(err.Error()),
		QoS:             1,
		CorrelationData: correlation,
		UserProperties:  props,
	})
	if perr != nil {
		t.log.Error("publishing error", mqterm.LogFields{mqterm.LogFieldError: perr.Error()})
	}
}
