package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/vitalvas/mqterm"
	"github.com/vitalvas/mqterm/extensions/rpc"
)

var (
	ErrUnknownCommand     = errors.New("unknown command")
	ErrArguments          = errors.New("wrong number of arguments")
	ErrMissingCorrelation = errors.New("missing correlation data")
	ErrMissingSeq         = errors.New("missing sequence information")
	ErrInvalidSeq         = errors.New("invalid sequence information")
	ErrDuplicateChunk     = errors.New("duplicate message")
	ErrSequenceGap        = errors.New("message missing")
	ErrJobExists          = errors.New("job already running")
	ErrNoJob              = errors.New("no job for message")
)

// command is one terminal verb. Upload commands receive seq 1..n chunks
// before they run.
type command struct {
	argc   int
	upload bool
}

var commands = map[string]command{
	"whoami": {},
	"uname":  {},
	"ls":     {argc: 1},
	"cat":    {argc: 1},
	"cp":     {argc: 1, upload: true},
}

// jobFunc executes a parsed job, writing its output to w.
type jobFunc func(ctx context.Context, j *job, w io.Writer) error

func (t *Terminal) handler(name string) jobFunc {
	switch name {
	case "whoami":
		return t.whoami
	case "uname":
		return t.uname
	case "ls":
		return t.ls
	case "cat":
		return t.cat
	case "cp":
		return t.cp
	default:
		return func(context.Context, *job, io.Writer) error {
			return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
		}
	}
}

type job struct {
	id        string
	requester string
	name      string
	args      []string
	cmd       command
	req       *mqterm.Message

	// Upload state.
	next    int
	file    *os.File
	written int64
}

func newJob(req *mqterm.Message) (*job, error) {
	fields := strings.Fields(string(req.Payload))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	if len(fields)-1 != cmd.argc {
		return nil, fmt.Errorf("%w for %s: expected %d", ErrArguments, fields[0], cmd.argc)
	}

	j := &job{
		id:   string(req.CorrelationData),
		name: fields[0],
		args: fields[1:],
		cmd:  cmd,
		req:  req,
		next: 1,
	}
	j.requester, _ = req.UserProperty(rpc.PropClient)
	if j.requester == "" {
		j.requester = j.id
	}
	return j, nil
}

func (j *job) String() string {
	return strings.TrimSpace(fmt.Sprintf("job for %s: %s %s", j.requester, j.name, strings.Join(j.args, " ")))
}

// chunk appends one upload chunk. Chunks must arrive as next, next+1, ...
func (j *job) chunk(seq int, payload []byte) error {
	switch {
	case seq < j.next:
		return fmt.Errorf("%w: expected seq %d, got %d", ErrDuplicateChunk, j.next, seq)
	case seq > j.next:
		return fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, j.next, seq)
	}
	n, err := j.file.Write(payload)
	j.written += int64(n)
	if err != nil {
		return err
	}
	j.next++
	return nil
}

func (j *job) closeFile() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (t *Terminal) whoami(_ context.Context, j *job, w io.Writer) error {
	_, err := io.WriteString(w, j.requester)
	return err
}

func (t *Terminal) uname(ctx context.Context, _ *job, w io.Writer) error {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "MQTerm v%s on %s %s (%s, kernel %s)",
		t.opts.Version, info.Platform, info.PlatformVersion, info.KernelArch, info.KernelVersion)
	return err
}

func (t *Terminal) ls(_ context.Context, j *job, w io.Writer) error {
	dir, err := t.root.Open(j.args[0])
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)

	_, err = io.WriteString(w, strings.Join(names, "\n"))
	return err
}

func (t *Terminal) cat(_ context.Context, j *job, w io.Writer) error {
	f, err := t.root.Open(j.args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// cp runs after the upload finished and reports the bytes written.
func (t *Terminal) cp(_ context.Context, j *job, w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(j.written, 10))
	return err
}
