package rpc

import (
	"fmt"
	"strconv"

	"github.com/vitalvas/mqterm"
)

// User property keys carried by every chunk.
const (
	PropSeq    = "seq"
	PropTotal  = "total"
	PropStatus = "status"

	// PropClient names the requesting client on request messages.
	PropClient = "client"

	StatusError = "error"

	// SeqEnd marks the terminator chunk.
	SeqEnd = -1
)

// chunkInfo is the framing read from a message's user properties.
type chunkInfo struct {
	seq      int
	total    int
	hasSeq   bool
	hasTotal bool
	failed   bool
}

func parseChunk(msg *mqterm.Message) (chunkInfo, error) {
	var info chunkInfo
	if v, ok := msg.UserProperty(PropSeq); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < SeqEnd {
			return info, fmt.Errorf("invalid %s %q", PropSeq, v)
		}
		info.seq, info.hasSeq = n, true
	}
	if v, ok := msg.UserProperty(PropTotal); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return info, fmt.Errorf("invalid %s %q", PropTotal, v)
		}
		info.total, info.hasTotal = n, true
	}
	if v, _ := msg.UserProperty(PropStatus); v == StatusError {
		info.failed = true
	}
	return info, nil
}

// assembly reorders the chunks of one reply. Chunks are numbered from 0;
// out-of-order chunks wait in held until the gap before them fills.
type assembly struct {
	maxSize int

	body  []byte
	held  map[int][]byte
	next  int
	size  int
	total int
}

func newAssembly(maxSize int) *assembly {
	return &assembly{maxSize: maxSize, held: make(map[int][]byte), total: -1}
}

// add applies one chunk and reports whether the reply is complete.
func (a *assembly) add(seq int, payload []byte) (bool, error) {
	if seq < a.next {
		return a.complete(), nil
	}
	if _, dup := a.held[seq]; dup {
		return a.complete(), nil
	}
	if a.total >= 0 && seq >= a.total {
		return false, fmt.Errorf("chunk %d beyond total %d", seq, a.total)
	}
	if a.maxSize > 0 && a.size+len(payload) > a.maxSize {
		return false, ErrPayloadTooLarge
	}
	a.size += len(payload)

	if seq != a.next {
		a.held[seq] = payload
		return a.complete(), nil
	}

	a.body = append(a.body, payload...)
	a.next++
	for {
		chunk, ok := a.held[a.next]
		if !ok {
			break
		}
		delete(a.held, a.next)
		a.body = append(a.body, chunk...)
		a.next++
	}
	return a.complete(), nil
}

// end applies the terminator. Without an explicit total the reply ends
// after the highest chunk seen so far.
func (a *assembly) end(total int, hasTotal bool) (bool, error) {
	seen := a.seen()
	if !hasTotal {
		total = seen
	}
	if total < seen {
		return false, fmt.Errorf("total %d below %d chunks received", total, seen)
	}
	a.total = total
	return a.complete(), nil
}

// seen returns one past the highest chunk number received.
func (a *assembly) seen() int {
	n := a.next
	for seq := range a.held {
		n = max(n, seq+1)
	}
	return n
}

func (a *assembly) complete() bool {
	return a.total >= 0 && a.next == a.total && len(a.held) == 0
}

// missing returns the number of chunks still outstanding, or -1 when the
// total is not yet known.
func (a *assembly) missing() int {
	if a.total < 0 {
		return -1
	}
	return a.total - a.next - len(a.held)
}
