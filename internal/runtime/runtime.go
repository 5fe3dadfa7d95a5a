// Package runtime defines the scripting boundary (spec.md §6 Runtime
// boundary): a command record is handed to a Runtime together with a set of
// Capabilities it may invoke. The core never interprets script contents; it
// only distinguishes "done" from "suspended on a pending peer fetch"
// (spec.md §5 Suspension points).
//
// directRuntime serves the base wire protocol (spec.md §6 table) without any
// script, so the server is a complete memcached-alike on its own. A real
// Lua/JS virtual-key runtime is a separate Runtime implementation layered on
// top of the same Capabilities contract.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nishisan-dev/cachecored/internal/cache"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
	"github.com/nishisan-dev/cachecored/internal/protocol"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

// Outcome is what a Runtime reports back to the connection's read path.
type Outcome int

const (
	// OutcomeDone means the command completed; the connection may resume
	// parsing further input once any queued writes drain.
	OutcomeDone Outcome = iota
	// OutcomeSuspend means the command issued one or more peer fetches
	// (spec.md §4.9) and the connection must wait for ClusterResult
	// deliveries before resuming.
	OutcomeSuspend
)

// ErrOutOfMemory is returned by Capabilities.CreateCacheItemFromCommand when
// admission exhausts its LRU-eviction retry budget (spec.md §4.6).
var ErrOutOfMemory = errors.New("runtime: out of memory")

// ClusterResult is delivered asynchronously to a suspended connection once a
// peer fetch issued via Capabilities.ClusterGet completes (spec.md §4.9
// Response matching).
type ClusterResult struct {
	Peer  string
	Key   []byte
	Found bool
	Value *stream.Stream
	Err   error
}

// Writer is the connection's write-stream front end. WriteRaw copies small
// framing into the write stream; WriteStream appends a stream's segments by
// reference, matching a body's zero-copy path from read buffer (or cache
// item) to socket (spec.md §4.3, §4.8).
type Writer interface {
	WriteRaw(data []byte) error
	WriteStream(s *stream.Stream) error
}

// Capabilities is everything a Runtime may invoke on the core (spec.md §6
// Runtime boundary). It is implemented by internal/core against the single
// core goroutine's cache.Map and chunkpool.Pool.
type Capabilities interface {
	// GlobalHashMap returns the shared cache map.
	GlobalHashMap() *cache.Map

	// CreateCacheItemFromCommand performs admission (spec.md §4.6):
	// cloning cmd.Data into chunk memory, retrying with LRU eviction on
	// allocator exhaustion, up to a 2 MB eviction budget.
	CreateCacheItemFromCommand(cmd *protocol.Command) (*cache.Item, error)

	// NextCAS returns the next CAS token to assign to a stored item.
	NextCAS() uint64

	// Now returns the core's clock sample, used to turn a relative
	// exptime into an absolute expiry (spec.md §6: "seconds added to a
	// monotonic clock sample captured at store time").
	Now() int64

	// ClusterGet issues a peer fetch and returns immediately (spec.md §6
	// Runtime boundary: "returns immediately; a later callback delivers
	// (status, value_stream)"). deliver is invoked exactly once with the
	// eventual ClusterResult; internal/core runs it on the core goroutine.
	// peer identifies the target server as "ip:port".
	ClusterGet(ctx context.Context, peer string, key []byte, deliver func(ClusterResult)) error

	// Pool returns the shared chunk allocator, needed to pack a freshly
	// combined value (append/prepend/incr/decr) into persistent storage.
	Pool() *chunkpool.Pool
}

// Runtime handles one fully-parsed command against a Writer, given
// Capabilities into the shared core state.
type Runtime interface {
	Handle(ctx context.Context, cmd *protocol.Command, caps Capabilities, w Writer) (Outcome, error)
}

// directRuntime implements the base wire protocol with no scripting layer.
type directRuntime struct{}

// NewDirectRuntime returns a Runtime serving every verb in spec.md §6's wire
// protocol table directly against Capabilities, without any script.
func NewDirectRuntime() Runtime { return directRuntime{} }

var (
	crlf        = []byte("\r\n")
	respStored  = []byte("STORED\r\n")
	respNotStor = []byte("NOT_STORED\r\n")
	respExists  = []byte("EXISTS\r\n")
	respNotFnd  = []byte("NOT_FOUND\r\n")
	respDeleted = []byte("DELETED\r\n")
	respEnd     = []byte("END\r\n")
	respOK      = []byte("OK\r\n")
	respError   = []byte("ERROR\r\n")
	respVersion = []byte("VERSION 1.6.0-cachecored\r\n")
)

func clientError(msg string) []byte {
	return []byte(fmt.Sprintf("CLIENT_ERROR %s\r\n", msg))
}

func serverError(msg string) []byte {
	return []byte(fmt.Sprintf("SERVER_ERROR %s\r\n", msg))
}

func (directRuntime) Handle(ctx context.Context, cmd *protocol.Command, caps Capabilities, w Writer) (Outcome, error) {
	switch cmd.Verb {
	case protocol.VerbGet, protocol.VerbBGet, protocol.VerbGets:
		return OutcomeDone, handleGet(cmd, caps, w)
	case protocol.VerbSet:
		return OutcomeDone, handleSet(cmd, caps, w)
	case protocol.VerbAdd:
		return OutcomeDone, handleAdd(cmd, caps, w)
	case protocol.VerbReplace:
		return OutcomeDone, handleReplace(cmd, caps, w)
	case protocol.VerbAppend:
		return OutcomeDone, handleAppendPrepend(cmd, caps, w, true)
	case protocol.VerbPrepend:
		return OutcomeDone, handleAppendPrepend(cmd, caps, w, false)
	case protocol.VerbCas:
		return OutcomeDone, handleCas(cmd, caps, w)
	case protocol.VerbIncr:
		return OutcomeDone, handleIncrDecr(cmd, caps, w, true)
	case protocol.VerbDecr:
		return OutcomeDone, handleIncrDecr(cmd, caps, w, false)
	case protocol.VerbDelete:
		return OutcomeDone, handleDelete(cmd, caps, w)
	case protocol.VerbStats:
		return OutcomeDone, handleStats(caps, w)
	case protocol.VerbFlushAll:
		return OutcomeDone, handleFlushAll(cmd, caps, w)
	case protocol.VerbVersion:
		return OutcomeDone, w.WriteRaw(respVersion)
	case protocol.VerbVerbosity:
		if !cmd.NoReply {
			return OutcomeDone, w.WriteRaw(respOK)
		}
		return OutcomeDone, nil
	case protocol.VerbQuit:
		// Connection teardown is the caller's responsibility once Handle
		// returns for a quit command; nothing to write.
		return OutcomeDone, nil
	default:
		return OutcomeDone, w.WriteRaw(respError)
	}
}

func handleGet(cmd *protocol.Command, caps Capabilities, w Writer) error {
	m := caps.GlobalHashMap()
	for _, key := range cmd.Keys {
		item, ok := m.Get(key)
		if !ok {
			continue
		}
		if err := writeValueLine(w, key, item); err != nil {
			item.Release()
			return err
		}
		item.Release()
	}
	return w.WriteRaw(respEnd)
}

func writeValueLine(w Writer, key []byte, item *cache.Item) error {
	header := []byte(fmt.Sprintf("VALUE %s %d %d\r\n", key, item.Flags(), item.DataLen()))
	if err := w.WriteRaw(header); err != nil {
		return err
	}
	if err := w.WriteStream(item.Data()); err != nil {
		return err
	}
	return w.WriteRaw(crlf)
}

// storeReplacing deletes any existing entry for item.Key() before inserting
// item, so Put never accumulates duplicate bucket chains for the same key
// (cache.Map.Put is insert-only).
func storeReplacing(m *cache.Map, item *cache.Item) {
	m.Delete(item.Key())
	m.Put(item)
}

func handleSet(cmd *protocol.Command, caps Capabilities, w Writer) error {
	item, err := caps.CreateCacheItemFromCommand(cmd)
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}
	item.SetCAS(caps.NextCAS())
	storeReplacing(caps.GlobalHashMap(), item)
	return replyUnlessNoReply(cmd, w, respStored)
}

func handleAdd(cmd *protocol.Command, caps Capabilities, w Writer) error {
	m := caps.GlobalHashMap()
	if _, exists := m.Peek(cmd.Key); exists {
		return replyUnlessNoReply(cmd, w, respNotStor)
	}
	item, err := caps.CreateCacheItemFromCommand(cmd)
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}
	item.SetCAS(caps.NextCAS())
	storeReplacing(m, item)
	return replyUnlessNoReply(cmd, w, respStored)
}

func handleReplace(cmd *protocol.Command, caps Capabilities, w Writer) error {
	m := caps.GlobalHashMap()
	if _, exists := m.Peek(cmd.Key); !exists {
		return replyUnlessNoReply(cmd, w, respNotStor)
	}
	item, err := caps.CreateCacheItemFromCommand(cmd)
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}
	item.SetCAS(caps.NextCAS())
	storeReplacing(m, item)
	return replyUnlessNoReply(cmd, w, respStored)
}

func handleCas(cmd *protocol.Command, caps Capabilities, w Writer) error {
	m := caps.GlobalHashMap()
	existing, exists := m.Peek(cmd.Key)
	if !exists {
		return replyUnlessNoReply(cmd, w, respNotFnd)
	}
	if existing.CAS() != cmd.CAS {
		return replyUnlessNoReply(cmd, w, respExists)
	}
	item, err := caps.CreateCacheItemFromCommand(cmd)
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}
	item.SetCAS(caps.NextCAS())
	storeReplacing(m, item)
	return replyUnlessNoReply(cmd, w, respStored)
}

// handleAppendPrepend concatenates cmd.Data onto (appendMode) or ahead of
// (!appendMode) the existing item's value, preserving its flags and expiry
// (memcached semantics: append/prepend never touch flags or exptime).
func handleAppendPrepend(cmd *protocol.Command, caps Capabilities, w Writer, appendMode bool) error {
	m := caps.GlobalHashMap()
	existing, exists := m.Peek(cmd.Key)
	if !exists {
		return replyUnlessNoReply(cmd, w, respNotStor)
	}

	combined := stream.New()
	if appendMode {
		if err := combined.AppendStream(existing.Data()); err != nil {
			return err
		}
		if err := combined.AppendStream(cmd.Data); err != nil {
			combined.Release()
			return err
		}
	} else {
		if err := combined.AppendStream(cmd.Data); err != nil {
			return err
		}
		if err := combined.AppendStream(existing.Data()); err != nil {
			combined.Release()
			return err
		}
	}

	clone, err := combined.Clone(caps.Pool())
	combined.Release()
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}

	item := cache.NewItem(existing.Key(), existing.Flags(), existing.Expiry(), caps.NextCAS(), clone)
	storeReplacing(m, item)
	return replyUnlessNoReply(cmd, w, respStored)
}

func handleIncrDecr(cmd *protocol.Command, caps Capabilities, w Writer, isIncr bool) error {
	m := caps.GlobalHashMap()
	existing, exists := m.Peek(cmd.Key)
	if !exists {
		return replyUnlessNoReply(cmd, w, respNotFnd)
	}

	current, err := strconv.ParseUint(string(existing.Data().Bytes()), 10, 64)
	if err != nil {
		if cmd.NoReply {
			return nil
		}
		return w.WriteRaw(clientError("cannot increment or decrement non-numeric value"))
	}

	var next uint64
	if isIncr {
		next = current + uint64(cmd.Delta)
	} else if uint64(cmd.Delta) > current {
		next = 0
	} else {
		next = current - uint64(cmd.Delta)
	}

	newBytes := []byte(strconv.FormatUint(next, 10))
	clone, err := stream.FromBytes(caps.Pool(), newBytes)
	if err != nil {
		return writeAdmissionError(cmd, w, err)
	}
	item := cache.NewItem(existing.Key(), existing.Flags(), existing.Expiry(), caps.NextCAS(), clone)
	storeReplacing(m, item)

	if cmd.NoReply {
		return nil
	}
	return w.WriteRaw([]byte(strconv.FormatUint(next, 10) + "\r\n"))
}

func handleDelete(cmd *protocol.Command, caps Capabilities, w Writer) error {
	ok := caps.GlobalHashMap().Delete(cmd.Key)
	if cmd.NoReply {
		return nil
	}
	if ok {
		return w.WriteRaw(respDeleted)
	}
	return w.WriteRaw(respNotFnd)
}

func handleStats(caps Capabilities, w Writer) error {
	stats := caps.GlobalHashMap().Stats()
	lines := fmt.Sprintf("STAT curr_items %d\r\n", stats.Count)
	if err := w.WriteRaw([]byte(lines)); err != nil {
		return err
	}
	return w.WriteRaw(respEnd)
}

func handleFlushAll(cmd *protocol.Command, caps Capabilities, w Writer) error {
	caps.GlobalHashMap().FlushAll(caps.Now())
	return replyUnlessNoReply(cmd, w, respOK)
}

func replyUnlessNoReply(cmd *protocol.Command, w Writer, msg []byte) error {
	if cmd.NoReply {
		return nil
	}
	return w.WriteRaw(msg)
}

func writeAdmissionError(cmd *protocol.Command, w Writer, err error) error {
	if cmd.NoReply {
		return nil
	}
	if errors.Is(err, ErrOutOfMemory) {
		return w.WriteRaw(serverError("out of memory storing object"))
	}
	return w.WriteRaw(serverError(err.Error()))
}
