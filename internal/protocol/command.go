// Package protocol implements the line-framed ASCII memcached request and
// response parsers (spec.md §4.7, §6).
//
// Grounded on iamrohit/cacheismo's src/server/client.c and
// src/cluster/clusterclient.c tokenizers, reworked as a two-state machine
// per call instead of goto-based state transitions: Parse is re-entrant,
// called again with more bytes on StatusNeedMore.
package protocol

import (
	"errors"

	"github.com/nishisan-dev/cachecored/internal/stream"
)

// ErrParse reports malformed input: a bare LF, bad numerics, unknown verb,
// or wrong arity (spec.md §4.7 Failure modes).
var ErrParse = errors.New("protocol: parse error")

// Status is the outcome of one Parse call.
type Status int

const (
	// StatusNeedMore means the stream does not yet hold a full command.
	StatusNeedMore Status = iota
	// StatusReady means Command is fully populated.
	StatusReady
	// StatusError means the input is malformed; the connection must close.
	StatusError
)

// Verb enumerates the wire commands (spec.md §6 Wire protocol).
type Verb string

const (
	VerbGet       Verb = "get"
	VerbBGet      Verb = "bget"
	VerbGets      Verb = "gets"
	VerbSet       Verb = "set"
	VerbAdd       Verb = "add"
	VerbReplace   Verb = "replace"
	VerbAppend    Verb = "append"
	VerbPrepend   Verb = "prepend"
	VerbCas       Verb = "cas"
	VerbIncr      Verb = "incr"
	VerbDecr      Verb = "decr"
	VerbDelete    Verb = "delete"
	VerbStats     Verb = "stats"
	VerbFlushAll  Verb = "flush_all"
	VerbVersion   Verb = "version"
	VerbQuit      Verb = "quit"
	VerbVerbosity Verb = "verbosity"
)

// storageVerbs expect a body (spec.md §4.7 parse_data transition).
var storageVerbs = map[Verb]bool{
	VerbSet: true, VerbAdd: true, VerbReplace: true,
	VerbAppend: true, VerbPrepend: true, VerbCas: true,
}

// Command is a parsed request (spec.md §3 Command).
type Command struct {
	Verb    Verb
	Key     []byte
	Keys    [][]byte
	Flags   uint32
	Exptime int64
	Bytes   int
	Delta   int64
	CAS     uint64
	NoReply bool

	// Data is the body substream for storage verbs: a zero-copy window
	// into the read stream, valid until the caller is done with the
	// command.
	Data *stream.Stream

	// RequestSize is the number of bytes to truncate from the read
	// stream once the command has been fully consumed.
	RequestSize int
}

// Release drops the command's hold on its body substream, if any.
func (c *Command) Release() {
	if c.Data != nil {
		c.Data.Release()
		c.Data = nil
	}
}
