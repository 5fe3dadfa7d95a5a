package protocol

import (
	"bytes"
	"strconv"

	"github.com/nishisan-dev/cachecored/internal/stream"
)

type requestState int

const (
	stateNeedLine requestState = iota
	stateNeedBody
)

// RequestParser is the client-facing two-state machine (spec.md §4.7
// Request parser). One instance is owned by each connection; it persists
// partial state across Parse calls so a command split across TCP segments
// resumes correctly.
type RequestParser struct {
	state     requestState
	pending   *Command
	headerLen int
}

// NewRequestParser creates a parser in the initial parse_first state.
func NewRequestParser() *RequestParser {
	return &RequestParser{}
}

// Parse consumes as much of s as forms one command. On StatusReady it has
// already truncated the consumed bytes from s via cmd.RequestSize; the
// caller should not separately truncate.
func (p *RequestParser) Parse(s *stream.Stream) (*Command, Status, error) {
	if p.state == stateNeedBody {
		return p.parseBody(s)
	}
	return p.parseLine(s)
}

func (p *RequestParser) parseLine(s *stream.Stream) (*Command, Status, error) {
	offset, lineStatus := s.FindEndOfLine()
	switch lineStatus {
	case stream.LineNeedMore:
		return nil, StatusNeedMore, nil
	case stream.LineBareLF:
		return nil, StatusError, ErrParse
	}
	if offset == 0 {
		return nil, StatusError, ErrParse
	}
	lineLen := offset - 1 // exclude the '\r'
	line := s.Bytes()[:lineLen]
	tokens := bytes.Fields(line)
	if len(tokens) == 0 {
		return nil, StatusError, ErrParse
	}

	verb := Verb(tokens[0])
	cmd := &Command{Verb: verb}
	consumed := offset + 1 // include the '\n'

	switch verb {
	case VerbGet, VerbBGet, VerbGets:
		return p.finishMultiKey(cmd, tokens[1:], consumed, s)
	case VerbSet, VerbAdd, VerbReplace, VerbAppend, VerbPrepend:
		return p.beginStorage(cmd, tokens[1:], consumed, s)
	case VerbCas:
		return p.beginCas(cmd, tokens[1:], consumed, s)
	case VerbIncr, VerbDecr:
		return p.finishIncrDecr(cmd, tokens[1:], consumed, s)
	case VerbDelete:
		return p.finishDelete(cmd, tokens[1:], consumed, s)
	case VerbStats, VerbFlushAll, VerbVersion, VerbQuit, VerbVerbosity:
		cmd.Key = copyIfPresent(tokens, 1)
		cmd.RequestSize = consumed
		s.TruncateFromStart(consumed)
		return cmd, StatusReady, nil
	default:
		return nil, StatusError, ErrParse
	}
}

func copyIfPresent(tokens [][]byte, idx int) []byte {
	if idx >= len(tokens) {
		return nil
	}
	return append([]byte(nil), tokens[idx]...)
}

func (p *RequestParser) finishMultiKey(cmd *Command, keyTokens [][]byte, consumed int, s *stream.Stream) (*Command, Status, error) {
	if len(keyTokens) == 0 {
		return nil, StatusError, ErrParse
	}
	for _, k := range keyTokens {
		if len(k) < 1 || len(k) > 250 {
			return nil, StatusError, ErrParse
		}
		cmd.Keys = append(cmd.Keys, append([]byte(nil), k...))
	}
	cmd.Key = cmd.Keys[0]
	cmd.RequestSize = consumed
	s.TruncateFromStart(consumed)
	return cmd, StatusReady, nil
}

func (p *RequestParser) beginStorage(cmd *Command, args [][]byte, consumed int, s *stream.Stream) (*Command, Status, error) {
	noReply, args, err := stripNoReply(args)
	if err != nil {
		return nil, StatusError, err
	}
	if len(args) != 4 {
		return nil, StatusError, ErrParse
	}
	if err := fillKeyFlagsExptimeBytes(cmd, args); err != nil {
		return nil, StatusError, err
	}
	cmd.NoReply = noReply
	return p.armBody(cmd, consumed, s)
}

func (p *RequestParser) beginCas(cmd *Command, args [][]byte, consumed int, s *stream.Stream) (*Command, Status, error) {
	noReply, args, err := stripNoReply(args)
	if err != nil {
		return nil, StatusError, err
	}
	if len(args) != 5 {
		return nil, StatusError, ErrParse
	}
	if err := fillKeyFlagsExptimeBytes(cmd, args[:4]); err != nil {
		return nil, StatusError, err
	}
	cas, err := strconv.ParseUint(string(args[4]), 10, 64)
	if err != nil {
		return nil, StatusError, ErrParse
	}
	cmd.CAS = cas
	cmd.NoReply = noReply
	return p.armBody(cmd, consumed, s)
}

func (p *RequestParser) armBody(cmd *Command, consumed int, s *stream.Stream) (*Command, Status, error) {
	p.pending = cmd
	p.headerLen = consumed
	p.state = stateNeedBody
	return p.parseBody(s)
}

func (p *RequestParser) parseBody(s *stream.Stream) (*Command, Status, error) {
	cmd := p.pending
	required := p.headerLen + cmd.Bytes + 2
	if s.Size() < required {
		return nil, StatusNeedMore, nil
	}

	body, err := s.Substream(p.headerLen, cmd.Bytes)
	if err != nil {
		p.reset()
		return nil, StatusError, ErrParse
	}
	trailer, err := s.Substream(p.headerLen+cmd.Bytes, 2)
	if err != nil {
		body.Release()
		p.reset()
		return nil, StatusError, ErrParse
	}
	trailerBytes := trailer.Bytes()
	trailer.Release()
	if trailerBytes[0] != '\r' || trailerBytes[1] != '\n' {
		body.Release()
		p.reset()
		return nil, StatusError, ErrParse
	}

	cmd.Data = body
	cmd.RequestSize = required
	s.TruncateFromStart(required)
	p.reset()
	return cmd, StatusReady, nil
}

func (p *RequestParser) reset() {
	p.pending = nil
	p.headerLen = 0
	p.state = stateNeedLine
}

func (p *RequestParser) finishIncrDecr(cmd *Command, args [][]byte, consumed int, s *stream.Stream) (*Command, Status, error) {
	noReply, args, err := stripNoReply(args)
	if err != nil {
		return nil, StatusError, err
	}
	if len(args) != 2 {
		return nil, StatusError, ErrParse
	}
	if len(args[0]) < 1 || len(args[0]) > 250 {
		return nil, StatusError, ErrParse
	}
	delta, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || delta < 0 {
		return nil, StatusError, ErrParse
	}
	cmd.Key = append([]byte(nil), args[0]...)
	cmd.Delta = delta
	cmd.NoReply = noReply
	cmd.RequestSize = consumed
	s.TruncateFromStart(consumed)
	return cmd, StatusReady, nil
}

func (p *RequestParser) finishDelete(cmd *Command, args [][]byte, consumed int, s *stream.Stream) (*Command, Status, error) {
	noReply, args, err := stripNoReply(args)
	if err != nil {
		return nil, StatusError, err
	}
	if len(args) < 1 || len(args) > 2 {
		return nil, StatusError, ErrParse
	}
	if len(args[0]) < 1 || len(args[0]) > 250 {
		return nil, StatusError, ErrParse
	}
	cmd.Key = append([]byte(nil), args[0]...)
	cmd.NoReply = noReply
	cmd.RequestSize = consumed
	s.TruncateFromStart(consumed)
	return cmd, StatusReady, nil
}

func stripNoReply(args [][]byte) (bool, [][]byte, error) {
	if len(args) == 0 {
		return false, args, nil
	}
	last := args[len(args)-1]
	if string(last) == "noreply" {
		return true, args[:len(args)-1], nil
	}
	return false, args, nil
}

func fillKeyFlagsExptimeBytes(cmd *Command, args [][]byte) error {
	if len(args[0]) < 1 || len(args[0]) > 250 {
		return ErrParse
	}
	flags, err := strconv.ParseUint(string(args[1]), 10, 32)
	if err != nil {
		return ErrParse
	}
	exptime, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return ErrParse
	}
	length, err := strconv.ParseInt(string(args[3]), 10, 32)
	if err != nil || length < 0 {
		return ErrParse
	}
	cmd.Key = append([]byte(nil), args[0]...)
	cmd.Flags = uint32(flags)
	cmd.Exptime = exptime
	cmd.Bytes = int(length)
	return nil
}
