package protocol

import (
	"bytes"
	"strconv"

	"github.com/nishisan-dev/cachecored/internal/stream"
)

// ResponseStatus is the outcome of one ResponseParser.Parse call.
type ResponseStatus int

const (
	// ResponseNeedMore means no complete VALUE/END line is present yet.
	ResponseNeedMore ResponseStatus = iota
	// ResponseValue means a (key, body, flags) triple was produced.
	ResponseValue
	// ResponseEnd means the terminal END line was consumed.
	ResponseEnd
	// ResponseError means the peer sent malformed output.
	ResponseError
)

type responseState int

const (
	respStateNeedLine responseState = iota
	respStateNeedBody
)

// ResponseParser mirrors RequestParser's structure for the outbound
// cluster client, parsing `VALUE key flags len\r\n<body>\r\nEND\r\n`
// sequences (spec.md §4.7 Response parser).
type ResponseParser struct {
	state     responseState
	headerLen int
	bodyLen   int
	key       []byte
	flags     uint32
}

// NewResponseParser creates a parser in the initial state.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{}
}

// Parse consumes one VALUE record or the terminal END from s.
func (p *ResponseParser) Parse(s *stream.Stream) (key []byte, body *stream.Stream, flags uint32, status ResponseStatus) {
	if p.state == respStateNeedBody {
		return p.parseBody(s)
	}
	return p.parseLine(s)
}

func (p *ResponseParser) parseLine(s *stream.Stream) ([]byte, *stream.Stream, uint32, ResponseStatus) {
	offset, lineStatus := s.FindEndOfLine()
	switch lineStatus {
	case stream.LineNeedMore:
		return nil, nil, 0, ResponseNeedMore
	case stream.LineBareLF:
		return nil, nil, 0, ResponseError
	}
	lineLen := offset - 1
	line := s.Bytes()[:lineLen]
	tokens := bytes.Fields(line)
	if len(tokens) == 0 {
		return nil, nil, 0, ResponseError
	}

	consumed := offset + 1
	switch string(tokens[0]) {
	case "END":
		s.TruncateFromStart(consumed)
		return nil, nil, 0, ResponseEnd
	case "VALUE":
		if len(tokens) != 4 {
			return nil, nil, 0, ResponseError
		}
		flags, err := strconv.ParseUint(string(tokens[2]), 10, 32)
		if err != nil {
			return nil, nil, 0, ResponseError
		}
		length, err := strconv.ParseInt(string(tokens[3]), 10, 32)
		if err != nil || length < 0 {
			return nil, nil, 0, ResponseError
		}
		p.key = append([]byte(nil), tokens[1]...)
		p.flags = uint32(flags)
		p.bodyLen = int(length)
		p.headerLen = consumed
		p.state = respStateNeedBody
		return p.parseBody(s)
	default:
		return nil, nil, 0, ResponseError
	}
}

func (p *ResponseParser) parseBody(s *stream.Stream) ([]byte, *stream.Stream, uint32, ResponseStatus) {
	required := p.headerLen + p.bodyLen + 2
	if s.Size() < required {
		return nil, nil, 0, ResponseNeedMore
	}
	body, err := s.Substream(p.headerLen, p.bodyLen)
	if err != nil {
		p.reset()
		return nil, nil, 0, ResponseError
	}
	trailer, err := s.Substream(p.headerLen+p.bodyLen, 2)
	if err != nil {
		body.Release()
		p.reset()
		return nil, nil, 0, ResponseError
	}
	tb := trailer.Bytes()
	trailer.Release()
	if tb[0] != '\r' || tb[1] != '\n' {
		body.Release()
		p.reset()
		return nil, nil, 0, ResponseError
	}

	key := p.key
	flags := p.flags
	s.TruncateFromStart(required)
	p.reset()
	return key, body, flags, ResponseValue
}

func (p *ResponseParser) reset() {
	p.state = respStateNeedLine
	p.key = nil
	p.bodyLen = 0
	p.headerLen = 0
}
