package protocol

import (
	"bytes"
	"testing"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

func mkStream(t *testing.T, a *arena.Arena, data string) *stream.Stream {
	t.Helper()
	s := stream.New()
	block := a.Alloc(len(data))
	copy(block.Data(), data)
	buf := stream.NewArenaBuffer(a, block)
	if err := s.Append(buf, 0, len(data)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return s
}

func testArena() *arena.Arena {
	return arena.New(arena.NewPageCache(8))
}

func TestParseGet(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "get foo bar\r\n")
	p := NewRequestParser()

	cmd, status, err := p.Parse(s)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if cmd.Verb != VerbGet {
		t.Fatalf("Verb = %q", cmd.Verb)
	}
	if len(cmd.Keys) != 2 || string(cmd.Keys[0]) != "foo" || string(cmd.Keys[1]) != "bar" {
		t.Fatalf("Keys = %v", cmd.Keys)
	}
	if s.Size() != 0 {
		t.Fatalf("stream not fully consumed, remaining %d bytes", s.Size())
	}
}

func TestParseSetCompleteInOneShot(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "set foo 5 0 5\r\nhello\r\n")
	p := NewRequestParser()

	cmd, status, err := p.Parse(s)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if cmd.Verb != VerbSet || string(cmd.Key) != "foo" || cmd.Flags != 5 || cmd.Bytes != 5 {
		t.Fatalf("cmd = %+v", cmd)
	}
	if !bytes.Equal(cmd.Data.Bytes(), []byte("hello")) {
		t.Fatalf("Data = %q", cmd.Data.Bytes())
	}
	cmd.Release()
}

func TestParseSetSplitAcrossCalls(t *testing.T) {
	a := testArena()
	p := NewRequestParser()

	s1 := mkStream(t, a, "set foo 0 0 5\r\nhel")
	cmd, status, err := p.Parse(s1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if status != StatusNeedMore {
		t.Fatalf("status = %v, want NeedMore", status)
	}

	more := mkStream(t, a, "lo\r\n")
	if err := s1.AppendStream(more); err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	more.Release()

	cmd, status, err = p.Parse(s1)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if !bytes.Equal(cmd.Data.Bytes(), []byte("hello")) {
		t.Fatalf("Data = %q", cmd.Data.Bytes())
	}
	cmd.Release()
}

func TestParseCas(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "cas foo 0 0 3 42\r\nabc\r\n")
	p := NewRequestParser()

	cmd, status, err := p.Parse(s)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if cmd.CAS != 42 {
		t.Fatalf("CAS = %d, want 42", cmd.CAS)
	}
	cmd.Release()
}

func TestParseIncr(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "incr foo 5\r\n")
	p := NewRequestParser()

	cmd, status, err := p.Parse(s)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if cmd.Verb != VerbIncr || string(cmd.Key) != "foo" || cmd.Delta != 5 {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseDeleteWithNoReply(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "delete foo noreply\r\n")
	p := NewRequestParser()

	cmd, status, err := p.Parse(s)
	if err != nil || status != StatusReady {
		t.Fatalf("Parse() = (%v, %v, %v)", cmd, status, err)
	}
	if !cmd.NoReply {
		t.Fatalf("NoReply = false, want true")
	}
}

func TestParseUnknownVerb(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "frobnicate foo\r\n")
	p := NewRequestParser()

	_, status, err := p.Parse(s)
	if status != StatusError || err != ErrParse {
		t.Fatalf("Parse() = (%v, %v), want (StatusError, ErrParse)", status, err)
	}
}

func TestParseBareLF(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "get foo\nbar\r\n")
	p := NewRequestParser()

	_, status, err := p.Parse(s)
	if status != StatusError || err != ErrParse {
		t.Fatalf("Parse() = (%v, %v), want (StatusError, ErrParse)", status, err)
	}
}

func TestParseNeedsMoreForLine(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "get foo")
	p := NewRequestParser()

	_, status, err := p.Parse(s)
	if err != nil || status != StatusNeedMore {
		t.Fatalf("Parse() = (%v, %v), want NeedMore", status, err)
	}
}

func TestParsePipelinedCommandsInOneBuffer(t *testing.T) {
	a := testArena()
	s := mkStream(t, a, "set a 0 0 1\r\nX\r\nset b 0 0 1\r\nY\r\nget a\r\n")
	p := NewRequestParser()

	var verbs []Verb
	for i := 0; i < 3; i++ {
		cmd, status, err := p.Parse(s)
		if err != nil || status != StatusReady {
			t.Fatalf("Parse() iteration %d = (%v, %v, %v)", i, cmd, status, err)
		}
		verbs = append(verbs, cmd.Verb)
		cmd.Release()
	}
	if len(verbs) != 3 || verbs[0] != VerbSet || verbs[1] != VerbSet || verbs[2] != VerbGet {
		t.Fatalf("verbs = %v", verbs)
	}
	if s.Size() != 0 {
		t.Fatalf("leftover bytes = %d", s.Size())
	}
}
