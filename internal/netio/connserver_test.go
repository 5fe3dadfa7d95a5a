package netio

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
	"github.com/nishisan-dev/cachecored/internal/cluster"
	"github.com/nishisan-dev/cachecored/internal/core"
	"github.com/nishisan-dev/cachecored/internal/runtime"
)

func newTestServer(t *testing.T, cfg Config) (*Server, net.Listener) {
	t.Helper()
	pool := chunkpool.NewPool(64, nil)
	c := core.New(pool, cluster.NewClient(nil, time.Second, nil), runtime.NewDirectRuntime(), func() int64 { return 1000 }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := NewServer(c, arena.NewPageCache(16), cfg, nil)
	go s.Run(ctx, ln)
	return s, ln
}

func dial(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestServerSetGetRoundTrip(t *testing.T) {
	_, ln := newTestServer(t, Config{})
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	if _, err := conn.Write([]byte("set foo 0 0 5\r\nhello\r\n")); err != nil {
		t.Fatalf("write set: %v", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil || line != "STORED\r\n" {
		t.Fatalf("set reply = %q, %v", line, err)
	}

	if _, err := conn.Write([]byte("get foo\r\n")); err != nil {
		t.Fatalf("write get: %v", err)
	}
	want := []string{"VALUE foo 0 5\r\n", "hello\r\n", "END\r\n"}
	for _, w := range want {
		got, err := r.ReadString('\n')
		if err != nil || got != w {
			t.Fatalf("get reply line = %q, want %q (err %v)", got, w, err)
		}
	}
}

func TestServerGetMiss(t *testing.T) {
	_, ln := newTestServer(t, Config{})
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	if _, err := conn.Write([]byte("get nope\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil || line != "END\r\n" {
		t.Fatalf("reply = %q, %v", line, err)
	}
}

func TestServerPipelinedCommandsOnOneConnection(t *testing.T) {
	_, ln := newTestServer(t, Config{})
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	req := "set a 0 0 1\r\nx\r\n" + "set b 0 0 1\r\ny\r\n" + "get a\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(conn)
	want := []string{"STORED\r\n", "STORED\r\n", "VALUE a 0 1\r\n", "x\r\n", "END\r\n"}
	for _, w := range want {
		got, err := r.ReadString('\n')
		if err != nil || got != w {
			t.Fatalf("line = %q, want %q (err %v)", got, w, err)
		}
	}
}

func TestServerUnknownVerbRepliesError(t *testing.T) {
	_, ln := newTestServer(t, Config{})
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	if _, err := conn.Write([]byte("bogus\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil || line != "ERROR\r\n" {
		t.Fatalf("reply = %q, %v", line, err)
	}
}

func TestServerQuitClosesConnection(t *testing.T) {
	_, ln := newTestServer(t, Config{})
	defer ln.Close()
	conn := dial(t, ln)
	defer conn.Close()

	if _, err := conn.Write([]byte("quit\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := conn.Read(buf); n != 0 && err == nil {
		t.Fatalf("expected connection close after quit, got n=%d err=%v", n, err)
	}
}
