// Package netio implements the connection and event loop of spec.md §4.8:
// accept, read, parse, dispatch, write, for the client-facing memcached
// wire protocol.
//
// The spec describes a single cooperative reactor thread driving every
// socket. internal/core already realizes that cooperative, single-writer
// core (spec.md §5 Scheduling model) by serializing all access to the
// cache map and chunk allocator onto one goroutine. netio therefore does
// not need to multiplex sockets itself: each connection gets its own
// goroutine performing ordinary blocking I/O, grounded on the teacher's
// accept-loop-with-backoff and goroutine-per-connection shape
// (github.com/nishisan-dev/n-backup's internal/server.Run /
// Handler.HandleConnection), and every command a connection parses is
// marshaled onto core.Core.Submit, which enforces the single-writer
// invariant on the shared state regardless of how many connection
// goroutines call it concurrently.
package netio

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/core"
	"github.com/nishisan-dev/cachecored/internal/protocol"
	"github.com/nishisan-dev/cachecored/internal/runtime"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

// readChunkBytes is the per-wakeup read size spec.md §4.8 names.
const readChunkBytes = 8 * 1024

var respError = []byte("ERROR\r\n")
var respServerErrorSuspend = []byte("SERVER_ERROR scripting runtime unavailable\r\n")
var respServerErrorArenaCap = []byte("SERVER_ERROR request exceeds I/O arena cap\r\n")

var errArenaCapExceeded = errors.New("netio: connection arena exceeded configured page cap")

// Config controls the resource limits a connection operates under.
type Config struct {
	// ConnArenaPages is compared with the arena's Arena.PageCount before
	// each read; once reached, readMore refuses to read and the connection
	// gets a SERVER_ERROR reply and is closed (spec §6 CLI "I/O arena cap
	// (MB)", converted to pages by the caller).
	ConnArenaPages int

	// ReadBytesPerSecond throttles how fast a connection may grow its
	// arena by reading more input; 0 disables throttling. This is the
	// idiomatic-Go stand-in for spec §6's "I/O arena cap (MB)": rather
	// than hard-failing once a connection's arena reaches the cap (which
	// readMore does separately, via ConnArenaPages), x/time/rate gates
	// the *rate* at which a
	// single slow or abusive connection can consume read-side capacity,
	// so one connection cannot starve the shared arena page cache.
	ReadBytesPerSecond int
}

// Server accepts client connections and drives each one's parse/dispatch
// loop, feeding parsed commands into a shared core.Core.
type Server struct {
	core      *core.Core
	pageCache *arena.PageCache
	cfg       Config
	log       *slog.Logger
}

// NewServer builds a Server. pageCache is shared across every connection's
// arena, matching spec.md §5's resource-ownership note that only the
// per-connection arena is exclusive; the backing page pool is shared.
func NewServer(c *core.Core, pageCache *arena.PageCache, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{core: c, pageCache: pageCache, cfg: cfg, log: log}
}

// Run accepts connections on ln until ctx is canceled, spawning one
// goroutine per connection. It blocks until the listener closes.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				s.log.Error("netio: accept failed", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection owns one connection end to end: its arena, read stream,
// parser and write buffer, none of which any other connection ever
// touches (spec.md §5 Resource ownership). It never touches cache.Map or
// chunkpool.Pool directly; every mutation goes through core.Core.Submit.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	log := s.log.With("conn_id", connID, "remote", conn.RemoteAddr())
	log.Debug("netio: connection accepted")
	defer log.Debug("netio: connection closed")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	a := arena.New(s.pageCache)
	defer a.Destroy()

	var limiter *rate.Limiter
	if s.cfg.ReadBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.ReadBytesPerSecond), readChunkBytes)
	}

	readStream := stream.New()
	parser := protocol.NewRequestParser()
	w := &connWriter{bw: bufio.NewWriterSize(conn, 64*1024)}

	for {
		cmd, status, err := parser.Parse(readStream)
		if err != nil {
			log.Debug("netio: parse error, closing connection", "error", err)
			w.WriteRaw(respError)
			w.Flush()
			return
		}

		switch status {
		case protocol.StatusReady:
			if !s.dispatch(ctx, cmd, w, log) {
				return
			}
			if cmd.Verb == protocol.VerbQuit {
				return
			}
		case protocol.StatusError:
			w.WriteRaw(respError)
			w.Flush()
			return
		case protocol.StatusNeedMore:
			if err := s.readMore(ctx, conn, a, readStream, limiter); err != nil {
				if errors.Is(err, errArenaCapExceeded) {
					w.WriteRaw(respServerErrorArenaCap)
					w.Flush()
				}
				return
			}
		}
	}
}

// dispatch submits cmd to the shared core and flushes whatever reply it
// produced. It reports whether the connection should keep running.
func (s *Server) dispatch(ctx context.Context, cmd *protocol.Command, w *connWriter, log *slog.Logger) bool {
	outcome, err := s.core.Submit(ctx, cmd, w)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("netio: command handling failed", "verb", cmd.Verb, "error", err)
		}
		return false
	}
	if outcome == runtime.OutcomeSuspend {
		// No scripting runtime is wired in this build: directRuntime
		// never returns OutcomeSuspend, so reaching here means a
		// different Runtime implementation issued a peer fetch this
		// server cannot resume. Fail the command rather than hang the
		// connection.
		w.WriteRaw(respServerErrorSuspend)
	}
	if err := w.Flush(); err != nil {
		return false
	}
	return true
}

// readMore reads up to readChunkBytes from conn into a fresh arena block
// and appends it to the read stream, rate-limited per Config.
func (s *Server) readMore(ctx context.Context, conn net.Conn, a *arena.Arena, readStream *stream.Stream, limiter *rate.Limiter) error {
	if s.cfg.ConnArenaPages > 0 && a.PageCount() >= s.cfg.ConnArenaPages {
		return errArenaCapExceeded
	}
	if limiter != nil {
		if err := limiter.WaitN(ctx, readChunkBytes); err != nil {
			return err
		}
	}
	block := a.Alloc(readChunkBytes)
	n, err := conn.Read(block.Data())
	if n > 0 {
		buf := stream.NewArenaBuffer(a, block)
		if appendErr := readStream.Append(buf, 0, n); appendErr != nil {
			return appendErr
		}
	}
	if err != nil {
		return err
	}
	return nil
}

// connWriter implements runtime.Writer over a buffered connection; it
// flushes once per fully-handled command, matching spec.md §4.8's
// synchronous write-then-reparse progression.
type connWriter struct {
	bw *bufio.Writer
}

func (w *connWriter) WriteRaw(data []byte) error {
	_, err := w.bw.Write(data)
	return err
}

func (w *connWriter) WriteStream(s *stream.Stream) error {
	_, err := w.bw.Write(s.Bytes())
	return err
}

func (w *connWriter) Flush() error { return w.bw.Flush() }
