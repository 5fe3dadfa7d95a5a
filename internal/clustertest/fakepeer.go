// Package clustertest provides a minimal in-process ASCII-memcached peer
// for exercising internal/cluster.Client without a real cachecored process.
// It speaks enough of the wire protocol (spec.md §6: get, set) to stand in
// for a cluster peer, built from the same internal/protocol parser the real
// server uses so a passing test is grounded in the actual wire format
// rather than a hand-rolled approximation.
//
// github.com/bradfitz/gomemcache/memcache — a real third-party memcached
// client — is used by tests in this package to prove FakePeer (and by
// extension the request parser it shares with cachecored) is wire-compatible
// with an independent implementation, not just with our own client.
package clustertest

import (
	"fmt"
	"net"
	"sync"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/protocol"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

type storedValue struct {
	data  []byte
	flags uint32
}

// FakePeer is a tiny single-purpose memcached-alike server: a plain mutex
// protected map, no expiry, no eviction. Good enough to drive cluster
// client tests; not a cachecored stand-in for anything else.
type FakePeer struct {
	ln        net.Listener
	pageCache *arena.PageCache

	mu     sync.Mutex
	values map[string]storedValue

	wg sync.WaitGroup
}

// NewFakePeer starts listening on an OS-assigned loopback port and begins
// serving connections in the background.
func NewFakePeer() (*FakePeer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("clustertest: listen: %w", err)
	}
	f := &FakePeer{
		ln:        ln,
		pageCache: arena.NewPageCache(8),
		values:    make(map[string]storedValue),
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

// Addr returns the "ip:port" string a cluster.Client can dial.
func (f *FakePeer) Addr() string { return f.ln.Addr().String() }

// Seed inserts a value directly, bypassing the wire protocol.
func (f *FakePeer) Seed(key string, data []byte, flags uint32) {
	f.mu.Lock()
	f.values[key] = storedValue{data: append([]byte(nil), data...), flags: flags}
	f.mu.Unlock()
}

// Close stops accepting connections. In-flight connections are not forced
// closed; callers that need a hard stop should close their own sockets.
func (f *FakePeer) Close() error {
	err := f.ln.Close()
	f.wg.Wait()
	return err
}

func (f *FakePeer) acceptLoop() {
	defer f.wg.Done()
	for {
		nc, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go f.handleConn(nc)
	}
}

func (f *FakePeer) handleConn(nc net.Conn) {
	defer f.wg.Done()
	defer nc.Close()

	connArena := arena.New(f.pageCache)
	defer connArena.Destroy()

	s := stream.New()
	defer s.Release()
	parser := protocol.NewRequestParser()
	buf := make([]byte, 8*1024)

	for {
		cmd, status, err := parser.Parse(s)
		if err != nil {
			return
		}
		switch status {
		case protocol.StatusNeedMore:
			n, rerr := nc.Read(buf)
			if n > 0 {
				block := connArena.Alloc(n)
				copy(block.Data(), buf[:n])
				abuf := stream.NewArenaBuffer(connArena, block)
				if appendErr := s.Append(abuf, 0, n); appendErr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		case protocol.StatusReady:
			if !f.respond(nc, cmd) {
				cmd.Release()
				return
			}
			cmd.Release()
		case protocol.StatusError:
			return
		}
	}
}

func (f *FakePeer) respond(nc net.Conn, cmd *protocol.Command) bool {
	switch cmd.Verb {
	case protocol.VerbGet, protocol.VerbBGet, protocol.VerbGets:
		return f.respondGet(nc, cmd)
	case protocol.VerbSet:
		return f.respondSet(nc, cmd)
	case protocol.VerbDelete:
		f.mu.Lock()
		_, existed := f.values[string(cmd.Key)]
		delete(f.values, string(cmd.Key))
		f.mu.Unlock()
		if existed {
			return writeAll(nc, []byte("DELETED\r\n"))
		}
		return writeAll(nc, []byte("NOT_FOUND\r\n"))
	default:
		return writeAll(nc, []byte("ERROR\r\n"))
	}
}

func (f *FakePeer) respondGet(nc net.Conn, cmd *protocol.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range cmd.Keys {
		v, ok := f.values[string(key)]
		if !ok {
			continue
		}
		header := fmt.Sprintf("VALUE %s %d %d\r\n", key, v.flags, len(v.data))
		if !writeAll(nc, []byte(header)) {
			return false
		}
		if !writeAll(nc, v.data) {
			return false
		}
		if !writeAll(nc, []byte("\r\n")) {
			return false
		}
	}
	return writeAll(nc, []byte("END\r\n"))
}

func (f *FakePeer) respondSet(nc net.Conn, cmd *protocol.Command) bool {
	f.mu.Lock()
	f.values[string(cmd.Key)] = storedValue{data: cmd.Data.Bytes(), flags: cmd.Flags}
	f.mu.Unlock()
	if cmd.NoReply {
		return true
	}
	return writeAll(nc, []byte("STORED\r\n"))
}

func writeAll(nc net.Conn, data []byte) bool {
	_, err := nc.Write(data)
	return err == nil
}
