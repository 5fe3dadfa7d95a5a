// Package cluster implements the outbound cluster client (spec.md §4.9):
// per-peer pools of pipelined connections that fetch keys from other
// cachecored servers on behalf of the scripting runtime.
//
// Grounded on the original implementation's src/cluster/clustermap.c
// (externalServer_t's active/free/unassigned lists, the 64-connection cap,
// the 16-request pipeline batch, and its response-matching miss semantics),
// reworked the idiomatic Go way per spec.md §9 Design Notes: instead of one
// reactor callback per socket event multiplexed on a single loop, each
// connection owns a dedicated goroutine running a blocking read/write loop,
// modeled on the teacher's internal/agent connection-handling goroutines
// (github.com/nishisan-dev/n-backup's one-goroutine-per-link style).
// Delivery of results back to the caller never blocks the connection
// goroutine: callers supply a deliver callback invoked from that goroutine.
package cluster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/protocol"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

const (
	// maxActiveConnections is the per-peer cap on concurrently dialed
	// connections (spec.md §4.9 Admission; MAX_CONCURRENT_CONNECTIONS in
	// the original).
	maxActiveConnections = 64
	// pipelineBatch is how many unassigned requests one connection pulls
	// per dispatch round (spec.md §4.9 Pipelined multi-get;
	// MAX_MULTI_GET_REQUESTS in the original).
	pipelineBatch = 16
	// readChunk mirrors the 8 KB-per-wakeup read budget used throughout
	// the system (spec.md §4.8 Read path).
	readChunk = 8 * 1024
	// idlePollInterval bounds how quickly a pooled connection notices new
	// work queued for its peer, via a short read deadline poll in place
	// of the original's event-loop re-arm.
	idlePollInterval = 200 * time.Millisecond
)

// ErrClosed is returned by Get once the Client has been closed.
var ErrClosed = errors.New("cluster: client closed")

// Result is delivered to a pending request's deliver callback once its
// fetch completes, successfully or not (spec.md §4.9 Response matching).
type Result struct {
	Key   []byte
	Found bool
	Value *stream.Stream
	Err   error
}

type pendingRequest struct {
	key     []byte
	deliver func(Result)
}

type peerConn struct {
	nc      net.Conn
	arena   *arena.Arena
	current []*pendingRequest
	// connID identifies this outbound connection in log fields, since a
	// peer may have up to maxActiveConnections live at once.
	connID string
}

// peer holds the unassigned request queue and the live connection set for
// one "ip:port" target (spec.md §4.9).
type peer struct {
	mu         sync.Mutex
	addr       string
	unassigned []*pendingRequest
	conns      []*peerConn
}

func (p *peer) drawBatch(max int) []*pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := max
	if n > len(p.unassigned) {
		n = len(p.unassigned)
	}
	batch := p.unassigned[:n:n]
	p.unassigned = p.unassigned[n:]
	return batch
}

func (p *peer) hasWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.unassigned) > 0
}

func (p *peer) requeue(reqs []*pendingRequest) {
	if len(reqs) == 0 {
		return
	}
	p.mu.Lock()
	p.unassigned = append(reqs, p.unassigned...)
	p.mu.Unlock()
}

func (p *peer) addConn(pc *peerConn) {
	p.mu.Lock()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()
}

func (p *peer) removeConn(pc *peerConn) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *peer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Client is the cluster-wide fetch front end. One Client is shared by every
// connection's runtime.Capabilities implementation.
type Client struct {
	log        *slog.Logger
	pageCache  *arena.PageCache
	dialer     net.Dialer
	mu         sync.Mutex
	peers      map[string]*peer
	closed     bool
	closeGroup sync.WaitGroup
}

// defaultPageCacheCapacity bounds the fallback page cache created when
// NewClient is not given one of its own.
const defaultPageCacheCapacity = 64

// NewClient creates a cluster client. pageCache backs each connection's
// read-buffer arena; pass nil to have the client keep its own.
func NewClient(pageCache *arena.PageCache, dialTimeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if pageCache == nil {
		pageCache = arena.NewPageCache(defaultPageCacheCapacity)
	}
	return &Client{
		log:       log,
		pageCache: pageCache,
		dialer:    net.Dialer{Timeout: dialTimeout},
		peers:     make(map[string]*peer),
	}
}

// Get enqueues a fetch for key against addr ("ip:port") and returns
// immediately (spec.md §4.9 Admission). deliver is invoked exactly once,
// from a connection goroutine, with the eventual Result. It must not block.
func (c *Client) Get(ctx context.Context, addr string, key []byte, deliver func(Result)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	p, ok := c.peers[addr]
	if !ok {
		p = &peer{addr: addr}
		c.peers[addr] = p
	}
	c.mu.Unlock()

	req := &pendingRequest{key: append([]byte(nil), key...), deliver: deliver}
	p.requeue([]*pendingRequest{req})

	if p.connCount() < maxActiveConnections {
		c.closeGroup.Add(1)
		go c.connectAndServe(ctx, p)
	}
	return nil
}

// PeerAddrs returns every peer address the client has ever dispatched a Get
// to, sorted for a stable /stats rendering.
func (c *Client) PeerAddrs() []string {
	c.mu.Lock()
	addrs := make([]string, 0, len(c.peers))
	for addr := range c.peers {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()
	slices.Sort(addrs)
	return addrs
}

// Close tears down every live connection. Requests still queued once their
// connection exits receive a final error Result via teardown/requeue
// draining below.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		conns := append([]*peerConn(nil), p.conns...)
		p.mu.Unlock()
		for _, pc := range conns {
			pc.nc.Close()
		}
	}
	c.closeGroup.Wait()

	for _, p := range peers {
		p.mu.Lock()
		pending := p.unassigned
		p.unassigned = nil
		p.mu.Unlock()
		for _, req := range pending {
			req.deliver(Result{Key: req.key, Err: ErrClosed})
		}
	}
}

// connectAndServe implements externalServerSubmit's new-connection branch:
// dial, then run the connection's serve loop until it errors or the peer's
// queue runs dry and stays dry (watched via a short poll instead of a
// cancellable event-loop wait).
func (c *Client) connectAndServe(ctx context.Context, p *peer) {
	defer c.closeGroup.Done()

	nc, err := c.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		c.log.Warn("cluster: dial failed", "peer", p.addr, "error", err)
		c.failAllUnassigned(p, fmt.Errorf("dial %s: %w", p.addr, err))
		return
	}

	pc := &peerConn{nc: nc, arena: arena.New(c.pageCache), connID: uuid.NewString()}
	p.addConn(pc)
	c.log.Debug("cluster: connection established", "peer", p.addr, "conn_id", pc.connID)
	c.serve(p, pc)
}

// serve implements connectionSubmitRequests/readAvailableImpl's combined
// loop for one connection's lifetime: draw a pipeline batch, write it,
// read matching responses, and repeat; when the queue is empty, poll
// briefly for either new work or the peer closing the pooled connection.
func (c *Client) serve(p *peer, pc *peerConn) {
	for {
		batch := p.drawBatch(pipelineBatch)
		if len(batch) == 0 {
			closed := c.waitPooled(p, pc)
			if closed {
				p.removeConn(pc)
				pc.nc.Close()
				pc.arena.Destroy()
				return
			}
			continue
		}

		pc.current = batch
		if err := writeGetRequest(pc.nc, batch); err != nil {
			c.teardown(p, pc, err)
			return
		}
		if err := c.readResponses(p, pc); err != nil {
			c.teardown(p, pc, err)
			return
		}
	}
}

// waitPooled polls with a short read deadline until either new work is
// queued for p (returns false, so serve loops back to draw it) or the
// socket reports closure/error (returns true).
func (c *Client) waitPooled(p *peer, pc *peerConn) (closed bool) {
	one := make([]byte, 1)
	for !p.hasWork() {
		pc.nc.SetReadDeadline(time.Now().Add(idlePollInterval))
		n, err := pc.nc.Read(one)
		if n > 0 {
			c.log.Warn("cluster: unexpected bytes from pooled peer connection", "peer", p.addr, "conn_id", pc.connID)
			return true
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return true
	}
	pc.nc.SetReadDeadline(time.Time{})
	return false
}

func writeGetRequest(nc net.Conn, batch []*pendingRequest) error {
	w := bufio.NewWriter(nc)
	if _, err := w.WriteString("get"); err != nil {
		return err
	}
	for _, req := range batch {
		if _, err := w.WriteString(" "); err != nil {
			return err
		}
		if _, err := w.Write(req.key); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// readResponses implements readAvailableImpl's parse loop for one dispatch
// round: reads until the parser yields END, matching each VALUE against
// pc.current in order (spec.md §4.9 Response matching).
func (c *Client) readResponses(p *peer, pc *peerConn) error {
	parser := protocol.NewResponseParser()
	s := stream.New()
	defer s.Release()
	buf := make([]byte, readChunk)

	for {
		key, body, _, status := parser.Parse(s)
		switch status {
		case protocol.ResponseNeedMore:
			n, err := pc.nc.Read(buf)
			if n > 0 {
				block := pc.arena.Alloc(n)
				copy(block.Data(), buf[:n])
				abuf := stream.NewArenaBuffer(pc.arena, block)
				if appendErr := s.Append(abuf, 0, n); appendErr != nil {
					return appendErr
				}
			}
			if err != nil {
				return err
			}
		case protocol.ResponseValue:
			if err := c.matchOne(pc, key, body); err != nil {
				return err
			}
		case protocol.ResponseEnd:
			c.failRemaining(pc)
			return nil
		case protocol.ResponseError:
			return errors.New("cluster: malformed peer response")
		}
	}
}

// matchOne implements the tryNext loop: pop the front of pc.current; if its
// key matches the response, deliver success, otherwise treat the popped
// request as a miss and retry against the next one. Exhausting pc.current
// without a match means the peer sent a VALUE for a key outside this
// batch. That is a protocol desync, not a miss: spec.md §7 requires
// closing the connection without retry rather than continuing to read
// from it, so this is reported to the caller instead of being absorbed
// here.
func (c *Client) matchOne(pc *peerConn, key []byte, body *stream.Stream) error {
	for len(pc.current) > 0 {
		req := pc.current[0]
		pc.current = pc.current[1:]
		if string(req.key) == string(key) {
			req.deliver(Result{Key: req.key, Found: true, Value: body})
			return nil
		}
		req.deliver(Result{Key: req.key, Found: false})
	}
	body.Release()
	return fmt.Errorf("cluster: response for key %q not in pending batch", key)
}

func (c *Client) failRemaining(pc *peerConn) {
	for _, req := range pc.current {
		req.deliver(Result{Key: req.key, Found: false})
	}
	pc.current = nil
}

func (c *Client) failAllUnassigned(p *peer, err error) {
	p.mu.Lock()
	pending := p.unassigned
	p.unassigned = nil
	p.mu.Unlock()
	for _, req := range pending {
		req.deliver(Result{Key: req.key, Err: err})
	}
}

// teardown implements the error branches of writeAvailableImpl /
// readAvailableImpl: in-flight requests go back to the peer's unassigned
// queue for best-effort retry (spec.md §7 socket-error), the connection is
// closed, and it is dropped from the peer's connection set.
func (c *Client) teardown(p *peer, pc *peerConn, err error) {
	c.log.Warn("cluster: connection error", "peer", p.addr, "conn_id", pc.connID, "error", err)
	pc.nc.Close()
	pc.arena.Destroy()
	p.removeConn(pc)
	p.requeue(pc.current)
	pc.current = nil
}
