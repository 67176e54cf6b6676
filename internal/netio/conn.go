package netio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/auctiond/internal/cq"
)

// StreamState is the connection's stream sub-state. Protocol state is
// independent: a registered client with no attached stream can still issue
// datagram operations.
type StreamState int

const (
	Disconnected StreamState = iota
	Connected
)

// Conn is one registered client. It is identified by the string form of its
// peer datagram address and optionally owns a reliable stream with a single
// pinned receive buffer.
type Conn struct {
	mu    sync.Mutex
	name  string
	addr  *net.UDPAddr
	tcp   *net.TCPConn
	state StreamState

	buf   *Buffer
	ckey  uint64
	armed atomic.Bool

	lastOfferReq      uint32
	lastOfferedItemID uint32
}

// NewConn creates a registered connection with no attached stream. key is
// the completion key the orchestrator assigned to this connection.
func NewConn(name string, addr *net.UDPAddr, key uint64) *Conn {
	return &Conn{name: name, addr: addr, buf: NewBuffer(), ckey: key}
}

// Key returns the connections-table key: the ip:port string of the peer
// datagram address.
func (c *Conn) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr.String()
}

// Addr returns the peer datagram address.
func (c *Conn) Addr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// SetAddr updates the peer datagram address (idempotent re-register).
func (c *Conn) SetAddr(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// Name returns the unique name.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName updates the unique name (idempotent re-register).
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
}

// CompletionKey returns the key this connection's stream completions carry.
func (c *Conn) CompletionKey() uint64 {
	return c.ckey
}

// Buffer returns the pinned stream receive buffer.
func (c *Conn) Buffer() *Buffer {
	return c.buf
}

// Connected reports whether a stream is attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// LastOfferReq returns the highest offer request number seen from this
// client.
func (c *Conn) LastOfferReq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOfferReq
}

// LastOfferedItemID returns the id of the last item this client offered.
func (c *Conn) LastOfferedItemID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOfferedItemID
}

// RecordOffer stores the request number and item id of an accepted offer so
// retransmissions can be answered with the original confirmation.
func (c *Conn) RecordOffer(reqNum, itemID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOfferReq = reqNum
	c.lastOfferedItemID = itemID
}

// AttachStream binds tc to the shared per-connection completion queue under
// this connection's key and arms the first receive. An already attached
// stream is shut down first.
func (c *Conn) AttachStream(tc *net.TCPConn, queue *cq.Queue) {
	c.mu.Lock()
	if c.tcp != nil {
		c.closeStreamLocked()
	}
	c.tcp = tc
	c.state = Connected
	c.mu.Unlock()

	if err := c.armReceive(queue); err != nil {
		log.Error().Err(err).Str("addr", c.Key()).Msg("failed to arm stream receive")
	}
}

// armReceive posts a single overlapped receive on the stream. A zero-byte
// completion is a graceful remote close.
func (c *Conn) armReceive(queue *cq.Queue) error {
	if !c.armed.CompareAndSwap(false, true) {
		return fmt.Errorf("receive already outstanding on connection %s", c.Key())
	}

	c.mu.Lock()
	tc := c.tcp
	c.mu.Unlock()
	if tc == nil {
		c.armed.Store(false)
		return fmt.Errorf("no stream attached to connection %s", c.Key())
	}

	go func() {
		n, err := tc.Read(c.buf.Data)
		c.buf.N = n
		c.armed.Store(false)
		if errors.Is(err, io.EOF) {
			// Remote half-closed: deliver as a zero-byte completion.
			queue.Post(cq.Completion{Key: c.ckey, Bytes: 0})
			return
		}
		queue.Post(cq.Completion{Key: c.ckey, Bytes: n, Err: classifyErr(err)})
	}()
	return nil
}

// RearmReceive posts the next receive after a completion was handled.
func (c *Conn) RearmReceive(queue *cq.Queue) error {
	return c.armReceive(queue)
}

// Send writes one packet synchronously to the stream. With no stream
// attached the packet is dropped.
func (c *Conn) Send(pkt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.tcp == nil {
		log.Debug().Str("addr", c.addr.String()).Msg("no stream attached, dropping packet")
		return
	}
	if _, err := c.tcp.Write(pkt); err != nil {
		log.Error().Err(err).Str("addr", c.addr.String()).Msg("stream send failed, dropping packet")
	}
}

// Shutdown half-closes the stream, releases the handle, and transitions to
// Disconnected. Idempotent.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeStreamLocked()
}

func (c *Conn) closeStreamLocked() {
	if c.tcp == nil {
		c.state = Disconnected
		return
	}
	if err := c.tcp.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("addr", c.addr.String()).Msg("stream half-close failed")
	}
	if err := c.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("addr", c.addr.String()).Msg("stream close failed")
	}
	c.tcp = nil
	c.state = Disconnected
}
