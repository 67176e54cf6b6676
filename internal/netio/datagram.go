package netio

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/auctiond/internal/cq"
)

// Datagram is the server's bound UDP endpoint. It owns one pinned receive
// buffer and completes each receive onto its queue under cq.KeyUDP. At most
// one receive may be outstanding at any time; the orchestrator re-arms
// after every completion.
type Datagram struct {
	conn  *net.UDPConn
	buf   *Buffer
	queue *cq.Queue
	armed atomic.Bool
}

// BindDatagram binds the endpoint and associates it with queue.
func BindDatagram(ip string, port int, queue *cq.Queue) (*Datagram, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind datagram endpoint: %w", err)
	}
	return &Datagram{conn: conn, buf: NewBuffer(), queue: queue}, nil
}

// Buffer returns the endpoint's pinned receive buffer.
func (d *Datagram) Buffer() *Buffer {
	return d.buf
}

// LocalAddr returns the bound address.
func (d *Datagram) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// ArmReceive posts a single overlapped receive. The completion carries the
// byte count; the payload and sender address land in the pinned buffer.
func (d *Datagram) ArmReceive() error {
	if !d.armed.CompareAndSwap(false, true) {
		return fmt.Errorf("receive already outstanding on datagram endpoint")
	}
	go func() {
		n, sender, err := d.conn.ReadFromUDP(d.buf.Data)
		d.buf.N = n
		d.buf.Sender = sender
		d.armed.Store(false)
		d.queue.Post(cq.Completion{Key: cq.KeyUDP, Bytes: n, Err: classifyErr(err)})
	}()
	return nil
}

// Send writes one packet to addr, synchronous best-effort. Failures are
// logged and the packet is dropped.
func (d *Datagram) Send(pkt []byte, addr *net.UDPAddr) {
	if _, err := d.conn.WriteToUDP(pkt, addr); err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("datagram send failed, dropping packet")
	}
}

// Close closes the socket. An outstanding receive completes with
// cq.ErrOperationAborted.
func (d *Datagram) Close() error {
	return d.conn.Close()
}
