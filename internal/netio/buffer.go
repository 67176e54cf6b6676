package netio

import (
	"net"

	"github.com/wolfeidau/auctiond/internal/wire"
)

// Buffer is a preallocated byte region pinned for a single outstanding
// asynchronous receive. The datagram endpoint owns one; each connection
// owns one. Exactly one I/O may be outstanding against a buffer at a time,
// so reads of N and Sender are safe once the completion is delivered.
type Buffer struct {
	Data   []byte
	N      int
	Sender *net.UDPAddr
}

// NewBuffer allocates a receive buffer sized for the largest packet.
func NewBuffer() *Buffer {
	return &Buffer{Data: make([]byte, wire.PacketSize)}
}

// Packet returns the received bytes. Valid until the next receive is armed.
func (b *Buffer) Packet() []byte {
	return b.Data[:b.N]
}
