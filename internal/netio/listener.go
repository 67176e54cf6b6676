package netio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/auctiond/internal/cq"
)

// StreamListener is the server's bound TCP listener. ArmAccept schedules a
// single asynchronous accept which completes onto the queue under
// cq.KeyTCP; the accepted socket is then collected with TakeAccepted. The
// handler must re-arm after every completion to keep the next accept
// prepared.
type StreamListener struct {
	l     *net.TCPListener
	queue *cq.Queue
	armed atomic.Bool

	mu       sync.Mutex
	accepted *net.TCPConn
}

// BindStreamListener binds and listens on ip:port.
func BindStreamListener(ip string, port int, queue *cq.Queue) (*StreamListener, error) {
	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.ParseIP(ip), Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to bind stream listener: %w", err)
	}
	return &StreamListener{l: l, queue: queue}, nil
}

// LocalAddr returns the bound address.
func (s *StreamListener) LocalAddr() *net.TCPAddr {
	return s.l.Addr().(*net.TCPAddr)
}

// ArmAccept schedules the next accept. At most one may be outstanding.
func (s *StreamListener) ArmAccept() error {
	if !s.armed.CompareAndSwap(false, true) {
		return fmt.Errorf("accept already outstanding on stream listener")
	}
	go func() {
		conn, err := s.l.AcceptTCP()
		s.mu.Lock()
		s.accepted = conn
		s.mu.Unlock()
		s.armed.Store(false)
		s.queue.Post(cq.Completion{Key: cq.KeyTCP, Err: classifyErr(err)})
	}()
	return nil
}

// TakeAccepted hands over the socket from the last accept completion along
// with its remote address. The accepted socket is immediately usable; the
// keep-alive option stands in for the listen-context inheritance step the
// original transport required.
func (s *StreamListener) TakeAccepted() (*net.TCPConn, *net.TCPAddr) {
	s.mu.Lock()
	conn := s.accepted
	s.accepted = nil
	s.mu.Unlock()
	if conn == nil {
		return nil, nil
	}
	_ = conn.SetKeepAlive(true)
	return conn, conn.RemoteAddr().(*net.TCPAddr)
}

// Close closes the listener. An outstanding accept completes with
// cq.ErrOperationAborted.
func (s *StreamListener) Close() error {
	return s.l.Close()
}
