// Package server is the auction orchestrator: it owns the three service
// loops, the connection and item tables, and the protocol handlers that
// route packets between them.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/auctiond/internal/auction"
	"github.com/wolfeidau/auctiond/internal/cq"
	"github.com/wolfeidau/auctiond/internal/netio"
	"github.com/wolfeidau/auctiond/internal/pool"
	"github.com/wolfeidau/auctiond/internal/snapshot"
)

// maxOffers is the most live items one client may sell at a time.
const maxOffers = 3

// Config configures the orchestrator.
type Config struct {
	// ListenIP and Port are shared by the datagram endpoint and the
	// stream listener.
	ListenIP string
	Port     int

	// AuctionDuration is the total lifetime of every auction. Save and
	// load share this constant; it must match across restarts for the
	// remaining-time arithmetic to hold.
	AuctionDuration time.Duration

	// Workers sizes the worker pool.
	Workers int

	// Snapshot configures the sidecar persistence.
	Snapshot snapshot.Config
}

// Server multiplexes the three completion queues onto protocol handlers
// and serializes every auction mutation under a single lock.
type Server struct {
	cfg   Config
	runID string

	udpQueue  *cq.Queue
	tcpQueue  *cq.Queue
	connQueue *cq.Queue

	udp      *netio.Datagram
	listener *netio.StreamListener
	pool     *pool.Pool
	store    *snapshot.Store

	running atomic.Bool
	eg      *errgroup.Group

	// mu is the auction lock: it guards conns, connKeys, the registry,
	// and every outbound message derived from them.
	mu          sync.Mutex
	conns       map[string]*netio.Conn
	connKeys    map[uint64]*netio.Conn
	nextConnKey uint64
	registry    *auction.Registry
}

// New creates an unstarted server.
func New(cfg Config) *Server {
	if cfg.AuctionDuration <= 0 {
		cfg.AuctionDuration = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Server{
		cfg:         cfg,
		runID:       uuid.New().String(),
		udpQueue:    cq.New(),
		tcpQueue:    cq.New(),
		connQueue:   cq.New(),
		pool:        pool.New(cfg.Workers),
		store:       snapshot.NewStore(cfg.Snapshot),
		conns:       make(map[string]*netio.Conn),
		connKeys:    make(map[uint64]*netio.Conn),
		nextConnKey: cq.FirstConnKey,
		registry:    auction.NewRegistry(),
	}
}

// Start binds both endpoints, loads the snapshot, and launches the three
// service loops. It returns once the loops are running; use Wait to block
// until they exit and Shutdown to stop them.
func (s *Server) Start(ctx context.Context) error {
	udp, err := netio.BindDatagram(s.cfg.ListenIP, s.cfg.Port, s.udpQueue)
	if err != nil {
		return err
	}
	s.udp = udp

	listener, err := netio.BindStreamListener(s.cfg.ListenIP, s.cfg.Port, s.tcpQueue)
	if err != nil {
		udp.Close()
		return err
	}
	s.listener = listener

	if err := s.loadSnapshot(); err != nil {
		udp.Close()
		listener.Close()
		return err
	}

	s.running.Store(true)

	if err := s.udp.ArmReceive(); err != nil {
		return fmt.Errorf("failed to arm first datagram receive: %w", err)
	}
	if err := s.listener.ArmAccept(); err != nil {
		return fmt.Errorf("failed to arm first accept: %w", err)
	}

	log.Info().
		Str("run_id", s.runID).
		Str("udp", s.udp.LocalAddr().String()).
		Str("tcp", s.listener.LocalAddr().String()).
		Dur("auction_duration", s.cfg.AuctionDuration).
		Msg("auction server started")

	s.eg, _ = errgroup.WithContext(ctx)
	s.eg.Go(s.udpServiceLoop)
	s.eg.Go(s.tcpServiceLoop)
	s.eg.Go(s.connServiceLoop)

	return nil
}

// Wait blocks until all three service loops have exited.
func (s *Server) Wait() error {
	return s.eg.Wait()
}

// UDPAddr returns the bound datagram address.
func (s *Server) UDPAddr() *net.UDPAddr {
	return s.udp.LocalAddr()
}

// TCPAddr returns the bound stream listener address.
func (s *Server) TCPAddr() *net.TCPAddr {
	return s.listener.LocalAddr()
}

// Shutdown stops the server: both server sockets close (completing
// outstanding requests with operation-aborted), the final snapshot is
// written, a sentinel is posted to each queue, and the worker pool drains.
// Live auction timers are not cancelled; the snapshot carries their
// elapsed time for the next run.
func (s *Server) Shutdown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if err := s.udp.Close(); err != nil {
		log.Debug().Err(err).Msg("datagram endpoint close failed")
	}
	if err := s.listener.Close(); err != nil {
		log.Debug().Err(err).Msg("stream listener close failed")
	}

	s.mu.Lock()
	s.saveSnapshotLocked()
	for _, conn := range s.conns {
		conn.Shutdown()
	}
	s.conns = make(map[string]*netio.Conn)
	s.connKeys = make(map[uint64]*netio.Conn)
	s.mu.Unlock()

	s.udpQueue.PostSentinel()
	s.tcpQueue.PostSentinel()
	s.connQueue.PostSentinel()

	s.pool.Stop()

	log.Info().Str("run_id", s.runID).Msg("auction server shut down")
}

// loadSnapshot reinstates persisted connections (without stream state) and
// revives live auctions with their remaining time.
func (s *Server) loadSnapshot() error {
	state, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range state.Connections {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(rec.IP, rec.Port))
		if err != nil {
			log.Warn().Err(err).Str("ip", rec.IP).Str("port", rec.Port).Msg("skipping unresolvable snapshot connection")
			continue
		}
		conn := netio.NewConn(rec.Name, addr, s.nextConnKey)
		s.nextConnKey++
		s.conns[conn.Key()] = conn
		s.connKeys[conn.CompletionKey()] = conn
		log.Info().Str("name", rec.Name).Str("addr", conn.Key()).Msg("reinstated connection from snapshot")
	}

	for _, rec := range state.Items {
		it := &auction.Item{
			ID:             rec.ID,
			Description:    rec.Description,
			Minimum:        rec.Minimum,
			CurrentHighest: rec.CurrentHighest,
			Seller:         rec.Seller,
			HighestBidder:  rec.HighestBidder,
		}
		s.registry.Restore(it)

		remaining := s.cfg.AuctionDuration - rec.Elapsed
		if remaining < 0 {
			remaining = 0
		}
		s.startAuctionLocked(it, remaining)
	}

	return nil
}

// udpServiceLoop drains datagram receive completions.
func (s *Server) udpServiceLoop() error {
	log.Info().Str("addr", s.udp.LocalAddr().String()).Msg("started listening on UDP")

	for s.running.Load() {
		c, err := s.udpQueue.Wait()
		if err != nil {
			break
		}
		if c.Sentinel() {
			break
		}
		if c.Err != nil {
			if c.Err == cq.ErrOperationAborted {
				break
			}
			log.Error().Err(c.Err).Msg("datagram receive failed, skipping packet")
			if err := s.udp.ArmReceive(); err != nil {
				log.Error().Err(err).Msg("failed to re-arm datagram receive")
				break
			}
			continue
		}

		buf := s.udp.Buffer()
		s.handlePacket(buf.Packet(), buf.Sender)

		if err := s.udp.ArmReceive(); err != nil {
			log.Error().Err(err).Msg("failed to re-arm datagram receive")
			break
		}
	}

	log.Info().Msg("UDP service loop shutdown")
	return nil
}

// tcpServiceLoop drains accept completions and attaches accepted streams to
// their registered connections.
func (s *Server) tcpServiceLoop() error {
	log.Info().Str("addr", s.listener.LocalAddr().String()).Msg("started listening on TCP")

	for s.running.Load() {
		c, err := s.tcpQueue.Wait()
		if err != nil {
			break
		}
		if c.Sentinel() {
			break
		}
		if c.Err != nil {
			if c.Err == cq.ErrOperationAborted {
				break
			}
			log.Error().Err(c.Err).Msg("accept failed")
			if err := s.listener.ArmAccept(); err != nil {
				log.Error().Err(err).Msg("failed to re-arm accept")
				break
			}
			continue
		}

		tc, raddr := s.listener.TakeAccepted()
		if tc != nil {
			s.attachAccepted(tc, raddr)
		}

		if err := s.listener.ArmAccept(); err != nil {
			log.Error().Err(err).Msg("failed to re-arm accept")
			break
		}
	}

	log.Info().Msg("TCP service loop shutdown")
	return nil
}

// attachAccepted binds an accepted stream to the registered connection with
// the same peer address. Clients use one local port for both transports, so
// the stream's peer address matches the datagram key.
func (s *Server) attachAccepted(tc *net.TCPConn, raddr *net.TCPAddr) {
	key := raddr.String()

	s.mu.Lock()
	conn, ok := s.conns[key]
	s.mu.Unlock()

	if !ok {
		log.Warn().Str("addr", key).Msg("stream from unregistered peer, closing")
		tc.Close()
		return
	}

	conn.AttachStream(tc, s.connQueue)
	log.Info().Str("addr", key).Str("name", conn.Name()).Msg("stream attached")
}

// connServiceLoop drains per-connection stream receive completions.
func (s *Server) connServiceLoop() error {
	for s.running.Load() {
		c, err := s.connQueue.Wait()
		if err != nil {
			break
		}
		if c.Sentinel() {
			break
		}

		s.mu.Lock()
		conn := s.connKeys[c.Key]
		s.mu.Unlock()
		if conn == nil {
			continue
		}

		if c.Err != nil {
			switch c.Err {
			case cq.ErrOperationAborted:
				// Stream shut down by the server.
			case cq.ErrNetnameDeleted:
				log.Info().Str("addr", conn.Key()).Msg("peer crashed, tearing down stream")
				conn.Shutdown()
			default:
				log.Error().Err(c.Err).Str("addr", conn.Key()).Msg("stream receive failed")
			}
			continue
		}

		if c.Bytes == 0 {
			s.remoteClosed(conn)
			continue
		}

		s.handlePacket(conn.Buffer().Packet(), conn.Addr())

		if err := conn.RearmReceive(s.connQueue); err != nil {
			log.Debug().Err(err).Str("addr", conn.Key()).Msg("failed to re-arm stream receive")
		}
	}

	log.Info().Msg("connection service loop shutdown")
	return nil
}

// remoteClosed handles a graceful remote close. The connection is destroyed
// unless it still sells or leads a live auction, in which case only the
// stream drops and the registration survives for the auction's outcome
// messages.
func (s *Server) remoteClosed(conn *netio.Conn) {
	key := conn.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn.Shutdown()

	if s.registry.IsSeller(key) || s.registry.IsHighestBidder(key) {
		log.Info().Str("addr", key).Msg("stream closed by peer, keeping registration for live auction")
		return
	}

	delete(s.conns, key)
	delete(s.connKeys, conn.CompletionKey())
	s.saveSnapshotLocked()
	log.Info().Str("addr", key).Str("name", conn.Name()).Msg("connection closed by peer, deregistered")
}

// saveSnapshotLocked rewrites the sidecar file from the current tables.
// Callers hold the auction lock.
func (s *Server) saveSnapshotLocked() {
	state := &snapshot.State{}

	for _, conn := range s.conns {
		addr := conn.Addr()
		state.Connections = append(state.Connections, snapshot.ConnRecord{
			IP:   addr.IP.String(),
			Port: fmt.Sprintf("%d", addr.Port),
			Name: conn.Name(),
		})
	}

	for _, it := range s.registry.Items() {
		state.Items = append(state.Items, snapshot.ItemRecord{
			ID:             it.ID,
			Description:    it.Description,
			Minimum:        it.Minimum,
			CurrentHighest: it.CurrentHighest,
			Seller:         it.Seller,
			HighestBidder:  it.HighestBidder,
			Elapsed:        time.Since(it.Started),
		})
	}

	s.store.Save(state)
}
