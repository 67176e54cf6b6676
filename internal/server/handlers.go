package server

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/auctiond/internal/auction"
	"github.com/wolfeidau/auctiond/internal/netio"
	"github.com/wolfeidau/auctiond/internal/wire"
)

// handlePacket decodes one inbound packet and routes it to its protocol
// handler. Only client-originated types are routed; anything else is
// dropped.
func (s *Server) handlePacket(pkt []byte, sender *net.UDPAddr) {
	msg, err := wire.Decode(pkt)
	if err != nil {
		log.Warn().Err(err).Str("addr", sender.String()).Msg("dropping malformed packet")
		return
	}

	typ, _ := wire.Type(pkt)
	log.Debug().Str("type", typ.String()).Str("addr", sender.String()).Msg("receive")

	switch m := msg.(type) {
	case wire.Register:
		s.handleRegister(m, sender)
	case wire.Deregister:
		s.handleDeregister(m, sender)
	case wire.Offer:
		s.handleOffer(m, sender)
	case wire.Bid:
		s.bid(m.ItemID, m.Amount, sender.String())
	default:
		log.Warn().Str("type", typ.String()).Str("addr", sender.String()).Msg("unexpected message type from client, ignoring")
	}
}

// handleRegister creates or updates the connection for the sender's
// datagram address. Names are unique across live connections; a repeat
// register from the same address is idempotent.
func (s *Server) handleRegister(msg wire.Register, sender *net.UDPAddr) {
	key := sender.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		if conn.Name() == msg.Name && conn.Key() != key {
			s.sendUnregistered(msg.ReqNum, "Name already exists", sender)
			return
		}
	}

	conn, ok := s.conns[key]
	if !ok {
		log.Info().Str("name", msg.Name).Str("addr", key).Msg("registering client")
		conn = netio.NewConn(msg.Name, sender, s.nextConnKey)
		s.nextConnKey++
		s.conns[key] = conn
		s.connKeys[conn.CompletionKey()] = conn
	} else {
		log.Info().Str("name", msg.Name).Str("addr", key).Msg("client already registered")
		conn.SetName(msg.Name)
		conn.SetAddr(sender)
	}
	s.saveSnapshotLocked()

	s.sendRegistered(msg.ReqNum, msg.Name, msg.IP, msg.Port, sender)
}

// handleDeregister removes the sender's registration unless it is pinned by
// a live auction as seller or highest bidder.
func (s *Server) handleDeregister(msg wire.Deregister, sender *net.UDPAddr) {
	key := sender.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[key]
	if !ok {
		s.sendDeregDenied(msg.ReqNum, "User not registered", sender)
		return
	}

	if s.registry.IsSeller(key) {
		s.sendDeregDenied(msg.ReqNum, "Pending offer", sender)
		return
	}
	if s.registry.IsHighestBidder(key) {
		s.sendDeregDenied(msg.ReqNum, "Highest bidder", sender)
		return
	}

	s.sendDeregConf(msg.ReqNum, sender)

	conn.Shutdown()
	delete(s.conns, key)
	delete(s.connKeys, conn.CompletionKey())
	s.saveSnapshotLocked()
}

// handleOffer starts an auction for a new offer, replays the confirmation
// for a retransmission, and denies everything else. Offers require an
// attached stream so the client can receive outcome pushes.
func (s *Server) handleOffer(msg wire.Offer, sender *net.UDPAddr) {
	key := sender.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.conns[key]
	if !ok || !conn.Connected() {
		s.sendOfferDenied(msg.ReqNum, "User not registered", sender)
		return
	}

	if s.registry.NumOffers(key) >= maxOffers {
		s.sendOfferDenied(msg.ReqNum, "Too many offers (max 3)", sender)
		return
	}

	if msg.ReqNum > conn.LastOfferReq() {
		it := s.registry.NewItem(msg.Description, msg.Minimum, key)
		conn.RecordOffer(msg.ReqNum, it.ID)

		s.sendOfferConf(msg.ReqNum, it.ID, msg.Description, msg.Minimum, sender)
		s.startAuctionLocked(it, s.cfg.AuctionDuration)
		return
	}

	// Retransmission: replay the confirmation for the client's most recently
	// offered item, provided it is still live.
	if s.registry.Get(conn.LastOfferedItemID()) != nil {
		s.sendOfferConf(msg.ReqNum, conn.LastOfferedItemID(), msg.Description, msg.Minimum, sender)
		return
	}
	s.sendOfferDenied(msg.ReqNum, "Invalid request number", sender)
}

// startAuctionLocked announces the item and schedules its termination.
// Callers hold the auction lock; the item is already in the registry. The
// timer callback captures only the item id, so it finds the item (or
// nothing) through the registry when it fires.
func (s *Server) startAuctionLocked(it *auction.Item, remaining time.Duration) {
	it.Started = time.Now().Add(remaining - s.cfg.AuctionDuration)

	log.Info().
		Uint32("item_id", it.ID).
		Str("description", it.Description).
		Float32("minimum", it.Minimum).
		Dur("remaining", remaining).
		Msg("starting auction")

	s.sendNewItemLocked(it)

	id := it.ID
	s.pool.SubmitTimer(func() { s.endAuction(id) }, remaining)

	s.saveSnapshotLocked()
}

// bid applies a bid to a live item and pushes the new highest to every
// connected client. Rejected bids are logged and ignored.
func (s *Server) bid(itemID uint32, amount float32, bidder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, outcome := s.registry.Bid(itemID, amount, bidder)
	switch outcome {
	case auction.BidAccepted:
		log.Info().Uint32("item_id", itemID).Float32("amount", amount).Str("bidder", bidder).Msg("new highest bid")
		s.sendHighestLocked(it)
	case auction.BidUnknownItem:
		log.Info().Uint32("item_id", itemID).Msg("item not up for auction, ignoring bid")
	case auction.BidTooLow:
		log.Info().Uint32("item_id", itemID).Float32("amount", amount).Msg("bid below current highest, ignoring bid")
	case auction.BidOwnItem:
		log.Info().Uint32("item_id", itemID).Str("bidder", bidder).Msg("client bidding on own item, ignoring bid")
	}
}

// endAuction runs when an item's timer fires. The item leaves the live set
// before any outcome message goes out, so late bids cannot resurrect it.
func (s *Server) endAuction(itemID uint32) {
	// A timer that outlives shutdown must not touch the tables: the final
	// snapshot already carries the auction's elapsed time for the next run.
	if !s.running.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.registry.Get(itemID)
	if it == nil {
		return
	}

	s.registry.Remove(itemID)
	s.saveSnapshotLocked()

	s.sendBidOverLocked(it)

	if it.Sold() {
		s.sendWinLocked(it)
		s.sendSoldToLocked(it)
	} else {
		s.sendNotSoldLocked(it)
	}

	log.Info().
		Uint32("item_id", it.ID).
		Float32("final_amount", it.CurrentHighest).
		Bool("sold", it.Sold()).
		Msg("auction ended")
}
