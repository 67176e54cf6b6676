package server

import (
	"net"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/auctiond/internal/auction"
	"github.com/wolfeidau/auctiond/internal/wire"
)

// Datagram replies to the requesting client.

func (s *Server) sendDatagram(typ wire.MsgType, pkt []byte, addr *net.UDPAddr) {
	s.udp.Send(pkt, addr)
	log.Debug().Str("type", typ.String()).Str("addr", addr.String()).Msg("send")
}

func (s *Server) sendRegistered(reqNum uint32, name, ip, port string, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgRegistered, wire.Encode(wire.Registered{ReqNum: reqNum, Name: name, IP: ip, Port: port}), addr)
}

func (s *Server) sendUnregistered(reqNum uint32, reason string, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgUnregistered, wire.Encode(wire.Unregistered{ReqNum: reqNum, Reason: reason}), addr)
}

func (s *Server) sendDeregConf(reqNum uint32, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgDeregConf, wire.Encode(wire.DeregConf{ReqNum: reqNum}), addr)
}

func (s *Server) sendDeregDenied(reqNum uint32, reason string, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgDeregDenied, wire.Encode(wire.DeregDenied{ReqNum: reqNum, Reason: reason}), addr)
}

func (s *Server) sendOfferConf(reqNum, itemID uint32, description string, minimum float32, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgOfferConf, wire.Encode(wire.OfferConf{
		ReqNum: reqNum, ItemID: itemID, Description: description, Minimum: minimum,
	}), addr)
}

func (s *Server) sendOfferDenied(reqNum uint32, reason string, addr *net.UDPAddr) {
	s.sendDatagram(wire.MsgOfferDenied, wire.Encode(wire.OfferDenied{ReqNum: reqNum, Reason: reason}), addr)
}

// Broadcasts and pushes. All run under the auction lock so stream state and
// item state cannot change mid-fanout.

// sendNewItemLocked announces a fresh auction over UDP to every connection
// with an attached stream.
func (s *Server) sendNewItemLocked(it *auction.Item) {
	pkt := wire.Encode(wire.NewItem{ItemID: it.ID, Description: it.Description, Minimum: it.Minimum})

	for _, conn := range s.conns {
		if conn.Connected() {
			s.sendDatagram(wire.MsgNewItem, pkt, conn.Addr())
		}
	}
}

// sendHighestLocked pushes the new highest bid over every attached stream.
func (s *Server) sendHighestLocked(it *auction.Item) {
	pkt := wire.Encode(wire.Highest{ItemID: it.ID, Amount: it.CurrentHighest, Description: it.Description})

	for _, conn := range s.conns {
		if conn.Connected() {
			conn.Send(pkt)
			log.Debug().Str("type", wire.MsgHighest.String()).Str("addr", conn.Key()).Msg("send")
		}
	}
}

// sendBidOverLocked pushes the end of bidding over every attached stream.
func (s *Server) sendBidOverLocked(it *auction.Item) {
	pkt := wire.Encode(wire.BidOver{ItemID: it.ID, Amount: it.CurrentHighest})

	for _, conn := range s.conns {
		if conn.Connected() {
			conn.Send(pkt)
			log.Debug().Str("type", wire.MsgBidOver.String()).Str("addr", conn.Key()).Msg("send")
		}
	}
}

// sendWinLocked pushes the outcome to the winning bidder. The message
// carries the seller's name and address so the winner knows who to settle
// with.
func (s *Server) sendWinLocked(it *auction.Item) {
	msg := wire.Win{ItemID: it.ID, Amount: it.CurrentHighest}
	if seller, ok := s.conns[it.Seller]; ok {
		msg.Name = seller.Name()
		msg.IP = seller.Key()
	}

	winner, ok := s.conns[it.HighestBidder]
	if !ok || !winner.Connected() {
		return
	}
	winner.Send(wire.Encode(msg))
	log.Debug().Str("type", wire.MsgWin.String()).Str("addr", winner.Key()).Msg("send")
}

// sendSoldToLocked pushes the outcome to the seller, naming the winner.
func (s *Server) sendSoldToLocked(it *auction.Item) {
	msg := wire.SoldTo{ItemID: it.ID, Amount: it.CurrentHighest}
	if winner, ok := s.conns[it.HighestBidder]; ok {
		msg.Name = winner.Name()
		msg.IP = winner.Key()
	}

	seller, ok := s.conns[it.Seller]
	if !ok || !seller.Connected() {
		return
	}
	seller.Send(wire.Encode(msg))
	log.Debug().Str("type", wire.MsgSoldTo.String()).Str("addr", seller.Key()).Msg("send")
}

// sendNotSoldLocked tells the seller no valid bid arrived.
func (s *Server) sendNotSoldLocked(it *auction.Item) {
	seller, ok := s.conns[it.Seller]
	if !ok || !seller.Connected() {
		return
	}
	seller.Send(wire.Encode(wire.NotSold{ItemID: it.ID, Reason: "No valid bids"}))
	log.Debug().Str("type", wire.MsgNotSold.String()).Str("addr", seller.Key()).Msg("send")
}
