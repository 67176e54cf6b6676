package server_test

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/auctiond/internal/server"
	"github.com/wolfeidau/auctiond/internal/wire"
)

// testClient drives the protocol the way a real client does: datagrams from
// one local port, and a stream dialed from that same local port so the
// server can match the two transports.
type testClient struct {
	t   *testing.T
	srv *server.Server

	udp    *net.UDPConn
	tcp    *net.TCPConn
	stream *bufio.Reader
}

func newTestClient(t *testing.T, srv *server.Server) *testClient {
	t.Helper()

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	return &testClient{t: t, srv: srv, udp: udp}
}

func (c *testClient) localPort() int {
	return c.udp.LocalAddr().(*net.UDPAddr).Port
}

func (c *testClient) addr() string {
	return c.udp.LocalAddr().String()
}

func (c *testClient) sendUDP(msg any) {
	c.t.Helper()
	_, err := c.udp.WriteToUDP(wire.Encode(msg), c.srv.UDPAddr())
	require.NoError(c.t, err)
}

func (c *testClient) recvUDP() any {
	c.t.Helper()
	require.NoError(c.t, c.udp.SetReadDeadline(time.Now().Add(3*time.Second)))

	buf := make([]byte, wire.PacketSize)
	n, _, err := c.udp.ReadFromUDP(buf)
	require.NoError(c.t, err)

	msg, err := wire.Decode(buf[:n])
	require.NoError(c.t, err)
	return msg
}

// expectNoUDP asserts no datagram arrives within the window.
func (c *testClient) expectNoUDP(window time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.udp.SetReadDeadline(time.Now().Add(window)))

	buf := make([]byte, wire.PacketSize)
	n, _, err := c.udp.ReadFromUDP(buf)
	if err == nil {
		typ, _ := wire.Type(buf[:n])
		c.t.Fatalf("unexpected datagram %s", typ)
	}
	var nerr net.Error
	require.ErrorAs(c.t, err, &nerr)
	require.True(c.t, nerr.Timeout())
}

func (c *testClient) register(reqNum uint32, name string) any {
	c.t.Helper()
	c.sendUDP(wire.Register{ReqNum: reqNum, Name: name, IP: "127.0.0.1"})
	return c.recvUDP()
}

func (c *testClient) deregister(reqNum uint32) any {
	c.t.Helper()
	c.sendUDP(wire.Deregister{ReqNum: reqNum})
	return c.recvUDP()
}

func (c *testClient) offer(reqNum uint32, description string, minimum float32) any {
	c.t.Helper()
	c.sendUDP(wire.Offer{ReqNum: reqNum, Description: description, Minimum: minimum})
	return c.recvUDP()
}

func (c *testClient) bid(itemID uint32, amount float32) {
	c.t.Helper()
	c.sendUDP(wire.Bid{ItemID: itemID, Amount: amount})
}

// connectStream dials the companion stream from the client's datagram port.
func (c *testClient) connectStream() {
	c.t.Helper()

	laddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.localPort()}
	tcp, err := net.DialTCP("tcp4", laddr, c.srv.TCPAddr())
	require.NoError(c.t, err)
	c.t.Cleanup(func() { tcp.Close() })

	c.tcp = tcp
	c.stream = bufio.NewReader(tcp)

	// Give the accept completion time to attach server-side.
	time.Sleep(50 * time.Millisecond)
}

// recvStream reads one framed message from the push stream.
func (c *testClient) recvStream() any {
	c.t.Helper()
	require.NoError(c.t, c.tcp.SetReadDeadline(time.Now().Add(5*time.Second)))

	tag, err := c.stream.ReadByte()
	require.NoError(c.t, err)

	size := wire.RecordSize(wire.MsgType(tag))
	require.GreaterOrEqual(c.t, size, 0, "unknown tag %d", tag)

	pkt := make([]byte, 1+size)
	pkt[0] = tag
	_, err = io.ReadFull(c.stream, pkt[1:])
	require.NoError(c.t, err)

	msg, err := wire.Decode(pkt)
	require.NoError(c.t, err)
	return msg
}
