package channel

import (
	"bytes"
	"net"
	"time"

	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/protocol"
)

func (c *Channel) handleEvent(ev ioEvent, now time.Time) {
	if ev.gen != c.gen {
		// Left over from a torn-down generation.
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case ioDatagram:
		from, _ := ev.from.(*net.UDPAddr)
		c.receiveDatagram(ev.data, from, now)

	case ioStreamData:
		c.receiveStream(ev.data, now)

	case ioStreamClosed:
		c.dropConnection(now, "stream closed: "+ev.err.Error())

	case ioAccepted:
		if c.stream != nil {
			c.log.Infof("rejecting connection from %v: already serving %v", ev.conn.RemoteAddr(), c.stream.RemoteAddr())
			ev.conn.Close()
			return
		}
		c.adoptStream(ev.conn, now)

	case ioDialed:
		c.dialing = false
		if ev.err != nil {
			c.dialLog.Do(func() { c.log.Debugf("dial %s: %v", c.cfg.ServerHostPort(), ev.err) })
			return
		}
		c.adoptStream(ev.conn, now)
	}
}

// adoptStream makes conn the current TCP stream and sends our handshake.
// The link is not Connected until the peer's handshake is verified.
func (c *Channel) adoptStream(conn net.Conn, now time.Time) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	c.stream = conn
	c.streamSince = now
	c.verified = false
	c.frames.Reset()
	go c.readStream(conn, c.gen, c.ioDone)

	c.log.Debugf("stream %v -> %v established, verifying", conn.LocalAddr(), conn.RemoteAddr())
	hs := protocol.TypeClientHandshake
	if c.cfg.Endpoint == config.EndpointServer {
		hs = protocol.TypeServerHandshake
	}
	c.transmit(hs, c.name, now)
}

func (c *Channel) receiveDatagram(data []byte, from *net.UDPAddr, now time.Time) {
	if !c.fromExpectedSender(from) {
		c.foreignLog.Do(func() { c.log.Debugf("ignoring datagram from %v", from) })
		return
	}

	m, err := protocol.DecodeDatagram(data)
	if err != nil {
		c.log.Warnf("malformed datagram from %v: %v", from, err)
		if c.state == StateConnected {
			c.dropConnection(now, "protocol violation")
		}
		return
	}
	c.process(m, from, len(data), now)
}

// fromExpectedSender filters UDP traffic by source: a client only listens to
// its server, a connected server only to its peer.
func (c *Channel) fromExpectedSender(from *net.UDPAddr) bool {
	if c.cfg.Endpoint == config.EndpointClient {
		return sameUDPAddr(from, c.server)
	}
	if c.state == StateConnected {
		peer, _ := c.peer.(*net.UDPAddr)
		return sameUDPAddr(from, peer)
	}
	return true
}

func (c *Channel) receiveStream(data []byte, now time.Time) {
	gen := c.gen
	c.frames.Write(data)
	for c.gen == gen {
		m, err := c.frames.Next()
		if err != nil {
			c.log.Warnf("malformed frame from %v: %v", c.stream.RemoteAddr(), err)
			c.dropConnection(now, "protocol violation")
			return
		}
		if m == nil {
			return
		}
		c.process(m, c.stream.RemoteAddr(), protocol.FrameHeaderSize+len(m.Payload), now)
	}
}

// process dispatches one decoded message. Handshakes are exempt from the
// sequence check; everything else needs a verified connection and an id
// newer than the last accepted one.
func (c *Channel) process(m *protocol.Message, from net.Addr, size int, now time.Time) {
	switch m.Type {
	case protocol.TypeClientHandshake:
		c.onClientHandshake(m, from, size, now)
		return
	case protocol.TypeServerHandshake:
		c.onServerHandshake(m, from, size, now)
		return
	}

	if c.state != StateConnected {
		c.log.Debugf("dropping %s #%d received before handshake", m.Type, m.ID)
		return
	}
	if !c.acceptID(m.ID, now) {
		c.stats.Dropped++
		c.staleLog.Do(func() {
			c.log.Debugf("dropping stale %s #%d (last accepted #%d)", m.Type, m.ID, c.window.last)
		})
		return
	}
	c.received(size, now)

	switch m.Type {
	case protocol.TypeNormal:
		c.notify.push(note{kind: noteMessage, msg: m})
	case protocol.TypeAck:
		if c.cfg.Endpoint == config.EndpointServer {
			c.onAck(m, now)
		}
	case protocol.TypeHeartbeat:
	}
}

func (c *Channel) received(size int, now time.Time) {
	c.lastReceive = now
	c.stats.MessagesReceived++
	c.stats.BytesReceived += uint64(size)
}

func (c *Channel) nameMatches(payload []byte) bool {
	return bytes.Equal(payload, c.name)
}

func (c *Channel) onClientHandshake(m *protocol.Message, from net.Addr, size int, now time.Time) {
	if c.cfg.Endpoint != config.EndpointServer {
		c.log.Debugf("ignoring client handshake from %v: this end is a client", from)
		return
	}
	if !c.nameMatches(m.Payload) {
		c.foreignLog.Do(func() { c.log.Warnf("rejected handshake from %v for %q", from, m.Payload) })
		return
	}

	if c.state == StateConnected {
		// A newer handshake means the client missed our reply; an older one is
		// a late duplicate. Neither starts a new epoch.
		if m.ID > c.window.last {
			c.acceptID(m.ID, now)
			c.received(size, now)
			if c.cfg.Protocol == config.ProtocolUDP {
				c.transmit(protocol.TypeServerHandshake, c.name, now)
			}
		}
		return
	}

	c.received(size, now)
	c.setPeer(from)
	if c.cfg.Protocol == config.ProtocolTCP {
		// Our handshake already went out when the stream was adopted, so the
		// send sequence carries on.
		c.resetWindow(m.ID, now)
		c.verified = true
		c.setState(StateConnected)
		return
	}
	c.beginEpoch(m.ID, now)
	c.setState(StateConnected)
	c.transmit(protocol.TypeServerHandshake, c.name, now)
}

func (c *Channel) onServerHandshake(m *protocol.Message, from net.Addr, size int, now time.Time) {
	if c.cfg.Endpoint != config.EndpointClient {
		c.log.Debugf("ignoring server handshake from %v: this end is a server", from)
		return
	}
	if !c.nameMatches(m.Payload) {
		c.foreignLog.Do(func() { c.log.Warnf("rejected handshake from %v for %q", from, m.Payload) })
		return
	}

	if c.state == StateConnected {
		if m.ID > c.window.last {
			c.acceptID(m.ID, now)
			c.received(size, now)
		}
		return
	}

	c.received(size, now)
	c.resetWindow(m.ID, now)
	c.lastStats = now
	if c.cfg.Protocol == config.ProtocolTCP {
		c.verified = true
		if c.peer == nil || c.peer.String() != from.String() {
			c.setPeer(from)
		}
	}
	c.setState(StateConnected)
}

func (c *Channel) onAck(m *protocol.Message, now time.Time) {
	id, held, ok := protocol.ParseAck(m.Payload)
	if !ok {
		c.log.Debugf("dropping ack #%d with %d byte payload", m.ID, len(m.Payload))
		return
	}
	sentAt, ok := c.sent.take(id)
	if !ok {
		c.log.Debugf("ack for untracked message #%d", id)
		return
	}
	c.stats.RTT = max(now.Sub(sentAt)-held, 0)
	c.emitStatistics()
}
