package channel

import (
	"fmt"
	"net"
	"time"

	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/protocol"
)

func (c *Channel) open(now time.Time) {
	switch c.state {
	case StateReady:
	case StateAwaitingConfiguration:
		c.log.Infof("open requested before configuration arrived; deferring")
		c.openPending = true
		return
	default:
		c.log.Errorf("open called in state %s, expected %s", c.state, StateReady)
		return
	}

	c.watchdog = time.NewTicker(c.cfg.Watchdog())
	c.resetConnection(now)
}

func (c *Channel) close() {
	c.openPending = false
	c.stopWatchdog()
	c.teardown()
	c.clearPeer()
	if c.state != StateError && c.state != StateAwaitingConfiguration {
		c.setState(StateReady)
	}
}

func (c *Channel) stopWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// fail moves to Error. Nothing is retried from there.
func (c *Channel) fail(format string, args ...any) {
	c.log.Errorf(format, args...)
	c.stopWatchdog()
	c.teardown()
	c.clearPeer()
	c.setState(StateError)
}

// resetConnection tears the link down and restarts the listen/connect
// sequence in a fresh epoch.
func (c *Channel) resetConnection(now time.Time) {
	c.teardown()
	c.clearPeer()
	c.server = nil
	c.beginEpoch(0, now)
	c.lastReceive = now
	c.lastStats = now

	if err := c.bind(); err != nil {
		if fatalBindError(err) {
			c.fail("cannot bind %s: %v", c.cfg.BindHostPort(), err)
			return
		}
		c.log.Warnf("bind %s failed, retrying: %v", c.cfg.BindHostPort(), err)
		c.setState(StateDisconnected)
		return
	}
	c.setState(StateConnecting)
}

// beginEpoch resets the per-connection counters.
func (c *Channel) beginEpoch(lastReceived uint32, now time.Time) {
	c.seq.reset()
	c.resetWindow(lastReceived, now)
	c.sent.reset()
}

func (c *Channel) resetWindow(last uint32, now time.Time) {
	c.window.reset(last)
	c.lastAdvance = now
}

// acceptID runs id through the receive window and notes when the window
// moves forward. Late ids let through with dropoldpackets off do not count.
func (c *Channel) acceptID(id uint32, now time.Time) bool {
	prev := c.window.last
	ok := c.window.accept(id)
	if c.window.last != prev {
		c.lastAdvance = now
	}
	return ok
}

// dropConnection handles peer loss: announce it, then reconnect.
func (c *Channel) dropConnection(now time.Time, reason string) {
	if c.state == StateConnected {
		c.log.Warnf("connection to %v lost: %s", c.peer, reason)
		c.setState(StateDisconnected)
	} else {
		c.log.Debugf("resetting connection: %s", reason)
	}
	c.resetConnection(now)
}

func (c *Channel) setState(s State) {
	if s == c.state {
		return
	}
	c.log.Debugf("state %s -> %s", c.state, s)
	c.state = s
	c.stateSnap.Store(int32(s))
	if s.observable() {
		c.notify.push(note{kind: noteState, state: s})
	}
}

func (c *Channel) setPeer(addr net.Addr) {
	c.peer = addr
	c.log.Infof("peer is %v", addr)
	c.notify.push(note{kind: notePeer, peer: addr})
}

// clearPeer forgets a server's peer so that any client can handshake again.
// A client's peer is always the configured server.
func (c *Channel) clearPeer() {
	if c.cfg.Endpoint != config.EndpointServer || c.peer == nil {
		return
	}
	c.peer = nil
	c.notify.push(note{kind: notePeer})
}

func (c *Channel) emitStatistics() {
	c.notify.push(note{kind: noteStatistics, stats: c.stats})
}

// ---------------------------------------------------------------------------
// Watchdog
// ---------------------------------------------------------------------------

func (c *Channel) tick(now time.Time) {
	switch c.state {
	case StateReady, StateDisconnected:
		c.resetConnection(now)
	case StateConnecting:
		c.tickConnecting(now)
	case StateConnected:
		c.tickConnected(now)
	}
}

func (c *Channel) tickConnecting(now time.Time) {
	if c.cfg.Protocol == config.ProtocolUDP {
		if c.cfg.Endpoint == config.EndpointClient && c.resolveServer() {
			c.transmit(protocol.TypeClientHandshake, c.name, now)
		}
		return
	}

	if c.stream != nil {
		if !c.verified && now.Sub(c.streamSince) >= c.cfg.TCPVerify() {
			c.log.Warnf("no valid handshake from %v within %s", c.stream.RemoteAddr(), c.cfg.TCPVerify())
			c.resetConnection(now)
		}
		return
	}
	if c.cfg.Endpoint == config.EndpointClient && !c.dialing {
		c.dialing = true
		go c.dialStream(c.dialer(), c.cfg.ServerHostPort(), c.gen, c.ioDone)
	}
}

func (c *Channel) tickConnected(now time.Time) {
	if idle := now.Sub(c.lastReceive); idle >= c.cfg.Idle() {
		c.dropConnection(now, fmt.Sprintf("nothing received for %s", idle.Round(time.Millisecond)))
		return
	}

	if c.cfg.Endpoint == config.EndpointClient && now.Sub(c.lastStats) >= c.cfg.Statistics() {
		c.lastStats = now
		c.transmit(protocol.TypeAck, protocol.AckPayload(c.window.last, now.Sub(c.lastAdvance)), now)
		c.emitStatistics()
	}

	if now.Sub(c.lastSend) >= c.cfg.Idle()/5 {
		c.transmit(protocol.TypeHeartbeat, nil, now)
	}
}

// resolveServer looks up the configured server address once per epoch.
func (c *Channel) resolveServer() bool {
	if c.server != nil {
		return true
	}
	addr, err := net.ResolveUDPAddr("udp", c.cfg.ServerHostPort())
	if err != nil {
		c.dialLog.Do(func() { c.log.Warnf("resolve %s: %v", c.cfg.ServerHostPort(), err) })
		return false
	}
	c.server = addr
	if prev, _ := c.peer.(*net.UDPAddr); !sameUDPAddr(prev, addr) {
		c.setPeer(addr)
	}
	return true
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func (c *Channel) sendMessage(payload []byte, now time.Time) bool {
	if c.state != StateConnected {
		c.unsentLog.Do(func() { c.log.Warnf("message not sent: channel is %s", c.state) })
		return false
	}
	if len(payload) > protocol.MaxMessageLength {
		c.truncateLog.Do(func() {
			c.log.Warnf("message of %d bytes truncated to %d", len(payload), protocol.MaxMessageLength)
		})
	}
	return c.transmit(protocol.TypeNormal, payload, now)
}

// transmit frames and writes one message with the next sequence id.
func (c *Channel) transmit(t protocol.Type, payload []byte, now time.Time) bool {
	var (
		data []byte
		err  error
		m    = &protocol.Message{Type: t, Payload: payload}
	)

	switch c.cfg.Protocol {
	case config.ProtocolUDP:
		target := c.udpTarget()
		if c.udp == nil || target == nil {
			return false
		}
		m.ID = c.seq.take()
		data = protocol.EncodeDatagram(m)
		_, err = c.udp.WriteToUDP(data, target)

	case config.ProtocolTCP:
		if c.stream == nil {
			return false
		}
		m.ID = c.seq.take()
		data = protocol.EncodeFrame(m)
		c.stream.SetWriteDeadline(time.Now().Add(c.cfg.Watchdog()))
		_, err = c.stream.Write(data)
	}

	if err != nil {
		c.log.Warnf("write %s #%d: %v", t, m.ID, err)
		if c.cfg.Protocol == config.ProtocolTCP {
			// A partial frame leaves the stream unusable.
			c.dropConnection(now, "write failed")
		}
		return false
	}

	c.lastSend = now
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(len(data))
	if c.cfg.Endpoint == config.EndpointServer {
		c.sent.record(m.ID, now)
	}
	return true
}

func (c *Channel) udpTarget() *net.UDPAddr {
	if c.cfg.Endpoint == config.EndpointClient {
		return c.server
	}
	addr, _ := c.peer.(*net.UDPAddr)
	return addr
}
