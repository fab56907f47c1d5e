package channel

import (
	"net"
	"testing"
	"time"

	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/protocol"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

// newTestChannel builds a configured Channel without starting its
// goroutines, so the state machine can be driven directly.
func newTestChannel(t *testing.T, cfg config.Config) *Channel {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c := newChannel()
	c.configure(cfg)
	t.Cleanup(c.teardown)
	return c
}

func serverConfig(name string) config.Config {
	cfg := config.Default()
	cfg.Name = name
	cfg.Protocol = config.ProtocolUDP
	cfg.Endpoint = config.EndpointServer
	cfg.HostAddress = "127.0.0.1"
	return cfg
}

func handshake(t protocol.Type, id uint32, name string) *protocol.Message {
	return &protocol.Message{Type: t, ID: id, Payload: []byte(name)}
}

func normal(id uint32, payload string) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeNormal, ID: id, Payload: []byte(payload)}
}

// drain splits the queued notifications by kind.
func drain(c *Channel) (msgs []*protocol.Message, states []State, peers []net.Addr) {
	for _, nt := range c.notify.take() {
		switch nt.kind {
		case noteMessage:
			msgs = append(msgs, nt.msg)
		case noteState:
			states = append(states, nt.state)
		case notePeer:
			peers = append(peers, nt.peer)
		}
	}
	return msgs, states, peers
}

func TestServerHandshakeGatesTraffic(t *testing.T) {
	c := newTestChannel(t, serverConfig("Telemetry"))
	now := time.Now()
	c.setState(StateConnecting)

	c.process(normal(2, "early"), testPeer, 10, now)
	if c.window.last != 0 {
		t.Fatalf("window advanced to %d before the handshake", c.window.last)
	}
	c.process(handshake(protocol.TypeClientHandshake, 1, "Telemetr"), testPeer, 13, now)
	c.process(handshake(protocol.TypeClientHandshake, 1, "TelemetryX"), testPeer, 15, now)
	if c.state != StateConnecting {
		t.Fatalf("state = %s after bad handshakes, want connecting", c.state)
	}

	c.process(handshake(protocol.TypeClientHandshake, 1, "Telemetry"), testPeer, 14, now)
	if c.state != StateConnected {
		t.Fatalf("state = %s after valid handshake, want connected", c.state)
	}
	if c.peer != testPeer {
		t.Errorf("peer = %v, want %v", c.peer, testPeer)
	}

	c.process(normal(2, "hello"), testPeer, 10, now)

	msgs, states, peers := drain(c)
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" || msgs[0].ID != 2 {
		t.Fatalf("delivered %v, want only hello #2", msgs)
	}
	if want := []State{StateConnecting, StateConnected}; !equalStates(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if len(peers) != 1 || peers[0] != testPeer {
		t.Errorf("peer notifications = %v", peers)
	}
}

func TestStaleMessagesDropped(t *testing.T) {
	testCases := []struct {
		name        string
		dropOld     bool
		ids         []uint32
		wantIDs     []uint32
		wantDropped uint64
	}{
		{"drop old", true, []uint32{2, 4, 3, 4, 5}, []uint32{2, 4, 5}, 2},
		{"keep old", false, []uint32{2, 4, 3, 4, 5}, []uint32{2, 4, 3, 4, 5}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := serverConfig("Drive")
			cfg.DropOldPackets = tc.dropOld
			c := newTestChannel(t, cfg)
			now := time.Now()
			c.setState(StateConnecting)
			c.process(handshake(protocol.TypeClientHandshake, 1, "Drive"), testPeer, 10, now)

			for _, id := range tc.ids {
				c.process(normal(id, "x"), testPeer, 6, now)
			}

			msgs, _, _ := drain(c)
			var got []uint32
			for _, m := range msgs {
				got = append(got, m.ID)
			}
			if len(got) != len(tc.wantIDs) {
				t.Fatalf("delivered %v, want %v", got, tc.wantIDs)
			}
			for i := range got {
				if got[i] != tc.wantIDs[i] {
					t.Fatalf("delivered %v, want %v", got, tc.wantIDs)
				}
			}
			if c.stats.Dropped != tc.wantDropped {
				t.Errorf("Dropped = %d, want %d", c.stats.Dropped, tc.wantDropped)
			}
		})
	}
}

func TestLateHandshakeKeepsEpoch(t *testing.T) {
	c := newTestChannel(t, serverConfig("Arm"))
	now := time.Now()
	c.setState(StateConnecting)
	c.process(handshake(protocol.TypeClientHandshake, 1, "Arm"), testPeer, 8, now)
	c.process(normal(2, "a"), testPeer, 6, now)
	c.process(normal(3, "b"), testPeer, 6, now)

	// A delayed copy of the opening handshake must not reopen the window.
	c.process(handshake(protocol.TypeClientHandshake, 1, "Arm"), testPeer, 8, now)
	c.process(normal(2, "a"), testPeer, 6, now)

	if c.state != StateConnected {
		t.Errorf("state = %s, want connected", c.state)
	}
	if c.window.last != 3 {
		t.Errorf("window.last = %d, want 3", c.window.last)
	}
	msgs, _, _ := drain(c)
	if len(msgs) != 2 {
		t.Errorf("delivered %d messages, want 2", len(msgs))
	}
}

func TestClientIgnoresClientHandshake(t *testing.T) {
	cfg := serverConfig("Cam")
	cfg.Endpoint = config.EndpointClient
	cfg.ServerAddress = "127.0.0.1"
	cfg.ServerPort = 9
	c := newTestChannel(t, cfg)
	c.setState(StateConnecting)

	c.process(handshake(protocol.TypeClientHandshake, 1, "Cam"), testPeer, 8, time.Now())
	if c.state != StateConnecting {
		t.Errorf("state = %s, want connecting", c.state)
	}

	c.process(handshake(protocol.TypeServerHandshake, 7, "Cam"), testPeer, 8, time.Now())
	if c.state != StateConnected || c.window.last != 7 {
		t.Errorf("state = %s, last = %d; want connected at 7", c.state, c.window.last)
	}
}

func TestIdleTimeoutResetsServer(t *testing.T) {
	c := newTestChannel(t, serverConfig("Lidar"))
	t0 := time.Now()
	c.setState(StateReady)
	c.resetConnection(t0)
	if c.state != StateConnecting {
		t.Fatalf("state = %s after reset, want connecting", c.state)
	}

	c.process(handshake(protocol.TypeClientHandshake, 1, "Lidar"), testPeer, 10, t0)
	if c.state != StateConnected {
		t.Fatalf("state = %s, want connected", c.state)
	}

	c.tick(t0.Add(c.cfg.Idle() / 2))
	if c.state != StateConnected {
		t.Fatalf("dropped before the idle timeout")
	}

	c.tick(t0.Add(c.cfg.Idle()))
	if c.state != StateConnecting {
		t.Fatalf("state = %s after idle timeout, want connecting", c.state)
	}
	if c.peer != nil {
		t.Errorf("peer = %v after timeout, want nil", c.peer)
	}
	if c.udp == nil {
		t.Error("socket not rebound after timeout")
	}

	_, states, peers := drain(c)
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting}
	if !equalStates(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if len(peers) != 2 || peers[1] != nil {
		t.Errorf("peer notifications = %v, want [peer <nil>]", peers)
	}
}

func TestHeartbeatWhenQuiet(t *testing.T) {
	c := newTestChannel(t, serverConfig("Imu"))
	t0 := time.Now()
	c.setState(StateReady)
	c.resetConnection(t0)
	c.process(handshake(protocol.TypeClientHandshake, 1, "Imu"), testPeer, 8, t0)
	sent := c.stats.MessagesSent

	c.tick(t0.Add(c.cfg.Idle()/5 - time.Millisecond))
	if c.stats.MessagesSent != sent {
		t.Fatalf("heartbeat sent too early")
	}
	c.tick(t0.Add(c.cfg.Idle() / 5))
	if c.stats.MessagesSent != sent+1 {
		t.Errorf("MessagesSent = %d, want %d", c.stats.MessagesSent, sent+1)
	}
}

func TestAckMeasuresRTT(t *testing.T) {
	c := newTestChannel(t, serverConfig("Gps"))
	t0 := time.Now()
	c.setState(StateReady)
	c.resetConnection(t0)

	// The server handshake reply goes out as #1 and is tracked.
	c.process(handshake(protocol.TypeClientHandshake, 1, "Gps"), testPeer, 8, t0)
	if c.sent.len() != 1 {
		t.Fatalf("sent log holds %d entries, want 1", c.sent.len())
	}
	if c.stats.RTT >= 0 {
		t.Fatalf("RTT = %s before any ack", c.stats.RTT)
	}

	ack := &protocol.Message{Type: protocol.TypeAck, ID: 2, Payload: protocol.AckPayload(1, 200*time.Millisecond)}
	c.process(ack, testPeer, 13, t0.Add(500*time.Millisecond))

	if c.stats.RTT != 300*time.Millisecond {
		t.Errorf("RTT = %s, want 300ms", c.stats.RTT)
	}
	if c.stats.RTTMillis() != 300 {
		t.Errorf("RTTMillis = %d", c.stats.RTTMillis())
	}

	// A second ack for the same id measures nothing.
	c.process(&protocol.Message{Type: protocol.TypeAck, ID: 3, Payload: protocol.AckPayload(1, 0)}, testPeer, 13, t0.Add(time.Second))
	if c.stats.RTT != 300*time.Millisecond {
		t.Errorf("RTT changed to %s on a repeated ack", c.stats.RTT)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	c := newTestChannel(t, serverConfig("Arm"))
	if c.sendMessage([]byte("x"), time.Now()) {
		t.Error("sendMessage succeeded while ready")
	}
}

func TestOpenAndCloseTransitions(t *testing.T) {
	c := newTestChannel(t, serverConfig("Arm"))
	now := time.Now()

	c.open(now)
	if c.state != StateConnecting || c.watchdog == nil {
		t.Fatalf("state = %s after open", c.state)
	}
	c.open(now)
	if c.state != StateConnecting {
		t.Errorf("second open changed state to %s", c.state)
	}

	c.close()
	if c.state != StateReady || c.watchdog != nil || c.udp != nil {
		t.Errorf("close left state %s, watchdog %v, udp %v", c.state, c.watchdog, c.udp)
	}

	c.fail("boom")
	c.close()
	if c.state != StateError {
		t.Errorf("close moved error to %s", c.state)
	}
	c.open(now)
	if c.state != StateError {
		t.Errorf("open moved error to %s", c.state)
	}
}

func TestOpenDeferredUntilConfigured(t *testing.T) {
	c := newChannel()
	t.Cleanup(c.teardown)
	c.open(time.Now())
	if !c.openPending || c.state != StateAwaitingConfiguration {
		t.Fatalf("openPending = %v, state = %s", c.openPending, c.state)
	}
	c.close()
	if c.openPending {
		t.Error("close did not cancel the pending open")
	}
}

func TestFatalBindError(t *testing.T) {
	held, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer held.Close()

	cfg := serverConfig("Busy")
	cfg.ServerPort = held.LocalAddr().(*net.UDPAddr).Port
	c := newTestChannel(t, cfg)
	c.setState(StateReady)
	c.resetConnection(time.Now())

	if c.state != StateError {
		t.Errorf("state = %s binding a taken port, want error", c.state)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMalformedDatagramResetsOnlyWhenConnected(t *testing.T) {
	c := newTestChannel(t, serverConfig("Arm"))
	t0 := time.Now()
	c.setState(StateReady)
	c.resetConnection(t0)
	gen := c.gen

	c.receiveDatagram([]byte{1, 2, 3}, testPeer, t0)
	if c.state != StateConnecting || c.gen != gen {
		t.Fatalf("malformed datagram while connecting: state %s, gen %d -> %d", c.state, gen, c.gen)
	}

	c.receiveDatagram(protocol.EncodeDatagram(handshake(protocol.TypeClientHandshake, 1, "Arm")), testPeer, t0)
	if c.state != StateConnected {
		t.Fatalf("state = %s after handshake, want connected", c.state)
	}

	c.receiveDatagram([]byte{1, 2, 3}, testPeer, t0)
	if c.state != StateConnecting {
		t.Fatalf("state = %s after malformed datagram, want connecting", c.state)
	}
	if c.peer != nil {
		t.Errorf("peer = %v after reset, want nil", c.peer)
	}

	_, states, _ := drain(c)
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting}
	if !equalStates(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

// TestAckHoldTimeIgnoresLateMessages checks that the hold time reported in an
// Ack runs from the arrival of the acknowledged id, not from a later message
// that was delivered out of order.
func TestAckHoldTimeIgnoresLateMessages(t *testing.T) {
	base, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer base.Close()

	cfg := serverConfig("Gps")
	cfg.Endpoint = config.EndpointClient
	cfg.ServerAddress = "127.0.0.1"
	cfg.ServerPort = base.LocalAddr().(*net.UDPAddr).Port
	cfg.DropOldPackets = false
	c := newTestChannel(t, cfg)

	t0 := time.Now()
	c.setState(StateReady)
	c.resetConnection(t0)
	if !c.resolveServer() {
		t.Fatal("resolveServer failed")
	}
	from := c.server

	c.process(handshake(protocol.TypeServerHandshake, 1, "Gps"), from, 8, t0)
	c.process(normal(5, "newest"), from, 11, t0.Add(100*time.Millisecond))
	c.process(normal(3, "late"), from, 9, t0.Add(800*time.Millisecond))
	c.tick(t0.Add(c.cfg.Statistics()))

	base.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := base.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no ack sent: %v", err)
	}
	m, err := protocol.DecodeDatagram(buf[:n])
	if err != nil || m.Type != protocol.TypeAck {
		t.Fatalf("first datagram = %+v, %v; want an ack", m, err)
	}
	id, held, ok := protocol.ParseAck(m.Payload)
	if !ok || id != 5 {
		t.Fatalf("ack for #%d (ok %v), want #5", id, ok)
	}
	if want := c.cfg.Statistics() - 100*time.Millisecond; held != want {
		t.Errorf("hold time = %s, want %s", held, want)
	}
}
