package monitor

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/1ureka/roverlink/internal/channel"
	"github.com/1ureka/roverlink/internal/config"
)

// Compile-time interface check.
var _ Link = (*channel.Channel)(nil)

// fakeLink is a Link whose state is set by the test and whose handlers the
// test fires directly.
type fakeLink struct {
	mu      sync.Mutex
	name    string
	role    config.Endpoint
	state   channel.State
	stats   channel.Statistics
	peer    net.Addr
	onState []func(channel.State)
	onPeer  []func(net.Addr)
	onStats []func(channel.Statistics)
}

func newFakeLink(name string, role config.Endpoint) *fakeLink {
	return &fakeLink{name: name, role: role, state: channel.StateReady, stats: channel.Statistics{RTT: -1}}
}

func (f *fakeLink) Name() string { return f.name }

func (f *fakeLink) Role() config.Endpoint { return f.role }

func (f *fakeLink) Protocol() config.Protocol { return config.ProtocolUDP }

func (f *fakeLink) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) Statistics() channel.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeLink) PeerAddress() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peer
}

func (f *fakeLink) OnStateChange(fn func(channel.State)) { f.onState = append(f.onState, fn) }

func (f *fakeLink) OnPeerAddressChange(fn func(net.Addr)) { f.onPeer = append(f.onPeer, fn) }

func (f *fakeLink) OnStatistics(fn func(channel.Statistics)) { f.onStats = append(f.onStats, fn) }

func (f *fakeLink) setState(s channel.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	for _, fn := range f.onState {
		fn(s)
	}
}

func (f *fakeLink) setPeer(addr net.Addr) {
	f.mu.Lock()
	f.peer = addr
	f.mu.Unlock()
	for _, fn := range f.onPeer {
		fn(addr)
	}
}

func TestTransitionsCounted(t *testing.T) {
	m := New()
	l := newFakeLink("Drive", config.EndpointServer)
	m.Watch(l)

	l.setState(channel.StateConnecting)
	l.setState(channel.StateConnected)
	l.setState(channel.StateDisconnected)
	l.setState(channel.StateConnecting)

	counter := m.metrics.transitions
	if got := testutil.ToFloat64(counter.WithLabelValues("Drive", "server", "connecting")); got != 2 {
		t.Errorf("connecting transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("Drive", "server", "disconnected")); got != 1 {
		t.Errorf("disconnected transitions = %v, want 1", got)
	}

	l.setPeer(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7000})
	if got := testutil.ToFloat64(m.metrics.peerChanges.WithLabelValues("Drive", "server")); got != 1 {
		t.Errorf("peer changes = %v, want 1", got)
	}
}

func TestForwardedCounter(t *testing.T) {
	m := New()
	m.Forwarded("Uplink", "Downlink")
	m.Forwarded("Uplink", "Downlink")
	if got := testutil.ToFloat64(m.metrics.forwarded.WithLabelValues("Uplink", "Downlink")); got != 2 {
		t.Errorf("forwarded = %v, want 2", got)
	}
}

func TestLinkCollector(t *testing.T) {
	m := New()
	l := newFakeLink("Arm", config.EndpointClient)
	l.state = channel.StateConnected
	l.stats = channel.Statistics{RTT: 25 * time.Millisecond, MessagesSent: 7, BytesSent: 70, Dropped: 2}
	m.Watch(l)

	collector := newLinkCollector(m.snapshotLinks)
	// state, up, rtt, and five counters.
	if got := testutil.CollectAndCount(collector); got != 8 {
		t.Errorf("collected %d metrics, want 8", got)
	}

	expected := `
# HELP roverlink_link_dropped_total Messages discarded as stale
# TYPE roverlink_link_dropped_total counter
roverlink_link_dropped_total{link="Arm",protocol="udp",role="client"} 2
# HELP roverlink_link_up 1 if the link is connected
# TYPE roverlink_link_up gauge
roverlink_link_up{link="Arm",protocol="udp",role="client"} 1
`
	if err := testutil.CollectAndCompare(collector, strings.NewReader(expected), "roverlink_link_dropped_total", "roverlink_link_up"); err != nil {
		t.Error(err)
	}

	// No RTT series until one is measured.
	l.stats.RTT = -1
	if got := testutil.CollectAndCount(collector, "roverlink_link_rtt_seconds"); got != 0 {
		t.Errorf("rtt series without a measurement: %d", got)
	}
}

func TestLinksEndpoint(t *testing.T) {
	m := New()
	l := newFakeLink("Gps", config.EndpointServer)
	l.state = channel.StateConnected
	l.peer = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 50000}
	m.Watch(l)

	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/links", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var links []LinkStatus
	if err := json.NewDecoder(rec.Body).Decode(&links); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("got %d links", len(links))
	}
	got := links[0]
	if got.Name != "Gps" || got.State != "connected" || got.Peer != "192.168.1.20:50000" || got.RTTMillis != -1 {
		t.Errorf("status = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.Watch(newFakeLink("Imu", config.EndpointClient))

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`roverlink_link_messages_sent_total{link="Imu",protocol="udp",role="client"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestWebsocketEvents(t *testing.T) {
	m := New()
	l := newFakeLink("Lidar", config.EndpointServer)
	m.Watch(l)

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if ev.Type != "snapshot" || len(ev.Links) != 1 || ev.Links[0].Name != "Lidar" {
		t.Fatalf("first event = %+v", ev)
	}

	l.setState(channel.StateConnecting)
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read state event: %v", err)
	}
	if ev.Type != "state" || ev.Link == nil || ev.Link.State != "connecting" {
		t.Errorf("state event = %+v", ev)
	}

	m.Hub().Close()
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("after hub close: %v", err)
	}
}
