// Package channel implements the self-healing point-to-point message link
// every rover subsystem talks over: UDP or TCP, with framing, a name-checked
// handshake, heartbeat liveness, stale-packet rejection and RTT statistics.
package channel

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/protocol"
)

// Tuning constants.
const (
	eventBufferSize     = 64 // socket events waiting for the Channel goroutine
	configFetchAttempts = 5
	configFetchBackoff  = time.Second
)

// Channel is one end of a link. All protocol state is owned by a single
// goroutine; exported methods are safe for concurrent use and are serialised
// through it.
//
// A Channel lives until the context passed at construction is cancelled, at
// which point its sockets are closed and Done is closed.
type Channel struct {
	log Logger
	now func() time.Time

	ops    chan func()
	events chan ioEvent
	done   chan struct{}
	notify *notifier

	// Read without the goroutine.
	info      atomic.Pointer[config.Config]
	stateSnap atomic.Int32

	// Everything below is owned by the Channel goroutine.
	cfg         config.Config
	name        []byte
	state       State
	openPending bool
	watchdog    *time.Ticker

	gen      uint64
	ioDone   chan struct{}
	udp      *net.UDPConn
	listener *net.TCPListener
	stream   net.Conn
	dialing  bool
	verified bool // TCP: a valid handshake arrived on the current stream
	frames   protocol.FrameReader

	server      *net.UDPAddr // UDP client: resolved server address
	peer        net.Addr
	seq         sequence
	window      receiveWindow
	sent        *sentLog
	stats       Statistics
	lastSend    time.Time
	lastReceive time.Time
	lastAdvance time.Time // when window.last last moved
	lastStats   time.Time
	streamSince time.Time

	staleLog    rate.Sometimes
	foreignLog  rate.Sometimes
	truncateLog rate.Sometimes
	unsentLog   rate.Sometimes
	dialLog     rate.Sometimes
}

// Option customises a Channel at construction.
type Option func(*Channel)

// WithLogger sets the logging sink. A nil Logger discards everything.
func WithLogger(l Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now as the Channel's notion of the current time.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

func newChannel(opts ...Option) *Channel {
	c := &Channel{
		log:    discardLogger{},
		now:    time.Now,
		ops:    make(chan func()),
		events: make(chan ioEvent, eventBufferSize),
		done:   make(chan struct{}),
		notify: newNotifier(),
		state:  StateAwaitingConfiguration,
	}
	c.stats.RTT = -1
	for _, limiter := range []*rate.Sometimes{&c.staleLog, &c.foreignLog, &c.truncateLog, &c.unsentLog, &c.dialLog} {
		limiter.Interval = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New creates a Channel from an inline configuration. It starts in Ready;
// call Open to begin connecting. An invalid configuration yields a Channel
// in Error together with the validation error.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Channel, error) {
	c := newChannel(opts...)
	err := cfg.Validate()
	if err != nil {
		c.log.Errorf("invalid configuration: %v", err)
		c.setState(StateError)
	} else {
		c.configure(cfg)
	}
	c.start(ctx)
	return c, err
}

// NewFromURL creates a Channel in AwaitingConfiguration and fetches its
// configuration in the background. Open may be called right away; it takes
// effect once the configuration arrives. If every fetch attempt fails the
// Channel moves to Error.
func NewFromURL(ctx context.Context, url string, opts ...Option) *Channel {
	c := newChannel(opts...)
	c.start(ctx)
	go c.fetchConfig(ctx, url)
	return c
}

func (c *Channel) start(ctx context.Context) {
	go c.notify.run(ctx)
	go c.run(ctx)
}

// configure installs a validated configuration and moves to Ready.
func (c *Channel) configure(cfg config.Config) {
	c.cfg = cfg
	c.name = []byte(cfg.Name)
	c.sent = newSentLog(cfg.SentLogCap)
	c.window.dropOld = cfg.DropOldPackets
	c.seq.reset()
	c.info.Store(&cfg)
	c.setState(StateReady)
}

func (c *Channel) fetchConfig(ctx context.Context, url string) {
	backoff := configFetchBackoff
	for attempt := 1; attempt <= configFetchAttempts; attempt++ {
		cfg, err := config.LoadURL(ctx, url)
		if err == nil {
			c.do(func() {
				c.log.Infof("configuration loaded from %s", url)
				c.configure(cfg)
				if c.openPending {
					c.openPending = false
					c.open(c.now())
				}
			})
			return
		}
		if config.IsInvalid(err) {
			c.do(func() { c.fail("configuration from %s rejected: %v", url, err) })
			return
		}

		c.log.Warnf("fetching configuration (attempt %d/%d): %v", attempt, configFetchAttempts, err)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return
		}
	}
	c.do(func() { c.fail("could not fetch configuration from %s", url) })
}

// run is the Channel goroutine.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()

	for {
		var tick <-chan time.Time
		if c.watchdog != nil {
			tick = c.watchdog.C
		}

		select {
		case op := <-c.ops:
			op()
		case ev := <-c.events:
			c.handleEvent(ev, c.now())
		case <-tick:
			c.tick(c.now())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) shutdown() {
	c.stopWatchdog()
	c.teardown()
}

// do runs fn on the Channel goroutine and waits for it. It returns false if
// the Channel has been destroyed.
func (c *Channel) do(fn func()) bool {
	finished := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(finished) }:
	case <-c.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// Open begins the connect/reconnect cycle. It only has an effect in Ready.
func (c *Channel) Open() {
	c.do(func() { c.open(c.now()) })
}

// Close stops the watchdog, closes every socket and returns to Ready. It is
// safe in any state.
func (c *Channel) Close() {
	c.do(c.close)
}

// SendMessage transmits payload as a Normal message with the next sequence
// id. Payloads longer than protocol.MaxMessageLength are truncated. It
// returns false if the Channel is not connected or the write fails.
func (c *Channel) SendMessage(payload []byte) bool {
	var ok bool
	c.do(func() { ok = c.sendMessage(payload, c.now()) })
	return ok
}

// Route forwards every message received on c as an outgoing message on other.
func (c *Channel) Route(other *Channel) {
	if other == nil || other == c {
		return
	}
	c.notify.addRoute(other)
}

// Unroute removes a forwarding installed with Route.
func (c *Channel) Unroute(other *Channel) {
	c.notify.removeRoute(other)
}

// OnMessage registers a handler for delivered Normal messages.
func (c *Channel) OnMessage(fn func(*protocol.Message)) {
	c.notify.mu.Lock()
	c.notify.onMessage = append(c.notify.onMessage, fn)
	c.notify.mu.Unlock()
}

// OnStateChange registers a handler for transitions into Connecting,
// Connected, Disconnected and Error.
func (c *Channel) OnStateChange(fn func(State)) {
	c.notify.mu.Lock()
	c.notify.onState = append(c.notify.onState, fn)
	c.notify.mu.Unlock()
}

// OnPeerAddressChange registers a handler for peer address changes. A nil
// address means the peer was forgotten.
func (c *Channel) OnPeerAddressChange(fn func(net.Addr)) {
	c.notify.mu.Lock()
	c.notify.onPeer = append(c.notify.onPeer, fn)
	c.notify.mu.Unlock()
}

// OnStatistics registers a handler for statistics updates.
func (c *Channel) OnStatistics(fn func(Statistics)) {
	c.notify.mu.Lock()
	c.notify.onStats = append(c.notify.onStats, fn)
	c.notify.mu.Unlock()
}

// Name returns the configured channel name, or "" before configuration.
func (c *Channel) Name() string {
	if cfg := c.info.Load(); cfg != nil {
		return cfg.Name
	}
	return ""
}

// Protocol returns the configured transport.
func (c *Channel) Protocol() config.Protocol {
	if cfg := c.info.Load(); cfg != nil {
		return cfg.Protocol
	}
	return ""
}

// Role returns whether this end is the server or the client.
func (c *Channel) Role() config.Endpoint {
	if cfg := c.info.Load(); cfg != nil {
		return cfg.Endpoint
	}
	return ""
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.stateSnap.Load())
}

// PeerAddress returns the verified peer, or nil if there is none.
func (c *Channel) PeerAddress() net.Addr {
	var addr net.Addr
	c.do(func() { addr = c.peer })
	return addr
}

// HostAddress returns the locally bound address, or nil if nothing is bound.
func (c *Channel) HostAddress() net.Addr {
	var addr net.Addr
	c.do(func() { addr = c.localAddr() })
	return addr
}

// Statistics returns a snapshot of the traffic counters.
func (c *Channel) Statistics() Statistics {
	s := Statistics{RTT: -1}
	c.do(func() { s = c.stats })
	return s
}

// Done is closed once the Channel has been destroyed and its sockets closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) localAddr() net.Addr {
	switch {
	case c.udp != nil:
		return c.udp.LocalAddr()
	case c.listener != nil:
		return c.listener.Addr()
	case c.stream != nil:
		return c.stream.LocalAddr()
	}
	return nil
}
