package channel

import (
	"context"
	"net"
	"sync"

	"github.com/1ureka/roverlink/internal/protocol"
)

type noteKind int

const (
	noteMessage noteKind = iota
	noteState
	notePeer
	noteStatistics
)

// note is one queued notification for the application.
type note struct {
	kind  noteKind
	msg   *protocol.Message
	state State
	peer  net.Addr
	stats Statistics
}

// notifier decouples the Channel goroutine from application handlers. The
// Channel pushes notes without blocking; a single dispatcher goroutine
// delivers them in order, so a handler may call back into any Channel.
type notifier struct {
	mu    sync.Mutex
	queue []note
	wake  chan struct{} // coalescing, capacity 1

	onMessage []func(*protocol.Message)
	onState   []func(State)
	onPeer    []func(net.Addr)
	onStats   []func(Statistics)
	routes    map[*Channel]struct{}
}

func newNotifier() *notifier {
	return &notifier{
		wake:   make(chan struct{}, 1),
		routes: make(map[*Channel]struct{}),
	}
}

func (n *notifier) push(nt note) {
	n.mu.Lock()
	n.queue = append(n.queue, nt)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (n *notifier) take() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

// run is the dispatcher loop. It exits when ctx is cancelled, after
// flushing what was already queued.
func (n *notifier) run(ctx context.Context) {
	for {
		select {
		case <-n.wake:
			for _, nt := range n.take() {
				n.dispatch(nt)
			}
		case <-ctx.Done():
			for _, nt := range n.take() {
				n.dispatch(nt)
			}
			return
		}
	}
}

func (n *notifier) dispatch(nt note) {
	n.mu.Lock()
	onMessage := n.onMessage
	onState := n.onState
	onPeer := n.onPeer
	onStats := n.onStats
	var routes []*Channel
	if nt.kind == noteMessage {
		for r := range n.routes {
			routes = append(routes, r)
		}
	}
	n.mu.Unlock()

	switch nt.kind {
	case noteMessage:
		for _, fn := range onMessage {
			fn(nt.msg)
		}
		for _, r := range routes {
			r.SendMessage(nt.msg.Payload)
		}
	case noteState:
		for _, fn := range onState {
			fn(nt.state)
		}
	case notePeer:
		for _, fn := range onPeer {
			fn(nt.peer)
		}
	case noteStatistics:
		for _, fn := range onStats {
			fn(nt.stats)
		}
	}
}

func (n *notifier) addRoute(c *Channel) {
	n.mu.Lock()
	n.routes[c] = struct{}{}
	n.mu.Unlock()
}

func (n *notifier) removeRoute(c *Channel) {
	n.mu.Lock()
	delete(n.routes, c)
	n.mu.Unlock()
}
