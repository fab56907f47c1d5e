// Package monitor exposes the links of a running process over HTTP:
// Prometheus metrics, a JSON status listing and a websocket event stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/roverlink/internal/channel"
	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/util"
)

// Link is the part of a channel the monitor observes.
type Link interface {
	Name() string
	Role() config.Endpoint
	Protocol() config.Protocol
	State() channel.State
	Statistics() channel.Statistics
	PeerAddress() net.Addr
	OnStateChange(func(channel.State))
	OnPeerAddressChange(func(net.Addr))
	OnStatistics(func(channel.Statistics))
}

// LinkStatus is the JSON view of one link.
type LinkStatus struct {
	ID               uint32 `json:"id"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	Protocol         string `json:"protocol"`
	State            string `json:"state"`
	Peer             string `json:"peer,omitempty"`
	RTTMillis        int64  `json:"rttMs"`
	MessagesSent     uint64 `json:"messagesSent"`
	MessagesReceived uint64 `json:"messagesReceived"`
	BytesSent        uint64 `json:"bytesSent"`
	BytesReceived    uint64 `json:"bytesReceived"`
	Dropped          uint64 `json:"dropped"`
}

// Monitor tracks a set of links and serves their status.
type Monitor struct {
	registry *prometheus.Registry
	metrics  *metrics
	hub      *Hub

	mu    sync.RWMutex
	links []Link
}

// New creates a Monitor with its own Prometheus registry, which also carries
// the Go runtime and process collectors.
func New() *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Monitor{
		registry: reg,
		metrics:  newMetrics(reg),
		hub:      newHub(),
	}
	reg.MustRegister(newLinkCollector(m.snapshotLinks))
	return m
}

// Registry returns the registry backing /metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Hub returns the websocket event hub.
func (m *Monitor) Hub() *Hub {
	return m.hub
}

// Watch adds l to the monitored set and subscribes to its notifications.
func (m *Monitor) Watch(l Link) {
	m.mu.Lock()
	m.links = append(m.links, l)
	m.mu.Unlock()

	role := string(l.Role())
	l.OnStateChange(func(s channel.State) {
		m.metrics.transitions.WithLabelValues(l.Name(), role, s.String()).Inc()
		m.publish("state", l)
	})
	l.OnPeerAddressChange(func(net.Addr) {
		m.metrics.peerChanges.WithLabelValues(l.Name(), role).Inc()
		m.publish("peer", l)
	})
	l.OnStatistics(func(channel.Statistics) {
		m.publish("statistics", l)
	})
}

// Forwarded records one message relayed from one link to another.
func (m *Monitor) Forwarded(from, to string) {
	m.metrics.forwarded.WithLabelValues(from, to).Inc()
}

func (m *Monitor) publish(kind string, l Link) {
	if m.hub.Len() == 0 {
		return
	}
	st := status(l)
	m.hub.Broadcast(Event{Type: kind, Time: time.Now(), Link: &st})
}

func (m *Monitor) snapshotLinks() []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Link(nil), m.links...)
}

// Status returns the current status of every watched link.
func (m *Monitor) Status() []LinkStatus {
	links := m.snapshotLinks()
	out := make([]LinkStatus, 0, len(links))
	for _, l := range links {
		out = append(out, status(l))
	}
	return out
}

func status(l Link) LinkStatus {
	s := l.Statistics()
	st := LinkStatus{
		ID:               util.LinkID(l.Name(), l.Role()),
		Name:             l.Name(),
		Role:             string(l.Role()),
		Protocol:         string(l.Protocol()),
		State:            l.State().String(),
		RTTMillis:        s.RTTMillis(),
		MessagesSent:     s.MessagesSent,
		MessagesReceived: s.MessagesReceived,
		BytesSent:        s.BytesSent,
		BytesReceived:    s.BytesReceived,
		Dropped:          s.Dropped,
	}
	if peer := l.PeerAddress(); peer != nil {
		st.Peer = peer.String()
	}
	return st
}

// Router returns the HTTP handler:
//
//	GET /metrics  Prometheus exposition
//	GET /links    JSON status of every link
//	GET /ws       websocket stream of Events, starting with a snapshot
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))

	r.With(middleware.NoCache).Get("/links", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Status())
	})

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		m.hub.serve(w, r, Event{Type: "snapshot", Time: time.Now(), Links: m.Status()})
	})

	return r
}

// Serve runs the HTTP server on addr until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.ServeListener(ctx, l)
}

// ServeListener is Serve on an existing listener.
func (m *Monitor) ServeListener(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		m.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("monitor listening on http://%s", l.Addr())
	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
