package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/1ureka/roverlink/internal/channel"
)

const namespace = "roverlink"

var linkLabels = []string{"link", "role", "protocol"}

// metrics holds the event-driven Prometheus metrics. Per-link traffic
// counters are read from the links at scrape time by linkCollector.
type metrics struct {
	transitions *prometheus.CounterVec
	peerChanges *prometheus.CounterVec
	forwarded   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_transitions_total",
			Help:      "State transitions per link, by the state entered",
		}, []string{"link", "role", "state"}),

		peerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_peer_changes_total",
			Help:      "Number of times a link's peer address changed",
		}, []string{"link", "role"}),

		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_forwarded_total",
			Help:      "Messages forwarded from one link to another",
		}, []string{"from", "to"}),
	}
}

// linkCollector exports each watched link's Statistics as const metrics.
type linkCollector struct {
	links func() []Link

	state    *prometheus.Desc
	up       *prometheus.Desc
	rtt      *prometheus.Desc
	msgSent  *prometheus.Desc
	msgRecv  *prometheus.Desc
	byteSent *prometheus.Desc
	byteRecv *prometheus.Desc
	dropped  *prometheus.Desc
}

func newLinkCollector(links func() []Link) *linkCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", name), help, linkLabels, nil)
	}
	return &linkCollector{
		links:    links,
		state:    desc("state", "Current link state (2 connecting, 3 connected, 4 disconnected, 5 error)"),
		up:       desc("up", "1 if the link is connected"),
		rtt:      desc("rtt_seconds", "Last measured round trip time"),
		msgSent:  desc("messages_sent_total", "Messages sent, all types"),
		msgRecv:  desc("messages_received_total", "Messages accepted, all types"),
		byteSent: desc("bytes_sent_total", "Bytes written including headers"),
		byteRecv: desc("bytes_received_total", "Bytes accepted including headers"),
		dropped:  desc("dropped_total", "Messages discarded as stale"),
	}
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.state, c.up, c.rtt, c.msgSent, c.msgRecv, c.byteSent, c.byteRecv, c.dropped} {
		ch <- d
	}
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	for _, l := range c.links() {
		labels := []string{l.Name(), string(l.Role()), string(l.Protocol())}
		state := l.State()
		s := l.Statistics()

		up := 0.0
		if state == channel.StateConnected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(state), labels...)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, labels...)
		if s.RTT >= 0 {
			ch <- prometheus.MustNewConstMetric(c.rtt, prometheus.GaugeValue, s.RTT.Seconds(), labels...)
		}
		ch <- prometheus.MustNewConstMetric(c.msgSent, prometheus.CounterValue, float64(s.MessagesSent), labels...)
		ch <- prometheus.MustNewConstMetric(c.msgRecv, prometheus.CounterValue, float64(s.MessagesReceived), labels...)
		ch <- prometheus.MustNewConstMetric(c.byteSent, prometheus.CounterValue, float64(s.BytesSent), labels...)
		ch <- prometheus.MustNewConstMetric(c.byteRecv, prometheus.CounterValue, float64(s.BytesReceived), labels...)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped), labels...)
	}
}
