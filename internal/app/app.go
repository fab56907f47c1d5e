// Package app contains the top-level orchestration for the run modes:
// hosting links, relaying between links and sending test traffic.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1ureka/roverlink/internal/channel"
	"github.com/1ureka/roverlink/internal/config"
	"github.com/1ureka/roverlink/internal/monitor"
	"github.com/1ureka/roverlink/internal/util"
)

// Options are shared by every run mode.
type Options struct {
	// MonitorAddr is the listen address of the HTTP monitor. Empty disables it.
	MonitorAddr string

	// StatsInterval is how often per-link traffic is logged. Zero disables it.
	StatsInterval time.Duration
}

// ErrLinkFailed is returned when a link enters the Error state.
var ErrLinkFailed = errors.New("link failed")

// OpenLink creates a Channel from source, which is either a path to a
// configuration file or an http(s) URL serving one, and opens it.
func OpenLink(ctx context.Context, source string) (*channel.Channel, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		ch := channel.NewFromURL(ctx, source, channel.WithLogger(util.NewLogger(source)))
		ch.Open()
		return ch, nil
	}

	cfg, err := config.Load(source)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", source, err)
	}
	return OpenConfig(ctx, cfg)
}

// OpenConfig creates a Channel from an inline configuration and opens it.
func OpenConfig(ctx context.Context, cfg config.Config) (*channel.Channel, error) {
	ch, err := channel.New(ctx, cfg, channel.WithLogger(util.NewLogger(cfg.Name)))
	if err != nil {
		return nil, err
	}
	ch.Open()
	return ch, nil
}

// openAll opens every source in order and stops at the first failure.
// The caller cancels ctx to release what was already opened.
func openAll(ctx context.Context, sources []string) ([]*channel.Channel, error) {
	links := make([]*channel.Channel, 0, len(sources))
	for _, src := range sources {
		ch, err := OpenLink(ctx, src)
		if err != nil {
			return nil, err
		}
		watchState(ch)
		links = append(links, ch)
	}
	return links, nil
}

// watchState logs the transitions of ch at info level.
func watchState(ch *channel.Channel) {
	ch.OnStateChange(func(s channel.State) {
		switch s {
		case channel.StateConnected:
			util.LogSuccess("[%s] connected to %v", ch.Name(), ch.PeerAddress())
		case channel.StateError:
			util.LogError("[%s] entered error state", ch.Name())
		default:
			util.LogInfo("[%s] %s", ch.Name(), s)
		}
	})
}

// startObservers launches the stats reporter and the monitor for links.
func startObservers(ctx context.Context, opts Options, links []*channel.Channel) *monitor.Monitor {
	if opts.StatsInterval > 0 {
		reported := make([]util.Link, len(links))
		for i, l := range links {
			reported[i] = l
		}
		util.StartStatsReporter(ctx, opts.StatsInterval, reported...)
	}

	if opts.MonitorAddr == "" {
		return nil
	}
	m := monitor.New()
	for _, l := range links {
		m.Watch(l)
	}
	go func() {
		if err := m.Serve(ctx, opts.MonitorAddr); err != nil {
			util.LogError("monitor: %v", err)
		}
	}()
	return m
}

// waitConnected blocks until ch is Connected. It fails if ch enters Error,
// is destroyed, or ctx ends first.
func waitConnected(ctx context.Context, ch *channel.Channel) error {
	states := make(chan channel.State, 1)
	ch.OnStateChange(func(s channel.State) {
		if s == channel.StateConnected || s == channel.StateError {
			select {
			case states <- s:
			default:
			}
		}
	})

	for {
		switch ch.State() {
		case channel.StateConnected:
			return nil
		case channel.StateError:
			return fmt.Errorf("%s: %w", ch.Name(), ErrLinkFailed)
		}

		select {
		case <-states:
		case <-ch.Done():
			return fmt.Errorf("%s: channel destroyed", ch.Name())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitDone blocks until every link has released its sockets.
func waitDone(links []*channel.Channel) {
	for _, l := range links {
		<-l.Done()
	}
}
