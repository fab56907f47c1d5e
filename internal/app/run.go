package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/roverlink/internal/channel"
	"github.com/1ureka/roverlink/internal/monitor"
	"github.com/1ureka/roverlink/internal/protocol"
	"github.com/1ureka/roverlink/internal/util"
)

// RunLinks opens every link in sources and keeps them alive until ctx is
// cancelled. Received messages are logged.
func RunLinks(ctx context.Context, sources []string, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Open links ──────────────────────────────────────────────────
	links, err := openAll(ctx, sources)
	if err != nil {
		return err
	}
	for _, l := range links {
		logMessages(l)
	}

	// ── 2. Observers ───────────────────────────────────────────────────
	startObservers(ctx, opts, links)
	util.LogInfo("running %d link(s); press Ctrl+C to stop", len(links))

	// ── 3. Wait for shutdown ───────────────────────────────────────────
	<-ctx.Done()
	cancel()
	waitDone(links)
	return nil
}

// RunRelay opens the links in from and to and forwards every message
// received on from to to. With bidirectional set, traffic flows both ways.
func RunRelay(ctx context.Context, from, to string, bidirectional bool, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Open both ends ──────────────────────────────────────────────
	links, err := openAll(ctx, []string{from, to})
	if err != nil {
		return err
	}
	src, dst := links[0], links[1]

	// ── 2. Install routes ──────────────────────────────────────────────
	m := startObservers(ctx, opts, links)
	relay(src, dst, m)
	if bidirectional {
		relay(dst, src, m)
	}
	util.LogInfo("relaying %s -> %s (bidirectional: %v)", displayName(src, from), displayName(dst, to), bidirectional)

	// ── 3. Wait for shutdown ───────────────────────────────────────────
	<-ctx.Done()
	src.Unroute(dst)
	dst.Unroute(src)
	cancel()
	waitDone(links)
	return nil
}

// relay routes src into dst and counts forwarded messages on m.
func relay(src, dst *channel.Channel, m *monitor.Monitor) {
	src.Route(dst)
	if m == nil {
		return
	}
	src.OnMessage(func(*protocol.Message) {
		if dst.State() == channel.StateConnected {
			m.Forwarded(src.Name(), dst.Name())
		}
	})
}

// SendOptions controls RunSender.
type SendOptions struct {
	Payloads [][]byte
	Count    int           // rounds; each round sends every payload once
	Interval time.Duration // delay between rounds
	Linger   time.Duration // how long to keep listening for replies afterwards
}

// RunSender opens source, waits for the link to connect, sends the payloads
// and logs whatever comes back.
func RunSender(ctx context.Context, source string, send SendOptions, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	links, err := openAll(ctx, []string{source})
	if err != nil {
		return err
	}
	ch := links[0]
	defer waitDone(links)
	defer cancel()

	logMessages(ch)
	startObservers(ctx, opts, links)

	if err := waitConnected(ctx, ch); err != nil {
		return err
	}

	rounds := max(send.Count, 1)
	for round := 0; round < rounds; round++ {
		if round > 0 {
			select {
			case <-time.After(send.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, p := range send.Payloads {
			if !ch.SendMessage(p) {
				return fmt.Errorf("%s: message not sent (state %s)", ch.Name(), ch.State())
			}
		}
	}
	util.LogSuccess("[%s] sent %d message(s)", ch.Name(), rounds*len(send.Payloads))

	select {
	case <-time.After(send.Linger):
	case <-ctx.Done():
	}
	return nil
}

func logMessages(ch *channel.Channel) {
	ch.OnMessage(func(m *protocol.Message) {
		util.LogInfo("[%s] #%d %s", ch.Name(), m.ID, preview(m.Payload))
	})
}

// preview renders a payload for the log: quoted text when printable, a byte
// count otherwise.
func preview(p []byte) string {
	const limit = 64
	for _, b := range p {
		if (b < 0x20 && b != '\t') || b == 0x7f {
			return fmt.Sprintf("<%d bytes>", len(p))
		}
	}
	if len(p) > limit {
		return fmt.Sprintf("%q... (%d bytes)", p[:limit], len(p))
	}
	return fmt.Sprintf("%q", p)
}

// displayName prefers the configured name, which is unknown until a URL
// source has been fetched.
func displayName(ch *channel.Channel, source string) string {
	if n := ch.Name(); n != "" {
		return n
	}
	return source
}
