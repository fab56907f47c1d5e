package util

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/roverlink/internal/channel"
)

// Link is the view of a channel the reporter needs.
type Link interface {
	Name() string
	State() channel.State
	Statistics() channel.Statistics
}

// StartStatsReporter launches a goroutine that logs per-link traffic every
// interval. Quiet links are skipped unless their state changed. It stops
// when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration, links ...Link) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := make([]snapshot, len(links))
		for i, l := range links {
			prev[i] = snapshot{state: l.State(), stats: l.Statistics()}
		}

		for {
			select {
			case <-ticker.C:
				for i, l := range links {
					cur := snapshot{state: l.State(), stats: l.Statistics()}
					if line, ok := reportLine(prev[i], cur, interval); ok {
						LogInfo("[%s] %s", l.Name(), line)
					}
					prev[i] = cur
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	state channel.State
	stats channel.Statistics
}

// reportLine formats the change between two snapshots. It reports false when
// nothing worth logging happened.
func reportLine(prev, cur snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	inS := float64(cur.stats.BytesReceived-prev.stats.BytesReceived) / secs
	outS := float64(cur.stats.BytesSent-prev.stats.BytesSent) / secs
	inM := cur.stats.MessagesReceived - prev.stats.MessagesReceived
	outM := cur.stats.MessagesSent - prev.stats.MessagesSent
	dropped := cur.stats.Dropped - prev.stats.Dropped

	if cur.state == prev.state && inM == 0 && outM == 0 && dropped == 0 {
		return "", false
	}
	return formatStats(cur.state, inS, outS, inM, outM, dropped, cur.stats.RTT), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatRTT(rtt time.Duration) string {
	if rtt < 0 {
		return "   -"
	}
	return fmt.Sprintf("%4d ms", rtt.Milliseconds())
}

func formatStats(state channel.State, inS, outS float64, inM, outM, dropped uint64, rtt time.Duration) string {
	return fmt.Sprintf("%-12s | In: %s/s | Out: %s/s | Msg: %3d↓ %3d↑ | Dropped: %d | RTT: %s",
		state,
		formatBytes(inS),
		formatBytes(outS),
		inM,
		outM,
		dropped,
		formatRTT(rtt),
	)
}
