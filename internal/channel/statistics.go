package channel

import "time"

// Statistics is a snapshot of a Channel's traffic counters. Counters are
// cumulative over the Channel's lifetime and count messages of every type.
type Statistics struct {
	// RTT is the last measured round trip. Negative until the first Ack
	// matches a tracked message; only a server measures it.
	RTT time.Duration

	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64

	// Dropped counts received messages discarded as stale or duplicate.
	Dropped uint64
}

// RTTMillis returns the RTT in milliseconds, or -1 when unmeasured.
func (s Statistics) RTTMillis() int64 {
	if s.RTT < 0 {
		return -1
	}
	return s.RTT.Milliseconds()
}
