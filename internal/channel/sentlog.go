package channel

import "time"

// sentLog maps recently sent message ids to their send time so an Ack can be
// turned into a round-trip time. It keeps at most cap entries and evicts the
// oldest first.
type sentLog struct {
	ring  []uint32 // ids in send order, ring[head] is the oldest
	head  int
	count int
	times map[uint32]time.Time
}

func newSentLog(capacity int) *sentLog {
	return &sentLog{
		ring:  make([]uint32, capacity),
		times: make(map[uint32]time.Time, capacity),
	}
}

func (l *sentLog) record(id uint32, at time.Time) {
	if l.count == len(l.ring) {
		delete(l.times, l.ring[l.head])
		l.ring[l.head] = id
		l.head = (l.head + 1) % len(l.ring)
	} else {
		l.ring[(l.head+l.count)%len(l.ring)] = id
		l.count++
	}
	l.times[id] = at
}

// take returns the send time of id and forgets it.
func (l *sentLog) take(id uint32) (time.Time, bool) {
	at, ok := l.times[id]
	if ok {
		delete(l.times, id)
	}
	return at, ok
}

func (l *sentLog) len() int {
	return len(l.times)
}

func (l *sentLog) reset() {
	l.head = 0
	l.count = 0
	clear(l.times)
}
