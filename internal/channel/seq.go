package channel

// sequence hands out outgoing message ids within one connection epoch.
// Owned by the Channel goroutine, so no atomics.
type sequence struct {
	next uint32
}

// reset starts a new epoch; the first id handed out is 1.
func (s *sequence) reset() {
	s.next = 1
}

// take returns the next id and advances the counter.
func (s *sequence) take() uint32 {
	id := s.next
	s.next++
	return id
}

// receiveWindow remembers the newest accepted id and rejects anything not
// newer than it while dropOld is set.
type receiveWindow struct {
	last    uint32
	dropOld bool
}

// accept reports whether a message with id may be delivered, and records it.
func (w *receiveWindow) accept(id uint32) bool {
	if w.dropOld && id <= w.last {
		return false
	}
	if id > w.last {
		w.last = id
	}
	return true
}

// reset sets the high-water mark, typically to the id of the handshake that
// opened the epoch.
func (w *receiveWindow) reset(last uint32) {
	w.last = last
}
