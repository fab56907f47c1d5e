package protocol

// FrameReader rebuilds frames from an arbitrarily chunked TCP byte stream.
// It is owned by a single goroutine and needs no locking.
type FrameReader struct {
	buf []byte
	off int // bytes of buf already consumed
}

// Write appends stream bytes to the internal buffer.
func (r *FrameReader) Write(p []byte) {
	if r.off > 0 && r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
	r.buf = append(r.buf, p...)
}

// Next returns the next complete message. It returns (nil, nil) when more
// bytes are needed. An error means the stream is corrupt and must be dropped.
func (r *FrameReader) Next() (*Message, error) {
	pending := r.buf[r.off:]
	if len(pending) < 2 {
		return nil, nil
	}
	size, err := frameLength(pending)
	if err != nil {
		return nil, err
	}
	if len(pending) < size {
		return nil, nil
	}

	m, err := DecodeFrame(pending[:size])
	if err != nil {
		return nil, err
	}
	r.off += size
	r.compact()
	return m, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf) - r.off
}

// Reset discards any partial frame.
func (r *FrameReader) Reset() {
	r.buf = r.buf[:0]
	r.off = 0
}

// compact moves the unread tail to the front once the consumed prefix
// dominates the buffer, keeping it bounded by one frame plus one read.
func (r *FrameReader) compact() {
	if r.off < len(r.buf)/2 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}
