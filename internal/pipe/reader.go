package pipe

import (
	"net"
	"sync"

	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

const readChunkSize = 32 * 1024

// HalfConnReader owns one socket's read side: an accumulation buffer fed by
// a dedicated pump goroutine doing blocking reads, and a Framer that the
// owning Pipe drains synchronously. Only the pump goroutine and the Pipe's
// coordinator goroutine ever touch a HalfConnReader, and they never overlap
// without the lock — the pump only appends to buf, the coordinator only
// reads and shrinks it, both under mu.
type HalfConnReader struct {
	conn net.Conn
	wake chan struct{} // shared doorbell; pump rings it on any progress

	mu   sync.Mutex
	buf  []byte
	pos  int // valid bytes at the front of buf
	err  error
	seen int // bytes the coordinator has observed via PollRead

	errReported bool // err has been reported once as StatusReady
}

// NewHalfConnReader starts a pump goroutine reading from conn. wake is
// rung (non-blockingly) whenever the pump makes progress, so the Pipe
// coordinator can block waiting for any of its four half-connections
// instead of busy-polling.
func NewHalfConnReader(conn net.Conn, wake chan struct{}) *HalfConnReader {
	r := &HalfConnReader{conn: conn, wake: wake}
	go r.pump()
	return r
}

func (r *HalfConnReader) pump() {
	for {
		chunk := make([]byte, readChunkSize)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.mu.Lock()
			r.buf = append(r.buf[:r.pos], chunk[:n]...)
			r.pos += n
			r.mu.Unlock()
			ring(r.wake)
		}
		if err != nil {
			r.mu.Lock()
			if r.err == nil {
				r.err = err
			}
			r.mu.Unlock()
			ring(r.wake)
			return
		}
	}
}

// ReadStatus is the outcome of a non-blocking poll.
type ReadStatus int

const (
	// StatusReady means the poll observed progress (new bytes since the
	// last call, or a terminal condition not reported before).
	StatusReady ReadStatus = iota
	// StatusNotReady means nothing new is available right now.
	StatusNotReady
)

// PollRead reports whether the pump has produced new bytes or a terminal
// error since the last call. It never blocks: the actual blocking read
// happens on the pump goroutine. Once err is non-nil it is returned on
// every subsequent call (it is a permanent, terminal condition); it counts
// as progress (StatusReady) only the first time it is reported.
func (r *HalfConnReader) PollRead() (ReadStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos > r.seen {
		r.seen = r.pos
		r.errReported = r.err != nil
		return StatusReady, r.err
	}
	if r.err != nil && !r.errReported {
		r.errReported = true
		return StatusReady, r.err
	}
	return StatusNotReady, r.err
}

// TakePacket invokes the Framer on the current buffer; if a complete packet
// is available it is returned and the buffer is compacted so the remaining
// tail becomes the new prefix.
func (r *HalfConnReader) TakePacket() (wire.Packet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkt, consumed, ok := wire.Next(r.buf[:r.pos], r.pos)
	if !ok {
		return wire.Packet{}, false
	}
	remaining := copy(r.buf, r.buf[consumed:r.pos])
	r.pos = remaining
	r.buf = r.buf[:remaining]
	if r.seen > r.pos {
		r.seen = r.pos
	}
	return pkt, true
}
