package pipe

import (
	"net"
	"sync"

	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

// WriteStatus is the outcome of a non-blocking drain poll.
type WriteStatus int

const (
	// StatusDrained means the queue is empty: everything enqueued so far
	// has been handed to the socket.
	StatusDrained WriteStatus = iota
	// StatusPending means bytes are still queued or in flight.
	StatusPending
)

// HalfConnWriter owns one socket's write side: a queue of packet bytes
// pending transmission, drained by a dedicated pump goroutine doing
// blocking writes. Enqueue never blocks and never fails — it only appends
// under a lock and signals the pump.
type HalfConnWriter struct {
	conn net.Conn
	wake chan struct{} // shared doorbell; pump rings it when the queue drains or fails

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	err    error
	closed bool

	inflight bool // the pump is writing a batch taken off the queue
}

// NewHalfConnWriter starts a pump goroutine writing to conn. wake is rung
// (non-blockingly) whenever the queue drains or the pump hits a terminal
// error, so the Pipe coordinator can block waiting on any of its four
// half-connections instead of busy-polling.
func NewHalfConnWriter(conn net.Conn, wake chan struct{}) *HalfConnWriter {
	w := &HalfConnWriter{conn: conn, wake: wake}
	w.cond = sync.NewCond(&w.mu)
	go w.pump()
	return w
}

// Enqueue appends pkt's wire bytes to the write queue. A packet is never
// torn: its bytes are appended to the queue as a single entry.
func (w *HalfConnWriter) Enqueue(pkt wire.Packet) {
	w.mu.Lock()
	w.queue = append(w.queue, pkt.Bytes())
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *HalfConnWriter) pump() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && w.err == nil && !w.closed {
			w.cond.Wait()
		}
		if w.closed || w.err != nil {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.inflight = true
		w.mu.Unlock()

		for _, buf := range batch {
			if _, err := w.conn.Write(buf); err != nil {
				w.mu.Lock()
				if w.err == nil {
					w.err = err
				}
				w.mu.Unlock()
				ring(w.wake)
				return
			}
		}
		w.mu.Lock()
		w.inflight = false
		drained := len(w.queue) == 0
		w.mu.Unlock()
		if drained {
			ring(w.wake)
		}
	}
}

// PollWrite reports whether the queue has fully drained, or the error that
// stopped the pump.
func (w *HalfConnWriter) PollWrite() (WriteStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return StatusPending, w.err
	}
	if len(w.queue) == 0 && !w.inflight {
		return StatusDrained, nil
	}
	return StatusPending, nil
}

// Close stops the pump. Any unsent queued bytes are discarded.
func (w *HalfConnWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Signal()
}
