// Package pipe implements the bidirectional, packet-inspecting proxy pipe:
// a single-connection state machine owning a (client socket, server
// socket) pair. It re-frames the MySQL wire format into discrete packets
// via internal/wire, dispatches each packet to a Handler, and applies the
// handler's Action to the correct writer, including half-close propagation
// and at-most-once delivery of synthesized packets.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

// ring performs a non-blocking send on a buffered doorbell channel. Multiple
// rings between drains coalesce into a single wakeup, which is fine: the
// coordinator re-polls everything on every wakeup.
func ring(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Pipe owns one Reader+Writer per direction plus a Handler, and implements
// the cooperative poll loop that reads both sides, dispatches framed
// packets to the handler, routes the resulting Action to the correct
// writer(s), drains both writers, and signals completion or error.
type Pipe struct {
	clientConn net.Conn
	serverConn net.Conn

	clientReader *HalfConnReader
	clientWriter *HalfConnWriter
	serverReader *HalfConnReader
	serverWriter *HalfConnWriter

	handler Handler
	wake    chan struct{}

	clientWriteHalfClosed bool
	serverWriteHalfClosed bool
}

// New constructs a Pipe from two already-connected sockets and a handler.
// The Pipe does not take ownership of dialing or accepting; the caller must
// have a connected client and server socket in hand.
func New(client, server net.Conn, handler Handler) *Pipe {
	wake := make(chan struct{}, 1)
	return &Pipe{
		clientConn:   client,
		serverConn:   server,
		clientReader: NewHalfConnReader(client, wake),
		clientWriter: NewHalfConnWriter(client, wake),
		serverReader: NewHalfConnReader(server, wake),
		serverWriter: NewHalfConnWriter(server, wake),
		handler:      handler,
		wake:         wake,
	}
}

// Run drives the Pipe to completion: it returns nil once both directions
// have cleanly closed and both writers have drained, or a non-nil error on
// an unrecoverable I/O failure. Run blocks until completion, cancellation,
// or error; it releases both sockets before returning.
func (p *Pipe) Run(ctx context.Context) error {
	defer p.closeSockets()

	cancelled := make(chan struct{})
	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				p.closeSockets()
				close(cancelled)
			case <-stop:
			}
		}()
	}

	for {
		progressed := false

		// Step 1: poll the client read side.
		crStatus, crErr := p.clientReader.PollRead()
		if crErr != nil && !p.serverWriteHalfClosed {
			halfCloseWrite(p.serverConn)
			p.serverWriteHalfClosed = true
		}
		if crStatus == StatusReady {
			progressed = true
		}

		// Step 2: dispatch every fully-framed client request.
		for {
			pkt, ok := p.clientReader.TakePacket()
			if !ok {
				break
			}
			progressed = true
			p.dispatch(pkt, p.handler.HandleRequest(pkt), p.serverWriter, p.clientWriter)
		}

		// Step 3: poll the server read side; symmetric half-close.
		srStatus, srErr := p.serverReader.PollRead()
		if srErr != nil && !p.clientWriteHalfClosed {
			halfCloseWrite(p.clientConn)
			p.clientWriteHalfClosed = true
		}
		if srStatus == StatusReady {
			progressed = true
		}

		// Step 4: dispatch every fully-framed server response.
		for {
			pkt, ok := p.serverReader.TakePacket()
			if !ok {
				break
			}
			progressed = true
			p.dispatch(pkt, p.handler.HandleResponse(pkt), p.clientWriter, p.serverWriter)
		}

		// Steps 5 & 6: drain both writers.
		cwStatus, cwErr := p.clientWriter.PollWrite()
		swStatus, swErr := p.serverWriter.PollWrite()

		// Step 7: surface any fatal error, absorbing expected peer-close.
		if err := firstFatalError(crErr, srErr, cwErr, swErr); err != nil {
			return err
		}

		readsDone := isPeerClosed(crErr) && isPeerClosed(srErr)
		writesDone := cwStatus == StatusDrained && swStatus == StatusDrained
		if readsDone && writesDone {
			return nil
		}

		if progressed {
			continue
		}

		select {
		case <-p.wake:
		case <-cancelled:
			return nil
		}
	}
}

// dispatch routes a handler Action to the correct writer: Forward/Mutate go
// to toPeer (the opposite side from whichever side produced pkt), and
// Respond/Error go to toOrigin (the side that produced pkt).
func (p *Pipe) dispatch(pkt wire.Packet, action wire.Action, toPeer, toOrigin *HalfConnWriter) {
	switch a := action.(type) {
	case wire.ActionDrop:
		// discard silently
	case wire.ActionForward:
		toPeer.Enqueue(pkt)
	case wire.ActionMutate:
		toPeer.Enqueue(a.Packet)
	case wire.ActionRespond:
		for _, pkt := range a.Packets {
			toOrigin.Enqueue(pkt)
		}
	case wire.ActionError:
		errPkt, err := wire.NewErrorPacket(a.Code, a.State, a.Msg)
		if err != nil {
			slog.Error("pipe: failed to build error packet", "err", err)
			return
		}
		toOrigin.Enqueue(errPkt)
	default:
		panic(fmt.Sprintf("pipe: unhandled Action type %T", action))
	}
}

func isPeerClosed(err error) bool {
	return err != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed))
}

func firstFatalError(crErr, srErr, cwErr, swErr error) error {
	if crErr != nil && !isPeerClosed(crErr) {
		return fmt.Errorf("pipe: client read: %w", crErr)
	}
	if srErr != nil && !isPeerClosed(srErr) {
		return fmt.Errorf("pipe: server read: %w", srErr)
	}
	if cwErr != nil {
		return fmt.Errorf("pipe: client write: %w", cwErr)
	}
	if swErr != nil {
		return fmt.Errorf("pipe: server write: %w", swErr)
	}
	return nil
}

// halfCloser is satisfied by *net.TCPConn and *tls.Conn; it lets the pipe
// shut down one write direction without tearing down the whole socket.
type halfCloser interface {
	CloseWrite() error
}

// halfCloseWrite shuts down conn's write side so the peer observes EOF once
// its pending bytes drain. If conn doesn't support a half-close (e.g. an
// in-memory net.Pipe conn in tests), it falls back to a full close —
// best-effort, per the spec's half-close semantics.
func halfCloseWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// closeSockets releases both sockets and stops any writer pump still
// parked waiting for work; reader pumps unblock on their own once the
// socket they're reading is closed.
func (p *Pipe) closeSockets() {
	p.clientWriter.Close()
	p.serverWriter.Close()
	_ = p.clientConn.Close()
	_ = p.serverConn.Close()
}
