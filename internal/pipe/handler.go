package pipe

import "github.com/dbbouncer/mysqlpipe/internal/wire"

// Handler is the embedder-supplied per-packet policy. It is owned by the
// Pipe and called synchronously, one packet at a time, never concurrently;
// it must not retain the packet past the call.
type Handler interface {
	HandleRequest(pkt wire.Packet) wire.Action
	HandleResponse(pkt wire.Packet) wire.Action
}
