package proxy

import (
	"log/slog"

	"github.com/dbbouncer/mysqlpipe/internal/metrics"
	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

// Compile-time interface assertions.
var (
	_ pipeHandler = (*TenantHandler)(nil)
	_ pipeHandler = PassthroughHandler{}
)

// pipeHandler is internal/pipe.Handler, restated here so this file doesn't
// need to import internal/pipe just to spell the assertion above; the
// real constraint is enforced where Pipe is constructed (mysql.go).
type pipeHandler interface {
	HandleRequest(pkt wire.Packet) wire.Action
	HandleResponse(pkt wire.Packet) wire.Action
}

// PassthroughHandler forwards every packet both directions, unconditionally.
// It's the degenerate Handler: useful for tests and for any backend that
// needs no inspection at all.
type PassthroughHandler struct{}

func (PassthroughHandler) HandleRequest(pkt wire.Packet) wire.Action  { return wire.ActionForward{} }
func (PassthroughHandler) HandleResponse(pkt wire.Packet) wire.Action { return wire.ActionForward{} }

// TenantHandler is the production Handler bound to one client↔backend pipe
// for a single tenant. It applies query policies to client requests (query
// rejection, etc.), tracks session pinning (reported to metrics) and
// transaction boundaries (logged), and otherwise forwards everything
// unmodified.
//
// A TenantHandler is owned by exactly one Pipe and is called synchronously
// by that Pipe's coordinator goroutine, so the pin/boundary state below
// needs no locking.
type TenantHandler struct {
	tenantID string
	policies []QueryPolicy
	metrics  *metrics.Collector

	pinned    bool
	pinReason string
}

// NewTenantHandler builds a TenantHandler for tenantID, applying policies in
// order (first match wins) to every client request before falling through
// to Forward. m may be nil (no metrics emitted).
func NewTenantHandler(tenantID string, m *metrics.Collector, policies ...QueryPolicy) *TenantHandler {
	return &TenantHandler{tenantID: tenantID, policies: policies, metrics: m}
}

// HandleRequest applies h's policies to a client-originated packet, then
// updates session-pin tracking, then forwards.
func (h *TenantHandler) HandleRequest(pkt wire.Packet) wire.Action {
	for _, policy := range h.policies {
		if action, ok := policy(pkt); ok {
			return action
		}
	}

	if !h.pinned {
		if reason, pins := SessionPinPolicy(pkt.Payload()); pins {
			h.pinned = true
			h.pinReason = reason
			if h.metrics != nil {
				h.metrics.SessionPinned(h.tenantID, reason)
			}
			slog.Debug("mysql session pinned", "tenant", h.tenantID, "reason", reason)
		}
	}

	return wire.ActionForward{}
}

// HandleResponse observes transaction boundaries and forwards every backend
// response unmodified; a boundary on a pinned session is logged at debug
// level, and no metric is emitted. Unlike the teacher's
// transaction-pooling relay, a TenantHandler's Pipe owns a single fixed
// backend for the life of the client connection, so a boundary here
// does not trigger a reset-and-return to the pool; that
// remains relayMySQLTransactionMode's job for transaction-mode tenants.
func (h *TenantHandler) HandleResponse(pkt wire.Packet) wire.Action {
	payload := pkt.Payload()
	if len(payload) > 0 {
		first := payload[0]
		if first == mysqlOKPacket || (first == mysqlEOFPacket && len(payload) < 9) {
			status := mysqlPacketStatusFlags(payload, first)
			if status&mysqlStatusInTrans == 0 && h.pinned {
				slog.Debug("mysql transaction boundary on pinned session", "tenant", h.tenantID, "reason", h.pinReason)
			}
		}
	}
	return wire.ActionForward{}
}
