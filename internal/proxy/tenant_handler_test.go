package proxy

import (
	"testing"

	"github.com/dbbouncer/mysqlpipe/internal/metrics"
	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

func TestTenantHandlerRejectsPolicyMatch(t *testing.T) {
	h := NewTenantHandler("acme", nil, defaultQueryPolicy)

	pkt := wire.BuildPacket(0, append([]byte{mysqlComQuery}, []byte("SELECT * FROM avocado_orders")...))
	action := h.HandleRequest(pkt)
	if _, ok := action.(wire.ActionError); !ok {
		t.Fatalf("expected ActionError for a rejected query, got %T", action)
	}
}

func TestTenantHandlerForwardsOrdinaryQuery(t *testing.T) {
	h := NewTenantHandler("acme", nil, defaultQueryPolicy)

	pkt := wire.BuildPacket(0, append([]byte{mysqlComQuery}, []byte("SELECT 1")...))
	action := h.HandleRequest(pkt)
	if _, ok := action.(wire.ActionForward); !ok {
		t.Fatalf("expected ActionForward for an ordinary query, got %T", action)
	}
}

func TestTenantHandlerPinsOnPreparedStatement(t *testing.T) {
	m := metrics.New()
	h := NewTenantHandler("acme", m, defaultQueryPolicy)

	pkt := wire.BuildPacket(0, []byte{mysqlComStmtPrepare, 'S', 'E', 'L', 'E', 'C', 'T', ' ', '?'})
	h.HandleRequest(pkt)
	if !h.pinned || h.pinReason != "prepared_statement" {
		t.Fatalf("expected handler to pin on COM_STMT_PREPARE, got pinned=%v reason=%q", h.pinned, h.pinReason)
	}
}

func TestTenantHandlerResponsePassesThrough(t *testing.T) {
	h := NewTenantHandler("acme", nil)
	pkt := wire.BuildPacket(1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
	action := h.HandleResponse(pkt)
	if _, ok := action.(wire.ActionForward); !ok {
		t.Fatalf("expected ActionForward, got %T", action)
	}
}

func TestPassthroughHandlerForwardsBothDirections(t *testing.T) {
	var h PassthroughHandler
	pkt := wire.BuildPacket(0, []byte{mysqlComPing})
	if _, ok := h.HandleRequest(pkt).(wire.ActionForward); !ok {
		t.Fatal("expected PassthroughHandler.HandleRequest to forward")
	}
	if _, ok := h.HandleResponse(pkt).(wire.ActionForward); !ok {
		t.Fatal("expected PassthroughHandler.HandleResponse to forward")
	}
}
