package proxy

import (
	"strings"

	"github.com/dbbouncer/mysqlpipe/internal/wire"
)

// defaultQueryPolicy is the query policy applied to every MySQL tenant
// connection regardless of pool mode. It's a package-level var rather than
// a literal at each call site so session-mode (TenantHandler) and
// transaction-mode (relayMySQLTransactionMode) enforce the identical rule.
var defaultQueryPolicy = RejectSubstringPolicy("avocado", 1064, [5]byte{'1', '2', '3', '4', '5'}, "Proxy rejecting any avocado-related queries")

// QueryPolicy inspects a request packet and optionally returns an Action to
// take instead of forwarding it. The bool return reports whether the policy
// matched; when false the caller tries the next policy.
type QueryPolicy func(pkt wire.Packet) (wire.Action, bool)

// RejectSubstringPolicy rejects any COM_QUERY whose text contains substr,
// replying to the client with a synthesized Action.Error instead of
// forwarding the query to the backend.
func RejectSubstringPolicy(substr string, code uint16, state [5]byte, msg string) QueryPolicy {
	return func(pkt wire.Packet) (wire.Action, bool) {
		payload := pkt.Payload()
		if len(payload) == 0 || payload[0] != mysqlComQuery {
			return nil, false
		}
		if !strings.Contains(string(payload[1:]), substr) {
			return nil, false
		}
		return wire.ActionError{Code: code, State: state, Msg: msg}, true
	}
}

// SessionPinPolicy mirrors the teacher's relayMySQLTransactionMode
// detection: COM_STMT_PREPARE and COM_SET_OPTION always pin a session to
// its backend; COM_QUERY pins when its text opens a lock or an explicit
// transaction. It reports a reason string (for metrics/logging) rather
// than an Action, since pinning is session state, not a per-packet
// forwarding decision.
func SessionPinPolicy(payload []byte) (reason string, pins bool) {
	if len(payload) == 0 {
		return "", false
	}
	switch payload[0] {
	case mysqlComStmtPrepare:
		return "prepared_statement", true
	case mysqlComSetOption:
		return "set_option", true
	case mysqlComQuery:
		q := strings.ToUpper(strings.TrimSpace(string(payload[1:])))
		if strings.HasPrefix(q, "LOCK ") ||
			strings.Contains(q, "GET_LOCK(") ||
			strings.HasPrefix(q, "START TRANSACTION") {
			return "lock_or_explicit_txn", true
		}
	}
	return "", false
}
