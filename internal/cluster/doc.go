// Package cluster implements the wire protocol spoken between the relay
// coordinator and its nodes.
//
// # Overview
//
// Every exchange is a short-lived TCP connection carrying newline-delimited
// JSON Messages. A Message has a Command and positional arguments:
//
//	SYNC         [id, port, role]             node -> coordinator, answered with SYNC [assigned id]
//	NEW_TASK     [owner id, job]              user -> coordinator -> worker
//	RESULT       [worker id, job id, payload, cpu share]
//	STATS        [worker id, performance]
//	SET_LOAD_LB  [requester id, policy index]
//	HANDSHAKE    probe: []; reply: [responder id]
//
// # Handshake Delivery
//
// The coordinator never trusts that a stored address still belongs to the
// account it was recorded for. Courier.Deliver therefore dials the address,
// sends a HANDSHAKE probe and waits for the peer to answer with its id. The
// payload is written only if that id matches; otherwise the delivery fails
// with an error matching ErrTransport and ErrIdentityMismatch.
//
//	coordinator                         node
//	    |------ HANDSHAKE [] ------------->|
//	    |<----- HANDSHAKE [id] ------------|
//	    |------ NEW_TASK / RESULT -------->|   (only if id matches)
//	    x close                            x
//
// Endpoint implements the node side of this exchange.
//
// # Deadlines
//
// All Courier operations derive a context with DefaultDeliveryTimeout (or
// Courier.Timeout), set it as the connection deadline and close the
// connection when the context ends. A cancelled or timed out delivery is
// reported as a transport failure.
//
// # Admin Helpers
//
// PostJSON and GetJSON are small JSON-over-HTTP helpers used by the
// coordinator's command line to talk to its admin API.
package cluster
