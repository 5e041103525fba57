package hub

import "github.com/squawkbus/squawkbus/internal/wire"

// ClientID is the opaque stable identifier issued by the server at connect
// time. Per spec.md §9's source-ambiguity resolution, the string form is
// used (a google/uuid-generated string) rather than raw 128-bit binary.
type ClientID string

// OutboundMessage is one ServerEvent delivered to a connection's egress
// pump: a wire Message to encode and write to that client's socket.
type OutboundMessage = wire.Message

// clientRecord is the hub's private bookkeeping for one connection. It
// exists strictly between the processing of that client's OnConnect and
// OnClose events (spec.md §3 "Lifecycles").
type clientRecord struct {
	id       ClientID
	host     string
	user     string
	outbound chan<- OutboundMessage
}
