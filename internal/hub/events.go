package hub

import (
	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/wire"
)

// ClientEvent is the sum type the hub's single inbox carries. Exactly one
// constructor below should be used to build each variant; the hub switches
// on the kind field internally.
type ClientEvent struct {
	kind eventKind

	connectID       ClientID
	connectHost     string
	connectUser     string
	connectOutbound chan<- OutboundMessage

	messageID      ClientID
	message        wire.Message

	closeID ClientID

	newPolicy *authz.Policy

	barrier chan<- struct{}
}

type eventKind int

const (
	eventOnConnect eventKind = iota
	eventOnMessage
	eventOnClose
	eventOnReset
	eventBarrier
)

// OnConnect reports a newly authenticated connection to the hub.
func OnConnect(id ClientID, host, user string, outbound chan<- OutboundMessage) ClientEvent {
	return ClientEvent{kind: eventOnConnect, connectID: id, connectHost: host, connectUser: user, connectOutbound: outbound}
}

// OnMessage reports one decoded inbound Message from an existing client.
func OnMessage(id ClientID, msg wire.Message) ClientEvent {
	return ClientEvent{kind: eventOnMessage, messageID: id, message: msg}
}

// OnClose reports that a connection has terminated.
func OnClose(id ClientID) ClientEvent {
	return ClientEvent{kind: eventOnClose, closeID: id}
}

// OnReset reports a hot-reloaded authorization policy snapshot.
func OnReset(policy *authz.Policy) ClientEvent {
	return ClientEvent{kind: eventOnReset, newPolicy: policy}
}

// barrierEvent builds an internal event used only by tests to synchronize
// with the hub loop: it round-trips through the same single inbox, so by
// the time it is processed every previously submitted event has already
// been dispatched.
func barrierEvent(done chan<- struct{}) ClientEvent {
	return ClientEvent{kind: eventBarrier, barrier: done}
}
