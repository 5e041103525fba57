// Package wire implements the length-prefixed binary frame codec and the
// Message variants exchanged between client and hub. Every integer on the
// wire is big-endian; every frame is a u32 length followed by that many
// payload bytes, and the payload begins with a one-byte message type.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies the wire-visible variant of a Message.
type MessageType uint8

const (
	TypeAuthenticationRequest MessageType = iota + 1
	TypeAuthenticationResponse
	TypeMulticastData
	TypeUnicastData
	TypeSubscriptionRequest
	TypeNotificationRequest
	TypeForwardedMulticastData
	TypeForwardedUnicastData
	TypeForwardedSubscriptionRequest
)

func (t MessageType) String() string {
	switch t {
	case TypeAuthenticationRequest:
		return "AuthenticationRequest"
	case TypeAuthenticationResponse:
		return "AuthenticationResponse"
	case TypeMulticastData:
		return "MulticastData"
	case TypeUnicastData:
		return "UnicastData"
	case TypeSubscriptionRequest:
		return "SubscriptionRequest"
	case TypeNotificationRequest:
		return "NotificationRequest"
	case TypeForwardedMulticastData:
		return "ForwardedMulticastData"
	case TypeForwardedUnicastData:
		return "ForwardedUnicastData"
	case TypeForwardedSubscriptionRequest:
		return "ForwardedSubscriptionRequest"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// DataPacket carries an entitlement set alongside raw payload bytes.
type DataPacket struct {
	Entitlements []int32
	Data         []byte
}

// Authorized reports whether ent (the intersection entitlement set computed
// by the hub) is a superset of p's required entitlements.
func (p DataPacket) Authorized(ent map[int32]struct{}) bool {
	for _, e := range p.Entitlements {
		if _, ok := ent[e]; !ok {
			return false
		}
	}
	return true
}

// Message is the sum type of every wire-visible variant. Only the fields
// that the variant selected by Type encodes are meaningful.
type Message struct {
	Type MessageType

	// AuthenticationRequest
	AuthMethod      string
	AuthCredentials []byte

	// AuthenticationResponse / ForwardedSubscriptionRequest
	ClientID string

	// MulticastData / ForwardedMulticastData
	Topic       string
	ContentType string
	Packets     []DataPacket

	// UnicastData / ForwardedUnicastData
	DestClientID string
	SrcClientID  string

	// ForwardedMulticastData / ForwardedUnicastData / ForwardedSubscriptionRequest
	Host string
	User string

	// NotificationRequest
	Pattern string

	// SubscriptionRequest / NotificationRequest / ForwardedSubscriptionRequest
	IsAdd bool
}

// AuthenticationRequest builds the handshake request variant.
func AuthenticationRequest(method string, credentials []byte) Message {
	return Message{Type: TypeAuthenticationRequest, AuthMethod: method, AuthCredentials: credentials}
}

// AuthenticationResponse builds the handshake response variant.
func AuthenticationResponse(clientID string) Message {
	return Message{Type: TypeAuthenticationResponse, ClientID: clientID}
}

// MulticastDataMessage builds a client-to-hub multicast publication.
func MulticastDataMessage(topic, contentType string, packets []DataPacket) Message {
	return Message{Type: TypeMulticastData, Topic: topic, ContentType: contentType, Packets: packets}
}

// UnicastDataMessage builds a client-to-hub unicast publication.
func UnicastDataMessage(destClientID, topic, contentType string, packets []DataPacket) Message {
	return Message{Type: TypeUnicastData, DestClientID: destClientID, Topic: topic, ContentType: contentType, Packets: packets}
}

// SubscriptionRequestMessage builds a subscribe/unsubscribe request.
func SubscriptionRequestMessage(topic string, isAdd bool) Message {
	return Message{Type: TypeSubscriptionRequest, Topic: topic, IsAdd: isAdd}
}

// NotificationRequestMessage builds a notification register/deregister request.
func NotificationRequestMessage(pattern string, isAdd bool) Message {
	return Message{Type: TypeNotificationRequest, Pattern: pattern, IsAdd: isAdd}
}

// ForwardedMulticastDataMessage builds the hub-to-subscriber multicast delivery.
func ForwardedMulticastDataMessage(host, user, topic, contentType string, packets []DataPacket) Message {
	return Message{Type: TypeForwardedMulticastData, Host: host, User: user, Topic: topic, ContentType: contentType, Packets: packets}
}

// ForwardedUnicastDataMessage builds the hub-to-recipient unicast delivery.
func ForwardedUnicastDataMessage(host, user, srcClientID, topic, contentType string, packets []DataPacket) Message {
	return Message{Type: TypeForwardedUnicastData, Host: host, User: user, SrcClientID: srcClientID, Topic: topic, ContentType: contentType, Packets: packets}
}

// ForwardedSubscriptionRequestMessage builds a notification delivery.
func ForwardedSubscriptionRequestMessage(host, user, clientID, topic string, isAdd bool) Message {
	return Message{Type: TypeForwardedSubscriptionRequest, Host: host, User: user, ClientID: clientID, Topic: topic, IsAdd: isAdd}
}

// ErrFrameTooLarge is returned by ReadFrame when a frame's declared length
// exceeds the caller-supplied maximum, bounding memory against a hostile or
// buggy peer.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds maximum length")

// ErrUnknownMessageType is returned when the payload's leading byte does not
// name a known MessageType.
var ErrUnknownMessageType = fmt.Errorf("wire: unknown message type")

// ReadFrame reads one length-prefixed frame from r and decodes it into a
// Message. maxFrameBytes bounds the allocation made for the payload; pass 0
// for no limit.
func ReadFrame(r *bufio.Reader, maxFrameBytes uint32) (Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Message{}, err
	}
	if maxFrameBytes > 0 && length > maxFrameBytes {
		return Message{}, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Decode(payload)
}

// WriteFrame encodes m and writes it as one length-prefixed frame to w.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
