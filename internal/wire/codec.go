package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encoder accumulates a payload using the primitive encodings from
// SPEC_FULL.md §6: u8, bool, u32/i32 big-endian, length-prefixed string and
// bytes, length-prefixed set<i32> and array<T>.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) boolean(v bool) {
	if v {
		e.buf.WriteByte(0x01)
	} else {
		e.buf.WriteByte(0x00)
	}
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i32(v int32) {
	e.u32(uint32(v))
}

func (e *encoder) str(v string) {
	e.u32(uint32(len(v)))
	e.buf.WriteString(v)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf.Write(v)
}

func (e *encoder) entitlements(v []int32) {
	e.u32(uint32(len(v)))
	for _, x := range v {
		e.i32(x)
	}
}

func (e *encoder) packets(v []DataPacket) {
	e.u32(uint32(len(v)))
	for _, p := range v {
		e.entitlements(p.Entitlements)
		e.bytes(p.Data)
	}
}

// decoder is the mirror reader over an in-memory payload.
type decoder struct {
	b   []byte
	off int
}

func (d *decoder) remaining() int { return len(d.b) - d.off }

func (d *decoder) u8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, errShortPayload
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	v, err := d.u8()
	if err != nil {
		return false, err
	}
	return v == 0x01, nil
}

func (d *decoder) u32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, errShortPayload
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) i32() (int32, error) {
	v, err := d.u32()
	return int32(v), err
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if d.remaining() < int(n) {
		return "", errShortPayload
	}
	s := string(d.b[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *decoder) bytesField() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if d.remaining() < int(n) {
		return nil, errShortPayload
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:d.off+int(n)])
	d.off += int(n)
	return v, nil
}

func (d *decoder) entitlements() ([]int32, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]int32, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := d.i32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) packets() ([]DataPacket, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make([]DataPacket, 0, n)
	for i := uint32(0); i < n; i++ {
		ent, err := d.entitlements()
		if err != nil {
			return nil, err
		}
		data, err := d.bytesField()
		if err != nil {
			return nil, err
		}
		out = append(out, DataPacket{Entitlements: ent, Data: data})
	}
	return out, nil
}

var errShortPayload = fmt.Errorf("wire: payload truncated")

// Encode serializes m into its wire payload (messageType byte followed by
// fields in declaration order), ready to be length-prefixed by WriteFrame.
// Encode is deterministic: the same Message always yields the same bytes.
func Encode(m Message) ([]byte, error) {
	e := &encoder{}
	e.u8(uint8(m.Type))

	switch m.Type {
	case TypeAuthenticationRequest:
		e.str(m.AuthMethod)
		e.bytes(m.AuthCredentials)
	case TypeAuthenticationResponse:
		e.str(m.ClientID)
	case TypeMulticastData:
		e.str(m.Topic)
		e.str(m.ContentType)
		e.packets(m.Packets)
	case TypeUnicastData:
		e.str(m.DestClientID)
		e.str(m.Topic)
		e.str(m.ContentType)
		e.packets(m.Packets)
	case TypeSubscriptionRequest:
		e.str(m.Topic)
		e.boolean(m.IsAdd)
	case TypeNotificationRequest:
		e.str(m.Pattern)
		e.boolean(m.IsAdd)
	case TypeForwardedMulticastData:
		e.str(m.Host)
		e.str(m.User)
		e.str(m.Topic)
		e.str(m.ContentType)
		e.packets(m.Packets)
	case TypeForwardedUnicastData:
		e.str(m.Host)
		e.str(m.User)
		e.str(m.SrcClientID)
		e.str(m.Topic)
		e.str(m.ContentType)
		e.packets(m.Packets)
	case TypeForwardedSubscriptionRequest:
		e.str(m.Host)
		e.str(m.User)
		e.str(m.ClientID)
		e.str(m.Topic)
		e.boolean(m.IsAdd)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, m.Type)
	}

	return e.buf.Bytes(), nil
}

// Decode parses a wire payload (as produced by Encode) back into a Message.
func Decode(payload []byte) (Message, error) {
	d := &decoder{b: payload}
	typeByte, err := d.u8()
	if err != nil {
		return Message{}, err
	}
	m := Message{Type: MessageType(typeByte)}

	switch m.Type {
	case TypeAuthenticationRequest:
		if m.AuthMethod, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.AuthCredentials, err = d.bytesField(); err != nil {
			return Message{}, err
		}
	case TypeAuthenticationResponse:
		if m.ClientID, err = d.str(); err != nil {
			return Message{}, err
		}
	case TypeMulticastData:
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.ContentType, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Packets, err = d.packets(); err != nil {
			return Message{}, err
		}
	case TypeUnicastData:
		if m.DestClientID, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.ContentType, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Packets, err = d.packets(); err != nil {
			return Message{}, err
		}
	case TypeSubscriptionRequest:
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.IsAdd, err = d.boolean(); err != nil {
			return Message{}, err
		}
	case TypeNotificationRequest:
		if m.Pattern, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.IsAdd, err = d.boolean(); err != nil {
			return Message{}, err
		}
	case TypeForwardedMulticastData:
		if m.Host, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.User, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.ContentType, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Packets, err = d.packets(); err != nil {
			return Message{}, err
		}
	case TypeForwardedUnicastData:
		if m.Host, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.User, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.SrcClientID, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.ContentType, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Packets, err = d.packets(); err != nil {
			return Message{}, err
		}
	case TypeForwardedSubscriptionRequest:
		if m.Host, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.User, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.ClientID, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.Topic, err = d.str(); err != nil {
			return Message{}, err
		}
		if m.IsAdd, err = d.boolean(); err != nil {
			return Message{}, err
		}
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, typeByte)
	}

	return m, nil
}
