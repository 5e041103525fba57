// Package clientapi provides a small synchronous client around the wire
// protocol, used by cmd/squawkbus-client. It owns nothing beyond a single
// connection; routing, entitlements and fan-out all live on the server.
package clientapi

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/squawkbus/squawkbus/internal/wire"
)

// Conn wraps an authenticated connection to a hub.
type Conn struct {
	raw      net.Conn
	reader   *bufio.Reader
	ClientID string
}

// Dial connects to addr and performs the authentication handshake. When
// useTLS is set and caFile is non-empty, the server certificate is verified
// against that CA; when caFile is empty, verification is skipped, since
// this is a diagnostic client rather than a production peer and spec.md §6
// makes --cafile optional.
func Dial(addr string, useTLS bool, caFile string, method string, credentials []byte) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("clientapi: dial %s: %w", addr, err)
	}

	if useTLS {
		tlsCfg := &tls.Config{InsecureSkipVerify: true}
		if caFile != "" {
			pem, err := os.ReadFile(caFile)
			if err != nil {
				raw.Close()
				return nil, fmt.Errorf("clientapi: read CA file %s: %w", caFile, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				raw.Close()
				return nil, fmt.Errorf("clientapi: no certificates found in %s", caFile)
			}
			serverName, _, err := net.SplitHostPort(addr)
			if err != nil {
				serverName = addr
			}
			tlsCfg = &tls.Config{RootCAs: pool, ServerName: serverName}
		}
		raw = tls.Client(raw, tlsCfg)
	}

	c := &Conn{raw: raw, reader: bufio.NewReader(raw)}

	if err := wire.WriteFrame(c.raw, wire.AuthenticationRequest(method, credentials)); err != nil {
		c.raw.Close()
		return nil, fmt.Errorf("clientapi: write AuthenticationRequest: %w", err)
	}

	resp, err := wire.ReadFrame(c.reader, 1<<20)
	if err != nil {
		c.raw.Close()
		return nil, fmt.Errorf("clientapi: read AuthenticationResponse: %w", err)
	}
	if resp.Type != wire.TypeAuthenticationResponse {
		c.raw.Close()
		return nil, fmt.Errorf("clientapi: unexpected handshake reply type %v", resp.Type)
	}
	c.ClientID = resp.ClientID

	return c, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Publish sends a multicast publication on topic.
func (c *Conn) Publish(topic, contentType string, packets []wire.DataPacket) error {
	return wire.WriteFrame(c.raw, wire.MulticastDataMessage(topic, contentType, packets))
}

// Subscribe adds or removes a subscription to topic.
func (c *Conn) Subscribe(topic string, isAdd bool) error {
	return wire.WriteFrame(c.raw, wire.SubscriptionRequestMessage(topic, isAdd))
}

// Notify registers or deregisters interest in subscription churn matching
// pattern (a regular expression over topic names).
func (c *Conn) Notify(pattern string, isAdd bool) error {
	return wire.WriteFrame(c.raw, wire.NotificationRequestMessage(pattern, isAdd))
}

// Receive blocks for the next server-to-client message.
func (c *Conn) Receive() (wire.Message, error) {
	return wire.ReadFrame(c.reader, 1<<20)
}
