package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Message is an inbound publish.
type Message struct {
	Topic   string
	Payload []byte
}

// Will is the last-will message registered with the broker at connect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectOptions are passed to [Client.Connect] for one session.
type ConnectOptions struct {
	Will Will

	// OnMessage receives inbound publishes. It is called from transport
	// goroutines and must not block.
	OnMessage func(Message)

	// OnLost is called from transport goroutines when the session drops
	// without a local Disconnect.
	OnLost func(error)
}

// Client is the broker transport. Implementations are not expected to
// reconnect on their own.
type Client interface {
	// Connect opens a new session. The will in opts must be carried in
	// the CONNECT packet. Connect must honor ctx's deadline.
	Connect(ctx context.Context, opts ConnectOptions) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Disconnect closes the session cleanly. Safe to call when not
	// connected.
	Disconnect() error
}

// TransportOptions configure the concrete transports.
type TransportOptions struct {
	Host      string
	Port      int
	TLS       bool
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
}

func (o TransportOptions) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o TransportOptions) tlsConfig() *tls.Config {
	if !o.TLS {
		return nil
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: o.Host,
	}
}

// dial opens the raw connection, honoring ctx's deadline.
func dial(ctx context.Context, o TransportOptions) (net.Conn, error) {
	if cfg := o.tlsConfig(); cfg != nil {
		d := &tls.Dialer{Config: cfg}
		conn, err := d.DialContext(ctx, "tcp", o.address())
		if err != nil {
			return nil, fmt.Errorf("dial tls %s: %w", o.address(), err)
		}
		return conn, nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", o.address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", o.address(), err)
	}
	return conn, nil
}
