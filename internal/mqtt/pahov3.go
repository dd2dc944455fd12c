package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// disconnectQuiesce is how long paho waits for in-flight work on a
// clean disconnect, in milliseconds.
const disconnectQuiesce = 250

// PahoV3 is an MQTT 3.1.1 [Client] for brokers and bridges that do not
// speak MQTT 5.
type PahoV3 struct {
	opts   TransportOptions
	logger *slog.Logger

	mu        sync.Mutex
	client    pahomqtt.Client
	onMessage func(Message)
}

// NewPahoV3 creates an unconnected MQTT 3.1.1 transport.
func NewPahoV3(opts TransportOptions, logger *slog.Logger) *PahoV3 {
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoV3{opts: opts, logger: logger}
}

func (p *PahoV3) brokerURL() string {
	scheme := "tcp"
	if p.opts.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + p.opts.address()
}

// Connect implements [Client].
func (p *PahoV3) Connect(ctx context.Context, co ConnectOptions) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.brokerURL()).
		SetClientID(p.opts.ClientID).
		SetUsername(p.opts.Username).
		SetPassword(p.opts.Password).
		SetKeepAlive(p.opts.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(timeout).
		SetBinaryWill(co.Will.Topic, co.Will.Payload, co.Will.QoS, co.Will.Retain).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			if co.OnLost != nil {
				co.OnLost(err)
			}
		})
	if cfg := p.opts.tlsConfig(); cfg != nil {
		opts.SetTLSConfig(cfg)
	}

	client := pahomqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt3 connect %s: %w", p.brokerURL(), err)
	}

	p.mu.Lock()
	p.client = client
	p.onMessage = co.OnMessage
	p.mu.Unlock()

	p.logger.Debug("mqtt3 session open", "broker", p.brokerURL(), "client_id", p.opts.ClientID)
	return nil
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish implements [Client].
func (p *PahoV3) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return wait(ctx, client.Publish(topic, qos, retain, payload))
}

// Subscribe implements [Client].
func (p *PahoV3) Subscribe(ctx context.Context, topic string, qos byte) error {
	p.mu.Lock()
	client, onMessage := p.client, p.onMessage
	p.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}
	return wait(ctx, client.Subscribe(topic, qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		if onMessage != nil {
			onMessage(Message{Topic: m.Topic(), Payload: m.Payload()})
		}
	}))
}

// Disconnect implements [Client].
func (p *PahoV3) Disconnect() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.onMessage = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}
