package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// PahoV5 is an MQTT 5 [Client] built on the low-level paho client.
// autopaho is deliberately not used: its connection manager reconnects
// on its own, and reconnection here belongs to the coordinator.
type PahoV5 struct {
	opts   TransportOptions
	logger *slog.Logger

	mu     sync.Mutex
	client *paho.Client
}

// NewPahoV5 creates an unconnected MQTT 5 transport.
func NewPahoV5(opts TransportOptions, logger *slog.Logger) *PahoV5 {
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoV5{opts: opts, logger: logger}
}

// Connect implements [Client].
func (p *PahoV5) Connect(ctx context.Context, co ConnectOptions) error {
	conn, err := dial(ctx, p.opts)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: p.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if co.OnMessage != nil {
					co.OnMessage(Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			if co.OnLost != nil {
				co.OnLost(err)
			}
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			if co.OnLost != nil {
				co.OnLost(fmt.Errorf("server sent disconnect (reason %d)", d.ReasonCode))
			}
		},
	})

	cp := &paho.Connect{
		ClientID:   p.opts.ClientID,
		KeepAlive:  uint16(p.opts.KeepAlive.Seconds()),
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   co.Will.Topic,
			Payload: co.Will.Payload,
			QoS:     co.Will.QoS,
			Retain:  co.Will.Retain,
		},
	}
	if p.opts.Username != "" {
		cp.Username = p.opts.Username
		cp.UsernameFlag = true
	}
	if p.opts.Password != "" {
		cp.Password = []byte(p.opts.Password)
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		if ca != nil {
			return fmt.Errorf("mqtt5 connect %s: %w (reason %d)", p.opts.address(), err, ca.ReasonCode)
		}
		return fmt.Errorf("mqtt5 connect %s: %w", p.opts.address(), err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.logger.Debug("mqtt5 session open", "broker", p.opts.address(), "client_id", p.opts.ClientID)
	return nil
}

func (p *PahoV5) current() (*paho.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

// Publish implements [Client].
func (p *PahoV5) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := p.current()
	if err != nil {
		return err
	}
	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

// Subscribe implements [Client].
func (p *PahoV5) Subscribe(ctx context.Context, topic string, qos byte) error {
	client, err := p.current()
	if err != nil {
		return err
	}
	_, err = client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	})
	return err
}

// Disconnect implements [Client].
func (p *PahoV5) Disconnect() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
