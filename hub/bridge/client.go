package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/forumhub/forum/hub/config"
)

// Client is one broker connection attempt. It is never reused after
// Disconnect or a lost connection.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(topics []string, qos byte, handler func(topic string, payload []byte)) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// ClientFactory builds a Client. onLost is called at most once, from any
// goroutine, when an established connection drops.
type ClientFactory func(cfg config.BrokerConfig, onLost func(error)) Client

// pahoClient adapts the Eclipse Paho client. Paho's own reconnect logic is
// switched off; the bridge supervises reconnects itself.
type pahoClient struct {
	cfg    config.BrokerConfig
	client mqtt.Client
	logger *slog.Logger
}

func newPahoFactory(logger *slog.Logger) ClientFactory {
	return func(cfg config.BrokerConfig, onLost func(error)) Client {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.URL()).
			SetClientID(cfg.ClientID).
			SetUsername(cfg.Username).
			SetPassword(cfg.Password).
			SetKeepAlive(cfg.KeepAlive.Duration).
			SetCleanSession(true).
			SetConnectTimeout(cfg.ConnectTimeout.Duration).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				onLost(err)
			})
		return &pahoClient{cfg: cfg, client: mqtt.NewClient(opts), logger: logger}
	}
}

func (c *pahoClient) Connect(ctx context.Context) error {
	return c.wait(ctx, c.client.Connect(), "connect")
}

func (c *pahoClient) Subscribe(topics []string, qos byte, handler func(topic string, payload []byte)) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	tok := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	return c.wait(context.Background(), tok, "subscribe")
}

// Publish hands the message to paho without waiting for the broker's ack.
// Failures surface later in the log.
func (c *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("connection not open")
	}
	tok := c.client.Publish(topic, qos, retained, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger.Warn("broker publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// Disconnect also aborts a connect that is still in flight.
func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// waitTimeout bounds how long an operation token is awaited. It outlasts
// paho's own connect timeout so paho reports its error first.
func waitTimeout(connect time.Duration) time.Duration {
	if connect <= 0 {
		connect = 5 * time.Second
	}
	return connect + time.Second
}

func (c *pahoClient) wait(ctx context.Context, tok mqtt.Token, op string) error {
	timeout := waitTimeout(c.cfg.ConnectTimeout.Duration)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: timed out after %s", op, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
