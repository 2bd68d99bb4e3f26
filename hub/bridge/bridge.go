// Package bridge mirrors room traffic through an MQTT broker so several hub
// instances can serve the same rooms.
//
// The bridge is strictly best-effort. It never returns errors to callers:
// Publish reports false while the broker is unreachable, and after
// max_reconnect_attempts consecutive failures the bridge disables itself
// for the life of the process and the hub keeps running on local delivery.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forumhub/forum/hub/config"
	"github.com/forumhub/forum/pkg/protocol"
)

// Phase is the bridge's connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Disabled
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// State is a snapshot of the bridge state machine.
type State struct {
	Phase             Phase
	ReconnectAttempts int
	MaxAttempts       int
}

// Status is the bridge state as reported by the system status endpoint.
type Status struct {
	Enabled           bool   `json:"enabled"`
	Connected         bool   `json:"connected"`
	Disabled          bool   `json:"disabled"`
	Phase             string `json:"phase"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	MaxAttempts       int    `json:"maxReconnectAttempts"`
	ClientID          string `json:"clientId"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
}

// Fanout delivers inbound broker traffic to local sessions.
type Fanout interface {
	Broadcast(roomCode string, msg protocol.Outbound, excludeID string) int
	BroadcastAll(msg protocol.Outbound) int
	CloseRoom(roomCode string, final protocol.Outbound) int
}

// PublishOptions controls a single publish.
type PublishOptions struct {
	QoS      *byte // nil uses the configured QoS
	Retained bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClientFactory replaces the Paho client, mainly for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Bridge) { b.newClient = f }
}

// Bridge owns the broker connection.
type Bridge struct {
	cfg       config.BrokerConfig
	fanout    Fanout
	logger    *slog.Logger
	newClient ClientFactory
	events    *eventBus

	mu       sync.Mutex
	phase    Phase
	attempts int
	client   Client
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	fallback *time.Timer

	disableOnce sync.Once
}

// New creates a Bridge. Nothing happens until Connect.
func New(cfg config.BrokerConfig, fanout Fanout, logger *slog.Logger, opts ...Option) *Bridge {
	cfg = cfg.Defaults()
	logger = logger.With("component", "bridge")
	b := &Bridge{
		cfg:       cfg,
		fanout:    fanout,
		logger:    logger,
		newClient: newPahoFactory(logger),
		events:    newEventBus(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin is the id stamped on every envelope this instance publishes.
func (b *Bridge) Origin() string { return b.cfg.ClientID }

// Subscribe returns a channel of bridge events, optionally filtered by type.
func (b *Bridge) Subscribe(types ...string) <-chan Event {
	return b.events.subscribe(types...)
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (b *Bridge) Unsubscribe(ch <-chan Event) {
	b.events.mu.RLock()
	var target chan Event
	for c := range b.events.subs {
		if (<-chan Event)(c) == ch {
			target = c
			break
		}
	}
	b.events.mu.RUnlock()
	if target != nil {
		b.events.unsubscribe(target)
	}
}

// Connect starts connecting in the background and returns immediately. If
// the broker is not connected within fallback_timeout a non-permanent
// fallback event is emitted while attempts continue.
func (b *Bridge) Connect(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true

	if !b.cfg.Enabled {
		b.mu.Unlock()
		close(b.done)
		b.logger.Info("broker bridge disabled by configuration, using local delivery only")
		b.disable("disabled by configuration")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.fallback = time.AfterFunc(b.cfg.FallbackTimeout.Duration, b.fallbackTimeout)
	b.mu.Unlock()

	b.logger.Info("connecting to broker", "url", b.cfg.URL(), "client_id", b.cfg.ClientID)
	go b.run(runCtx)
}

func (b *Bridge) fallbackTimeout() {
	b.mu.Lock()
	phase := b.phase
	b.mu.Unlock()
	if phase == Connected || phase == Disabled {
		return
	}
	b.logger.Warn("broker not connected in time, delivering locally until it is",
		"timeout", b.cfg.FallbackTimeout.Duration)
	b.events.publish(Event{Type: EventFallback})
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.ReconnectPeriod.Duration
	bo.MaxInterval = 6 * b.cfg.ReconnectPeriod.Duration
	bo.Reset()

	for {
		if !b.setPhase(Connecting) {
			return
		}

		lost := make(chan error, 1)
		client := b.newClient(b.cfg, func(err error) {
			select {
			case lost <- err:
			default:
			}
		})

		err := client.Connect(ctx)
		if err == nil {
			err = client.Subscribe(protocol.SubscriptionTopics(), b.cfg.QoSLevel(), b.handleInbound)
		}
		if err != nil {
			client.Disconnect()
			if ctx.Err() != nil {
				return
			}
			if b.connectFailed(err) {
				return
			}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		b.connected(client)
		bo.Reset()

		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			b.connectionLost(client, err)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return
			}
		}
	}
}

// setPhase moves to p unless the bridge is already disabled.
func (b *Bridge) setPhase(p Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == Disabled {
		return false
	}
	b.phase = p
	return true
}

func (b *Bridge) connected(client Client) {
	b.mu.Lock()
	b.phase = Connected
	b.attempts = 0
	b.client = client
	b.mu.Unlock()

	b.logger.Info("broker connected", "url", b.cfg.URL())
	b.events.publish(Event{Type: EventConnected})
}

// connectFailed counts a failed attempt and reports whether the bridge is
// now disabled.
func (b *Bridge) connectFailed(err error) bool {
	b.mu.Lock()
	b.attempts++
	attempts := b.attempts
	b.phase = Disconnected
	b.mu.Unlock()

	b.logger.Warn("broker connection failed", "attempt", attempts, "max_attempts", b.cfg.MaxReconnectAttempts, "error", err)
	b.events.publish(Event{Type: EventError, Attempt: attempts, Err: err.Error()})

	if attempts >= b.cfg.MaxReconnectAttempts {
		b.disable("max reconnect attempts reached")
		return true
	}
	b.events.publish(Event{Type: EventReconnecting, Attempt: attempts})
	return false
}

func (b *Bridge) connectionLost(client Client, err error) {
	b.mu.Lock()
	if b.client == client {
		b.client = nil
	}
	if b.phase != Disabled {
		b.phase = Disconnected
	}
	b.mu.Unlock()

	client.Disconnect()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.logger.Warn("broker connection lost", "error", err)
	b.events.publish(Event{Type: EventDisconnected, Err: msg})
}

// disable moves to Disabled for good, drops the client and emits the
// permanent fallback event. Only the first call has any effect.
func (b *Bridge) disable(reason string) {
	b.disableOnce.Do(func() {
		b.mu.Lock()
		b.phase = Disabled
		client := b.client
		b.client = nil
		if b.fallback != nil {
			b.fallback.Stop()
		}
		b.mu.Unlock()

		if client != nil {
			client.Disconnect()
		}
		b.logger.Warn("broker bridge disabled, using local delivery only", "reason", reason)
		b.events.publish(Event{Type: EventFallback, Permanent: true, Err: reason})
	})
}

// Disconnect stops the supervisor and closes the broker connection.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	cancel := b.cancel
	started := b.started
	if b.fallback != nil {
		b.fallback.Stop()
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-b.done
	}

	b.mu.Lock()
	client := b.client
	b.client = nil
	if b.phase != Disabled {
		b.phase = Disconnected
	}
	b.mu.Unlock()

	if client != nil {
		client.Disconnect()
		b.logger.Info("broker disconnected")
	}
	b.events.close()
}

// State returns the current state machine snapshot.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Phase: b.phase, ReconnectAttempts: b.attempts, MaxAttempts: b.cfg.MaxReconnectAttempts}
}

// Status returns the bridge status for operators.
func (b *Bridge) Status() Status {
	st := b.State()
	return Status{
		Enabled:           b.cfg.Enabled,
		Connected:         st.Phase == Connected,
		Disabled:          st.Phase == Disabled,
		Phase:             st.Phase.String(),
		ReconnectAttempts: st.ReconnectAttempts,
		MaxAttempts:       st.MaxAttempts,
		ClientID:          b.cfg.ClientID,
		Host:              b.cfg.Host,
		Port:              b.cfg.Port,
	}
}

// Publish sends payload to topic. It returns false without side effects
// unless the bridge is connected; callers treat false as a no-op.
func (b *Bridge) Publish(topic string, payload []byte, opts PublishOptions) bool {
	b.mu.Lock()
	client, phase := b.client, b.phase
	b.mu.Unlock()
	if phase != Connected || client == nil {
		return false
	}

	qos := b.cfg.QoSLevel()
	if opts.QoS != nil {
		qos = *opts.QoS
	}
	if err := client.Publish(topic, qos, opts.Retained, payload); err != nil {
		b.logger.Warn("broker publish failed", "topic", topic, "error", err)
		b.events.publish(Event{Type: EventError, Err: err.Error()})
		return false
	}
	return true
}

func (b *Bridge) publishEnvelope(topic, typ string, data any) bool {
	if b.State().Phase != Connected {
		return false
	}
	env, err := protocol.NewBrokerEnvelope(typ, b.Origin(), data)
	if err != nil {
		b.logger.Warn("encode broker envelope", "type", typ, "error", err)
		return false
	}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("encode broker envelope", "type", typ, "error", err)
		return false
	}
	return b.Publish(topic, payload, PublishOptions{})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
