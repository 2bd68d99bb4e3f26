package router

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forumhub/forum/hub/auth"
	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/pkg/protocol"
)

// inboundQueue is how many decoded messages may wait for the handler task
// before the reader stops reading from the socket.
const inboundQueue = 16

// serve runs one connection: the calling goroutine reads and decodes frames
// and a handler task applies them in order. When the socket goes away the
// session departs its room and is released.
func (r *Router) serve(ctx context.Context, sess *registry.Session, conn *websocket.Conn, identity *auth.Identity) {
	events := make(chan protocol.Inbound, inboundQueue)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for msg := range events {
			r.route(ctx, sess, msg)
		}
	}()

	limiter := newMessageLimiter(r.rate, r.burst)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("client read error", "session_id", sess.ID(), "error", err)
			break
		}
		// Any message resets the read deadline.
		_ = conn.SetReadDeadline(time.Now().Add(r.pongWait))

		if !limiter.allow() {
			r.logger.Debug("client message rate limited", "session_id", sess.ID())
			continue
		}

		if msg, ok := r.decode(sess, raw, identity); ok {
			events <- msg
		}
	}
	close(events)
	<-handled

	r.lifecycle.Depart(ctx, sess)
	r.registry.Detach(sess.ID())
	sess.Release()
}

// withIdentity replaces the client-claimed name on a join with the token's.
func withIdentity(msg protocol.Inbound, identity *auth.Identity) protocol.Inbound {
	if identity == nil {
		return msg
	}
	if j, ok := msg.(protocol.Join); ok {
		j.Username = identity.Username
		j.UserID = identity.UserID
		return j
	}
	return msg
}

// messageLimiter is a per-connection token bucket.
type messageLimiter struct {
	rate  float64
	burst float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func newMessageLimiter(rate, burst float64) *messageLimiter {
	return &messageLimiter{rate: rate, burst: burst}
}

func (l *messageLimiter) allow() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last.IsZero() {
		l.tokens = l.burst
		l.last = now
	}

	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
