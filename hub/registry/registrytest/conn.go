// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forumhub/forum/hub/registry"
	"github.com/forumhub/forum/pkg/protocol"
)

// Conn records every frame a session writes.
type Conn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	closedCh chan struct{}
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{closedCh: make(chan struct{})}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("registrytest: write on closed conn")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Conn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// Closed is closed once Close has been called.
func (c *Conn) Closed() <-chan struct{} { return c.closedCh }

// Frames returns a copy of the frames written so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Types returns the "type" of every frame written so far.
func (c *Conn) Types() []string {
	var out []string
	for _, f := range c.Frames() {
		typ, _ := protocol.PeekType(f)
		out = append(out, typ)
	}
	return out
}

// Last decodes the most recent frame of the given type into v and reports
// whether one was found.
func (c *Conn) Last(typ string, v any) bool {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if got, _ := protocol.PeekType(frames[i]); got == typ {
			return json.Unmarshal(frames[i], v) == nil
		}
	}
	return false
}

// Count returns how many frames of the given type were written.
func (c *Conn) Count(typ string) int {
	n := 0
	for _, got := range c.Types() {
		if got == typ {
			n++
		}
	}
	return n
}

// NewSession creates a session over a fresh Conn and releases it when the
// test ends.
func NewSession(t testing.TB, id string) (*registry.Session, *Conn) {
	t.Helper()
	conn := NewConn()
	s := registry.NewSession(id, conn, registry.SessionOptions{SendBuffer: 32, CloseGrace: 10 * time.Millisecond})
	t.Cleanup(s.Release)
	return s, conn
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
