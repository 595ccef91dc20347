// Package statetest provides an in-memory state.Conn for tests.
package statetest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("connection closed")

// Conn records every frame pushed to it.
type Conn struct {
	id uuid.UUID

	mu       sync.Mutex
	frames   [][]byte
	alive    bool
	failSend bool
	closeErr error
	closed   bool
}

func NewConn() *Conn {
	return &Conn{id: uuid.New(), alive: true}
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive || c.failSend {
		return ErrClosed
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Conn) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
	c.closed = true
	c.closeErr = err
}

// Kill flips the liveness flag without going through Close, like a peer
// vanishing without a close handshake.
func (c *Conn) Kill() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

// FailSends makes every later Send fail while the liveness flag stays true.
func (c *Conn) FailSends() {
	c.mu.Lock()
	c.failSend = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of the frames received so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Decoded returns the frames decoded as JSON objects.
func (c *Conn) Decoded() []map[string]any {
	frames := c.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent decoded frame, or nil.
func (c *Conn) Last() map[string]any {
	d := c.Decoded()
	if len(d) == 0 {
		return nil
	}
	return d[len(d)-1]
}

// Reset drops recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
