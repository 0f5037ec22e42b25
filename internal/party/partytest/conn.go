// Package partytest provides an in-memory Conn for room tests.
package partytest

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

var seq atomic.Int64

// Conn records every frame sent to it.
type Conn struct {
	id       string
	identity string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewConn creates a connection authenticated as identity. Ids increase with
// creation order so rooms list them in join order.
func NewConn(identity string) *Conn {
	return &Conn{
		id:       fmt.Sprintf("conn-%08d", seq.Add(1)),
		identity: identity,
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) Identity() string { return c.identity }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection %s closed", c.id)
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of all frames received so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Len returns the number of frames received.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Last decodes the most recent frame into v.
func (c *Conn) Last(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return fmt.Errorf("connection %s received no frames", c.id)
	}
	return json.Unmarshal(c.frames[len(c.frames)-1], v)
}

// Reset drops recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
