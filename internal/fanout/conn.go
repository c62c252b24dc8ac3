package fanout

import (
	"sync"
	"sync/atomic"
)

type State int32

const (
	StateConnected State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Principal is the identity bound to a connection at handshake time.
// An empty UserID means no session could be resolved.
type Principal struct {
	UserID string
	Role   string
}

// Conn is one live client. Frames queued for it are read from Send by the
// transport's writer; Done closes once the hub has let go of it.
type Conn struct {
	id        string
	principal Principal
	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newConn(id string, p Principal, buffer int) *Conn {
	c := &Conn{
		id:        id,
		principal: p,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
	if p.UserID != "" {
		c.state.Store(int32(StateIdentified))
	} else {
		c.state.Store(int32(StateConnected))
	}
	return c
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) Principal() Principal  { return c.principal }
func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Send() <-chan []byte   { return c.send }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) Dropped() int64        { return c.dropped.Load() }
func (c *Conn) Identified() bool      { return c.State() == StateIdentified }

// offer queues a frame without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Conn) offer(frame []byte) bool {
	if c.State() == StateClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}
