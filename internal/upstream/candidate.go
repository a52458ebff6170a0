package upstream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/anycast/internal/config"
)

// Kind tells a direct path from one through a relay.
type Kind uint8

const (
	Direct Kind = iota
	Relay
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

// aLongTimeAgo is a non-zero time far in the past, used to abort pending
// reads immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Candidate is one path to the destination. It owns its connection until it
// is pruned, loses the race, or its Stream is closed.
type Candidate struct {
	Kind  Kind
	Relay config.Upstream

	conn       net.Conn
	resolved   bool
	connected  bool
	handshaken bool

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *Candidate) String() string {
	if c.Kind == Direct {
		return "direct"
	}
	return c.Relay.String()
}

// Conn returns the candidate's connection, nil before it is connected.
func (c *Candidate) Conn() net.Conn { return c.conn }

func (c *Candidate) Resolved() bool   { return c.resolved }
func (c *Candidate) Connected() bool  { return c.connected }
func (c *Candidate) Handshaken() bool { return c.handshaken }

// ready reports whether the candidate may carry traffic.
func (c *Candidate) ready() bool {
	if c.closed.Load() || !c.connected {
		return false
	}
	return c.Kind == Direct || c.handshaken
}

// cancel aborts a pending read on the candidate's connection.
func (c *Candidate) cancel() {
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(aLongTimeAgo)
	}
}

// Close closes the connection. Only the first call has any effect.
func (c *Candidate) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
