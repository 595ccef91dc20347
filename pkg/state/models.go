package state

import (
	"time"

	"github.com/google/uuid"
)

// Channel names the live transport a connection arrived on. Both channels share
// one registry so presence is tracked in a single place.
type Channel string

const (
	ChannelChat   Channel = "chat"
	ChannelSignal Channel = "signal"
	// ChannelAny matches every channel in lookups and deliveries.
	ChannelAny Channel = ""
)

// Matches reports whether a connection on channel other is selected by c.
func (c Channel) Matches(other Channel) bool {
	return c == ChannelAny || c == other
}

// Conn is the push surface the registry needs from a live transport.
type Conn interface {
	ID() uuid.UUID
	// Send queues a frame without blocking. A non-nil error means the
	// connection can no longer accept frames.
	Send(msg []byte) error
	// Alive reports the liveness flag; false once the connection is closing.
	Alive() bool
	Close(err error)
}

// representation of a single live connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Channel   Channel
	Transport Conn
	UserID    string // empty until the connection identifies
	CreatedAt time.Time
}

// RemovalEvent describes a connection leaving the registry.
type RemovalEvent struct {
	Connection *Connection
	UserID     string
	// RemainingOnChannel counts the user's connections still registered on
	// the removed connection's channel.
	RemainingOnChannel int
	// Present is false when the user has no connection left at all.
	Present bool
	Reason  string
}

// RemovalListener is notified after a connection is removed. It runs outside
// any registry lock.
type RemovalListener func(ev RemovalEvent)
