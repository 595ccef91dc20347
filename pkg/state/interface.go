package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrIdentityBound     = errors.New("connection is already bound to another identity")
	ErrLimitReached      = errors.New("user connection limit reached")
)

// Registry is the single owner of the user -> live connections mapping.
type Registry interface {
	// --- Connection Lifecycle ---
	// Add tracks a freshly accepted, still anonymous connection.
	Add(conn Conn, channel Channel, ipAddr string) (*Connection, error)
	// Register binds a connection to a user. Idempotent for the same user.
	Register(connID uuid.UUID, userID string) (*Connection, error)
	// RegisterWithin binds like Register but fails with ErrLimitReached when
	// the user already holds limit connections on the connection's channel.
	// The check and the bind are one step. limit <= 0 disables the cap.
	RegisterWithin(connID uuid.UUID, userID string, limit int) (*Connection, error)
	// Unregister removes a connection. Unknown ids are a no-op.
	Unregister(connID uuid.UUID, reason string) bool
	GetConnection(connID uuid.UUID) (*Connection, bool)

	// --- Presence ---
	ConnectionsFor(userID string, channel Channel) []*Connection
	IsPresent(userID string, channel Channel) bool
	UserConnectionCount(userID string, channel Channel) int
	FindOldestUserConnection(userID string, channel Channel) (*Connection, bool)
	AllConnections() []*Connection
	// Counts returns the number of present users and of tracked connections.
	Counts() (users, connections int)

	// Deliver pushes payload to every live connection of userID on channel and
	// returns how many accepted it. Connections that refuse are evicted.
	Deliver(userID string, channel Channel, payload []byte) int
	// Sweep evicts every connection whose liveness flag is false.
	Sweep() int

	OnRemove(fn RemovalListener)
}
