package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/google/uuid"
)

// InMemoryManager is the process-wide connection registry. One mutex guards
// both maps so every mutation is a single atomic step; transports are never
// written to while the lock is held.
type InMemoryManager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*state.Connection
	users map[string]map[uuid.UUID]*state.Connection

	listenerMu sync.RWMutex
	listeners  []state.RemovalListener

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]map[uuid.UUID]*state.Connection),
		now:    time.Now,
		logger: logger.With(slog.String("component", "registry")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

func (m *InMemoryManager) Add(conn state.Conn, channel state.Channel, ipAddr string) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrAlreadyRegistered
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Channel:   channel,
		Transport: conn,
		CreatedAt: m.now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection added", slog.String("connID", connID.String()), slog.String("channel", string(channel)))
	return copyOf(newConn), nil
}

func (m *InMemoryManager) Register(connID uuid.UUID, userID string) (*state.Connection, error) {
	return m.RegisterWithin(connID, userID, 0)
}

func (m *InMemoryManager) RegisterWithin(connID uuid.UUID, userID string, limit int) (*state.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, state.ErrUnknownConnection
	}
	switch conn.UserID {
	case userID:
		return copyOf(conn), nil
	case "":
	default:
		return nil, state.ErrIdentityBound
	}

	set, exists := m.users[userID]
	if limit > 0 && countOn(set, conn.Channel) >= limit {
		return nil, state.ErrLimitReached
	}
	if !exists {
		set = make(map[uuid.UUID]*state.Connection)
		m.users[userID] = set
	}
	conn.UserID = userID
	set[connID] = conn

	m.logger.Debug("Connection bound to user",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
		slog.Int("userConnections", len(set)),
	)
	return copyOf(conn), nil
}

func (m *InMemoryManager) Unregister(connID uuid.UUID, reason string) bool {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// already gone
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connID)

	ev := state.RemovalEvent{Connection: copyOf(conn), UserID: conn.UserID, Reason: reason}
	if conn.UserID != "" {
		set := m.users[conn.UserID]
		delete(set, connID)
		if len(set) == 0 {
			delete(m.users, conn.UserID)
		} else {
			ev.Present = true
			for _, c := range set {
				if c.Channel == conn.Channel {
					ev.RemainingOnChannel++
				}
			}
		}
	}
	m.mu.Unlock()

	m.logger.Debug("Connection removed",
		slog.String("connID", connID.String()),
		slog.String("userID", ev.UserID),
		slog.String("reason", reason),
		slog.Bool("present", ev.Present),
	)

	m.listenerMu.RLock()
	listeners := append([]state.RemovalListener(nil), m.listeners...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return true
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	return copyOf(conn), true
}

// --- Presence ---

func (m *InMemoryManager) ConnectionsFor(userID string, channel state.Channel) []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.users[userID]
	conns := make([]*state.Connection, 0, len(set))
	for _, c := range set {
		if channel.Matches(c.Channel) {
			conns = append(conns, copyOf(c))
		}
	}
	return conns
}

func (m *InMemoryManager) IsPresent(userID string, channel state.Channel) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.users[userID] {
		if channel.Matches(c.Channel) {
			return true
		}
	}
	return false
}

func (m *InMemoryManager) UserConnectionCount(userID string, channel state.Channel) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countOn(m.users[userID], channel)
}

func (m *InMemoryManager) FindOldestUserConnection(userID string, channel state.Channel) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for _, conn := range m.users[userID] {
		if !channel.Matches(conn.Channel) {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return nil, false
	}
	return copyOf(oldest), true
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, copyOf(c))
	}
	return conns
}

func (m *InMemoryManager) Counts() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), len(m.conns)
}

// --- Delivery ---

func (m *InMemoryManager) Deliver(userID string, channel state.Channel, payload []byte) int {
	targets := m.ConnectionsFor(userID, channel)
	delivered := 0
	for _, c := range targets {
		if !c.Transport.Alive() {
			m.Unregister(c.ID, "dead on delivery")
			continue
		}
		if err := c.Transport.Send(payload); err != nil {
			m.logger.Debug("Push failed, evicting connection",
				slog.String("connID", c.ID.String()),
				slog.String("userID", userID),
				slog.Any("error", err),
			)
			c.Transport.Close(err)
			m.Unregister(c.ID, "delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

func (m *InMemoryManager) Sweep() int {
	m.mu.RLock()
	var dead []uuid.UUID
	for id, c := range m.conns {
		if !c.Transport.Alive() {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range dead {
		if m.Unregister(id, "reaped") {
			removed++
		}
	}
	return removed
}

func (m *InMemoryManager) OnRemove(fn state.RemovalListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// copyOf hands callers a snapshot so UserID is never read outside the lock.
func copyOf(c *state.Connection) *state.Connection {
	cp := *c
	return &cp
}

func countOn(set map[uuid.UUID]*state.Connection, channel state.Channel) int {
	n := 0
	for _, c := range set {
		if channel.Matches(c.Channel) {
			n++
		}
	}
	return n
}
