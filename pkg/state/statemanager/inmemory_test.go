package statemanager_test

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/a-essam23/go-courier/pkg/state/statemanager"
	"github.com/a-essam23/go-courier/pkg/state/statetest"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

func addIdentified(t *testing.T, m *statemanager.InMemoryManager, userID string, ch state.Channel) *statetest.Conn {
	t.Helper()
	conn := statetest.NewConn()
	if _, err := m.Add(conn, ch, "127.0.0.1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.Register(conn.ID(), userID); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return conn
}

func idsOf(conns []*state.Connection) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(conns))
	for _, c := range conns {
		out[c.ID] = true
	}
	return out
}

// --- Connection and User Management Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := statetest.NewConn()

	// 1. Add
	stateConn, err := m.Add(conn, state.ChannelChat, "127.0.0.1")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if stateConn.ID != conn.ID() {
		t.Errorf("Registered connection ID mismatch")
	}
	if stateConn.UserID != "" {
		t.Errorf("New connection should be anonymous, got user %q", stateConn.UserID)
	}
	if _, err := m.Add(conn, state.ChannelChat, "127.0.0.1"); err != state.ErrAlreadyRegistered {
		t.Errorf("Expected ErrAlreadyRegistered on double add, got %v", err)
	}

	// 2. Get
	retrievedConn, found := m.GetConnection(conn.ID())
	if !found {
		t.Fatal("GetConnection failed to find registered connection")
	}
	if retrievedConn.ID != conn.ID() {
		t.Errorf("Retrieved connection ID mismatch")
	}

	// 3. Unregister
	if !m.Unregister(conn.ID(), "test") {
		t.Fatal("Unregister should report removal")
	}
	if _, found = m.GetConnection(conn.ID()); found {
		t.Error("Found connection after it should have been removed")
	}
	if m.Unregister(conn.ID(), "test") {
		t.Error("Second Unregister should be a no-op")
	}
}

func TestRegisterIsIdempotentAndSetOnce(t *testing.T) {
	m := newTestManager()
	conn := addIdentified(t, m, "user-1", state.ChannelChat)

	if _, err := m.Register(conn.ID(), "user-1"); err != nil {
		t.Fatalf("Re-registering the same identity should succeed, got %v", err)
	}
	if got := m.UserConnectionCount("user-1", state.ChannelAny); got != 1 {
		t.Errorf("Expected 1 connection after idempotent register, got %d", got)
	}
	if _, err := m.Register(conn.ID(), "user-2"); err != state.ErrIdentityBound {
		t.Errorf("Expected ErrIdentityBound when rebinding, got %v", err)
	}
	if _, err := m.Register(uuid.New(), "user-1"); err != state.ErrUnknownConnection {
		t.Errorf("Expected ErrUnknownConnection, got %v", err)
	}
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	m := newTestManager()
	userID := "user-1"
	const n = 4

	conns := make([]*statetest.Conn, n)
	for i := range conns {
		conns[i] = addIdentified(t, m, userID, state.ChannelChat)
	}
	if got := len(m.ConnectionsFor(userID, state.ChannelAny)); got != n {
		t.Fatalf("Expected %d connections, got %d", n, got)
	}

	for i := 0; i < n-1; i++ {
		m.Unregister(conns[i].ID(), "test")
	}
	remaining := m.ConnectionsFor(userID, state.ChannelAny)
	if len(remaining) != 1 || remaining[0].ID != conns[n-1].ID() {
		t.Fatalf("Expected only the last connection to remain, got %d", len(remaining))
	}
	if !m.IsPresent(userID, state.ChannelAny) {
		t.Error("User should still be present")
	}

	m.Unregister(conns[n-1].ID(), "test")
	if m.IsPresent(userID, state.ChannelAny) {
		t.Error("User should be absent after last connection is removed")
	}
	if users, _ := m.Counts(); users != 0 {
		t.Errorf("Absent user should not keep an empty entry, got %d users", users)
	}
}

func TestConnectionsForTracksRegisteredSet(t *testing.T) {
	m := newTestManager()
	userID := "user-seq"
	live := map[uuid.UUID]bool{}
	var all []*statetest.Conn

	for i := 0; i < 20; i++ {
		if i%3 == 2 && len(all) > 0 {
			victim := all[0]
			all = all[1:]
			m.Unregister(victim.ID(), "test")
			delete(live, victim.ID())
		} else {
			c := addIdentified(t, m, userID, state.ChannelChat)
			all = append(all, c)
			live[c.ID()] = true
		}

		got := idsOf(m.ConnectionsFor(userID, state.ChannelAny))
		if len(got) != len(live) {
			t.Fatalf("step %d: expected %d connections, got %d", i, len(live), len(got))
		}
		for id := range live {
			if !got[id] {
				t.Fatalf("step %d: connection %s missing", i, id)
			}
		}
	}
}

func TestChannelFiltering(t *testing.T) {
	m := newTestManager()
	addIdentified(t, m, "user-1", state.ChannelChat)

	if m.IsPresent("user-1", state.ChannelSignal) {
		t.Error("User has no signaling connection yet")
	}
	sig := addIdentified(t, m, "user-1", state.ChannelSignal)
	if got := len(m.ConnectionsFor("user-1", state.ChannelSignal)); got != 1 {
		t.Errorf("Expected 1 signaling connection, got %d", got)
	}
	if got := len(m.ConnectionsFor("user-1", state.ChannelAny)); got != 2 {
		t.Errorf("Expected 2 connections overall, got %d", got)
	}

	if n := m.Deliver("user-1", state.ChannelSignal, []byte(`{"event":"x"}`)); n != 1 {
		t.Errorf("Expected delivery to the signaling connection only, got %d", n)
	}
	if len(sig.Frames()) != 1 {
		t.Error("Signaling connection did not receive the frame")
	}
}

func TestFindOldestUserConnection(t *testing.T) {
	m := newTestManager()
	userID := "user-cycle"
	conn1 := addIdentified(t, m, userID, state.ChannelChat)
	time.Sleep(5 * time.Millisecond) // Ensure timestamps are different
	addIdentified(t, m, userID, state.ChannelChat)

	oldest, found := m.FindOldestUserConnection(userID, state.ChannelChat)
	if !found {
		t.Fatal("Expected to find oldest connection, but did not")
	}
	if oldest.ID != conn1.ID() {
		t.Errorf("Expected oldest connection ID to be %s, got %s", conn1.ID(), oldest.ID)
	}
}

func TestFindOldestUserConnectionSkipsOtherChannels(t *testing.T) {
	m := newTestManager()
	addIdentified(t, m, "user-1", state.ChannelSignal)
	time.Sleep(5 * time.Millisecond)
	chat := addIdentified(t, m, "user-1", state.ChannelChat)

	oldest, found := m.FindOldestUserConnection("user-1", state.ChannelChat)
	if !found || oldest.ID != chat.ID() {
		t.Errorf("Expected the chat connection, got %+v", oldest)
	}
}

func TestRegisterWithinCountsPerChannel(t *testing.T) {
	m := newTestManager()
	addIdentified(t, m, "user-1", state.ChannelChat)

	sig := statetest.NewConn()
	if _, err := m.Add(sig, state.ChannelSignal, "127.0.0.1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.RegisterWithin(sig.ID(), "user-1", 1); err != nil {
		t.Fatalf("Signaling connection should not count against the chat limit, got %v", err)
	}

	chat := statetest.NewConn()
	if _, err := m.Add(chat, state.ChannelChat, "127.0.0.1"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := m.RegisterWithin(chat.ID(), "user-1", 1); err != state.ErrLimitReached {
		t.Errorf("Expected ErrLimitReached, got %v", err)
	}
	if _, err := m.RegisterWithin(sig.ID(), "user-1", 1); err != nil {
		t.Errorf("Re-binding an admitted connection should stay idempotent, got %v", err)
	}
	if got := m.UserConnectionCount("user-1", state.ChannelChat); got != 1 {
		t.Errorf("Expected 1 chat connection, got %d", got)
	}
	if got := m.UserConnectionCount("user-1", state.ChannelAny); got != 2 {
		t.Errorf("Expected 2 connections in total, got %d", got)
	}
}

func TestConcurrentRegisterWithinHoldsLimit(t *testing.T) {
	m := newTestManager()
	const n = 32
	conns := make([]*statetest.Conn, n)
	for i := range conns {
		conns[i] = statetest.NewConn()
		if _, err := m.Add(conns[i], state.ChannelChat, "127.0.0.1"); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *statetest.Conn) {
			defer wg.Done()
			_, _ = m.RegisterWithin(conn.ID(), "user-1", 2)
		}(conn)
	}
	wg.Wait()

	if got := m.UserConnectionCount("user-1", state.ChannelChat); got != 2 {
		t.Errorf("Expected exactly 2 bound connections, got %d", got)
	}
}

// --- Delivery Tests ---

func TestDeliverCountsAndEvictsDeadConnections(t *testing.T) {
	m := newTestManager()
	healthy := addIdentified(t, m, "user-1", state.ChannelChat)
	broken := addIdentified(t, m, "user-1", state.ChannelChat)
	broken.FailSends()

	n := m.Deliver("user-1", state.ChannelChat, []byte(`{"kind":"receiveChat"}`))
	if n != 1 {
		t.Fatalf("Expected 1 successful push, got %d", n)
	}
	if len(healthy.Frames()) != 1 {
		t.Error("Healthy connection should have received the payload")
	}
	if _, found := m.GetConnection(broken.ID()); found {
		t.Error("Connection that refused the push should be evicted")
	}
	if !broken.Closed() {
		t.Error("Evicted connection should be closed")
	}
}

func TestDeliverToAbsentUserIsZero(t *testing.T) {
	m := newTestManager()
	if n := m.Deliver("nobody", state.ChannelChat, []byte(`{}`)); n != 0 {
		t.Errorf("Expected 0 deliveries to an absent user, got %d", n)
	}
}

func TestRemovalListener(t *testing.T) {
	m := newTestManager()
	var events []state.RemovalEvent
	m.OnRemove(func(ev state.RemovalEvent) { events = append(events, ev) })

	chat := addIdentified(t, m, "user-1", state.ChannelChat)
	sig := addIdentified(t, m, "user-1", state.ChannelSignal)

	m.Unregister(sig.ID(), "closed")
	m.Unregister(chat.ID(), "closed")

	if len(events) != 2 {
		t.Fatalf("Expected 2 removal events, got %d", len(events))
	}
	if events[0].RemainingOnChannel != 0 || !events[0].Present {
		t.Errorf("First removal: expected no signaling left but still present, got %+v", events[0])
	}
	if events[1].Present {
		t.Error("Second removal should report the user absent")
	}
}

// --- Sweep Tests ---

func TestSweepRemovesDeadAndIsIdempotent(t *testing.T) {
	m := newTestManager()
	alive := addIdentified(t, m, "user-1", state.ChannelChat)
	dead := addIdentified(t, m, "user-1", state.ChannelChat)
	lonely := addIdentified(t, m, "user-2", state.ChannelChat)
	dead.Kill()
	lonely.Kill()

	if removed := m.Sweep(); removed != 2 {
		t.Fatalf("Expected sweep to remove 2 connections, got %d", removed)
	}
	if _, found := m.GetConnection(alive.ID()); !found {
		t.Error("Live connection must survive the sweep")
	}
	if m.IsPresent("user-2", state.ChannelAny) {
		t.Error("User left with no connections should be dropped")
	}
	if removed := m.Sweep(); removed != 0 {
		t.Errorf("Second sweep should be a no-op, removed %d", removed)
	}
}

func TestRegistryConcurrency(t *testing.T) {
	m := newTestManager()
	numGoroutines := 100
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user" + strconv.Itoa(i%10)
			conn := statetest.NewConn()
			if _, err := m.Add(conn, state.ChannelChat, "10.0.0.1"); err != nil {
				t.Errorf("Add failed: %v", err)
				return
			}
			if _, err := m.Register(conn.ID(), userID); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			m.Deliver(userID, state.ChannelChat, []byte(`{}`))
			if i%2 == 0 {
				conn.Kill()
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Sweep()
		}()
	}
	wg.Wait()

	m.Sweep()
	_, conns := m.Counts()
	if conns != numGoroutines/2 {
		t.Errorf("Expected %d live connections after sweeps, got %d", numGoroutines/2, conns)
	}
}
