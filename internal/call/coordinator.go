// Package call relays WebRTC negotiation between two parties and tracks each
// call through ringing, connected and its terminal state.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/google/uuid"
)

// Store is the persistence surface for call history.
type Store interface {
	CreateCall(ctx context.Context, rec *store.CallRecord) error
	UpdateCallStatus(ctx context.Context, id, status string, terminal bool) error
}

// Presence is the part of the connection registry the coordinator needs.
type Presence interface {
	IsPresent(userID string, channel state.Channel) bool
	Deliver(userID string, channel state.Channel, payload []byte) int
	OnRemove(fn state.RemovalListener)
}

// Observer is told about every state a call enters.
type Observer interface {
	CallTransition(status string)
}

// Reply sends a frame back to the requesting connection.
type Reply func(payload []byte)

func (r Reply) send(payload []byte) {
	if r != nil {
		r(payload)
	}
}

// Reasons carried by call-ended.
const (
	ReasonEnded        = "ended"
	ReasonDisconnected = "disconnected"
)

// Session is a live call. It only exists while the call is ringing or connected.
type Session struct {
	ID         string
	CallerID   string
	ReceiverID string
	CallType   string
	State      string
	StartedAt  time.Time

	// announcing is set while incoming-call is being pushed; removals leave
	// such a session to Initiate.
	announcing bool
}

// Peer returns the other party of the call.
func (s Session) Peer(userID string) string {
	if userID == s.CallerID {
		return s.ReceiverID
	}
	return s.CallerID
}

func (s Session) involves(userID string) bool {
	return userID == s.CallerID || userID == s.ReceiverID
}

// Coordinator owns the table of live calls.
type Coordinator struct {
	store    Store
	presence Presence
	observer Observer
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator builds a coordinator and subscribes it to connection removals
// so calls end when a party drops off the signaling channel.
func NewCoordinator(s Store, p Presence, obs Observer, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		store:    s,
		presence: p,
		observer: obs,
		logger:   logger.With(slog.String("component", "call_coordinator")),
		sessions: make(map[string]*Session),
	}
	p.OnRemove(c.handleRemoval)
	return c
}

// Initiate starts a call from callerID. An offline receiver turns the call
// into a missed call straight away and only the caller hears about it.
func (c *Coordinator) Initiate(ctx context.Context, callerID string, req protocol.CallUser, reply Reply) (Session, error) {
	if req.ReceiverID == callerID {
		return Session{}, apperr.With(apperr.ErrForbidden, "cannot call yourself")
	}
	callID := req.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	c.mu.Lock()
	_, exists := c.sessions[callID]
	c.mu.Unlock()
	if exists {
		return Session{}, apperr.With(apperr.ErrDuplicateCall, "call %s already exists", callID)
	}

	rec := &store.CallRecord{
		ID:         callID,
		CallerID:   callerID,
		ReceiverID: req.ReceiverID,
		CallType:   req.CallType,
		Status:     store.CallRinging,
	}
	if err := c.store.CreateCall(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Session{}, apperr.With(apperr.ErrDuplicateCall, "call %s already exists", callID)
		}
		return Session{}, apperr.Persistence(err)
	}
	sess := Session{
		ID:         callID,
		CallerID:   callerID,
		ReceiverID: req.ReceiverID,
		CallType:   req.CallType,
		State:      store.CallRinging,
		StartedAt:  rec.StartedAt,
	}
	c.observe(store.CallRinging)

	if !c.presence.IsPresent(req.ReceiverID, state.ChannelSignal) {
		return c.missed(ctx, sess, reply), nil
	}

	announced := sess
	announced.announcing = true
	c.mu.Lock()
	c.sessions[callID] = &announced
	c.mu.Unlock()

	incoming := protocol.SignalFrame(protocol.EventIncomingCall, protocol.Fields{
		"callId":   callID,
		"callerId": callerID,
		"callType": req.CallType,
		"signal":   json.RawMessage(req.Offer),
	})
	if c.presence.Deliver(req.ReceiverID, state.ChannelSignal, incoming) == 0 {
		// the receiver vanished or refused the push
		if _, ok := c.take(callID); ok {
			return c.missed(ctx, sess, reply), nil
		}
		return sess, nil
	}
	c.mu.Lock()
	if s, ok := c.sessions[callID]; ok {
		s.announcing = false
	}
	c.mu.Unlock()

	c.logger.Info("Call ringing",
		slog.String("callID", callID),
		slog.String("caller", callerID),
		slog.String("receiver", req.ReceiverID),
		slog.String("callType", req.CallType),
	)
	reply.send(protocol.SignalFrame(protocol.EventCallResponse, protocol.Fields{
		"callId": callID,
		"status": store.CallRinging,
	}))

	// removals during the announcement were skipped; catch up on them
	for _, party := range []string{callerID, req.ReceiverID} {
		if c.presence.IsPresent(party, state.ChannelSignal) {
			continue
		}
		if dropped, ok := c.take(callID); ok {
			dropped.State = store.CallDisconnected
			c.disconnect(dropped, party, "left while the call was announced")
			return dropped, nil
		}
	}
	return sess, nil
}

func (c *Coordinator) missed(ctx context.Context, sess Session, reply Reply) Session {
	sess.State = store.CallMissed
	c.observe(store.CallMissed)
	if err := c.store.UpdateCallStatus(ctx, sess.ID, store.CallMissed, true); err != nil {
		c.logger.Error("Failed to persist missed call", slog.String("callID", sess.ID), slog.Any("error", err))
	}
	c.logger.Info("Call missed, receiver offline", slog.String("callID", sess.ID), slog.String("receiver", sess.ReceiverID))
	reply.send(protocol.SignalFrame(protocol.EventCallResponse, protocol.Fields{
		"callId":  sess.ID,
		"status":  "failed",
		"message": "user is offline",
	}))
	return sess
}

// Accept connects a ringing call and relays the answer to the caller.
func (c *Coordinator) Accept(ctx context.Context, userID, callID string, answer json.RawMessage) error {
	sess, err := c.advance(callID, func(s *Session) error {
		if s.State != store.CallRinging || !s.involves(userID) {
			return errUnknownCall(callID)
		}
		if userID != s.ReceiverID {
			return apperr.With(apperr.ErrForbidden, "only the receiver can accept the call")
		}
		s.State = store.CallConnected
		return nil
	})
	if err != nil {
		return err
	}

	c.presence.Deliver(sess.CallerID, state.ChannelSignal, protocol.SignalFrame(protocol.EventCallAccepted, protocol.Fields{
		"callId": callID,
		"signal": answer,
	}))
	c.logger.Info("Call connected", slog.String("callID", callID))
	return c.persist(ctx, sess.ID, store.CallConnected, false)
}

// Reject declines a ringing call and notifies the caller.
func (c *Coordinator) Reject(ctx context.Context, userID, callID string) error {
	sess, err := c.finish(callID, store.CallRejected, func(s *Session) error {
		if s.State != store.CallRinging || !s.involves(userID) {
			return errUnknownCall(callID)
		}
		if userID != s.ReceiverID {
			return apperr.With(apperr.ErrForbidden, "only the receiver can reject the call")
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.presence.Deliver(sess.CallerID, state.ChannelSignal, protocol.SignalFrame(protocol.EventCallRejected, protocol.Fields{
		"callId": callID,
	}))
	c.logger.Info("Call rejected", slog.String("callID", callID))
	return c.persist(ctx, sess.ID, store.CallRejected, true)
}

// End hangs up a call. Ending a ringing call cancels it.
func (c *Coordinator) End(ctx context.Context, userID, callID string) error {
	sess, err := c.finish(callID, store.CallEnded, func(s *Session) error {
		if !s.involves(userID) {
			return errUnknownCall(callID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.presence.Deliver(sess.Peer(userID), state.ChannelSignal, endedFrame(callID, ReasonEnded))
	c.logger.Info("Call ended", slog.String("callID", callID), slog.String("by", userID))
	return c.persist(ctx, sess.ID, store.CallEnded, true)
}

// RelayIce forwards a candidate to the named party. A target without a live
// signaling connection is not an error.
func (c *Coordinator) RelayIce(userID, callID, targetUserID string, candidate json.RawMessage) error {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	var sess Session
	if ok {
		sess = *s
	}
	c.mu.Unlock()
	if !ok || !sess.involves(userID) {
		return errUnknownCall(callID)
	}
	if !sess.involves(targetUserID) || targetUserID == userID {
		return apperr.With(apperr.ErrForbidden, "candidates can only be sent to the other party")
	}

	frame := protocol.SignalFrame(protocol.EventIceCandidate, protocol.Fields{
		"callId":    callID,
		"from":      userID,
		"candidate": candidate,
	})
	if c.presence.Deliver(targetUserID, state.ChannelSignal, frame) == 0 {
		c.logger.Debug("ICE candidate dropped, target offline", slog.String("callID", callID), slog.String("target", targetUserID))
	}
	return nil
}

// Lookup returns a copy of a live session.
func (c *Coordinator) Lookup(callID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Active is the number of live calls.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// handleRemoval ends every call of a user whose last signaling connection left.
func (c *Coordinator) handleRemoval(ev state.RemovalEvent) {
	if ev.UserID == "" || ev.Connection == nil || ev.Connection.Channel != state.ChannelSignal || ev.RemainingOnChannel > 0 {
		return
	}

	var dropped []Session
	c.mu.Lock()
	for id, s := range c.sessions {
		if s.involves(ev.UserID) && !s.announcing {
			s.State = store.CallDisconnected
			dropped = append(dropped, *s)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, sess := range dropped {
		c.disconnect(sess, ev.UserID, ev.Reason)
	}
}

// disconnect tells the remaining party that userID dropped off and records
// the call as disconnected.
func (c *Coordinator) disconnect(sess Session, userID, reason string) {
	c.observe(store.CallDisconnected)
	c.presence.Deliver(sess.Peer(userID), state.ChannelSignal, endedFrame(sess.ID, ReasonDisconnected))
	c.logger.Info("Call dropped, party disconnected",
		slog.String("callID", sess.ID),
		slog.String("userID", userID),
		slog.String("reason", reason),
	)
	if err := c.store.UpdateCallStatus(context.Background(), sess.ID, store.CallDisconnected, true); err != nil {
		c.logger.Error("Failed to persist disconnected call", slog.String("callID", sess.ID), slog.Any("error", err))
	}
}

// advance runs check against the live session under the lock and returns a
// copy of the updated session.
func (c *Coordinator) advance(callID string, check func(*Session) error) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return Session{}, errUnknownCall(callID)
	}
	if err := check(s); err != nil {
		return Session{}, err
	}
	c.observe(s.State)
	return *s, nil
}

// finish moves a session into a terminal state and drops it from the table.
func (c *Coordinator) finish(callID, terminal string, check func(*Session) error) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return Session{}, errUnknownCall(callID)
	}
	if err := check(s); err != nil {
		return Session{}, err
	}
	s.State = terminal
	delete(c.sessions, callID)
	c.observe(terminal)
	return *s, nil
}

func (c *Coordinator) take(callID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	if !ok {
		return Session{}, false
	}
	delete(c.sessions, callID)
	return *s, true
}

// persist mirrors a transition into call history. The in-memory state is
// authoritative and stays as it is when the write fails.
func (c *Coordinator) persist(ctx context.Context, callID, status string, terminal bool) error {
	if err := c.store.UpdateCallStatus(ctx, callID, status, terminal); err != nil {
		c.logger.Error("Failed to persist call status",
			slog.String("callID", callID),
			slog.String("status", status),
			slog.Any("error", err),
		)
		return apperr.Persistence(err)
	}
	return nil
}

func (c *Coordinator) observe(status string) {
	if c.observer != nil {
		c.observer.CallTransition(status)
	}
}

func endedFrame(callID, reason string) []byte {
	return protocol.SignalFrame(protocol.EventCallEnded, protocol.Fields{
		"callId": callID,
		"reason": reason,
	})
}

func errUnknownCall(callID string) error {
	return apperr.With(apperr.ErrUnknownOrTerminalCall, "call %s is unknown or already over", callID)
}
