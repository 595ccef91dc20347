package protocol

import (
	"encoding/json"

	"github.com/a-essam23/go-courier/internal/apperr"
)

// Event discriminates frames on the signaling channel.
type Event string

const (
	EventRegister     Event = "register"
	EventCallUser     Event = "call-user"
	EventAcceptCall   Event = "accept-call"
	EventRejectCall   Event = "reject-call"
	EventIceCandidate Event = "ice-candidate"
	EventEndCall      Event = "end-call"

	EventRegistered   Event = "registered"
	EventIncomingCall Event = "incoming-call"
	EventCallResponse Event = "call-response"
	EventCallAccepted Event = "call-accepted"
	EventCallRejected Event = "call-rejected"
	EventCallEnded    Event = "call-ended"
	EventError        Event = "error"
)

// Call types.
const (
	CallAudio = "audio"
	CallVideo = "video"
)

// Signal is one validated signaling-channel frame.
type Signal interface {
	Event() Event
}

type Register struct{ UserID string }

// CallUser.CallID is optional; the coordinator assigns one when empty.
type CallUser struct {
	ReceiverID string
	CallType   string
	Offer      json.RawMessage
	CallID     string
}

type AcceptCall struct {
	CallID string
	Answer json.RawMessage
}

type RejectCall struct{ CallID string }

// IceCandidate.TargetUserID names the party the candidate is meant for.
type IceCandidate struct {
	CallID       string
	TargetUserID string
	Candidate    json.RawMessage
}

type EndCall struct{ CallID string }

func (Register) Event() Event     { return EventRegister }
func (CallUser) Event() Event     { return EventCallUser }
func (AcceptCall) Event() Event   { return EventAcceptCall }
func (RejectCall) Event() Event   { return EventRejectCall }
func (IceCandidate) Event() Event { return EventIceCandidate }
func (EndCall) Event() Event      { return EventEndCall }

// DecodeSignal parses and validates one signaling frame of the form {event, data}.
func DecodeSignal(frame []byte) (Signal, error) {
	root, err := parseObject(frame)
	if err != nil {
		return nil, err
	}
	event, err := root.str("event")
	if err != nil {
		return nil, err
	}
	f := root.sub("data")
	if !f.root.IsObject() {
		return nil, apperr.Missing("data")
	}

	switch Event(event) {
	case EventRegister:
		userID, err := f.id("userId")
		if err != nil {
			return nil, err
		}
		return Register{UserID: userID}, nil

	case EventCallUser:
		receiver, err := f.id("receiverId")
		if err != nil {
			return nil, err
		}
		callType, err := f.str("callType")
		if err != nil {
			return nil, err
		}
		if callType != CallAudio && callType != CallVideo {
			return nil, apperr.With(apperr.ErrInvalidCallType, "invalid call type %q", callType)
		}
		offer, err := f.raw("signal")
		if err != nil {
			return nil, err
		}
		return CallUser{ReceiverID: receiver, CallType: callType, Offer: offer, CallID: f.optionalID("callId")}, nil

	case EventAcceptCall:
		callID, err := f.id("callId")
		if err != nil {
			return nil, err
		}
		answer, err := f.raw("signal")
		if err != nil {
			return nil, err
		}
		return AcceptCall{CallID: callID, Answer: answer}, nil

	case EventRejectCall:
		callID, err := f.id("callId")
		if err != nil {
			return nil, err
		}
		return RejectCall{CallID: callID}, nil

	case EventIceCandidate:
		callID, err := f.id("callId")
		if err != nil {
			return nil, err
		}
		target, err := f.id("userId")
		if err != nil {
			return nil, err
		}
		candidate, err := f.raw("candidate")
		if err != nil {
			return nil, err
		}
		return IceCandidate{CallID: callID, TargetUserID: target, Candidate: candidate}, nil

	case EventEndCall:
		callID, err := f.id("callId")
		if err != nil {
			return nil, err
		}
		return EndCall{CallID: callID}, nil
	}

	return nil, apperr.With(apperr.ErrInvalidKind, "unknown event %q", event)
}
