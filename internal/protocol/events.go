package protocol

import (
	"encoding/json"
	"time"

	"github.com/a-essam23/go-courier/internal/apperr"
)

// Server pushed kinds on the chat channel.
const (
	KindOK                  = "ok"
	KindError               = "error"
	KindReceiveChat         = "receiveChat"
	KindReceiveReply        = "receiveReply"
	KindReceiveForward      = "receiveForward"
	KindMessageStateChanged = "messageStateChanged"
	KindGroupCreated        = "groupCreated"
	KindMemberAdded         = "memberAdded"
	KindAddedToGroup        = "addedToGroup"
	KindMemberRemoved       = "memberRemoved"
	KindRemovedFromGroup    = "removedFromGroup"
	KindRoleChanged         = "roleChanged"
	KindGroupRenamed        = "groupRenamed"
	KindGroupDisbanded      = "groupDisbanded"
	KindMemberLeft          = "memberLeft"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders server timestamps as RFC3339 UTC with milliseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Fields is a loosely typed event body.
type Fields map[string]any

// Reference points at another message from a reply or forward.
type Reference struct {
	MessageID     int64  `json:"messageId"`
	ChatID        string `json:"chatId,omitempty"`
	SenderID      string `json:"senderId"`
	Type          string `json:"type,omitempty"`
	Content       string `json:"content,omitempty"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// MessageView is a persisted message as recipients see it.
type MessageView struct {
	MessageID     int64      `json:"messageId"`
	Type          string     `json:"type"`
	Content       string     `json:"content"`
	AttachmentURL string     `json:"attachmentUrl,omitempty"`
	SenderID      string     `json:"senderId"`
	Timestamp     string     `json:"timestamp"`
	ReplyTo       *Reference `json:"replyTo,omitempty"`
	ForwardedFrom *Reference `json:"forwardedFrom,omitempty"`
}

type messageEvent struct {
	Kind    string      `json:"kind"`
	ChatID  string      `json:"chatId"`
	Message MessageView `json:"message"`
}

// MessageEvent encodes receiveChat, receiveReply and receiveForward pushes.
func MessageEvent(kind, chatID string, msg MessageView) []byte {
	return mustMarshal(messageEvent{Kind: kind, ChatID: chatID, Message: msg})
}

type stateChanged struct {
	Kind      string `json:"kind"`
	ChatID    string `json:"chatId"`
	MessageID int64  `json:"messageId"`
	State     string `json:"state"`
	ChangedBy string `json:"changedBy"`
}

func StateChanged(chatID string, messageID int64, state, changedBy string) []byte {
	return mustMarshal(stateChanged{
		Kind:      KindMessageStateChanged,
		ChatID:    chatID,
		MessageID: messageID,
		State:     state,
		ChangedBy: changedBy,
	})
}

// Push encodes a chat-channel event with a free form body.
func Push(kind string, body Fields) []byte {
	out := make(Fields, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["kind"] = kind
	return mustMarshal(out)
}

// Ack encodes the direct success reply to a request.
func Ack(forKind Kind, body Fields) []byte {
	out := make(Fields, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["kind"] = KindOK
	out["forKind"] = string(forKind)
	return mustMarshal(out)
}

// ErrorReply encodes the direct failure reply on the chat channel.
func ErrorReply(forKind string, err error) []byte {
	e := apperr.From(err)
	return mustMarshal(Fields{
		"kind":    KindError,
		"forKind": forKind,
		"code":    e.Code,
		"reason":  e.Reason(),
	})
}

// HeartbeatReply answers a heartbeat in kind.
func HeartbeatReply() []byte {
	return []byte(`{"kind":"heartbeat"}`)
}

type signalFrame struct {
	Event Event `json:"event"`
	Data  any   `json:"data"`
}

// SignalFrame encodes one signaling-channel push.
func SignalFrame(event Event, data any) []byte {
	return mustMarshal(signalFrame{Event: event, Data: data})
}

// SignalError encodes the failure reply on the signaling channel.
func SignalError(forEvent string, err error) []byte {
	e := apperr.From(err)
	return SignalFrame(EventError, Fields{
		"forEvent": forEvent,
		"code":     e.Code,
		"reason":   e.Reason(),
	})
}

// every value passed here is built from strings, numbers and raw JSON that
// was validated on the way in, so marshalling cannot fail.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal outbound frame: " + err.Error())
	}
	return b
}
