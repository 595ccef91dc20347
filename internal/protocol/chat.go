// Package protocol decodes client frames into closed sets of request variants
// and encodes the frames the server pushes back. Required fields are checked
// once here so handlers never see a half-populated request.
package protocol

import (
	"github.com/a-essam23/go-courier/internal/apperr"
)

// Kind discriminates frames on the chat channel.
type Kind string

const (
	KindIdentify      Kind = "identify"
	KindHeartbeat     Kind = "heartbeat"
	KindJoinChat      Kind = "joinChat"
	KindSendChat      Kind = "sendChat"
	KindReplyTo       Kind = "replyTo"
	KindForward       Kind = "forward"
	KindDeleteMessage Kind = "deleteMessage"
	KindCreateGroup   Kind = "createGroup"
	KindAddMember     Kind = "addMember"
	KindRemoveMember  Kind = "removeMember"
	KindChangeRole    Kind = "changeRole"
	KindRenameGroup   Kind = "renameGroup"
	KindDisbandGroup  Kind = "disbandGroup"
	KindLeaveGroup    Kind = "leaveGroup"
	KindHistory       Kind = "history"
)

// ChatKinds lists every kind a client may send, in declaration order.
var ChatKinds = []Kind{
	KindIdentify, KindHeartbeat, KindJoinChat, KindSendChat, KindReplyTo, KindForward,
	KindDeleteMessage, KindCreateGroup, KindAddMember, KindRemoveMember, KindChangeRole,
	KindRenameGroup, KindDisbandGroup, KindLeaveGroup, KindHistory,
}

// Request is one validated chat-channel frame.
type Request interface {
	Kind() Kind
}

// Message content types.
const (
	TypeText       = "text"
	TypeAttachment = "attachment"
)

// Content is the client supplied body of a message.
type Content struct {
	Type          string
	Body          string
	AttachmentURL string
}

// Validate rejects unknown types and types missing their payload.
func (c Content) Validate() error {
	switch c.Type {
	case TypeText:
		if c.Body == "" {
			return apperr.Missing("content.body")
		}
	case TypeAttachment:
		if c.AttachmentURL == "" {
			return apperr.Missing("content.attachmentUrl")
		}
	case "":
		return apperr.Missing("content.type")
	default:
		return apperr.With(apperr.ErrInvalidMessageType, "unknown message type %q", c.Type)
	}
	return nil
}

// Delete modes.
const (
	DeleteRemove   = "remove"
	DeleteUnsent   = "unsent"
	DeleteMineOnly = "mineOnly"
)

type Identify struct{ UserID string }

type Heartbeat struct{}

// JoinChat.Target is either an existing chat id or a peer user id.
type JoinChat struct{ Target string }

type SendChat struct {
	ChatID  string
	Content Content
}

type ReplyTo struct {
	ChatID            string
	OriginalMessageID int64
	Content           Content
}

type Forward struct {
	OriginalMessageID int64
	TargetChatID      string
}

type DeleteMessage struct {
	MessageID int64
	Mode      string
}

type CreateGroup struct {
	Name           string
	Description    string
	InitialMembers []string
}

type AddMember struct{ ChatID, UserID string }

type RemoveMember struct{ ChatID, UserID string }

type ChangeRole struct{ ChatID, UserID, Role string }

type RenameGroup struct{ ChatID, Name string }

type DisbandGroup struct{ ChatID string }

type LeaveGroup struct{ ChatID string }

// History.Limit is zero when the client did not ask for a size.
type History struct {
	ChatID string
	Limit  int
}

func (Identify) Kind() Kind      { return KindIdentify }
func (Heartbeat) Kind() Kind     { return KindHeartbeat }
func (JoinChat) Kind() Kind      { return KindJoinChat }
func (SendChat) Kind() Kind      { return KindSendChat }
func (ReplyTo) Kind() Kind       { return KindReplyTo }
func (Forward) Kind() Kind       { return KindForward }
func (DeleteMessage) Kind() Kind { return KindDeleteMessage }
func (CreateGroup) Kind() Kind   { return KindCreateGroup }
func (AddMember) Kind() Kind     { return KindAddMember }
func (RemoveMember) Kind() Kind  { return KindRemoveMember }
func (ChangeRole) Kind() Kind    { return KindChangeRole }
func (RenameGroup) Kind() Kind   { return KindRenameGroup }
func (DisbandGroup) Kind() Kind  { return KindDisbandGroup }
func (LeaveGroup) Kind() Kind    { return KindLeaveGroup }
func (History) Kind() Kind       { return KindHistory }

// DecodeChat parses and validates one chat-channel frame.
func DecodeChat(frame []byte) (Request, error) {
	f, err := parseObject(frame)
	if err != nil {
		return nil, err
	}
	kind, err := f.str("kind")
	if err != nil {
		return nil, err
	}

	switch Kind(kind) {
	case KindIdentify:
		userID, err := f.id("userId")
		if err != nil {
			return nil, err
		}
		return Identify{UserID: userID}, nil

	case KindHeartbeat:
		return Heartbeat{}, nil

	case KindJoinChat:
		target, err := f.id("target")
		if err != nil {
			return nil, err
		}
		return JoinChat{Target: target}, nil

	case KindSendChat:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		content, err := f.content("content")
		if err != nil {
			return nil, err
		}
		return SendChat{ChatID: chatID, Content: content}, nil

	case KindReplyTo:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		original, err := f.messageID("originalMessageId")
		if err != nil {
			return nil, err
		}
		content, err := f.content("content")
		if err != nil {
			return nil, err
		}
		return ReplyTo{ChatID: chatID, OriginalMessageID: original, Content: content}, nil

	case KindForward:
		original, err := f.messageID("originalMessageId")
		if err != nil {
			return nil, err
		}
		target, err := f.id("targetChatId")
		if err != nil {
			return nil, err
		}
		return Forward{OriginalMessageID: original, TargetChatID: target}, nil

	case KindDeleteMessage:
		messageID, err := f.messageID("messageId")
		if err != nil {
			return nil, err
		}
		mode, err := f.str("mode")
		if err != nil {
			return nil, err
		}
		switch mode {
		case DeleteRemove, DeleteUnsent, DeleteMineOnly:
		default:
			return nil, apperr.With(apperr.ErrInvalidDeleteMode, "mode must be remove, unsent or mineOnly, got %q", mode)
		}
		return DeleteMessage{MessageID: messageID, Mode: mode}, nil

	case KindCreateGroup:
		name, err := f.str("name")
		if err != nil {
			return nil, err
		}
		members, err := f.idList("initialMembers")
		if err != nil {
			return nil, err
		}
		return CreateGroup{Name: name, Description: f.optional("description"), InitialMembers: members}, nil

	case KindAddMember, KindRemoveMember:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		userID, err := f.id("userId")
		if err != nil {
			return nil, err
		}
		if Kind(kind) == KindAddMember {
			return AddMember{ChatID: chatID, UserID: userID}, nil
		}
		return RemoveMember{ChatID: chatID, UserID: userID}, nil

	case KindChangeRole:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		userID, err := f.id("userId")
		if err != nil {
			return nil, err
		}
		role, err := f.str("role")
		if err != nil {
			return nil, err
		}
		if role != "admin" && role != "member" {
			return nil, apperr.With(apperr.ErrInvalidRole, "invalid role %q", role)
		}
		return ChangeRole{ChatID: chatID, UserID: userID, Role: role}, nil

	case KindRenameGroup:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		name, err := f.str("name")
		if err != nil {
			return nil, err
		}
		return RenameGroup{ChatID: chatID, Name: name}, nil

	case KindDisbandGroup, KindLeaveGroup:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		if Kind(kind) == KindDisbandGroup {
			return DisbandGroup{ChatID: chatID}, nil
		}
		return LeaveGroup{ChatID: chatID}, nil

	case KindHistory:
		chatID, err := f.id("chatId")
		if err != nil {
			return nil, err
		}
		limit, err := f.optionalInt("limit")
		if err != nil {
			return nil, err
		}
		return History{ChatID: chatID, Limit: limit}, nil
	}

	return nil, apperr.With(apperr.ErrInvalidKind, "unknown kind %q", kind)
}
