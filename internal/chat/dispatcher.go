package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/state"
)

// Receipt describes a persisted message and how far its fanout got.
type Receipt struct {
	ChatID    string
	MessageID int64
	Timestamp time.Time
	// Delivered counts connections that accepted the broadcast.
	Delivered int
}

// Dispatcher persists chat messages and broadcasts them to members.
type Dispatcher struct {
	store     Store
	deliverer Deliverer
	observer  Observer
	logger    *slog.Logger
}

func NewDispatcher(s Store, d Deliverer, obs Observer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		deliverer: d,
		observer:  obs,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// SendChat persists a message from senderID into chatID, acknowledges it and
// fans it out to every other member.
func (d *Dispatcher) SendChat(ctx context.Context, senderID, chatID string, content protocol.Content, ack Ack) (Receipt, error) {
	if err := content.Validate(); err != nil {
		return Receipt{}, err
	}
	if _, err := d.authorize(ctx, chatID, senderID); err != nil {
		return Receipt{}, err
	}

	msg := newMessage(chatID, senderID, content)
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return Receipt{}, apperr.Persistence(err)
	}
	ack.send(receiptFields(msg))

	payload := protocol.MessageEvent(protocol.KindReceiveChat, chatID, view(msg))
	return d.receipt(msg, d.fanout(ctx, protocol.KindReceiveChat, chatID, senderID, payload)), nil
}

// Reply is SendChat with a reference to an earlier message of the same chat.
func (d *Dispatcher) Reply(ctx context.Context, senderID, chatID string, originalID int64, content protocol.Content, ack Ack) (Receipt, error) {
	if err := content.Validate(); err != nil {
		return Receipt{}, err
	}
	if _, err := d.authorize(ctx, chatID, senderID); err != nil {
		return Receipt{}, err
	}
	original, err := d.original(ctx, originalID)
	if err != nil {
		return Receipt{}, err
	}
	if original.ChatID != chatID {
		return Receipt{}, apperr.With(apperr.ErrOriginalNotFound, "message %d is not part of chat %s", originalID, chatID)
	}

	msg := newMessage(chatID, senderID, content)
	msg.ReplyToID = &original.ID
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return Receipt{}, apperr.Persistence(err)
	}
	body := receiptFields(msg)
	body["replyTo"] = original.ID
	ack.send(body)

	v := view(msg)
	v.ReplyTo = reference(original, true)
	payload := protocol.MessageEvent(protocol.KindReceiveReply, chatID, v)
	return d.receipt(msg, d.fanout(ctx, protocol.KindReceiveReply, chatID, senderID, payload)), nil
}

// Forward copies a message the requester can read into targetChatID.
func (d *Dispatcher) Forward(ctx context.Context, senderID string, originalID int64, targetChatID string, ack Ack) (Receipt, error) {
	if _, err := d.authorize(ctx, targetChatID, senderID); err != nil {
		return Receipt{}, err
	}
	original, err := d.original(ctx, originalID)
	if err != nil {
		return Receipt{}, err
	}
	// the source chat must be readable by the requester
	if _, err := d.store.MemberOf(ctx, original.ChatID, senderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Receipt{}, apperr.With(apperr.ErrOriginalNotFound, "message %d not found", originalID)
		}
		return Receipt{}, apperr.Persistence(err)
	}

	msg := newMessage(targetChatID, senderID, protocol.Content{
		Type:          original.Type,
		Body:          original.Content.Body,
		AttachmentURL: original.Content.AttachmentURL,
	})
	msg.ForwardedFromID = &original.ID
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		return Receipt{}, apperr.Persistence(err)
	}
	body := receiptFields(msg)
	body["forwardedFrom"] = original.ID
	ack.send(body)

	v := view(msg)
	v.ForwardedFrom = reference(original, false)
	payload := protocol.MessageEvent(protocol.KindReceiveForward, targetChatID, v)
	return d.receipt(msg, d.fanout(ctx, protocol.KindReceiveForward, targetChatID, senderID, payload)), nil
}

// DeleteMessage applies one of the delete modes. remove and unsent broadcast a
// messageStateChanged event; mineOnly only hides the message for the requester.
func (d *Dispatcher) DeleteMessage(ctx context.Context, userID string, messageID int64, mode string, ack Ack) (Receipt, error) {
	msg, err := d.store.MessageByID(ctx, messageID)
	if err != nil {
		return Receipt{}, notFound(err, apperr.With(apperr.ErrMessageNotFound, "message %d not found", messageID))
	}
	if _, err := d.authorize(ctx, msg.ChatID, userID); err != nil {
		return Receipt{}, err
	}

	var newState string
	switch mode {
	case protocol.DeleteMineOnly:
		if err := d.store.HideMessage(ctx, msg.ID, userID); err != nil {
			return Receipt{}, apperr.Persistence(err)
		}
		ack.send(protocol.Fields{"chatId": msg.ChatID, "messageId": msg.ID, "mode": mode})
		return Receipt{ChatID: msg.ChatID, MessageID: msg.ID}, nil
	case protocol.DeleteUnsent:
		if msg.SenderID != userID {
			return Receipt{}, apperr.With(apperr.ErrForbidden, "only the sender can unsend a message")
		}
		newState = store.MessageUnsent
	case protocol.DeleteRemove:
		newState = store.MessageRemoved
	default:
		return Receipt{}, apperr.With(apperr.ErrInvalidDeleteMode, "invalid delete mode %q", mode)
	}

	if msg.State != store.MessageSent {
		return Receipt{}, apperr.With(apperr.ErrMessageNotFound, "message %d was already deleted", messageID)
	}
	if err := d.store.SetMessageState(ctx, msg.ID, newState); err != nil {
		return Receipt{}, notFound(err, apperr.ErrMessageNotFound)
	}
	ack.send(protocol.Fields{"chatId": msg.ChatID, "messageId": msg.ID, "mode": mode, "state": newState})

	payload := protocol.StateChanged(msg.ChatID, msg.ID, newState, userID)
	delivered := d.fanout(ctx, protocol.KindMessageStateChanged, msg.ChatID, userID, payload)
	return Receipt{ChatID: msg.ChatID, MessageID: msg.ID, Delivered: delivered}, nil
}

// History returns the latest messages of a chat the requester can still see.
func (d *Dispatcher) History(ctx context.Context, userID, chatID string, limit int) ([]protocol.MessageView, error) {
	if _, err := d.authorize(ctx, chatID, userID); err != nil {
		return nil, err
	}
	msgs, err := d.store.History(ctx, chatID, userID, limit)
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	views := make([]protocol.MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, view(&msgs[i]))
	}
	return views, nil
}

// authorize checks that userID belongs to an active chatID.
func (d *Dispatcher) authorize(ctx context.Context, chatID, userID string) (*store.Member, error) {
	member, err := d.store.MemberOf(ctx, chatID, userID)
	if err != nil {
		return nil, notFound(err, apperr.With(apperr.ErrNotAMember, "not a member of chat %s", chatID))
	}
	chat, err := d.store.ChatByID(ctx, chatID)
	if err != nil {
		return nil, notFound(err, apperr.ErrChatNotFound)
	}
	if chat.Status == store.ChatDisbanded {
		return nil, apperr.With(apperr.ErrChatNotFound, "chat %s has been disbanded", chatID)
	}
	return member, nil
}

func (d *Dispatcher) original(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := d.store.MessageByID(ctx, id)
	if err != nil {
		return nil, notFound(err, apperr.With(apperr.ErrOriginalNotFound, "message %d not found", id))
	}
	if msg.State != store.MessageSent {
		return nil, apperr.With(apperr.ErrOriginalNotFound, "message %d was deleted", id)
	}
	return msg, nil
}

// fanout delivers payload to every member of chatID except exclude. Failures
// past this point are logged only: the request has already been acknowledged.
func (d *Dispatcher) fanout(ctx context.Context, kind, chatID, exclude string, payload []byte) int {
	members, err := d.store.ChatMembers(ctx, chatID)
	if err != nil {
		d.logger.Error("Failed to resolve recipients", slog.String("chatID", chatID), slog.Any("error", err))
		return 0
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return d.deliverTo(kind, ids, exclude, payload)
}

func (d *Dispatcher) deliverTo(kind string, userIDs []string, exclude string, payload []byte) int {
	delivered, missed := 0, 0
	for _, userID := range userIDs {
		if userID == exclude {
			continue
		}
		n := d.deliverer.Deliver(userID, state.ChannelChat, payload)
		if n == 0 {
			missed++
			d.logger.Debug("Recipient offline", slog.String("kind", kind), slog.String("userID", userID))
		}
		delivered += n
	}
	if d.observer != nil {
		d.observer.Fanout(kind, delivered, missed)
	}
	return delivered
}

func (d *Dispatcher) receipt(msg *store.Message, delivered int) Receipt {
	d.logger.Debug("Message dispatched",
		slog.String("chatID", msg.ChatID),
		slog.Int64("messageID", msg.ID),
		slog.Int("delivered", delivered),
	)
	return Receipt{ChatID: msg.ChatID, MessageID: msg.ID, Timestamp: msg.CreatedAt, Delivered: delivered}
}

func newMessage(chatID, senderID string, c protocol.Content) *store.Message {
	return &store.Message{
		ChatID:   chatID,
		SenderID: senderID,
		Type:     c.Type,
		Content:  store.MessageContent{Body: c.Body, AttachmentURL: c.AttachmentURL},
	}
}

func receiptFields(msg *store.Message) protocol.Fields {
	return protocol.Fields{
		"chatId":    msg.ChatID,
		"messageId": msg.ID,
		"timestamp": protocol.FormatTime(msg.CreatedAt),
	}
}

func view(msg *store.Message) protocol.MessageView {
	return protocol.MessageView{
		MessageID:     msg.ID,
		Type:          msg.Type,
		Content:       msg.Content.Body,
		AttachmentURL: msg.Content.AttachmentURL,
		SenderID:      msg.SenderID,
		Timestamp:     protocol.FormatTime(msg.CreatedAt),
	}
}

// reference embeds the original's content for replies; forwards carry the
// copied content already and only point back at the source.
func reference(msg *store.Message, withContent bool) *protocol.Reference {
	ref := &protocol.Reference{MessageID: msg.ID, ChatID: msg.ChatID, SenderID: msg.SenderID}
	if withContent {
		ref.Type = msg.Type
		ref.Content = msg.Content.Body
		ref.AttachmentURL = msg.Content.AttachmentURL
		ref.Timestamp = protocol.FormatTime(msg.CreatedAt)
	}
	return ref
}

// notFound maps store.ErrNotFound to nf and anything else to a persistence failure.
func notFound(err error, nf *apperr.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nf
	}
	return apperr.Persistence(err)
}
