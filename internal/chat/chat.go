// Package chat bootstraps chats, persists messages and fans them out to the
// live connections of every other member.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/state"
)

// Store is the persistence surface the chat services rely on.
type Store interface {
	ChatByID(ctx context.Context, id string) (*store.Chat, error)
	CreateChat(ctx context.Context, chat *store.Chat, members []store.Member) error
	RenameChat(ctx context.Context, chatID, name string) error
	SetChatStatus(ctx context.Context, chatID, status string) error

	MemberOf(ctx context.Context, chatID, userID string) (*store.Member, error)
	ChatMembers(ctx context.Context, chatID string) ([]store.Member, error)
	AddMembers(ctx context.Context, chatID string, members []store.Member) (int64, error)
	RemoveMember(ctx context.Context, chatID, userID string) error
	UpdateMemberRole(ctx context.Context, chatID, userID, role string) error

	CreateMessage(ctx context.Context, msg *store.Message) error
	MessageByID(ctx context.Context, id int64) (*store.Message, error)
	SetMessageState(ctx context.Context, id int64, state string) error
	HideMessage(ctx context.Context, id int64, userID string) error
	History(ctx context.Context, chatID, userID string, limit int) ([]store.Message, error)
}

// Deliverer pushes a frame to every live connection of a user.
type Deliverer interface {
	Deliver(userID string, channel state.Channel, payload []byte) int
}

// Observer receives fanout outcomes. Implementations must be cheap.
type Observer interface {
	Fanout(kind string, delivered, missed int)
}

// Ack sends the direct success reply to the requesting connection.
type Ack func(body protocol.Fields)

func (a Ack) send(body protocol.Fields) {
	if a != nil {
		a(body)
	}
}

// PairChatID is the canonical id of the private chat between two users.
func PairChatID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// Bootstrapper resolves joinChat targets to chat ids.
type Bootstrapper struct {
	store  Store
	logger *slog.Logger
}

func NewBootstrapper(s Store, logger *slog.Logger) *Bootstrapper {
	return &Bootstrapper{store: s, logger: logger.With(slog.String("component", "bootstrapper"))}
}

// EnsureChat returns the chat identified by target, joining the requester to
// it when it is a group, or the private chat between requester and the user
// named by target, creating it on first use.
func (b *Bootstrapper) EnsureChat(ctx context.Context, requesterID, target string) (string, error) {
	if target == "" {
		return "", apperr.Missing("target")
	}

	chat, err := b.store.ChatByID(ctx, target)
	switch {
	case err == nil:
		return b.joinExisting(ctx, chat, requesterID)
	case !errors.Is(err, store.ErrNotFound):
		return "", apperr.Persistence(err)
	}

	if target == requesterID {
		return "", apperr.With(apperr.ErrMissingField, "target must be another user or an existing chat")
	}
	chatID := PairChatID(requesterID, target)
	err = b.store.CreateChat(ctx,
		&store.Chat{ID: chatID, Type: store.ChatPrivate, OwnerID: requesterID},
		[]store.Member{
			{UserID: requesterID, Role: state.RoleMember},
			{UserID: target, Role: state.RoleMember},
		},
	)
	switch {
	case err == nil:
		b.logger.Info("Private chat created", slog.String("chatID", chatID), slog.String("requester", requesterID))
	case errors.Is(err, store.ErrConflict):
		// created earlier or by the peer racing us
	default:
		return "", apperr.Persistence(err)
	}
	return chatID, nil
}

func (b *Bootstrapper) joinExisting(ctx context.Context, chat *store.Chat, requesterID string) (string, error) {
	if chat.Status == store.ChatDisbanded {
		return "", apperr.With(apperr.ErrChatNotFound, "chat %s has been disbanded", chat.ID)
	}
	_, err := b.store.MemberOf(ctx, chat.ID, requesterID)
	switch {
	case err == nil:
		return chat.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", apperr.Persistence(err)
	}

	// a private chat's membership is fixed by its id
	if chat.Type == store.ChatPrivate {
		return "", apperr.With(apperr.ErrNotAMember, "not a member of chat %s", chat.ID)
	}
	if _, err := b.store.AddMembers(ctx, chat.ID, []store.Member{{UserID: requesterID, Role: state.RoleMember}}); err != nil {
		return "", apperr.Persistence(err)
	}
	b.logger.Info("User joined group", slog.String("chatID", chat.ID), slog.String("userID", requesterID))
	return chat.ID, nil
}
