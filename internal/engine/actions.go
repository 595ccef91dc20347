package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/chat"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/pkg/pipeline"
	"github.com/a-essam23/go-courier/pkg/state"
)

func (e *Registry) registerChatActions() {
	e.RegisterAction(string(protocol.KindIdentify), e.actionIdentify)
	e.RegisterAction(string(protocol.KindHeartbeat), actionHeartbeat)
	e.RegisterAction(string(protocol.KindJoinChat), e.actionJoinChat)
	e.RegisterAction(string(protocol.KindSendChat), e.actionSendChat)
	e.RegisterAction(string(protocol.KindReplyTo), e.actionReplyTo)
	e.RegisterAction(string(protocol.KindForward), e.actionForward)
	e.RegisterAction(string(protocol.KindDeleteMessage), e.actionDeleteMessage)
	e.RegisterAction(string(protocol.KindHistory), e.actionHistory)
	e.RegisterAction(string(protocol.KindCreateGroup), e.actionCreateGroup)
	e.RegisterAction(string(protocol.KindAddMember), e.actionAddMember)
	e.RegisterAction(string(protocol.KindRemoveMember), e.actionRemoveMember)
	e.RegisterAction(string(protocol.KindChangeRole), e.actionChangeRole)
	e.RegisterAction(string(protocol.KindRenameGroup), e.actionRenameGroup)
	e.RegisterAction(string(protocol.KindDisbandGroup), e.actionDisbandGroup)
	e.RegisterAction(string(protocol.KindLeaveGroup), e.actionLeaveGroup)
	e.logger.Info("Registered chat actions", slog.Int("count", len(protocol.ChatKinds)))
}

func (e *Registry) actionIdentify(c *pipeline.Cargo) error {
	req, err := request[protocol.Identify](c)
	if err != nil {
		return err
	}
	if err := e.bind(c, req.UserID); err != nil {
		return err
	}
	reply(c, protocol.Ack(protocol.KindIdentify, protocol.Fields{"userId": req.UserID}))
	return nil
}

func actionHeartbeat(c *pipeline.Cargo) error {
	reply(c, protocol.HeartbeatReply())
	return nil
}

func (e *Registry) actionJoinChat(c *pipeline.Cargo) error {
	req, err := request[protocol.JoinChat](c)
	if err != nil {
		return err
	}
	chatID, err := e.services.Bootstrapper.EnsureChat(c.Ctx, c.UserID, req.Target)
	if err != nil {
		return err
	}
	reply(c, protocol.Ack(protocol.KindJoinChat, protocol.Fields{"chatId": chatID}))
	return nil
}

func (e *Registry) actionSendChat(c *pipeline.Cargo) error {
	req, err := request[protocol.SendChat](c)
	if err != nil {
		return err
	}
	_, err = e.services.Dispatcher.SendChat(c.Ctx, c.UserID, req.ChatID, req.Content, ack(c, protocol.KindSendChat))
	return err
}

func (e *Registry) actionReplyTo(c *pipeline.Cargo) error {
	req, err := request[protocol.ReplyTo](c)
	if err != nil {
		return err
	}
	_, err = e.services.Dispatcher.Reply(c.Ctx, c.UserID, req.ChatID, req.OriginalMessageID, req.Content, ack(c, protocol.KindReplyTo))
	return err
}

func (e *Registry) actionForward(c *pipeline.Cargo) error {
	req, err := request[protocol.Forward](c)
	if err != nil {
		return err
	}
	_, err = e.services.Dispatcher.Forward(c.Ctx, c.UserID, req.OriginalMessageID, req.TargetChatID, ack(c, protocol.KindForward))
	return err
}

func (e *Registry) actionDeleteMessage(c *pipeline.Cargo) error {
	req, err := request[protocol.DeleteMessage](c)
	if err != nil {
		return err
	}
	_, err = e.services.Dispatcher.DeleteMessage(c.Ctx, c.UserID, req.MessageID, req.Mode, ack(c, protocol.KindDeleteMessage))
	return err
}

func (e *Registry) actionHistory(c *pipeline.Cargo) error {
	req, err := request[protocol.History](c)
	if err != nil {
		return err
	}
	messages, err := e.services.Dispatcher.History(c.Ctx, c.UserID, req.ChatID, req.Limit)
	if err != nil {
		return err
	}
	reply(c, protocol.Ack(protocol.KindHistory, protocol.Fields{"chatId": req.ChatID, "messages": messages}))
	return nil
}

func (e *Registry) actionCreateGroup(c *pipeline.Cargo) error {
	req, err := request[protocol.CreateGroup](c)
	if err != nil {
		return err
	}
	_, err = e.services.Dispatcher.CreateGroup(c.Ctx, c.UserID, req.Name, req.Description, req.InitialMembers, ack(c, protocol.KindCreateGroup))
	return err
}

func (e *Registry) actionAddMember(c *pipeline.Cargo) error {
	req, err := request[protocol.AddMember](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.AddMember(c.Ctx, c.UserID, req.ChatID, req.UserID, ack(c, protocol.KindAddMember))
}

func (e *Registry) actionRemoveMember(c *pipeline.Cargo) error {
	req, err := request[protocol.RemoveMember](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.RemoveMember(c.Ctx, c.UserID, req.ChatID, req.UserID, ack(c, protocol.KindRemoveMember))
}

func (e *Registry) actionChangeRole(c *pipeline.Cargo) error {
	req, err := request[protocol.ChangeRole](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.ChangeRole(c.Ctx, c.UserID, req.ChatID, req.UserID, req.Role, ack(c, protocol.KindChangeRole))
}

func (e *Registry) actionRenameGroup(c *pipeline.Cargo) error {
	req, err := request[protocol.RenameGroup](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.RenameGroup(c.Ctx, c.UserID, req.ChatID, req.Name, ack(c, protocol.KindRenameGroup))
}

func (e *Registry) actionDisbandGroup(c *pipeline.Cargo) error {
	req, err := request[protocol.DisbandGroup](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.DisbandGroup(c.Ctx, c.UserID, req.ChatID, ack(c, protocol.KindDisbandGroup))
}

func (e *Registry) actionLeaveGroup(c *pipeline.Cargo) error {
	req, err := request[protocol.LeaveGroup](c)
	if err != nil {
		return err
	}
	return e.services.Dispatcher.LeaveGroup(c.Ctx, c.UserID, req.ChatID, ack(c, protocol.KindLeaveGroup))
}

// bind attaches userID to the cargo's connection. Binding the same identity
// twice is a no-op; a different one is a mismatch.
func (e *Registry) bind(c *pipeline.Cargo, userID string) error {
	if c.Subject != "" && c.Subject != userID {
		return apperr.With(apperr.ErrIdentityMismatch, "token subject does not match %s", userID)
	}
	if c.UserID == userID {
		return nil
	}
	if c.UserID != "" {
		return apperr.With(apperr.ErrIdentityMismatch, "connection is already identified as %s", c.UserID)
	}
	if err := e.admit(c, userID); err != nil {
		if errors.Is(err, state.ErrIdentityBound) {
			return apperr.With(apperr.ErrIdentityMismatch, "connection is bound to another identity")
		}
		return err
	}
	c.UserID = userID
	c.Logger = c.Logger.With(slog.String("userID", userID))
	c.Logger.Info("Connection identified", slog.String("channel", string(c.Connection.Channel)))
	return nil
}

// maxCycleAttempts bounds how often admit evicts to make room when other
// connections of the same user race it for the freed slot.
const maxCycleAttempts = 3

// admit binds the connection under the per-user limit for its channel. In
// cycle mode the oldest connection on that channel makes room.
func (e *Registry) admit(c *pipeline.Cargo, userID string) error {
	limit := e.services.ConnectionLimit
	channel := c.Connection.Channel
	for attempt := 0; ; attempt++ {
		_, err := e.services.Registry.RegisterWithin(c.Connection.ID, userID, limit.MaxPerUser)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, state.ErrLimitReached):
			return fmt.Errorf("failed to register connection: %w", err)
		case limit.Mode != "cycle" || attempt >= maxCycleAttempts:
			return apperr.With(apperr.ErrForbidden, "too many active connections")
		}
		oldest, ok := e.services.Registry.FindOldestUserConnection(userID, channel)
		if !ok {
			continue
		}
		e.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
		oldest.Transport.Close(errors.New("connection cycled by new connection"))
		e.services.Registry.Unregister(oldest.ID, "cycled")
	}
}

func request[T any](c *pipeline.Cargo) (T, error) {
	req, ok := c.Request.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected request type %T", c.Kind, c.Request)
	}
	return req, nil
}

func reply(c *pipeline.Cargo, frame []byte) {
	if c.Reply != nil {
		c.Reply(frame)
	}
}

func ack(c *pipeline.Cargo, kind protocol.Kind) chat.Ack {
	return func(body protocol.Fields) { reply(c, protocol.Ack(kind, body)) }
}
