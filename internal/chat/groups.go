package chat

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/google/uuid"
)

// CreateGroup creates a group owned by ownerID with the given initial members.
func (d *Dispatcher) CreateGroup(ctx context.Context, ownerID, name, description string, initial []string, ack Ack) (string, error) {
	if name == "" {
		return "", apperr.Missing("name")
	}
	chatID := uuid.NewString()

	members := []store.Member{{UserID: ownerID, Role: state.RoleAdmin}}
	memberIDs := []string{ownerID}
	seen := map[string]bool{ownerID: true}
	for _, id := range initial {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, store.Member{UserID: id, Role: state.RoleMember})
		memberIDs = append(memberIDs, id)
	}

	chat := &store.Chat{ID: chatID, Type: store.ChatGroup, Name: name, Description: description, OwnerID: ownerID}
	if err := d.store.CreateChat(ctx, chat, members); err != nil {
		return "", apperr.Persistence(err)
	}
	ack.send(protocol.Fields{"chatId": chatID, "name": name, "members": memberIDs})

	d.logger.Info("Group created", slog.String("chatID", chatID), slog.String("owner", ownerID), slog.Int("members", len(memberIDs)))
	payload := protocol.Push(protocol.KindGroupCreated, protocol.Fields{
		"chatId":      chatID,
		"name":        name,
		"description": description,
		"ownerId":     ownerID,
		"members":     memberIDs,
	})
	d.deliverTo(protocol.KindGroupCreated, memberIDs, ownerID, payload)
	return chatID, nil
}

// AddMember adds userID to a group. Only admins may add members.
func (d *Dispatcher) AddMember(ctx context.Context, requesterID, chatID, userID string, ack Ack) error {
	chat, _, err := d.groupActor(ctx, chatID, requesterID, state.PermManageMembers)
	if err != nil {
		return err
	}
	added, err := d.store.AddMembers(ctx, chatID, []store.Member{{UserID: userID, Role: state.RoleMember}})
	if err != nil {
		return apperr.Persistence(err)
	}
	ack.send(protocol.Fields{"chatId": chatID, "userId": userID, "added": added > 0})
	if added == 0 {
		return nil
	}

	d.broadcast(ctx, protocol.KindMemberAdded, chatID, requesterID, userID, protocol.Fields{
		"chatId": chatID, "userId": userID, "addedBy": requesterID,
	})
	d.deliverTo(protocol.KindAddedToGroup, []string{userID}, "", protocol.Push(protocol.KindAddedToGroup, protocol.Fields{
		"chatId": chatID, "name": chat.Name, "addedBy": requesterID,
	}))
	return nil
}

// RemoveMember removes userID from a group. Admins may remove anyone except
// the owner; any member may remove themselves unless they own the group.
func (d *Dispatcher) RemoveMember(ctx context.Context, requesterID, chatID, userID string, ack Ack) error {
	var (
		chat *store.Chat
		err  error
	)
	if requesterID == userID {
		chat, _, err = d.groupActor(ctx, chatID, requesterID, 0)
	} else {
		chat, _, err = d.groupActor(ctx, chatID, requesterID, state.PermManageMembers)
	}
	if err != nil {
		return err
	}
	if userID == chat.OwnerID {
		return apperr.With(apperr.ErrForbidden, "the group owner cannot be removed")
	}
	if err := d.store.RemoveMember(ctx, chatID, userID); err != nil {
		return notFound(err, apperr.With(apperr.ErrNotAMember, "user %s is not a member of chat %s", userID, chatID))
	}
	ack.send(protocol.Fields{"chatId": chatID, "userId": userID})

	d.broadcast(ctx, protocol.KindMemberRemoved, chatID, requesterID, "", protocol.Fields{
		"chatId": chatID, "userId": userID, "removedBy": requesterID,
	})
	if userID != requesterID {
		d.deliverTo(protocol.KindRemovedFromGroup, []string{userID}, "", protocol.Push(protocol.KindRemovedFromGroup, protocol.Fields{
			"chatId": chatID, "removedBy": requesterID,
		}))
	}
	return nil
}

// ChangeRole sets the role of a member. The owner always stays an admin.
func (d *Dispatcher) ChangeRole(ctx context.Context, requesterID, chatID, userID, role string, ack Ack) error {
	if !state.ValidRole(role) {
		return apperr.With(apperr.ErrInvalidRole, "invalid role %q", role)
	}
	chat, _, err := d.groupActor(ctx, chatID, requesterID, state.PermManageRoles)
	if err != nil {
		return err
	}
	if userID == chat.OwnerID {
		return apperr.With(apperr.ErrForbidden, "the owner's role cannot be changed")
	}
	if err := d.store.UpdateMemberRole(ctx, chatID, userID, role); err != nil {
		return notFound(err, apperr.With(apperr.ErrNotAMember, "user %s is not a member of chat %s", userID, chatID))
	}
	ack.send(protocol.Fields{"chatId": chatID, "userId": userID, "role": role})

	d.broadcast(ctx, protocol.KindRoleChanged, chatID, requesterID, "", protocol.Fields{
		"chatId": chatID, "userId": userID, "role": role, "changedBy": requesterID,
	})
	return nil
}

// RenameGroup changes a group's name.
func (d *Dispatcher) RenameGroup(ctx context.Context, requesterID, chatID, name string, ack Ack) error {
	if name == "" {
		return apperr.Missing("name")
	}
	if _, _, err := d.groupActor(ctx, chatID, requesterID, state.PermRename); err != nil {
		return err
	}
	if err := d.store.RenameChat(ctx, chatID, name); err != nil {
		return notFound(err, apperr.ErrChatNotFound)
	}
	ack.send(protocol.Fields{"chatId": chatID, "name": name})

	d.broadcast(ctx, protocol.KindGroupRenamed, chatID, requesterID, "", protocol.Fields{
		"chatId": chatID, "name": name, "renamedBy": requesterID,
	})
	return nil
}

// DisbandGroup closes a group for good. Only the owner may disband it.
func (d *Dispatcher) DisbandGroup(ctx context.Context, requesterID, chatID string, ack Ack) error {
	chat, _, err := d.groupActor(ctx, chatID, requesterID, 0)
	if err != nil {
		return err
	}
	if chat.OwnerID != requesterID {
		return apperr.With(apperr.ErrForbidden, "only the owner can disband the group")
	}
	if err := d.store.SetChatStatus(ctx, chatID, store.ChatDisbanded); err != nil {
		return notFound(err, apperr.ErrChatNotFound)
	}
	ack.send(protocol.Fields{"chatId": chatID})

	d.logger.Info("Group disbanded", slog.String("chatID", chatID), slog.String("owner", requesterID))
	d.broadcast(ctx, protocol.KindGroupDisbanded, chatID, requesterID, "", protocol.Fields{
		"chatId": chatID, "disbandedBy": requesterID,
	})
	return nil
}

// LeaveGroup removes the requester from a group. The owner cannot leave.
func (d *Dispatcher) LeaveGroup(ctx context.Context, requesterID, chatID string, ack Ack) error {
	chat, _, err := d.groupActor(ctx, chatID, requesterID, 0)
	if err != nil {
		return err
	}
	if chat.OwnerID == requesterID {
		return apperr.With(apperr.ErrForbidden, "the owner cannot leave the group; disband it instead")
	}
	if err := d.store.RemoveMember(ctx, chatID, requesterID); err != nil {
		return notFound(err, apperr.ErrNotAMember)
	}
	ack.send(protocol.Fields{"chatId": chatID})

	d.broadcast(ctx, protocol.KindMemberLeft, chatID, requesterID, "", protocol.Fields{
		"chatId": chatID, "userId": requesterID,
	})
	return nil
}

// groupActor loads an active group and the requester's membership, checking
// that the requester's role grants perm. A zero perm only requires membership.
func (d *Dispatcher) groupActor(ctx context.Context, chatID, requesterID string, perm state.Permission) (*store.Chat, *store.Member, error) {
	chat, err := d.store.ChatByID(ctx, chatID)
	if err != nil {
		return nil, nil, notFound(err, apperr.With(apperr.ErrChatNotFound, "chat %s not found", chatID))
	}
	if chat.Status == store.ChatDisbanded {
		return nil, nil, apperr.With(apperr.ErrChatNotFound, "chat %s has been disbanded", chatID)
	}
	if chat.Type != store.ChatGroup {
		return nil, nil, apperr.With(apperr.ErrForbidden, "chat %s is not a group", chatID)
	}
	member, err := d.store.MemberOf(ctx, chatID, requesterID)
	if err != nil {
		return nil, nil, notFound(err, apperr.With(apperr.ErrNotAMember, "not a member of chat %s", chatID))
	}
	if perm != 0 && !state.RolePermissions(member.Role).Has(perm) {
		return nil, nil, apperr.With(apperr.ErrForbidden, "role %q may not perform this action", member.Role)
	}
	return chat, member, nil
}

// broadcast pushes a group event to current members except the requester and skip.
func (d *Dispatcher) broadcast(ctx context.Context, kind, chatID, requesterID, skip string, body protocol.Fields) {
	members, err := d.store.ChatMembers(ctx, chatID)
	if err != nil {
		d.logger.Error("Failed to resolve group members", slog.String("chatID", chatID), slog.Any("error", err))
		return
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != skip {
			ids = append(ids, m.UserID)
		}
	}
	d.deliverTo(kind, ids, requesterID, protocol.Push(kind, body))
}
