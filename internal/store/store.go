// Package store persists chats, memberships, messages and call history with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a record with the same key already exists.
	ErrConflict = errors.New("record already exists")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Options configures Open.
type Options struct {
	DSN          string
	MaxOpenConns int
	// Debug logs every statement through gorm's logger.
	Debug bool
}

// Open connects to a sqlite database.
func Open(opts Options) (*gorm.DB, error) {
	level := logger.Silent
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	return db, nil
}

// Store provides access to chat and call storage.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger
}

// New creates a new store over db.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger: logger.With(slog.String("component", "store")),
	}
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	s.logger.Info("Schema migrated", slog.Int("tables", len(allModels())))
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Chats ---

// ChatByID retrieves a chat by its ID.
func (s *Store) ChatByID(ctx context.Context, id string) (*Chat, error) {
	var chat Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// CreateChat writes the chat and its members atomically. It returns
// ErrConflict when a chat with the same ID exists.
func (s *Store) CreateChat(ctx context.Context, chat *Chat, members []Member) error {
	now := s.now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.Status == "" {
		chat.Status = ChatActive
	}
	for i := range members {
		members[i].ChatID = chat.ID
		if members[i].AddedAt.IsZero() {
			members[i].AddedAt = now
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Chat{}).Where("id = ?", chat.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		if len(members) > 0 {
			return tx.Create(&members).Error
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return fmt.Errorf("failed to create chat: %w", err)
	}
}

// RenameChat updates a chat's name.
func (s *Store) RenameChat(ctx context.Context, chatID, name string) error {
	return s.updateChat(ctx, chatID, "name", name)
}

// SetChatStatus marks a chat active or disbanded.
func (s *Store) SetChatStatus(ctx context.Context, chatID, status string) error {
	return s.updateChat(ctx, chatID, "status", status)
}

func (s *Store) updateChat(ctx context.Context, chatID, column string, value any) error {
	result := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", chatID).Update(column, value)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update chat %s: %w", column, err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Members ---

// MemberOf returns the membership of userID in chatID.
func (s *Store) MemberOf(ctx context.Context, chatID, userID string) (*Member, error) {
	var m Member
	err := s.db.WithContext(ctx).First(&m, "chat_id = ? AND user_id = ?", chatID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	return &m, nil
}

// ChatMembers lists every member of a chat.
func (s *Store) ChatMembers(ctx context.Context, chatID string) ([]Member, error) {
	var members []Member
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("added_at, user_id").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// AddMembers inserts members, skipping users that already belong to the chat.
// It returns how many rows were inserted.
func (s *Store) AddMembers(ctx context.Context, chatID string, members []Member) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	now := s.now()
	for i := range members {
		members[i].ChatID = chatID
		if members[i].AddedAt.IsZero() {
			members[i].AddedAt = now
		}
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&members)
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("failed to add members: %w", err)
	}
	return result.RowsAffected, nil
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(ctx context.Context, chatID, userID string) error {
	result := s.db.WithContext(ctx).Delete(&Member{}, "chat_id = ? AND user_id = ?", chatID, userID)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMemberRole changes a member's role.
func (s *Store) UpdateMemberRole(ctx context.Context, chatID, userID, role string) error {
	result := s.db.WithContext(ctx).Model(&Member{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Update("role", role)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

// CreateMessage writes the message envelope and its content in one
// transaction, assigning the ID and the authoritative timestamp.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = s.now()
	if msg.State == "" {
		msg.State = MessageSent
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(msg).Error; err != nil {
			return err
		}
		msg.Content.MessageID = msg.ID
		return tx.Create(&msg.Content).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// MessageByID retrieves a message with its content.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	if err := s.db.WithContext(ctx).Preload("Content").First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &msg, nil
}

// SetMessageState moves a message to a new state.
func (s *Store) SetMessageState(ctx context.Context, id int64, state string) error {
	result := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).Update("state", state)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update message state: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HideMessage hides a message for one user. Hiding twice is a no-op.
func (s *Store) HideMessage(ctx context.Context, id int64, userID string) error {
	hide := MessageHide{MessageID: id, UserID: userID, HiddenAt: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&hide).Error; err != nil {
		return fmt.Errorf("failed to hide message: %w", err)
	}
	return nil
}

// History returns the latest messages of a chat visible to userID, oldest
// first. limit falls back to DefaultHistoryLimit and is capped at
// MaxHistoryLimit.
func (s *Store) History(ctx context.Context, chatID, userID string, limit int) ([]Message, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	var msgs []Message
	err := s.db.WithContext(ctx).Preload("Content").
		Where("chat_id = ? AND state = ?", chatID, MessageSent).
		Where("id NOT IN (?)", s.db.Model(&MessageHide{}).Select("message_id").Where("user_id = ?", userID)).
		Order("id DESC").Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Calls ---

// CreateCall writes a new call record. A reused call ID yields ErrConflict.
func (s *Store) CreateCall(ctx context.Context, rec *CallRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// UpdateCallStatus records a transition. Terminal transitions also stamp the end time.
func (s *Store) UpdateCallStatus(ctx context.Context, id, status string, terminal bool) error {
	updates := map[string]any{"status": status}
	if terminal {
		updates["ended_at"] = s.now()
	}
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("id = ?", id).Updates(updates)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CallByID retrieves a call record.
func (s *Store) CallByID(ctx context.Context, id string) (*CallRecord, error) {
	var rec CallRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find call record: %w", err)
	}
	return &rec, nil
}
