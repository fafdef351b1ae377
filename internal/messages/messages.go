package messages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/storage"
	"github.com/example/park-rides/internal/validation"
)

const messagesPath = "messages"

var ErrChatNotFound = fmt.Errorf("chat %w", models.ErrNotFound)

// Service stores support chats under messages/{chatId}/messages/{timestamp}.
// A chat id is the id of the visitor it belongs to; staff read every chat.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

func chatMessages(chatID string) string { return storage.Join(messagesPath, chatID, "messages") }

func (s *Service) authorize(caller auth.Principal, chatID string) error {
	if err := caller.RequireSelfOrAdmin(chatID); err != nil {
		return err
	}
	if storage.ValidateKey(chatID) != nil {
		return ErrChatNotFound
	}
	return nil
}

func (s *Service) Send(ctx context.Context, caller auth.Principal, chatID, text string) (models.Message, error) {
	if err := s.authorize(caller, chatID); err != nil {
		return models.Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, validation.New("message", "is required")
	}
	m := models.Message{SenderID: caller.ID, Message: text, Timestamp: s.now().UnixMilli()}
	key, err := storage.CreateUnique(ctx, s.store, chatMessages(chatID), storage.TimeKey(m.Timestamp), m)
	if err != nil {
		s.logger.Error("send message failed", "chat_id", chatID, "sender_id", caller.ID, "error", err)
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}
	m.ID = key
	return m, nil
}

func (s *Service) List(ctx context.Context, caller auth.Principal, chatID string) ([]models.Message, error) {
	if err := s.authorize(caller, chatID); err != nil {
		return nil, err
	}
	snap, err := s.store.Get(ctx, chatMessages(chatID))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return s.decode(snap), nil
}

// Chats lists every chat with its messages. Staff only.
func (s *Service) Chats(ctx context.Context, caller auth.Principal) ([]models.Chat, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	snap, err := s.store.Get(ctx, messagesPath)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	out := make([]models.Chat, 0, len(snap.Children))
	for _, c := range snap.Children {
		out = append(out, models.Chat{ID: c.Key(), Messages: s.decode(c.Child("messages"))})
	}
	return out, nil
}

// Watch streams the chat's messages after every change.
func (s *Service) Watch(ctx context.Context, caller auth.Principal, chatID string, fn func([]models.Message)) (func(), error) {
	if err := s.authorize(caller, chatID); err != nil {
		return nil, err
	}
	return s.store.Subscribe(ctx, chatMessages(chatID), func(snap storage.Snapshot) {
		fn(s.decode(snap))
	})
}

func (s *Service) decode(snap storage.Snapshot) []models.Message {
	out := make([]models.Message, 0, len(snap.Children))
	for _, c := range snap.Children {
		var m models.Message
		if err := c.Decode(&m); err != nil {
			s.logger.Warn("skipping malformed message", "path", c.Path, "error", err)
			continue
		}
		m.ID = c.Key()
		out = append(out, m)
	}
	return out
}
