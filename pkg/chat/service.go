// Package chat provides conversation session management on top of the
// local store.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pharmadesk/pharmacache/internal/store"
)

// Service manages assistant conversation sessions.
type Service struct {
	conversations *store.ConversationRepository
}

// NewService creates a new chat service.
func NewService(conversations *store.ConversationRepository) *Service {
	return &Service{conversations: conversations}
}

// StartConversation creates a new conversation. If title is empty, one is
// derived from the first user message once it arrives.
func (s *Service) StartConversation(ctx context.Context, title, provider, model string) (*store.Conversation, error) {
	if title == "" {
		title = "Nouvelle conversation"
	}
	conv, err := s.conversations.Create(ctx, title, provider, model)
	if err != nil {
		return nil, fmt.Errorf("start conversation: %w", err)
	}
	return conv, nil
}

// AddUserMessage records a user turn. The first user message of an
// untitled conversation also becomes its title.
func (s *Service) AddUserMessage(ctx context.Context, conversationID, content string) *store.Message {
	msg := s.conversations.AddMessage(ctx, conversationID, store.RoleUser, content, "", "")
	if msg == nil {
		return nil
	}
	if conv := s.conversations.Get(ctx, conversationID); conv != nil && conv.Title == "Nouvelle conversation" {
		s.conversations.SetTitle(ctx, conversationID, deriveTitle(content))
	}
	return msg
}

// AddAssistantMessage records an assistant turn, tagged with the
// provider and model that produced it.
func (s *Service) AddAssistantMessage(ctx context.Context, conversationID, content, provider, model string) *store.Message {
	return s.conversations.AddMessage(ctx, conversationID, store.RoleAssistant, content, provider, model)
}

// Rename changes a conversation's title.
func (s *Service) Rename(ctx context.Context, conversationID, title string) bool {
	return s.conversations.SetTitle(ctx, conversationID, title)
}

// History returns all messages for a conversation in order.
func (s *Service) History(ctx context.Context, conversationID string) []store.Message {
	return s.conversations.Messages(ctx, conversationID)
}

// transcriptEntry is the export shape for a single message.
type transcriptEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// ExportTranscript renders a conversation as a JSON document.
func (s *Service) ExportTranscript(ctx context.Context, conversationID string) (string, error) {
	conv := s.conversations.Get(ctx, conversationID)
	if conv == nil {
		return "", fmt.Errorf("conversation not found: %s", conversationID)
	}
	messages := s.conversations.Messages(ctx, conversationID)

	entries := make([]transcriptEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, transcriptEntry{
			Role:      m.Role,
			Content:   m.Content,
			Provider:  m.Provider,
			Model:     m.Model,
			CreatedAt: time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339),
		})
	}

	doc := struct {
		Title    string            `json:"title"`
		Messages []transcriptEntry `json:"messages"`
	}{Title: conv.Title, Messages: entries}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export transcript: %w", err)
	}
	return string(data), nil
}

// deriveTitle shortens the first user message into a display title.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return "Nouvelle conversation"
	}
	const max = 60
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	// Prefer a word boundary; otherwise cut between runes so accented
	// text stays valid UTF-8.
	cut := max
	for i := max - 1; i >= max/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return string(runes[:cut]) + "…"
}
