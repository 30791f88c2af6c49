package storystore

import (
	"context"
	"fmt"

	"github.com/storyorchestrator/core/internal/story"
)

func (s *Store) AppendChat(ctx context.Context, ownerType string, ownerID string, msg story.ChatMessage) error {
	if ownerType != OwnerStory && ownerType != OwnerStep {
		return fmt.Errorf("unknown chat owner type %q", ownerType)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (owner_type, owner_id, role, content, created_at) VALUES (?,?,?,?,?);
	`, ownerType, ownerID, string(msg.Role), msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append chat: %w", err)
	}
	return nil
}

func (s *Store) ListChat(ctx context.Context, ownerType string, ownerID string) ([]story.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM chat_messages
		WHERE owner_type = ? AND owner_id = ? ORDER BY id ASC;
	`, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	defer rows.Close()

	var out []story.ChatMessage
	for rows.Next() {
		var msg story.ChatMessage
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Role = story.ChatRole(role)
		out = append(out, msg)
	}
	return out, rows.Err()
}
