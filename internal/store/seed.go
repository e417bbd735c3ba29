package store

import (
	"context"
	"errors"
	"fmt"
)

// SeedPublic makes sure a public conversation exists for every id. Existing
// conversations are left alone, whatever their visibility. It returns the ids
// it created.
func SeedPublic(ctx context.Context, s Conversations, ids []string) ([]string, error) {
	var created []string
	for _, id := range ids {
		_, err := s.GetConversation(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return created, fmt.Errorf("store: seed %s: %w", id, err)
		}
		if _, err := s.CreateConversation(ctx, Conversation{ID: id, Name: "#" + id, IsPublic: true}); err != nil {
			return created, fmt.Errorf("store: seed %s: %w", id, err)
		}
		created = append(created, id)
	}
	return created, nil
}
