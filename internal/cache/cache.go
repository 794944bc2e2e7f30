// Package cache is the authoritative in-flight state tier: chat indexes,
// version counters, message caches, focus activations, cancellation flags.
// Everything content-shaped stored here is ciphertext; the durable store
// behind it is eventually consistent.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// bodyTTL bounds hot-cache residency for message and embed bodies. Index and
// counter keys have no TTL; a body miss falls back to the durable store.
const bodyTTL = 7 * 24 * time.Hour

type Service struct {
	rdb *redis.Client
}

// NewService connects to Redis and verifies the connection.
func NewService(ctx context.Context, redisURL string) (*Service, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Service{rdb: rdb}, nil
}

func (s *Service) Close() error {
	return s.rdb.Close()
}

// Key layout. Chat identifiers are server-visible UUIDs; user references are
// always the hashed form.
func chatsKey(userHash string) string            { return "chats:" + userHash }
func chatItemKey(chatID string) string           { return "chat:" + chatID + ":item" }
func chatVersionsKey(chatID string) string       { return "chat:" + chatID + ":versions" }
func chatMessageIndexKey(chatID string) string   { return "chat:" + chatID + ":mindex" }
func chatMessageKey(chatID, msgID string) string { return "chat:" + chatID + ":message:" + msgID }
func chatFocusKey(chatID string) string          { return "chat:" + chatID + ":active_focus" }
func chatPendingFocusKey(chatID string) string   { return "chat:" + chatID + ":pending_focus" }
func chatEmbedKey(chatID, embedID string) string { return "chat:" + chatID + ":embed:" + embedID }
func chatOwnerKey(chatID string) string          { return "chat:" + chatID + ":owner" }
func chatActiveTaskKey(chatID string) string     { return "chat:" + chatID + ":active_ai_task" }
func embedKey(embedID string) string             { return "embed:" + embedID }
func taskRevokedKey(taskID string) string        { return "task:" + taskID + ":revoked" }
func skillCancelledKey(taskID, toolCallID string) string {
	return "task:" + taskID + ":skill:" + toolCallID + ":cancelled"
}
func suggestionsKey(userHash string) string { return "user:" + userHash + ":suggestions" }
