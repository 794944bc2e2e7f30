package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TouchChat records chat activity in the user's recency index. The score is
// the last-edited timestamp, so range reads return newest chats first.
func (s *Service) TouchChat(ctx context.Context, userHash, chatID string, lastEdited time.Time) error {
	err := s.rdb.ZAdd(ctx, chatsKey(userHash), redis.Z{
		Score:  float64(lastEdited.UnixMilli()),
		Member: chatID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch chat index: %w", err)
	}

	return nil
}

// ChatIDsByRecency pages through the user's chats, newest first.
func (s *Service) ChatIDsByRecency(ctx context.Context, userHash string, offset, limit int64) ([]string, error) {
	ids, err := s.rdb.ZRevRange(ctx, chatsKey(userHash), offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat index: %w", err)
	}

	return ids, nil
}

// ChatCount returns the number of chats in the user's index.
func (s *Service) ChatCount(ctx context.Context, userHash string) (int64, error) {
	count, err := s.rdb.ZCard(ctx, chatsKey(userHash)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count chats: %w", err)
	}

	return count, nil
}

// SetChatOwner binds a chat to its owner on first write.
func (s *Service) SetChatOwner(ctx context.Context, chatID, userHash string) error {
	if err := s.rdb.Set(ctx, chatOwnerKey(chatID), userHash, 0).Err(); err != nil {
		return fmt.Errorf("failed to set chat owner: %w", err)
	}

	return nil
}

// ChatOwner returns the owning user hash, or "" when the cache has no record.
func (s *Service) ChatOwner(ctx context.Context, chatID string) (string, error) {
	owner, err := s.rdb.Get(ctx, chatOwnerKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chat owner: %w", err)
	}

	return owner, nil
}

// SetChatListItem stores the encrypted sidebar summary for a chat.
func (s *Service) SetChatListItem(ctx context.Context, chatID string, encrypted string) error {
	if err := s.rdb.Set(ctx, chatItemKey(chatID), encrypted, bodyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set chat list item: %w", err)
	}

	return nil
}

// ChatListItem returns the encrypted sidebar summary, or "" on a miss.
func (s *Service) ChatListItem(ctx context.Context, chatID string) (string, error) {
	item, err := s.rdb.Get(ctx, chatItemKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chat list item: %w", err)
	}

	return item, nil
}

// ChatVersions returns the per-component monotonic counters for a chat.
func (s *Service) ChatVersions(ctx context.Context, chatID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, chatVersionsKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat versions: %w", err)
	}

	versions := make(map[string]int64, len(raw))
	for component, value := range raw {
		var v int64
		if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
			return nil, fmt.Errorf("corrupt version counter %s=%q: %w", component, value, err)
		}
		versions[component] = v
	}

	return versions, nil
}

// IncrementChatVersion atomically bumps one component counter and returns the
// new value. The WS router is the single writer per chat.
func (s *Service) IncrementChatVersion(ctx context.Context, chatID, component string) (int64, error) {
	v, err := s.rdb.HIncrBy(ctx, chatVersionsKey(chatID), component, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s version: %w", component, err)
	}

	return v, nil
}

// StoreMessage writes a message into both message caches: the ordered
// inference index (scored by creation time) and the keyed sync cache.
func (s *Service) StoreMessage(ctx context.Context, chatID, messageID string, encrypted string, createdAt time.Time) error {
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, chatMessageIndexKey(chatID), redis.Z{
		Score:  float64(createdAt.UnixMilli()),
		Member: messageID,
	})
	pipe.Set(ctx, chatMessageKey(chatID, messageID), encrypted, bodyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	return nil
}

// MessageHistory returns the chat's encrypted messages newest-first. Bodies
// evicted from the hot cache are skipped; callers needing the full history
// fall back to the durable store.
func (s *Service) MessageHistory(ctx context.Context, chatID string) ([]string, error) {
	ids, err := s.rdb.ZRevRange(ctx, chatMessageIndexKey(chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message index: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = chatMessageKey(chatID, id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read message bodies: %w", err)
	}

	blobs := make([]string, 0, len(values))
	for _, v := range values {
		if body, ok := v.(string); ok {
			blobs = append(blobs, body)
		}
	}

	return blobs, nil
}

// RemoveMessage deletes a message from both the inference index and the sync
// cache.
func (s *Service) RemoveMessage(ctx context.Context, chatID, messageID string) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, chatMessageIndexKey(chatID), messageID)
	pipe.Del(ctx, chatMessageKey(chatID, messageID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove message: %w", err)
	}

	return nil
}

// SetActiveFocus stores the chat's encrypted active focus id. An empty value
// clears it.
func (s *Service) SetActiveFocus(ctx context.Context, chatID string, encrypted string) error {
	if encrypted == "" {
		if err := s.rdb.Del(ctx, chatFocusKey(chatID)).Err(); err != nil {
			return fmt.Errorf("failed to clear active focus: %w", err)
		}

		return nil
	}

	if err := s.rdb.Set(ctx, chatFocusKey(chatID), encrypted, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active focus: %w", err)
	}

	return nil
}

// ActiveFocus returns the chat's encrypted active focus id, or "" when unset.
func (s *Service) ActiveFocus(ctx context.Context, chatID string) (string, error) {
	focus, err := s.rdb.Get(ctx, chatFocusKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active focus: %w", err)
	}

	return focus, nil
}

// SetActiveAITask marks the chat as having a running AI task. Clients key
// the typing indicator on this marker. The TTL bounds stale markers left by
// a crashed runner.
func (s *Service) SetActiveAITask(ctx context.Context, chatID, taskID string) error {
	if err := s.rdb.Set(ctx, chatActiveTaskKey(chatID), taskID, flagTTL).Err(); err != nil {
		return fmt.Errorf("failed to set active task marker: %w", err)
	}

	return nil
}

// ActiveAITask returns the task id currently running for the chat, or ""
// when none is.
func (s *Service) ActiveAITask(ctx context.Context, chatID string) (string, error) {
	taskID, err := s.rdb.Get(ctx, chatActiveTaskKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active task marker: %w", err)
	}

	return taskID, nil
}

// ClearActiveAITask drops the chat's running-task marker. A non-empty taskID
// clears only when that task still owns the marker, so a finished run cannot
// drop the marker of a newer task; the read-then-delete window is harmless
// because a newer task resets the marker when it starts. An empty taskID
// clears unconditionally (the revoke path).
func (s *Service) ClearActiveAITask(ctx context.Context, chatID, taskID string) error {
	if taskID != "" {
		current, err := s.ActiveAITask(ctx, chatID)
		if err != nil {
			return err
		}
		if current != "" && current != taskID {
			return nil
		}
	}

	if err := s.rdb.Del(ctx, chatActiveTaskKey(chatID)).Err(); err != nil {
		return fmt.Errorf("failed to clear active task marker: %w", err)
	}

	return nil
}

// SetPendingFocusActivation arms a focus activation that the client may
// reject before the auto-confirm timer consumes it. The TTL keeps abandoned
// activations from leaking.
func (s *Service) SetPendingFocusActivation(ctx context.Context, chatID string, payload string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, chatPendingFocusKey(chatID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set pending focus activation: %w", err)
	}

	return nil
}

// GetAndDeletePendingFocusActivation consumes the pending activation in a
// single round-trip. Exactly one caller wins the race between client-reject
// and auto-confirm; the loser sees "".
func (s *Service) GetAndDeletePendingFocusActivation(ctx context.Context, chatID string) (string, error) {
	payload, err := s.rdb.GetDel(ctx, chatPendingFocusKey(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume pending focus activation: %w", err)
	}

	return payload, nil
}

// StoreChatEmbed caches an encrypted embed body scoped to a chat.
func (s *Service) StoreChatEmbed(ctx context.Context, chatID, embedID string, encrypted string) error {
	if err := s.rdb.Set(ctx, chatEmbedKey(chatID, embedID), encrypted, bodyTTL).Err(); err != nil {
		return fmt.Errorf("failed to store chat embed: %w", err)
	}

	return nil
}

// RemoveChatEmbed drops a chat-scoped embed body from the cache.
func (s *Service) RemoveChatEmbed(ctx context.Context, chatID, embedID string) error {
	if err := s.rdb.Del(ctx, chatEmbedKey(chatID, embedID)).Err(); err != nil {
		return fmt.Errorf("failed to remove chat embed: %w", err)
	}

	return nil
}

// StoreEmbed caches an encrypted embed body under its global id.
func (s *Service) StoreEmbed(ctx context.Context, embedID string, encrypted string) error {
	if err := s.rdb.Set(ctx, embedKey(embedID), encrypted, bodyTTL).Err(); err != nil {
		return fmt.Errorf("failed to store embed: %w", err)
	}

	return nil
}

// Embed returns the cached encrypted embed body, or "" on a miss.
func (s *Service) Embed(ctx context.Context, embedID string) (string, error) {
	body, err := s.rdb.Get(ctx, embedKey(embedID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read embed: %w", err)
	}

	return body, nil
}

// DeleteChat removes the chat from the recency index and drops every cached
// key belonging to it.
func (s *Service) DeleteChat(ctx context.Context, userHash, chatID string) error {
	ids, err := s.rdb.ZRange(ctx, chatMessageIndexKey(chatID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list chat messages for delete: %w", err)
	}

	pipe := s.rdb.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, chatMessageKey(chatID, id))
	}
	pipe.Del(ctx,
		chatMessageIndexKey(chatID),
		chatItemKey(chatID),
		chatVersionsKey(chatID),
		chatFocusKey(chatID),
		chatPendingFocusKey(chatID),
		chatOwnerKey(chatID),
	)
	pipe.ZRem(ctx, chatsKey(userHash), chatID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}

	return nil
}
