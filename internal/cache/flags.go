package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// flagTTL bounds cancellation flag lifetime; a task never outlives an hour.
const flagTTL = time.Hour

// RevokeTask raises the whole-task revoke flag. The runner observes it at
// its next suspension point.
func (s *Service) RevokeTask(ctx context.Context, taskID string) error {
	if err := s.rdb.Set(ctx, taskRevokedKey(taskID), "1", flagTTL).Err(); err != nil {
		return fmt.Errorf("failed to set revoke flag: %w", err)
	}

	return nil
}

// TaskRevoked reports whether the whole-task revoke flag is raised.
func (s *Service) TaskRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, taskRevokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read revoke flag: %w", err)
	}

	return n > 0, nil
}

// CancelSkill raises the per-skill cancel flag for one sub-execution. Ongoing
// I/O is not aborted; the skill observes the flag at entry and between steps
// and discards its result as cancelled.
func (s *Service) CancelSkill(ctx context.Context, taskID, toolCallID string) error {
	if err := s.rdb.Set(ctx, skillCancelledKey(taskID, toolCallID), "1", flagTTL).Err(); err != nil {
		return fmt.Errorf("failed to set skill cancel flag: %w", err)
	}

	return nil
}

// SkillCancelled reports whether a sub-execution's cancel flag is raised.
func (s *Service) SkillCancelled(ctx context.Context, taskID, toolCallID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, skillCancelledKey(taskID, toolCallID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read skill cancel flag: %w", err)
	}

	return n > 0, nil
}

// StoreNewChatSuggestion stores an encrypted new-chat suggestion.
func (s *Service) StoreNewChatSuggestion(ctx context.Context, userHash, suggestionID, encrypted string) error {
	if err := s.rdb.HSet(ctx, suggestionsKey(userHash), suggestionID, encrypted).Err(); err != nil {
		return fmt.Errorf("failed to store suggestion: %w", err)
	}

	return nil
}

// NewChatSuggestions returns all stored suggestions keyed by id.
func (s *Service) NewChatSuggestions(ctx context.Context, userHash string) (map[string]string, error) {
	suggestions, err := s.rdb.HGetAll(ctx, suggestionsKey(userHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read suggestions: %w", err)
	}

	return suggestions, nil
}

// DeleteNewChatSuggestion removes one suggestion. Deleting an absent id is
// not an error.
func (s *Service) DeleteNewChatSuggestion(ctx context.Context, userHash, suggestionID string) error {
	if err := s.rdb.HDel(ctx, suggestionsKey(userHash), suggestionID).Err(); err != nil {
		return fmt.Errorf("failed to delete suggestion: %w", err)
	}

	return nil
}

// AcquireLock takes a best-effort distributed lock so scheduled jobs run on
// exactly one instance. Returns false when another instance already holds it;
// the TTL releases locks abandoned by a crashed holder.
func (s *Service) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "lock:"+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	return ok, nil
}

// ReleaseLock drops a lock taken with AcquireLock.
func (s *Service) ReleaseLock(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, "lock:"+name).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}

	return nil
}

// ErrCacheUnavailable wraps connectivity failures so ownership checks can
// fail closed while local-only paths fail open.
var ErrCacheUnavailable = errors.New("cache unavailable")
