package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmates/core/internal/cache"
	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/logger"
)

// Store combines the cache tier with async durable persistence. The cache
// update is the commit point for in-flight conversation logic; Firestore
// writes ride a worker pool and are eventually consistent.
type Store struct {
	cache        *cache.Service
	durable      *FirestoreStore
	logger       *logger.Logger
	writeChan    chan writeOp
	workerPool   sync.WaitGroup
	writeTimeout time.Duration
	shutdown     chan struct{}
	closed       atomic.Bool
}

// NewStore starts the persistence worker pool.
func NewStore(cacheSvc *cache.Service, durable *FirestoreStore, cfg *config.Config, log *logger.Logger) *Store {
	s := &Store{
		cache:        cacheSvc,
		durable:      durable,
		logger:       log,
		writeChan:    make(chan writeOp, cfg.ChatStoreBufferSize),
		writeTimeout: time.Duration(cfg.ChatStoreTimeoutSeconds) * time.Second,
		shutdown:     make(chan struct{}),
	}

	for i := 0; i < cfg.ChatStoreWorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	log.Info("chat store started",
		slog.Int("worker_pool_size", cfg.ChatStoreWorkerPoolSize),
		slog.Int("buffer_size", cfg.ChatStoreBufferSize),
	)

	return s
}

// worker drains queued durable writes.
func (s *Store) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case op := <-s.writeChan:
			s.handleWrite(op)
		case <-s.shutdown:
			// Drain remaining writes
			for {
				select {
				case op := <-s.writeChan:
					s.handleWrite(op)
				default:
					return
				}
			}
		}
	}
}

// handleWrite applies a single durable write with its own timeout.
func (s *Store) handleWrite(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	log := s.logger.WithContext(ctx)

	var err error
	switch op.kind {
	case writeSaveChat:
		err = s.durable.SaveChat(ctx, op.chat)
	case writeSaveMessage:
		err = s.durable.SaveMessage(ctx, op.chatID, op.message)
	case writeDeleteMessage:
		err = s.durable.DeleteMessage(ctx, op.chatID, op.messageID)
	case writeDeleteChat:
		err = s.durable.DeleteChat(ctx, op.chatID)
	case writeUpdateFocus:
		err = s.durable.UpdateChatActiveFocus(ctx, op.chatID, op.encryptedFocus)
	case writeUpdateTitle:
		err = s.durable.UpdateChatTitleMeta(ctx, op.chatID, op.encryptedTitle, op.encryptedCategory, op.titleV)
	case writeTouchChat:
		err = s.durable.TouchChatMeta(ctx, op.chatID, op.touchedAt, op.messagesV)
	case writeSaveNotificationSettings:
		err = s.durable.SaveNotificationSettings(ctx, op.settings)
	}

	if err != nil {
		log.Error("durable write failed",
			slog.Int("kind", int(op.kind)),
			slog.String("chat_id", op.chatID),
			slog.String("error", err.Error()))
	}
}

// enqueue hands a write to the worker pool without blocking the hot path.
func (s *Store) enqueue(ctx context.Context, op writeOp) error {
	if s.closed.Load() {
		return fmt.Errorf("chat store is shutting down")
	}

	select {
	case s.writeChan <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.logger.Warn("durable write queue is full, dropping write",
			slog.String("chat_id", op.chatID))
		return fmt.Errorf("durable write queue is full")
	}
}

// CommitMessage applies the delivery-guarantee sequence for one message:
// cache write, version increment (the commit point), recency touch, then the
// queued durable writes. Returns the new messages_v.
func (s *Store) CommitMessage(ctx context.Context, userHash string, chatMeta *Chat, msg *Message) (int64, error) {
	if msg == nil || msg.MessageID == "" {
		return 0, fmt.Errorf("message id must be non-empty")
	}

	chatID := chatMeta.ChatID

	encoded, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	if err := s.cache.StoreMessage(ctx, chatID, msg.MessageID, string(encoded), msg.CreatedAt); err != nil {
		return 0, err
	}

	version, err := s.cache.IncrementChatVersion(ctx, chatID, VersionMessages)
	if err != nil {
		return 0, err
	}

	if err := s.cache.TouchChat(ctx, userHash, chatID, msg.CreatedAt); err != nil {
		return 0, err
	}

	// First write binds the owner.
	if err := s.cache.SetChatOwner(ctx, chatID, userHash); err != nil {
		return 0, err
	}

	if chatMeta.Versions == nil {
		chatMeta.Versions = map[string]int64{}
	}
	chatMeta.Versions[VersionMessages] = version
	chatMeta.LastEditedOverallTime = msg.CreatedAt

	if err := s.enqueue(ctx, writeOp{kind: writeSaveChat, chatID: chatID, chat: chatMeta}); err != nil {
		return version, err
	}
	if err := s.enqueue(ctx, writeOp{kind: writeSaveMessage, chatID: chatID, message: msg}); err != nil {
		return version, err
	}

	return version, nil
}

// CommitServerMessage commits a server-authored message (assistant reply,
// system insert). It runs the same cache-commit sequence as CommitMessage
// but only touches the durable chat container's timestamps and counter: the
// container's encrypted fields are client-owned and a full SaveChat from
// the server would overwrite them.
func (s *Store) CommitServerMessage(ctx context.Context, userHash string, msg *Message) (int64, error) {
	if msg == nil || msg.MessageID == "" {
		return 0, fmt.Errorf("message id must be non-empty")
	}

	chatID := msg.HashedChatID

	encoded, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	if err := s.cache.StoreMessage(ctx, chatID, msg.MessageID, string(encoded), msg.CreatedAt); err != nil {
		return 0, err
	}

	version, err := s.cache.IncrementChatVersion(ctx, chatID, VersionMessages)
	if err != nil {
		return 0, err
	}

	if err := s.cache.TouchChat(ctx, userHash, chatID, msg.CreatedAt); err != nil {
		return 0, err
	}

	if err := s.enqueue(ctx, writeOp{kind: writeSaveMessage, chatID: chatID, message: msg}); err != nil {
		return version, err
	}
	if err := s.enqueue(ctx, writeOp{kind: writeTouchChat, chatID: chatID, touchedAt: msg.CreatedAt, messagesV: version}); err != nil {
		return version, err
	}

	return version, nil
}

// DeleteMessage removes a message from both cache tiers and queues the
// durable delete.
func (s *Store) DeleteMessage(ctx context.Context, userHash, chatID, messageID string) (int64, error) {
	if err := s.cache.RemoveMessage(ctx, chatID, messageID); err != nil {
		return 0, err
	}

	version, err := s.cache.IncrementChatVersion(ctx, chatID, VersionMessages)
	if err != nil {
		return 0, err
	}

	if err := s.enqueue(ctx, writeOp{kind: writeDeleteMessage, chatID: chatID, messageID: messageID}); err != nil {
		return version, err
	}

	return version, nil
}

// DeleteChat drops the chat from the cache and queues the durable cascade.
func (s *Store) DeleteChat(ctx context.Context, userHash, chatID string) error {
	if err := s.cache.DeleteChat(ctx, userHash, chatID); err != nil {
		return err
	}

	return s.enqueue(ctx, writeOp{kind: writeDeleteChat, chatID: chatID})
}

// UpdateChatActiveFocusID stores the chat's encrypted focus id (empty clears
// it) and bumps focus_v.
func (s *Store) UpdateChatActiveFocusID(ctx context.Context, chatID, encryptedFocus string) (int64, error) {
	if err := s.cache.SetActiveFocus(ctx, chatID, encryptedFocus); err != nil {
		return 0, err
	}

	version, err := s.cache.IncrementChatVersion(ctx, chatID, VersionFocus)
	if err != nil {
		return 0, err
	}

	if err := s.enqueue(ctx, writeOp{kind: writeUpdateFocus, chatID: chatID, encryptedFocus: encryptedFocus}); err != nil {
		return version, err
	}

	return version, nil
}

// UpdateChatTitle replaces the chat's encrypted title (and category, when
// given), bumps title_v, and refreshes the cached sidebar item so the next
// list render sees the rename. Returns the new title_v.
func (s *Store) UpdateChatTitle(ctx context.Context, userHash, chatID, encryptedTitle, encryptedCategory string) (int64, error) {
	version, err := s.cache.IncrementChatVersion(ctx, chatID, VersionTitle)
	if err != nil {
		return 0, err
	}

	item, err := s.GetChatListItemData(ctx, userHash, chatID)
	if err != nil {
		s.logger.WithContext(ctx).Warn("failed to load chat list item for retitle",
			slog.String("chat_id", chatID),
			slog.String("error", err.Error()))
	}
	if item == nil {
		item = &ChatListItem{ChatID: chatID}
	}
	item.EncryptedTitle = encryptedTitle
	if encryptedCategory != "" {
		item.EncryptedCategory = encryptedCategory
	}
	if item.Versions == nil {
		item.Versions = map[string]int64{}
	}
	item.Versions[VersionTitle] = version

	if encoded, err := json.Marshal(item); err == nil {
		if err := s.cache.SetChatListItem(ctx, chatID, string(encoded)); err != nil {
			s.logger.WithContext(ctx).Warn("failed to refresh chat list item",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()))
		}
	}

	if err := s.enqueue(ctx, writeOp{
		kind:              writeUpdateTitle,
		chatID:            chatID,
		encryptedTitle:    encryptedTitle,
		encryptedCategory: encryptedCategory,
		titleV:            version,
	}); err != nil {
		return version, err
	}

	return version, nil
}

// GetAIMessagesHistory returns the chat's encrypted message blobs
// newest-first, falling back to the durable store when the hot cache has
// nothing for the chat.
func (s *Store) GetAIMessagesHistory(ctx context.Context, userHash, chatID string) ([]string, error) {
	blobs, err := s.cache.MessageHistory(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(blobs) > 0 {
		return blobs, nil
	}

	messages, err := s.durable.ListMessages(ctx, chatID, 0)
	if err != nil {
		return nil, err
	}

	blobs = make([]string, 0, len(messages))
	for _, msg := range messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
		blobs = append(blobs, string(encoded))
	}

	return blobs, nil
}

// GetChatVersions returns the per-component counters for a chat.
func (s *Store) GetChatVersions(ctx context.Context, chatID string) (map[string]int64, error) {
	return s.cache.ChatVersions(ctx, chatID)
}

// IncrementChatComponentVersion bumps one counter atomically and returns the
// new value. Only the WS router calls this; it is the single writer per chat.
func (s *Store) IncrementChatComponentVersion(ctx context.Context, chatID, component string) (int64, error) {
	return s.cache.IncrementChatVersion(ctx, chatID, component)
}

// GetChatIDsVersions returns the chat ids in recency order for the index
// range [start, end], each with its version counters.
func (s *Store) GetChatIDsVersions(ctx context.Context, userHash string, start, end int64) ([]ChatIDVersions, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range: end before start")
	}

	ids, err := s.cache.ChatIDsByRecency(ctx, userHash, start, end-start+1)
	if err != nil {
		return nil, err
	}

	result := make([]ChatIDVersions, 0, len(ids))
	for _, id := range ids {
		versions, err := s.cache.ChatVersions(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, ChatIDVersions{ChatID: id, Versions: versions})
	}

	return result, nil
}

// GetChatListItemData returns the sidebar summary for one chat, trying the
// cache first.
func (s *Store) GetChatListItemData(ctx context.Context, userHash, chatID string) (*ChatListItem, error) {
	cached, err := s.cache.ChatListItem(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if cached != "" {
		var item ChatListItem
		if err := json.Unmarshal([]byte(cached), &item); err != nil {
			return nil, fmt.Errorf("corrupt cached chat list item: %w", err)
		}
		return &item, nil
	}

	chat, err := s.durable.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, nil
	}

	item := chatListItemFromChat(chat)

	// Backfill so the next sidebar render is a cache hit.
	if encoded, err := json.Marshal(item); err == nil {
		if err := s.cache.SetChatListItem(ctx, chatID, string(encoded)); err != nil {
			s.logger.WithContext(ctx).Warn("failed to backfill chat list item",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()))
		}
	}

	return item, nil
}

// CheckChatOwnership verifies the caller owns the chat. A chat with no record
// anywhere is a new/local chat and is permitted; the first write binds the
// owner. Infrastructure errors fail closed.
func (s *Store) CheckChatOwnership(ctx context.Context, userHash, chatID string) (bool, error) {
	owner, err := s.cache.ChatOwner(ctx, chatID)
	if err != nil {
		return false, err
	}
	if owner != "" {
		return owner == userHash, nil
	}

	chat, err := s.durable.GetChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if chat == nil {
		return true, nil
	}

	return chat.HashedUserID == userHash, nil
}

// LoadMoreChats pages older chats as metadata-only wrappers. Cache misses
// fall back to the durable store with the same (offset, limit) semantics.
func (s *Store) LoadMoreChats(ctx context.Context, userHash string, offset, limit int64) (*ChatPage, error) {
	if limit <= 0 {
		limit = 100
	}

	total, err := s.cache.ChatCount(ctx, userHash)
	if err != nil {
		return nil, err
	}

	var items []ChatListItem

	if total > 0 {
		ids, err := s.cache.ChatIDsByRecency(ctx, userHash, offset, limit)
		if err != nil {
			return nil, err
		}

		items = make([]ChatListItem, 0, len(ids))
		for _, id := range ids {
			item, err := s.GetChatListItemData(ctx, userHash, id)
			if err != nil {
				return nil, err
			}
			if item != nil {
				items = append(items, *item)
			}
		}
	} else {
		chats, err := s.durable.ListChatsByOwner(ctx, userHash, int(offset), int(limit))
		if err != nil {
			return nil, err
		}

		total, err = s.durable.CountChatsByOwner(ctx, userHash)
		if err != nil {
			return nil, err
		}

		items = make([]ChatListItem, 0, len(chats))
		for _, chat := range chats {
			items = append(items, *chatListItemFromChat(chat))
		}
	}

	return &ChatPage{
		Chats:      items,
		HasMore:    offset+int64(len(items)) < total,
		TotalCount: total,
		Offset:     offset,
	}, nil
}

// SetPendingFocusActivation arms a pending focus activation with the given
// TTL.
func (s *Store) SetPendingFocusActivation(ctx context.Context, chatID, payload string, ttl time.Duration) error {
	return s.cache.SetPendingFocusActivation(ctx, chatID, payload, ttl)
}

// GetAndDeletePendingFocusActivation atomically consumes the pending focus
// activation. Single cache round-trip; there is no fallback.
func (s *Store) GetAndDeletePendingFocusActivation(ctx context.Context, chatID string) (string, error) {
	return s.cache.GetAndDeletePendingFocusActivation(ctx, chatID)
}

// RemoveEmbedFromChatCache drops a chat-scoped embed body.
func (s *Store) RemoveEmbedFromChatCache(ctx context.Context, chatID, embedID string) error {
	return s.cache.RemoveChatEmbed(ctx, chatID, embedID)
}

// SaveNotificationSettings re-encrypts nothing itself; callers pass the email
// already wrapped under the user's Transit key. The write is queued.
func (s *Store) SaveNotificationSettings(ctx context.Context, settings *NotificationSettings) error {
	settings.UpdatedAt = time.Now()
	return s.enqueue(ctx, writeOp{kind: writeSaveNotificationSettings, settings: settings})
}

// GetNotificationSettings reads the user's notification preferences.
func (s *Store) GetNotificationSettings(ctx context.Context, userHash string) (*NotificationSettings, error) {
	return s.durable.GetNotificationSettings(ctx, userHash)
}

// Shutdown drains the write queue and stops the workers.
func (s *Store) Shutdown() {
	s.logger.Info("shutting down chat store")
	s.closed.Store(true)
	close(s.shutdown)
	s.workerPool.Wait()
	close(s.writeChan)
	s.logger.Info("chat store shutdown complete")
}

func chatListItemFromChat(chat *Chat) *ChatListItem {
	return &ChatListItem{
		ChatID:               chat.ChatID,
		EncryptedTitle:       chat.EncryptedTitle,
		EncryptedCategory:    chat.EncryptedCategory,
		LastMessageTimestamp: chat.LastMessageTimestamp,
		Pinned:               chat.Pinned,
		Versions:             chat.Versions,
	}
}
