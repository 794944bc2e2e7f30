package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/connections"
	"github.com/openmates/core/internal/embeds"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/tasks"
	"github.com/openmates/core/internal/vault"
)

// handleMessageReceived commits a user message and enqueues the AI task
// that answers it: cache commit with version increment, durable enqueue,
// sibling broadcast, then the envelope goes on the app's queue.
func (r *Router) handleMessageReceived(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p messageReceivedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid message payload", err)
	}
	switch {
	case p.ChatID == "":
		return apperrors.E(apperrors.KindInvalidRequest, "chat_id is required", nil)
	case p.MessageID == "":
		return apperrors.E(apperrors.KindInvalidRequest, "message_id is required", nil)
	case p.EncryptedContent == "":
		return apperrors.E(apperrors.KindInvalidRequest, "encrypted_content is required", nil)
	case p.ChatKey == "":
		return apperrors.E(apperrors.KindInvalidRequest, "chat_key is required", nil)
	}

	userHash := sender.UserHash()
	if err := r.guardChatOwnership(ctx, userHash, p.ChatID); err != nil {
		return err
	}

	// Sending into a chat implies the device is viewing it.
	r.manager.SetConnectionActiveChat(sender, p.ChatID)

	now := time.Now().UTC()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	chatMeta := &chatstore.Chat{
		ChatID:               p.ChatID,
		HashedUserID:         userHash,
		EncryptedTitle:       p.EncryptedTitle,
		EncryptedChatKey:     p.EncryptedChatKey,
		EncryptedActiveFocus: p.EncryptedActiveFocus,
		EncryptedCategory:    p.EncryptedCategory,
		Pinned:               p.Pinned,
		IsPrivate:            p.IsPrivate,
		IsShared:             p.IsShared,
		CreatedAt:            createdAt,
	}

	msg := &chatstore.Message{
		MessageID:        p.MessageID,
		HashedMessageID:  p.HashedMessageID,
		HashedChatID:     p.ChatID,
		HashedUserID:     userHash,
		Role:             chatstore.RoleUser,
		EncryptedContent: p.EncryptedContent,
		Status:           "done",
		CreatedAt:        createdAt,
	}

	version, err := r.chats.CommitMessage(ctx, userHash, chatMeta, msg)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	appID := p.AppID
	if appID == "" {
		appID = "ai"
	}

	env := &tasks.Envelope{
		TaskID:        uuid.NewString(),
		AppID:         appID,
		Queue:         tasks.QueueForApp(appID),
		UserHash:      userHash,
		DeviceHash:    sender.DeviceHash(),
		ChatID:        p.ChatID,
		MessageID:     p.MessageID,
		ChatKey:       p.ChatKey,
		ActiveFocusID: p.ActiveFocusID,
		EnqueuedAt:    now,
	}
	if err := r.dispatcher.Enqueue(ctx, env); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	// Siblings get the committed message; the in-flight chat key stays
	// between the sending device and the runner.
	p.ChatKey = ""
	r.broadcastToOthers(sender, encode(messageReceivedEvent{
		Type:                   TypeMessageReceived,
		messageReceivedPayload: p,
		MessagesVersion:        version,
	}))

	return nil
}

// handleCancelAITask revokes a whole task. The marker clear is
// unconditional so every device drops its typing indicator even when the
// runner is mid-chunk.
func (r *Router) handleCancelAITask(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p cancelAITaskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid cancel payload", err)
	}
	if p.TaskID == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "task_id is required", nil)
	}

	if err := r.guardChatOwnership(ctx, sender.UserHash(), p.ChatID); err != nil {
		return err
	}

	if err := r.dispatcher.Interrupt(ctx, p.TaskID); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	if err := r.flags.ClearActiveAITask(ctx, p.ChatID, p.TaskID); err != nil {
		r.logger.WithContext(ctx).Warn("failed to clear active task marker",
			slog.String("task_id", p.TaskID),
			slog.String("error", err.Error()))
	}

	r.manager.Broadcast(sender.UserHash(), encode(aiTaskCancelRequestedEvent{
		Type:   TypeAITaskCancelRequested,
		TaskID: p.TaskID,
		ChatID: p.ChatID,
		Status: "revocation_sent",
	}), "")

	return nil
}

// handleCancelSkill raises the per-execution cancel flag. The parent task
// keeps running; the fabric feeds a synthetic cancelled result back to the
// model instead of the skill's data.
func (r *Router) handleCancelSkill(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p cancelSkillPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid cancel payload", err)
	}

	taskID, toolCallID, ok := strings.Cut(p.SkillTaskID, ":")
	if !ok || taskID == "" || toolCallID == "" {
		return apperrors.E(apperrors.KindInvalidRequest,
			"skill_task_id must be task_id:tool_call_id", nil)
	}

	if err := r.flags.CancelSkill(ctx, taskID, toolCallID); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	// An embed the skill was filling moves to cancelled so every device
	// stops rendering its progress state.
	if p.EmbedID != "" {
		if err := r.cancelEmbed(ctx, sender, p.EmbedID); err != nil {
			r.logger.WithContext(ctx).Warn("failed to cancel skill embed",
				slog.String("embed_id", p.EmbedID),
				slog.String("error", err.Error()))
		}
	}

	r.manager.Broadcast(sender.UserHash(), encode(skillCancelRequestedEvent{
		Type:        TypeSkillCancelRequested,
		SkillTaskID: p.SkillTaskID,
		Status:      "revocation_sent",
	}), "")

	return nil
}

func (r *Router) cancelEmbed(ctx context.Context, sender *connections.Connection, embedID string) error {
	embed, err := r.embeds.RequestEmbed(ctx, sender.UserHash(), embedID)
	if err != nil {
		return err
	}
	if embed.Status != embeds.StatusInProgress {
		return nil
	}

	embed.Status = embeds.StatusCancelled
	stored, err := r.embeds.StoreEmbed(ctx, sender.UserHash(), embed.HashedChatID, embed)
	if err != nil {
		return err
	}

	r.manager.Broadcast(sender.UserHash(), encode(embedUpdateEvent{
		Type:          TypeEmbedUpdate,
		EmbedID:       stored.EmbedID,
		Status:        stored.Status,
		ChildEmbedIDs: stored.ChildEmbedIDs,
	}), "")
	return nil
}

// handleFocusModeRejected consumes the pending activation if the rejection
// beat the auto-confirm timer; otherwise it deactivates the focus the timer
// already committed.
func (r *Router) handleFocusModeRejected(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p focusModeRejectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid rejection payload", err)
	}

	if err := r.guardChatOwnership(ctx, sender.UserHash(), p.ChatID); err != nil {
		return err
	}

	caught, err := r.dispatcher.RejectFocus(ctx, sender.UserHash(), p.ChatID)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	return r.manager.SendToDevice(sender.UserHash(), sender.DeviceHash(), encode(focusModeRejectedAckEvent{
		Type:                   TypeFocusModeRejectedAck,
		ChatID:                 p.ChatID,
		FocusID:                p.FocusID,
		Status:                 "ok",
		CaughtBeforeActivation: caught,
	}))
}

// handleChatFocusChanged applies a user-driven focus change (as opposed to
// a model-proposed one, which flows through the focus coordinator).
func (r *Router) handleChatFocusChanged(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p chatFocusChangedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid focus payload", err)
	}

	if err := r.guardChatOwnership(ctx, sender.UserHash(), p.ChatID); err != nil {
		return err
	}

	version, err := r.chats.UpdateChatActiveFocusID(ctx, p.ChatID, p.EncryptedActiveFocusID)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(tasks.FocusUpdatedEvent{
		Type:                   tasks.EventFocusUpdated,
		ChatID:                 p.ChatID,
		EncryptedActiveFocusID: p.EncryptedActiveFocusID,
		FocusVersion:           version,
	}))

	return nil
}

func (r *Router) handleChatTitleUpdated(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p chatTitleUpdatedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid title payload", err)
	}
	if p.EncryptedTitle == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "encrypted_title is required", nil)
	}

	if err := r.guardChatOwnership(ctx, sender.UserHash(), p.ChatID); err != nil {
		return err
	}

	version, err := r.chats.UpdateChatTitle(ctx, sender.UserHash(), p.ChatID, p.EncryptedTitle, p.EncryptedCategory)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(chatTitleUpdatedEvent{
		Type:              TypeChatTitleUpdated,
		ChatID:            p.ChatID,
		EncryptedTitle:    p.EncryptedTitle,
		EncryptedCategory: p.EncryptedCategory,
		TitleVersion:      version,
	}))

	return nil
}

// handleStoreEmbed upserts a client-encrypted embed and fans the status out.
func (r *Router) handleStoreEmbed(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p storeEmbedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid embed payload", err)
	}

	embed := p.Embed
	if embed.Type == "" {
		embed.Type = p.EmbedTypeAlias
	}
	if embed.EncryptionMode == "" {
		embed.EncryptionMode = embeds.ModeClient
	}
	if embed.ShareMode == "" {
		switch {
		case p.IsShared:
			embed.ShareMode = "shared"
		case p.IsPrivate:
			embed.ShareMode = "private"
		}
	}
	if embed.CreatedAt.IsZero() {
		embed.CreatedAt = p.CreatedAtAlias
	}
	if embed.UpdatedAt.IsZero() {
		embed.UpdatedAt = p.UpdatedAtAlias
	}

	userHash := sender.UserHash()
	if embed.HashedChatID != "" {
		if err := r.guardChatOwnership(ctx, userHash, embed.HashedChatID); err != nil {
			return err
		}
	}

	stored, err := r.embeds.StoreEmbed(ctx, userHash, embed.HashedChatID, &embed)
	if err != nil {
		return err
	}

	r.broadcastToOthers(sender, encode(embedUpdateEvent{
		Type:          TypeEmbedUpdate,
		EmbedID:       stored.EmbedID,
		Status:        stored.Status,
		ChildEmbedIDs: stored.ChildEmbedIDs,
	}))

	return nil
}

// handleStoreEmbedKeys stores key wrappers. Per-wrapper failures reject
// that wrapper only; the ack reports both counts.
func (r *Router) handleStoreEmbedKeys(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p storeEmbedKeysPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid key payload", err)
	}
	if len(p.Keys) == 0 {
		return apperrors.E(apperrors.KindInvalidRequest, "keys must be non-empty", nil)
	}

	accepted, rejected := r.embeds.StoreEmbedKeys(ctx, sender.UserHash(), p.Keys)

	return r.manager.SendToDevice(sender.UserHash(), sender.DeviceHash(), encode(storeEmbedKeysAckEvent{
		Type:     TypeStoreEmbedKeysAck,
		Accepted: accepted,
		Rejected: rejected,
	}))
}

// handleRequestEmbed answers a cache-miss read from a device. Client-mode
// embeds return their ciphertext untouched; vault-mode embeds are unwrapped
// server-side because only the server holds their Transit-wrapped key.
func (r *Router) handleRequestEmbed(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p requestEmbedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid embed request", err)
	}

	embed, err := r.embeds.RequestEmbed(ctx, sender.UserHash(), p.EmbedID)
	if err != nil {
		return err
	}

	content := embed.EncryptedContent
	embedType := embed.Type
	if embed.EncryptionMode == embeds.ModeVault {
		decrypted, err := r.embeds.DecryptContent(ctx, embed)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(decrypted)
		if err != nil {
			return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
		}
		content = string(plaintext)
		if embedType == "" {
			embedType = decrypted.Type
		}
	}

	return r.manager.SendToDevice(sender.UserHash(), sender.DeviceHash(), encode(sendEmbedDataEvent{
		Type:          TypeSendEmbedData,
		EmbedID:       embed.EmbedID,
		EmbedType:     embedType,
		Content:       content,
		Status:        embed.Status,
		ChatID:        embed.HashedChatID,
		MessageID:     embed.HashedMessageID,
		ShareMode:     embed.ShareMode,
		CreatedAt:     embed.CreatedAt,
		UpdatedAt:     embed.UpdatedAt,
		EmbedIDs:      embed.ChildEmbedIDs,
		TaskID:        embed.TaskID,
		ParentEmbedID: embed.ParentEmbedID,
		VersionNumber: embed.VersionNumber,
		FilePath:      embed.FilePath,
		ContentHash:   embed.ContentHash,
	}))
}

// handleDeleteMessage removes a message and detaches any embeds the client
// says were only referenced by it.
func (r *Router) handleDeleteMessage(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p deleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid delete payload", err)
	}
	if p.MessageID == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "messageId is required", nil)
	}

	userHash := sender.UserHash()
	if err := r.guardChatOwnership(ctx, userHash, p.ChatID); err != nil {
		return err
	}

	version, err := r.chats.DeleteMessage(ctx, userHash, p.ChatID, p.MessageID)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	for _, embedID := range p.EmbedIDsToDelete {
		if err := r.chats.RemoveEmbedFromChatCache(ctx, p.ChatID, embedID); err != nil {
			r.logger.WithContext(ctx).Warn("failed to detach embed from chat",
				slog.String("chat_id", p.ChatID),
				slog.String("embed_id", embedID),
				slog.String("error", err.Error()))
		}
	}

	r.broadcastToOthers(sender, encode(messageDeletedEvent{
		Type:            TypeMessageDeleted,
		ChatID:          p.ChatID,
		MessageID:       p.MessageID,
		MessagesVersion: version,
	}))

	return nil
}

func (r *Router) handleDeleteChat(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p deleteChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid delete payload", err)
	}

	userHash := sender.UserHash()
	if err := r.guardChatOwnership(ctx, userHash, p.ChatID); err != nil {
		return err
	}

	if err := r.chats.DeleteChat(ctx, userHash, p.ChatID); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(chatDeletedEvent{
		Type:   TypeChatDeleted,
		ChatID: p.ChatID,
	}))

	return nil
}

func (r *Router) handleDeleteNewChatSuggestion(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p deleteNewChatSuggestionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid suggestion payload", err)
	}
	if p.SuggestionID == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "suggestion_id is required", nil)
	}

	if err := r.flags.DeleteNewChatSuggestion(ctx, sender.UserHash(), p.SuggestionID); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(suggestionDeletedEvent{
		Type:         TypeDeleteNewChatSuggestion,
		SuggestionID: p.SuggestionID,
	}))

	return nil
}

// handleEmailNotificationSettings re-encrypts the address under the user's
// Transit key before anything is stored; the raw email exists only inside
// this handler.
func (r *Router) handleEmailNotificationSettings(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p emailNotificationSettingsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid settings payload", err)
	}

	userHash := sender.UserHash()
	settings := &chatstore.NotificationSettings{
		HashedUserID: userHash,
		Enabled:      p.Enabled,
		NotifyOnDone: p.Preferences.NotifyOnDone,
		UpdatedAt:    time.Now().UTC(),
	}

	if p.Email != "" {
		keyID := vault.UserKeyID(userHash)
		if err := r.transit.EnsureKey(ctx, keyID); err != nil {
			return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
		}
		encrypted, err := r.transit.Encrypt(ctx, keyID, []byte(p.Email))
		if err != nil {
			return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
		}
		settings.EncryptedEmail = encrypted
	}

	if err := r.chats.SaveNotificationSettings(ctx, settings); err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(emailNotificationsUpdatedEvent{
		Type:         TypeEmailNotificationsUpdated,
		Enabled:      settings.Enabled,
		NotifyOnDone: settings.NotifyOnDone,
	}))

	return r.manager.SendToDevice(userHash, sender.DeviceHash(), encode(emailNotificationSettingsAckEvent{
		Type:    TypeEmailNotificationSettingsAck,
		Enabled: settings.Enabled,
	}))
}

// handleChatSystemMessage inserts a system message without touching the
// client-owned chat container.
func (r *Router) handleChatSystemMessage(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p chatSystemMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid system message payload", err)
	}
	if p.Message.MessageID == "" || p.Message.EncryptedContent == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "message_id and encrypted_content are required", nil)
	}

	userHash := sender.UserHash()
	if err := r.guardChatOwnership(ctx, userHash, p.ChatID); err != nil {
		return err
	}

	createdAt := p.Message.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	msg := &chatstore.Message{
		MessageID:        p.Message.MessageID,
		HashedChatID:     p.ChatID,
		HashedUserID:     userHash,
		Role:             chatstore.RoleSystem,
		EncryptedContent: p.Message.EncryptedContent,
		Status:           "done",
		CreatedAt:        createdAt,
	}

	version, err := r.chats.CommitServerMessage(ctx, userHash, msg)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	r.broadcastToOthers(sender, encode(newSystemMessageEvent{
		Type:            TypeNewSystemMessage,
		ChatID:          p.ChatID,
		Message:         msg,
		MessagesVersion: version,
	}))

	return nil
}

// handleLoadMoreChats pages older chats into the sidebar.
func (r *Router) handleLoadMoreChats(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p loadMoreChatsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid paging payload", err)
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > maxChatPageLimit {
		p.Limit = maxChatPageLimit
	}

	page, err := r.chats.LoadMoreChats(ctx, sender.UserHash(), p.Offset, p.Limit)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	return r.manager.SendToDevice(sender.UserHash(), sender.DeviceHash(), encode(loadMoreChatsResponseEvent{
		Type:       TypeLoadMoreChatsResponse,
		Chats:      page.Chats,
		HasMore:    page.HasMore,
		TotalCount: page.TotalCount,
		Offset:     page.Offset,
	}))
}

// handleLoadChatMessages returns the chat's encrypted message blobs for a
// device that missed broadcasts.
func (r *Router) handleLoadChatMessages(ctx context.Context, sender *connections.Connection, data []byte) error {
	var p loadChatMessagesPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid fetch payload", err)
	}

	userHash := sender.UserHash()
	if err := r.guardChatOwnership(ctx, userHash, p.ChatID); err != nil {
		return err
	}

	messages, err := r.chats.GetAIMessagesHistory(ctx, userHash, p.ChatID)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}

	return r.manager.SendToDevice(userHash, sender.DeviceHash(), encode(loadChatMessagesResponseEvent{
		Type:     TypeLoadChatMessagesResponse,
		ChatID:   p.ChatID,
		Messages: messages,
	}))
}

func (r *Router) handleSetActiveChat(_ context.Context, sender *connections.Connection, data []byte) error {
	var p setActiveChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.E(apperrors.KindInvalidRequest, "invalid payload", err)
	}

	r.manager.SetConnectionActiveChat(sender, p.ChatID)
	return nil
}

// broadcastToOthers fans an event out to every device of the user except
// the one that caused it.
func (r *Router) broadcastToOthers(sender *connections.Connection, event []byte) {
	r.manager.Broadcast(sender.UserHash(), event, sender.DeviceHash())
}
