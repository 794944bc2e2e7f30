package chatstore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore layout:
//
//	chats/{chatId}                      chat container
//	chats/{chatId}/messages/{messageId} messages
//	notification_settings/{userHash}    email preferences
//
// Embeds and key wrappers live in their own collections, managed by the
// embeds package against the same client.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new Firestore store wrapper
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	if client == nil {
		return nil
	}
	return &FirestoreStore{client: client}
}

// SaveChat upserts the chat container document.
func (f *FirestoreStore) SaveChat(ctx context.Context, chat *Chat) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	if chat == nil || chat.ChatID == "" || chat.HashedUserID == "" {
		return status.Error(codes.InvalidArgument, "chatID and hashedUserID must be non-empty")
	}

	_, err := f.client.Collection("chats").Doc(chat.ChatID).Set(ctx, chat)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to save chat %s: %v", chat.ChatID, err)
	}

	return nil
}

// GetChat fetches a chat container. Returns (nil, nil) when the chat does not
// exist; absence is a meaningful state (new/local chat), not an error.
func (f *FirestoreStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}
	if chatID == "" {
		return nil, status.Error(codes.InvalidArgument, "chatID must be non-empty")
	}

	doc, err := f.client.Collection("chats").Doc(chatID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to get chat %s: %v", chatID, err)
	}

	var chat Chat
	if err := doc.DataTo(&chat); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to parse chat %s: %v", chatID, err)
	}

	return &chat, nil
}

// UpdateChatActiveFocus updates only the chat's encrypted focus field.
func (f *FirestoreStore) UpdateChatActiveFocus(ctx context.Context, chatID, encryptedFocus string) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	_, err := f.client.Collection("chats").Doc(chatID).Update(ctx, []firestore.Update{
		{Path: "encryptedActiveFocusId", Value: encryptedFocus},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// First write binds the chat; a focus change on a chat that was
			// never persisted has nothing durable to update yet.
			return nil
		}
		return status.Errorf(codes.Internal, "failed to update chat %s focus: %v", chatID, err)
	}

	return nil
}

// UpdateChatTitleMeta replaces the chat's encrypted title and category
// without rewriting the rest of the container document.
func (f *FirestoreStore) UpdateChatTitleMeta(ctx context.Context, chatID, encryptedTitle, encryptedCategory string, titleVersion int64) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	updates := []firestore.Update{
		{Path: "encryptedTitle", Value: encryptedTitle},
		{Path: "versions.title_v", Value: titleVersion},
	}
	if encryptedCategory != "" {
		updates = append(updates, firestore.Update{Path: "encryptedCategory", Value: encryptedCategory})
	}

	_, err := f.client.Collection("chats").Doc(chatID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Local-only chat; nothing durable to retitle yet.
			return nil
		}
		return status.Errorf(codes.Internal, "failed to update chat %s title: %v", chatID, err)
	}

	return nil
}

// TouchChatMeta advances the chat's timestamps and messages_v counter
// without rewriting the container document. The runner commits assistant
// messages through this path so it never clobbers the encrypted metadata the
// client owns.
func (f *FirestoreStore) TouchChatMeta(ctx context.Context, chatID string, at time.Time, messagesVersion int64) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	_, err := f.client.Collection("chats").Doc(chatID).Update(ctx, []firestore.Update{
		{Path: "lastMessageTimestamp", Value: at},
		{Path: "lastEditedOverallTimestamp", Value: at},
		{Path: "versions.messages_v", Value: messagesVersion},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Local-only chat; the container document appears once the
			// router durably saves it.
			return nil
		}
		return status.Errorf(codes.Internal, "failed to touch chat %s: %v", chatID, err)
	}

	return nil
}

// SaveMessage writes a message idempotently: re-delivery of an already
// persisted message is success.
func (f *FirestoreStore) SaveMessage(ctx context.Context, chatID string, msg *Message) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	if chatID == "" || msg == nil || msg.MessageID == "" {
		return status.Error(codes.InvalidArgument, "chatID and messageID must be non-empty")
	}
	if len(msg.EncryptedContent) == 0 {
		return status.Error(codes.InvalidArgument, "encrypted content must be non-empty")
	}

	docRef := f.client.
		Collection("chats").
		Doc(chatID).
		Collection("messages").
		Doc(msg.MessageID)

	_, err := docRef.Create(ctx, msg)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return status.Errorf(codes.Internal, "failed to save message chat=%s id=%s: %v", chatID, msg.MessageID, err)
	}

	return nil
}

// GetMessage fetches one message. Returns (nil, nil) when absent.
func (f *FirestoreStore) GetMessage(ctx context.Context, chatID, messageID string) (*Message, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	doc, err := f.client.Collection("chats").Doc(chatID).Collection("messages").Doc(messageID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to get message chat=%s id=%s: %v", chatID, messageID, err)
	}

	var msg Message
	if err := doc.DataTo(&msg); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to parse message chat=%s id=%s: %v", chatID, messageID, err)
	}

	return &msg, nil
}

// DeleteMessage removes one message document.
func (f *FirestoreStore) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	_, err := f.client.Collection("chats").Doc(chatID).Collection("messages").Doc(messageID).Delete(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to delete message chat=%s id=%s: %v", chatID, messageID, err)
	}

	return nil
}

// ListMessages returns the chat's messages newest-first. limit <= 0 means all.
func (f *FirestoreStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	query := f.client.Collection("chats").Doc(chatID).Collection("messages").
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var messages []*Message
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to list messages chat=%s: %v", chatID, err)
		}

		var msg Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to parse message chat=%s: %v", chatID, err)
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

// DeleteChat removes the chat document and its messages.
func (f *FirestoreStore) DeleteChat(ctx context.Context, chatID string) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}

	iter := f.client.Collection("chats").Doc(chatID).Collection("messages").Documents(ctx)
	defer iter.Stop()

	batch := f.client.Batch()
	count := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return status.Errorf(codes.Internal, "failed to enumerate messages for chat %s: %v", chatID, err)
		}
		batch.Delete(doc.Ref)
		count++
	}

	batch.Delete(f.client.Collection("chats").Doc(chatID))
	if _, err := batch.Commit(ctx); err != nil {
		return status.Errorf(codes.Internal, "failed to delete chat %s (%d messages): %v", chatID, count, err)
	}

	return nil
}

// ListChatsByOwner pages the user's chats by recency for the durable-store
// fallback of the "load more chats" pager.
func (f *FirestoreStore) ListChatsByOwner(ctx context.Context, hashedUserID string, offset, limit int) ([]*Chat, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	iter := f.client.Collection("chats").
		Where("hashedUserId", "==", hashedUserID).
		OrderBy("lastEditedOverallTimestamp", firestore.Desc).
		Offset(offset).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	var chats []*Chat
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to list chats for user: %v", err)
		}

		var chat Chat
		if err := doc.DataTo(&chat); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to parse chat: %v", err)
		}
		chats = append(chats, &chat)
	}

	return chats, nil
}

// CountChatsByOwner returns the user's total chat count for pager metadata.
func (f *FirestoreStore) CountChatsByOwner(ctx context.Context, hashedUserID string) (int64, error) {
	if f == nil || f.client == nil {
		return 0, status.Error(codes.Internal, "firestore client is nil")
	}

	docs, err := f.client.Collection("chats").
		Where("hashedUserId", "==", hashedUserID).
		Select().
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, status.Errorf(codes.Internal, "failed to count chats for user: %v", err)
	}

	return int64(len(docs)), nil
}

// SaveNotificationSettings upserts the user's notification preferences.
func (f *FirestoreStore) SaveNotificationSettings(ctx context.Context, settings *NotificationSettings) error {
	if f == nil || f.client == nil {
		return status.Error(codes.Internal, "firestore client is nil")
	}
	if settings == nil || settings.HashedUserID == "" {
		return status.Error(codes.InvalidArgument, "hashedUserID must be non-empty")
	}

	_, err := f.client.Collection("notification_settings").Doc(settings.HashedUserID).Set(ctx, settings)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to save notification settings: %v", err)
	}

	return nil
}

// GetNotificationSettings fetches the user's notification preferences.
// Returns (nil, nil) when the user never configured them.
func (f *FirestoreStore) GetNotificationSettings(ctx context.Context, hashedUserID string) (*NotificationSettings, error) {
	if f == nil || f.client == nil {
		return nil, status.Error(codes.Internal, "firestore client is nil")
	}

	doc, err := f.client.Collection("notification_settings").Doc(hashedUserID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, status.Errorf(codes.Internal, "failed to get notification settings: %v", err)
	}

	var settings NotificationSettings
	if err := doc.DataTo(&settings); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to parse notification settings: %v", err)
	}

	return &settings, nil
}
