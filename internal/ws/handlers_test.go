package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/embeds"
	"github.com/openmates/core/internal/tasks"
)

func TestMessageReceivedCommitsEnqueuesAndEchoes(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":              TypeMessageReceived,
		"chat_id":           testChatID,
		"message_id":        "msg-1",
		"encrypted_content": "ciphertext",
		"chat_key":          "ephemeral-key",
		"encrypted_title":   "enc-title",
	})

	if fx.senderConn.hasEventOfType(testFrameError) {
		t.Fatalf("handler rejected a valid message: %v", fx.senderConn.lastEvent(t))
	}

	if fx.chats.commitCount() != 1 {
		t.Fatalf("commits = %d, want 1", fx.chats.commitCount())
	}
	fx.chats.mu.Lock()
	msg := fx.chats.commits[0]
	meta := fx.chats.committedChats[0]
	fx.chats.mu.Unlock()
	if msg.Role != chatstore.RoleUser {
		t.Errorf("role = %q, want %q", msg.Role, chatstore.RoleUser)
	}
	if msg.HashedUserID != testUserHash {
		t.Errorf("message owner = %q, want %q", msg.HashedUserID, testUserHash)
	}
	if meta.EncryptedTitle != "enc-title" {
		t.Errorf("chat meta title = %q", meta.EncryptedTitle)
	}

	env := fx.dispatcher.lastEnqueued(t)
	if env.ChatID != testChatID || env.MessageID != "msg-1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.ChatKey != "ephemeral-key" {
		t.Errorf("envelope chat key = %q, the runner needs it", env.ChatKey)
	}
	if env.Queue != tasks.QueueForApp("ai") {
		t.Errorf("queue = %q, want the default ai queue", env.Queue)
	}
	if env.TaskID == "" {
		t.Error("envelope has no task id")
	}
	if env.DeviceHash != testDeviceA {
		t.Errorf("device hash = %q, want the sending device", env.DeviceHash)
	}

	echo := fx.siblingConn.eventOfType(t, TypeMessageReceived)
	if echo["chat_key"] != nil && echo["chat_key"] != "" {
		t.Errorf("chat key leaked to a sibling device: %v", echo["chat_key"])
	}
	if echo["messages_v"] != float64(7) {
		t.Errorf("messages_v = %v, want 7", echo["messages_v"])
	}
	if fx.senderConn.hasEventOfType(TypeMessageReceived) {
		t.Error("message echoed back to the sending device")
	}
}

func TestMessageReceivedMarksSenderViewingChat(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":              TypeMessageReceived,
		"chat_id":           testChatID,
		"message_id":        "msg-1",
		"encrypted_content": "ciphertext",
		"chat_key":          "key",
	})

	active := fx.manager.ActiveChats(testUserHash)
	if active[testDeviceA] != testChatID {
		t.Errorf("active chat for sender = %q, want %q", active[testDeviceA], testChatID)
	}
}

func TestMessageReceivedValidatesRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		wantMsg string
	}{
		{
			name: "missing chat key",
			payload: map[string]interface{}{
				"type": TypeMessageReceived, "chat_id": "c", "message_id": "m",
				"encrypted_content": "x",
			},
			wantMsg: "chat_key is required",
		},
		{
			name: "missing content",
			payload: map[string]interface{}{
				"type": TypeMessageReceived, "chat_id": "c", "message_id": "m",
				"chat_key": "k",
			},
			wantMsg: "encrypted_content is required",
		},
		{
			name: "missing message id",
			payload: map[string]interface{}{
				"type": TypeMessageReceived, "chat_id": "c",
				"encrypted_content": "x", "chat_key": "k",
			},
			wantMsg: "message_id is required",
		},
		{
			name: "missing chat id",
			payload: map[string]interface{}{
				"type": TypeMessageReceived, "message_id": "m",
				"encrypted_content": "x", "chat_key": "k",
			},
			wantMsg: "chat_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newWSFixture(t)
			fx.send(t, tt.payload)

			if event := fx.senderConn.lastEvent(t); event["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", event["message"], tt.wantMsg)
			}
			if fx.dispatcher.enqueueCount() != 0 {
				t.Error("invalid message still enqueued a task")
			}
		})
	}
}

func TestCancelAITaskNotifiesEveryDevice(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeCancelAITask,
		"task_id": "task-9",
		"chat_id": testChatID,
	})

	fx.dispatcher.mu.Lock()
	interrupted := append([]string(nil), fx.dispatcher.interrupted...)
	fx.dispatcher.mu.Unlock()
	if len(interrupted) != 1 || interrupted[0] != "task-9" {
		t.Fatalf("interrupted = %v, want [task-9]", interrupted)
	}

	fx.flags.mu.Lock()
	cleared := append([]string(nil), fx.flags.clearedTasks...)
	fx.flags.mu.Unlock()
	if len(cleared) != 1 || cleared[0] != "task-9" {
		t.Errorf("cleared markers = %v, want [task-9]", cleared)
	}

	// The sender also sees the ack: a cancel from one device has to kill
	// the typing indicator everywhere, including where it was issued.
	senderAck := fx.senderConn.eventOfType(t, TypeAITaskCancelRequested)
	siblingAck := fx.siblingConn.eventOfType(t, TypeAITaskCancelRequested)
	for _, ack := range []map[string]interface{}{senderAck, siblingAck} {
		if ack["status"] != "revocation_sent" {
			t.Errorf("ack status = %v", ack["status"])
		}
		if ack["task_id"] != "task-9" {
			t.Errorf("ack task_id = %v", ack["task_id"])
		}
	}
}

func TestCancelSkillSplitsCompositeID(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":          TypeCancelSkill,
		"skill_task_id": "task-1:call-abc",
	})

	fx.flags.mu.Lock()
	cancelled := append([]string(nil), fx.flags.cancelledSkills...)
	fx.flags.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "task-1/call-abc" {
		t.Fatalf("cancelled skills = %v", cancelled)
	}

	ack := fx.siblingConn.eventOfType(t, TypeSkillCancelRequested)
	if ack["skill_task_id"] != "task-1:call-abc" {
		t.Errorf("ack skill_task_id = %v", ack["skill_task_id"])
	}
}

func TestCancelSkillRejectsMalformedID(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":          TypeCancelSkill,
		"skill_task_id": "no-separator",
	})

	event := fx.senderConn.lastEvent(t)
	if !strings.Contains(event["message"].(string), "skill_task_id") {
		t.Errorf("message = %v", event["message"])
	}
	fx.flags.mu.Lock()
	cancelled := len(fx.flags.cancelledSkills)
	fx.flags.mu.Unlock()
	if cancelled != 0 {
		t.Error("cancel flag raised for an unparseable id")
	}
}

func TestCancelSkillMovesEmbedToCancelled(t *testing.T) {
	fx := newWSFixture(t)
	fx.embeds.embed = &embeds.Embed{
		EmbedID:      "embed-1",
		HashedUserID: testUserHash,
		HashedChatID: testChatID,
		Status:       embeds.StatusInProgress,
	}

	fx.send(t, map[string]interface{}{
		"type":          TypeCancelSkill,
		"skill_task_id": "task-1:call-abc",
		"embed_id":      "embed-1",
	})

	stored := fx.embeds.lastStored(t)
	if stored.Status != embeds.StatusCancelled {
		t.Fatalf("embed status = %q, want %q", stored.Status, embeds.StatusCancelled)
	}

	update := fx.siblingConn.eventOfType(t, TypeEmbedUpdate)
	if update["status"] != embeds.StatusCancelled {
		t.Errorf("broadcast status = %v", update["status"])
	}
}

func TestCancelSkillLeavesFinishedEmbedAlone(t *testing.T) {
	fx := newWSFixture(t)
	fx.embeds.embed = &embeds.Embed{
		EmbedID:      "embed-1",
		HashedUserID: testUserHash,
		Status:       embeds.StatusFinished,
	}

	fx.send(t, map[string]interface{}{
		"type":          TypeCancelSkill,
		"skill_task_id": "task-1:call-abc",
		"embed_id":      "embed-1",
	})

	fx.embeds.mu.Lock()
	stores := len(fx.embeds.stored)
	fx.embeds.mu.Unlock()
	if stores != 0 {
		t.Error("a finished embed was rewritten by a late cancel")
	}
}

func TestFocusModeRejectedAcksSenderOnly(t *testing.T) {
	fx := newWSFixture(t)
	fx.dispatcher.caught = true

	fx.send(t, map[string]interface{}{
		"type":     TypeFocusModeRejected,
		"chat_id":  testChatID,
		"focus_id": "focus-7",
	})

	ack := fx.senderConn.eventOfType(t, TypeFocusModeRejectedAck)
	if ack["caught_before_activation"] != true {
		t.Errorf("caught_before_activation = %v, want true", ack["caught_before_activation"])
	}
	if ack["focus_id"] != "focus-7" {
		t.Errorf("focus_id = %v", ack["focus_id"])
	}
	if fx.siblingConn.count() != 0 {
		t.Error("rejection ack leaked to a sibling device")
	}
}

func TestChatFocusChangedBroadcastsNewVersion(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":                      TypeChatFocusChanged,
		"chat_id":                   testChatID,
		"encrypted_active_focus_id": "enc-focus",
	})

	fx.chats.mu.Lock()
	got := fx.chats.focusUpdates[testChatID]
	fx.chats.mu.Unlock()
	if got != "enc-focus" {
		t.Fatalf("stored focus = %q", got)
	}

	event := fx.siblingConn.eventOfType(t, tasks.EventFocusUpdated)
	if event["focus_v"] != float64(7) {
		t.Errorf("focus_v = %v, want 7", event["focus_v"])
	}
	if fx.senderConn.hasEventOfType(tasks.EventFocusUpdated) {
		t.Error("focus change echoed back to its origin device")
	}
}

func TestChatTitleUpdatedBroadcastsToSiblings(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":            TypeChatTitleUpdated,
		"chat_id":         testChatID,
		"encrypted_title": "enc-new-title",
	})

	fx.chats.mu.Lock()
	got := fx.chats.titleUpdates[testChatID]
	fx.chats.mu.Unlock()
	if got != "enc-new-title" {
		t.Fatalf("stored title = %q", got)
	}

	event := fx.siblingConn.eventOfType(t, TypeChatTitleUpdated)
	if event["title_v"] != float64(7) {
		t.Errorf("title_v = %v, want 7", event["title_v"])
	}
}

func TestStoreEmbedDefaultsAndBroadcasts(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":              TypeStoreEmbed,
		"embed_id":          "embed-2",
		"encrypted_content": "blob",
		"is_shared":         true,
	})

	stored := fx.embeds.lastStored(t)
	if stored.EncryptionMode != embeds.ModeClient {
		t.Errorf("encryption mode = %q, want client default", stored.EncryptionMode)
	}
	if stored.ShareMode != "shared" {
		t.Errorf("share mode = %q, want shared (mapped from is_shared)", stored.ShareMode)
	}

	update := fx.siblingConn.eventOfType(t, TypeEmbedUpdate)
	if update["embed_id"] != "embed-2" {
		t.Errorf("broadcast embed_id = %v", update["embed_id"])
	}
}

func TestStoreEmbedGuardsChatOwnership(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":           TypeStoreEmbed,
		"embed_id":       "embed-3",
		"hashed_chat_id": testOtherChat,
	})

	if event := fx.senderConn.lastEvent(t); event["message"] != "chat belongs to another user" {
		t.Fatalf("message = %v", event["message"])
	}
	fx.embeds.mu.Lock()
	stores := len(fx.embeds.stored)
	fx.embeds.mu.Unlock()
	if stores != 0 {
		t.Error("embed stored into a foreign chat")
	}
}

func TestStoreEmbedKeysAcksCounts(t *testing.T) {
	fx := newWSFixture(t)
	fx.embeds.accepted = 2
	fx.embeds.rejected = []embeds.RejectedWrapper{{Index: 2, Reason: "hashed_embed_id is required"}}

	fx.send(t, map[string]interface{}{
		"type": TypeStoreEmbedKeys,
		"keys": []map[string]interface{}{
			{"hashed_embed_id": "e1", "key_type": "chat", "encrypted_embed_key": "k1"},
			{"hashed_embed_id": "e2", "key_type": "chat", "encrypted_embed_key": "k2"},
			{"key_type": "chat", "encrypted_embed_key": "k3"},
		},
	})

	ack := fx.senderConn.eventOfType(t, TypeStoreEmbedKeysAck)
	if ack["accepted"] != float64(2) {
		t.Errorf("accepted = %v, want 2", ack["accepted"])
	}
	rejected, ok := ack["rejected"].([]interface{})
	if !ok || len(rejected) != 1 {
		t.Errorf("rejected = %v, want one entry", ack["rejected"])
	}
	if fx.embeds.keysSeen != 3 {
		t.Errorf("wrappers forwarded = %d, want 3", fx.embeds.keysSeen)
	}
	if fx.siblingConn.count() != 0 {
		t.Error("key ack leaked to a sibling device")
	}
}

func TestRequestEmbedClientModeReturnsCiphertext(t *testing.T) {
	fx := newWSFixture(t)
	fx.embeds.embed = &embeds.Embed{
		EmbedID:          "embed-1",
		HashedUserID:     testUserHash,
		HashedChatID:     testChatID,
		EncryptionMode:   embeds.ModeClient,
		EncryptedContent: "opaque-ciphertext",
		Status:           embeds.StatusFinished,
		Type:             "code",
	}

	fx.send(t, map[string]interface{}{
		"type":     TypeRequestEmbed,
		"embed_id": "embed-1",
	})

	event := fx.senderConn.eventOfType(t, TypeSendEmbedData)
	if event["content"] != "opaque-ciphertext" {
		t.Errorf("content = %v, want the ciphertext untouched", event["content"])
	}
	if event["embed_type"] != "code" {
		t.Errorf("embed_type = %v", event["embed_type"])
	}
	if fx.siblingConn.count() != 0 {
		t.Error("embed data leaked to a sibling device")
	}
}

func TestRequestEmbedVaultModeDecrypts(t *testing.T) {
	fx := newWSFixture(t)
	fx.embeds.embed = &embeds.Embed{
		EmbedID:          "embed-1",
		HashedUserID:     testUserHash,
		EncryptionMode:   embeds.ModeVault,
		EncryptedContent: "vault:v1:...",
		Status:           embeds.StatusFinished,
	}
	fx.embeds.content = &embeds.Content{Type: "image", MimeType: "image/webp"}

	fx.send(t, map[string]interface{}{
		"type":     TypeRequestEmbed,
		"embed_id": "embed-1",
	})

	event := fx.senderConn.eventOfType(t, TypeSendEmbedData)
	content, ok := event["content"].(string)
	if !ok {
		t.Fatalf("content = %T, want a JSON string", event["content"])
	}
	var decoded embeds.Content
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		t.Fatalf("vault content is not JSON: %v", err)
	}
	if decoded.MimeType != "image/webp" {
		t.Errorf("mime type = %q", decoded.MimeType)
	}
	if event["embed_type"] != "image" {
		t.Errorf("embed_type = %v, want the decrypted content type", event["embed_type"])
	}
}

func TestDeleteMessageDetachesEmbedsAndBroadcasts(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":             TypeDeleteMessage,
		"chatId":           testChatID,
		"messageId":        "msg-1",
		"embedIdsToDelete": []string{"e1", "e2"},
	})

	fx.chats.mu.Lock()
	deleted := append([]string(nil), fx.chats.deletedMsgs...)
	detached := append([]string(nil), fx.chats.detachedEmbeds...)
	fx.chats.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "msg-1" {
		t.Fatalf("deleted = %v", deleted)
	}
	if len(detached) != 2 {
		t.Errorf("detached embeds = %v, want 2", detached)
	}

	event := fx.siblingConn.eventOfType(t, TypeMessageDeleted)
	if event["message_id"] != "msg-1" {
		t.Errorf("message_id = %v", event["message_id"])
	}
	if event["messages_v"] != float64(7) {
		t.Errorf("messages_v = %v", event["messages_v"])
	}
}

func TestDeleteChatBroadcasts(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeDeleteChat,
		"chat_id": testChatID,
	})

	fx.chats.mu.Lock()
	deleted := append([]string(nil), fx.chats.deletedChats...)
	fx.chats.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != testChatID {
		t.Fatalf("deleted chats = %v", deleted)
	}

	event := fx.siblingConn.eventOfType(t, TypeChatDeleted)
	if event["chat_id"] != testChatID {
		t.Errorf("chat_id = %v", event["chat_id"])
	}
}

func TestDeleteNewChatSuggestionBroadcasts(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":          TypeDeleteNewChatSuggestion,
		"suggestion_id": "sug-1",
	})

	fx.flags.mu.Lock()
	deleted := append([]string(nil), fx.flags.deletedSuggestions...)
	fx.flags.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "sug-1" {
		t.Fatalf("deleted suggestions = %v", deleted)
	}

	event := fx.siblingConn.eventOfType(t, TypeDeleteNewChatSuggestion)
	if event["suggestion_id"] != "sug-1" {
		t.Errorf("suggestion_id = %v", event["suggestion_id"])
	}
}

func TestEmailNotificationSettingsEncryptsAddress(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeEmailNotificationSetting,
		"enabled": true,
		"email":   "user@example.com",
		"preferences": map[string]interface{}{
			"notify_on_done": true,
		},
	})

	fx.chats.mu.Lock()
	settings := fx.chats.settings
	fx.chats.mu.Unlock()
	if settings == nil {
		t.Fatal("settings were not saved")
	}
	if !settings.Enabled || !settings.NotifyOnDone {
		t.Errorf("settings = %+v", settings)
	}
	if settings.EncryptedEmail == "" {
		t.Fatal("email was not encrypted")
	}
	if strings.Contains(settings.EncryptedEmail, "user@example.com") {
		t.Error("the raw address survived into storage")
	}

	ack := fx.senderConn.eventOfType(t, TypeEmailNotificationSettingsAck)
	if ack["enabled"] != true {
		t.Errorf("ack enabled = %v", ack["enabled"])
	}
	update := fx.siblingConn.eventOfType(t, TypeEmailNotificationsUpdated)
	if update["notify_on_done"] != true {
		t.Errorf("sibling update = %v", update)
	}
}

func TestEmailNotificationSettingsWithoutEmailKeepsStoredAddress(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeEmailNotificationSetting,
		"enabled": false,
	})

	fx.chats.mu.Lock()
	settings := fx.chats.settings
	fx.chats.mu.Unlock()
	if settings == nil {
		t.Fatal("settings were not saved")
	}
	if settings.EncryptedEmail != "" {
		t.Errorf("encrypted email = %q, want empty when no address was sent", settings.EncryptedEmail)
	}
}

func TestChatSystemMessageUsesServerCommitPath(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeChatSystemMessageAdded,
		"chat_id": testChatID,
		"message": map[string]interface{}{
			"message_id":        "sys-1",
			"encrypted_content": "enc-system-note",
		},
	})

	fx.chats.mu.Lock()
	serverCommits := append([]*chatstore.Message(nil), fx.chats.serverCommits...)
	userCommits := len(fx.chats.commits)
	fx.chats.mu.Unlock()
	if len(serverCommits) != 1 {
		t.Fatalf("server commits = %d, want 1", len(serverCommits))
	}
	if userCommits != 0 {
		t.Error("system message went through the user commit path")
	}
	if serverCommits[0].Role != chatstore.RoleSystem {
		t.Errorf("role = %q, want %q", serverCommits[0].Role, chatstore.RoleSystem)
	}
	if serverCommits[0].CreatedAt.IsZero() {
		t.Error("created_at was not defaulted")
	}

	event := fx.siblingConn.eventOfType(t, TypeNewSystemMessage)
	if event["messages_v"] != float64(7) {
		t.Errorf("messages_v = %v", event["messages_v"])
	}
}

func TestLoadMoreChatsClampsLimit(t *testing.T) {
	fx := newWSFixture(t)
	fx.chats.page = &chatstore.ChatPage{
		Chats:      []chatstore.ChatListItem{{ChatID: "c1"}, {ChatID: "c2"}},
		HasMore:    true,
		TotalCount: 40,
		Offset:     10,
	}

	fx.send(t, map[string]interface{}{
		"type":   TypeLoadMoreChats,
		"offset": 10,
		"limit":  500,
	})

	fx.chats.mu.Lock()
	limit := fx.chats.pageLimit
	fx.chats.mu.Unlock()
	if limit != maxChatPageLimit {
		t.Errorf("limit forwarded = %d, want clamp to %d", limit, maxChatPageLimit)
	}

	resp := fx.senderConn.eventOfType(t, TypeLoadMoreChatsResponse)
	if resp["has_more"] != true {
		t.Errorf("has_more = %v", resp["has_more"])
	}
	if resp["total_count"] != float64(40) {
		t.Errorf("total_count = %v", resp["total_count"])
	}
	chats, ok := resp["chats"].([]interface{})
	if !ok || len(chats) != 2 {
		t.Errorf("chats = %v, want 2 entries", resp["chats"])
	}
	if fx.siblingConn.count() != 0 {
		t.Error("paging response leaked to a sibling device")
	}
}

func TestLoadChatMessagesReturnsHistory(t *testing.T) {
	fx := newWSFixture(t)
	fx.chats.history = []string{"enc-1", "enc-2", "enc-3"}

	fx.send(t, map[string]interface{}{
		"type":    TypeLoadChatMessages,
		"chat_id": testChatID,
	})

	resp := fx.senderConn.eventOfType(t, TypeLoadChatMessagesResponse)
	messages, ok := resp["messages"].([]interface{})
	if !ok || len(messages) != 3 {
		t.Fatalf("messages = %v, want 3 blobs", resp["messages"])
	}
	if resp["chat_id"] != testChatID {
		t.Errorf("chat_id = %v", resp["chat_id"])
	}
}

func TestSetActiveChatUpdatesManager(t *testing.T) {
	fx := newWSFixture(t)

	fx.send(t, map[string]interface{}{
		"type":    TypeSetActiveChat,
		"chat_id": "chat-42",
	})

	active := fx.manager.ActiveChats(testUserHash)
	if active[testDeviceA] != "chat-42" {
		t.Errorf("active chat = %q, want chat-42", active[testDeviceA])
	}
	if fx.senderConn.count() != 0 {
		t.Error("set_active_chat produced a response")
	}
}

func TestHandlerTimeoutContextCarriesDeadline(t *testing.T) {
	fx := newWSFixture(t)

	// A full round through dispatch must finish well inside the handler
	// budget; this exercises the context plumbing end to end.
	start := time.Now()
	fx.send(t, map[string]interface{}{
		"type":    TypeSetActiveChat,
		"chat_id": "chat-1",
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, the in-memory path should be immediate", elapsed)
	}
}
