package connections

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openmates/core/internal/logger"
)

type fakeConn struct {
	mu         sync.Mutex
	messages   [][]byte
	closed     bool
	failWrites bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errWriteFailed
	}
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var errWriteFailed = &writeError{}

type writeError struct{}

func (e *writeError) Error() string { return "write failed" }

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func TestBroadcastReachesAllDevicesExceptExcluded(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	phone := &fakeConn{}
	laptop := &fakeConn{}
	tablet := &fakeConn{}
	m.Register("user1", "phone", phone)
	m.Register("user1", "laptop", laptop)
	m.Register("user1", "tablet", tablet)

	delivered := m.Broadcast("user1", []byte(`{"type":"chat_update"}`), "laptop")
	if delivered != 2 {
		t.Errorf("Broadcast() delivered = %d, want 2", delivered)
	}
	if phone.messageCount() != 1 {
		t.Errorf("phone received %d messages, want 1", phone.messageCount())
	}
	if laptop.messageCount() != 0 {
		t.Errorf("excluded laptop received %d messages, want 0", laptop.messageCount())
	}
	if tablet.messageCount() != 1 {
		t.Errorf("tablet received %d messages, want 1", tablet.messageCount())
	}
}

func TestBroadcastDoesNotCrossUsers(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	alice := &fakeConn{}
	bob := &fakeConn{}
	m.Register("alice", "phone", alice)
	m.Register("bob", "phone", bob)

	m.Broadcast("alice", []byte("hello"), "")
	if bob.messageCount() != 0 {
		t.Errorf("bob received %d messages from alice's broadcast, want 0", bob.messageCount())
	}
}

func TestReconnectWithinGracePreservesActiveChat(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	first := &fakeConn{}
	m.Register("user1", "phone", first)
	m.SetActiveChat(first, "chat-42")

	m.Unregister(first)
	if m.ConnectionCount("user1") != 0 {
		t.Fatal("no live connection expected during the grace window")
	}

	second := &fakeConn{}
	conn := m.Register("user1", "phone", second)
	if got := m.ActiveChat(second); got != "chat-42" {
		t.Errorf("ActiveChat() after reconnect = %q, want %q", got, "chat-42")
	}
	if conn.DeviceHash() != "phone" {
		t.Errorf("DeviceHash() = %q, want %q", conn.DeviceHash(), "phone")
	}
}

func TestGraceExpiryDropsActiveChat(t *testing.T) {
	m := NewManager(20*time.Millisecond, testLogger())

	first := &fakeConn{}
	m.Register("user1", "phone", first)
	m.SetActiveChat(first, "chat-42")
	m.Unregister(first)

	time.Sleep(80 * time.Millisecond)

	second := &fakeConn{}
	m.Register("user1", "phone", second)
	if got := m.ActiveChat(second); got != "" {
		t.Errorf("ActiveChat() after grace expiry = %q, want empty", got)
	}
}

func TestBroadcastDisconnectsFailedDevice(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	healthy := &fakeConn{}
	broken := &fakeConn{failWrites: true}
	m.Register("user1", "healthy", healthy)
	m.Register("user1", "broken", broken)

	delivered := m.Broadcast("user1", []byte("payload"), "")
	if delivered != 1 {
		t.Errorf("Broadcast() delivered = %d, want 1", delivered)
	}
	if !broken.isClosed() {
		t.Error("failed device was not closed")
	}
	if m.ConnectionCount("user1") != 1 {
		t.Errorf("ConnectionCount() = %d, want 1 after disconnecting failed device", m.ConnectionCount("user1"))
	}
}

func TestIsUserActiveCountsGraceWindow(t *testing.T) {
	m := NewManager(30*time.Millisecond, testLogger())

	if m.IsUserActive("user1") {
		t.Error("IsUserActive() = true for unknown user")
	}

	conn := &fakeConn{}
	m.Register("user1", "phone", conn)
	if !m.IsUserActive("user1") {
		t.Error("IsUserActive() = false with a live connection")
	}

	m.Unregister(conn)
	if !m.IsUserActive("user1") {
		t.Error("IsUserActive() = false during grace window; pending grace should count")
	}

	time.Sleep(90 * time.Millisecond)
	if m.IsUserActive("user1") {
		t.Error("IsUserActive() = true after grace expiry")
	}
}

func TestNewerConnectionSupersedesOlderForSameDevice(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	old := &fakeConn{}
	m.Register("user1", "phone", old)
	m.SetActiveChat(old, "chat-7")

	fresh := &fakeConn{}
	m.Register("user1", "phone", fresh)

	if old.isClosed() {
		t.Error("superseded connection must not be force-closed")
	}
	if m.ConnectionCount("user1") != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", m.ConnectionCount("user1"))
	}
	if got := m.ActiveChat(fresh); got != "chat-7" {
		t.Errorf("ActiveChat() after replacement = %q, want %q", got, "chat-7")
	}

	m.Broadcast("user1", []byte("after"), "")
	if old.messageCount() != 0 {
		t.Errorf("superseded connection received %d messages, want 0", old.messageCount())
	}
	if fresh.messageCount() != 1 {
		t.Errorf("fresh connection received %d messages, want 1", fresh.messageCount())
	}

	// Late unregister of the stale socket must not tear down the new one.
	m.Unregister(old)
	if m.ConnectionCount("user1") != 1 {
		t.Errorf("ConnectionCount() = %d after stale unregister, want 1", m.ConnectionCount("user1"))
	}
}

func TestSendToDevice(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	phone := &fakeConn{}
	laptop := &fakeConn{}
	m.Register("user1", "phone", phone)
	m.Register("user1", "laptop", laptop)

	if err := m.SendToDevice("user1", "phone", []byte("direct")); err != nil {
		t.Fatalf("SendToDevice() error = %v", err)
	}
	if phone.messageCount() != 1 {
		t.Errorf("phone received %d messages, want 1", phone.messageCount())
	}
	if laptop.messageCount() != 0 {
		t.Errorf("laptop received %d messages, want 0", laptop.messageCount())
	}

	if err := m.SendToDevice("user1", "watch", []byte("direct")); err == nil {
		t.Error("SendToDevice() to unknown device returned nil error")
	}
}

func TestActiveChatsSnapshot(t *testing.T) {
	m := NewManager(time.Minute, testLogger())

	phone := &fakeConn{}
	laptop := &fakeConn{}
	m.Register("user1", "phone", phone)
	m.Register("user1", "laptop", laptop)
	m.SetActiveChat(phone, "chat-1")

	chats := m.ActiveChats("user1")
	if len(chats) != 2 {
		t.Fatalf("ActiveChats() returned %d devices, want 2", len(chats))
	}
	if chats["phone"] != "chat-1" {
		t.Errorf("phone active chat = %q, want %q", chats["phone"], "chat-1")
	}
	if chats["laptop"] != "" {
		t.Errorf("laptop active chat = %q, want empty", chats["laptop"])
	}
}
