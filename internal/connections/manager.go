// Package connections tracks which devices of which users hold live
// WebSocket connections, fans events out to them, and keeps a short grace
// window after a disconnect so a reconnecting device gets its in-flight
// state back instead of a cold start.
package connections

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmates/core/internal/logger"
)

// Conn is the transport surface the manager needs from a WebSocket
// connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection binds one device's socket to its identity. Writes to the
// socket are serialized through writeMu; gorilla connections do not allow
// concurrent writers.
type Connection struct {
	conn         Conn
	writeMu      sync.Mutex
	userHash     string
	deviceHash   string
	activeChatID string // guarded by the manager's mu
	connectedAt  time.Time
}

func (c *Connection) UserHash() string   { return c.userHash }
func (c *Connection) DeviceHash() string { return c.deviceHash }

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a control ping through the connection's serialized writer so
// keep-alives never race a broadcast.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// graceEntry keeps a disconnected device's state alive until the timer
// fires or the device reconnects, whichever comes first.
type graceEntry struct {
	timer        *time.Timer
	activeChatID string
}

// Manager is the process-wide connection registry.
type Manager struct {
	mu sync.RWMutex

	// devices maps userHash -> deviceHash -> live connection.
	devices map[string]map[string]*Connection

	// reverse maps a raw socket back to its Connection for cleanup.
	reverse map[Conn]*Connection

	// pendingGrace maps userHash:deviceHash -> saved state for devices
	// inside their reconnection window.
	pendingGrace map[string]*graceEntry

	gracePeriod time.Duration
	logger      *logger.Logger
}

func NewManager(gracePeriod time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		devices:      make(map[string]map[string]*Connection),
		reverse:      make(map[Conn]*Connection),
		pendingGrace: make(map[string]*graceEntry),
		gracePeriod:  gracePeriod,
		logger:       log.WithComponent("connections"),
	}
}

func graceKey(userHash, deviceHash string) string {
	return userHash + ":" + deviceHash
}

// Register adds a device connection. A reconnect within the grace window
// restores the device's previous active chat; a reconnect over a still-live
// connection supersedes it in the registry.
func (m *Manager) Register(userHash, deviceHash string, conn Conn) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	connection := &Connection{
		conn:        conn,
		userHash:    userHash,
		deviceHash:  deviceHash,
		connectedAt: time.Now(),
	}

	if entry, ok := m.pendingGrace[graceKey(userHash, deviceHash)]; ok {
		entry.timer.Stop()
		delete(m.pendingGrace, graceKey(userHash, deviceHash))
		connection.activeChatID = entry.activeChatID
		m.logger.Info("device reconnected within grace period",
			slog.String("user_hash", userHash),
			slog.String("device_hash", deviceHash),
			slog.String("restored_chat_id", entry.activeChatID))
	}

	if userDevices := m.devices[userHash]; userDevices != nil {
		if old, ok := userDevices[deviceHash]; ok {
			// Same device opened a second socket; the newer one wins in the
			// registry. The old socket is left to close on its own so any
			// in-flight write on it can finish.
			delete(m.reverse, old.conn)
			if connection.activeChatID == "" {
				connection.activeChatID = old.activeChatID
			}
			m.logger.Debug("replaced existing connection for device",
				slog.String("user_hash", userHash),
				slog.String("device_hash", deviceHash))
		}
	}

	if m.devices[userHash] == nil {
		m.devices[userHash] = make(map[string]*Connection)
	}
	m.devices[userHash][deviceHash] = connection
	m.reverse[conn] = connection

	m.logger.Debug("connection registered",
		slog.String("user_hash", userHash),
		slog.String("device_hash", deviceHash),
		slog.Int("user_devices", len(m.devices[userHash])))

	return connection
}

// Unregister removes a connection and opens the grace window for its
// device. If the device already reconnected on a fresh socket, the stale
// socket is dropped without touching the live registration.
func (m *Manager) Unregister(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	connection, ok := m.reverse[conn]
	if !ok {
		return
	}
	delete(m.reverse, conn)

	userDevices := m.devices[connection.userHash]
	if userDevices == nil || userDevices[connection.deviceHash] != connection {
		// Replaced by a newer connection; nothing else to clean up.
		return
	}

	delete(userDevices, connection.deviceHash)
	if len(userDevices) == 0 {
		delete(m.devices, connection.userHash)
	}

	key := graceKey(connection.userHash, connection.deviceHash)
	if existing, ok := m.pendingGrace[key]; ok {
		existing.timer.Stop()
	}
	entry := &graceEntry{activeChatID: connection.activeChatID}
	entry.timer = time.AfterFunc(m.gracePeriod, func() {
		m.expireGrace(key, entry)
	})
	m.pendingGrace[key] = entry

	m.logger.Debug("connection unregistered, grace window opened",
		slog.String("user_hash", connection.userHash),
		slog.String("device_hash", connection.deviceHash),
		slog.Duration("grace_period", m.gracePeriod))
}

func (m *Manager) expireGrace(key string, entry *graceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A reconnect may have consumed the entry already.
	if m.pendingGrace[key] != entry {
		return
	}
	delete(m.pendingGrace, key)

	m.logger.Debug("grace period expired", slog.String("device_key", key))
}

// SetActiveChat records which chat a connection currently displays. An
// empty chatID clears it.
func (m *Manager) SetActiveChat(conn Conn, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connection, ok := m.reverse[conn]; ok {
		connection.activeChatID = chatID
	}
}

// SetConnectionActiveChat records the active chat for an already-resolved
// connection.
func (m *Manager) SetConnectionActiveChat(connection *Connection, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	connection.activeChatID = chatID
}

// ActiveChat returns the chat a connection currently displays.
func (m *Manager) ActiveChat(conn Conn) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if connection, ok := m.reverse[conn]; ok {
		return connection.activeChatID
	}
	return ""
}

// ActiveChats returns deviceHash -> active chat for every live device of a
// user. Devices with no active chat map to "".
func (m *Manager) ActiveChats(userHash string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userDevices := m.devices[userHash]
	chats := make(map[string]string, len(userDevices))
	for deviceHash, connection := range userDevices {
		chats[deviceHash] = connection.activeChatID
	}
	return chats
}

// IsUserActive reports whether the user has at least one live connection
// or a device still inside its reconnection grace window. Callers use it
// to skip work that only matters for absent users, such as email
// notifications.
func (m *Manager) IsUserActive(userHash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.devices[userHash]) > 0 {
		return true
	}
	prefix := userHash + ":"
	for key := range m.pendingGrace {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of live connections for a user.
func (m *Manager) ConnectionCount(userHash string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices[userHash])
}

// Broadcast sends a message to every live device of a user in parallel,
// optionally excluding one device. A device whose write fails is
// disconnected; its grace window opens like any other disconnect. Returns
// the number of devices that received the message.
func (m *Manager) Broadcast(userHash string, message []byte, excludeDeviceHash string) int {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.devices[userHash]))
	for deviceHash, connection := range m.devices[userHash] {
		if excludeDeviceHash != "" && deviceHash == excludeDeviceHash {
			continue
		}
		targets = append(targets, connection)
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	results := make([]bool, len(targets))
	for i, connection := range targets {
		wg.Add(1)
		go func(i int, connection *Connection) {
			defer wg.Done()
			if err := connection.write(message); err != nil {
				m.logger.Warn("failed to deliver to device, disconnecting",
					slog.String("user_hash", connection.userHash),
					slog.String("device_hash", connection.deviceHash),
					slog.String("error", err.Error()))
				_ = connection.conn.Close()
				m.Unregister(connection.conn)
				return
			}
			results[i] = true
		}(i, connection)
	}
	wg.Wait()

	count := 0
	for _, ok := range results {
		if ok {
			count++
		}
	}
	return count
}

// SendToDevice delivers a message to one specific device.
func (m *Manager) SendToDevice(userHash, deviceHash string, message []byte) error {
	m.mu.RLock()
	var connection *Connection
	if userDevices := m.devices[userHash]; userDevices != nil {
		connection = userDevices[deviceHash]
	}
	m.mu.RUnlock()

	if connection == nil {
		return fmt.Errorf("no live connection for device")
	}

	if err := connection.write(message); err != nil {
		_ = connection.conn.Close()
		m.Unregister(connection.conn)
		return fmt.Errorf("failed to write to device: %w", err)
	}
	return nil
}

// SendToConn delivers a message to one specific socket.
func (m *Manager) SendToConn(conn Conn, message []byte) error {
	m.mu.RLock()
	connection, ok := m.reverse[conn]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("connection is not registered")
	}

	if err := connection.write(message); err != nil {
		_ = connection.conn.Close()
		m.Unregister(conn)
		return fmt.Errorf("failed to write to device: %w", err)
	}
	return nil
}

// CloseAll closes every live connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, userDevices := range m.devices {
		for _, connection := range userDevices {
			_ = connection.conn.Close()
		}
	}
	m.devices = make(map[string]map[string]*Connection)
	m.reverse = make(map[Conn]*Connection)

	for key, entry := range m.pendingGrace {
		entry.timer.Stop()
		delete(m.pendingGrace, key)
	}
}
