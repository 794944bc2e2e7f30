package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openmates/core/internal/auth"
	"github.com/openmates/core/internal/chatstore"
	"github.com/openmates/core/internal/connections"
	"github.com/openmates/core/internal/embeds"
	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/tasks"
	"github.com/openmates/core/internal/telemetry"
	"github.com/openmates/core/internal/vault"
)

const (
	// pingInterval keeps intermediaries from idling the socket out;
	// pongWait is how long a silent peer survives before the read loop
	// gives up on it.
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second

	// maxMessageSize bounds one inbound frame. Encrypted message bodies
	// are compact; anything larger arrives through the upload service.
	maxMessageSize = 1 << 20

	// handlerTimeout bounds the cache and store work of one event.
	handlerTimeout = 10 * time.Second

	// maxChatPageLimit caps load_more_chats page sizes.
	maxChatPageLimit = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token is the gate; origin checks add nothing for
	// non-cookie auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ChatStore is the chat and message surface the router mutates.
type ChatStore interface {
	CheckChatOwnership(ctx context.Context, userHash, chatID string) (bool, error)
	CommitMessage(ctx context.Context, userHash string, chatMeta *chatstore.Chat, msg *chatstore.Message) (int64, error)
	CommitServerMessage(ctx context.Context, userHash string, msg *chatstore.Message) (int64, error)
	DeleteMessage(ctx context.Context, userHash, chatID, messageID string) (int64, error)
	DeleteChat(ctx context.Context, userHash, chatID string) error
	UpdateChatActiveFocusID(ctx context.Context, chatID, encryptedFocus string) (int64, error)
	UpdateChatTitle(ctx context.Context, userHash, chatID, encryptedTitle, encryptedCategory string) (int64, error)
	GetAIMessagesHistory(ctx context.Context, userHash, chatID string) ([]string, error)
	LoadMoreChats(ctx context.Context, userHash string, offset, limit int64) (*chatstore.ChatPage, error)
	RemoveEmbedFromChatCache(ctx context.Context, chatID, embedID string) error
	SaveNotificationSettings(ctx context.Context, settings *chatstore.NotificationSettings) error
}

// EmbedStore is the embed surface.
type EmbedStore interface {
	StoreEmbed(ctx context.Context, userHash, chatID string, embed *embeds.Embed) (*embeds.Embed, error)
	StoreEmbedKeys(ctx context.Context, userHash string, wrappers []*embeds.EmbedKeyWrapper) (int, []embeds.RejectedWrapper)
	RequestEmbed(ctx context.Context, userHash, embedID string) (*embeds.Embed, error)
	DecryptContent(ctx context.Context, embed *embeds.Embed) (*embeds.Content, error)
}

// TaskDispatcher hands tasks to the queue and revokes them again.
type TaskDispatcher interface {
	Enqueue(ctx context.Context, env *tasks.Envelope) error
	Interrupt(ctx context.Context, taskID string) error
	RejectFocus(ctx context.Context, userHash, chatID string) (bool, error)
}

// Flags is the cancellation and suggestion surface of the cache.
type Flags interface {
	ClearActiveAITask(ctx context.Context, chatID, taskID string) error
	CancelSkill(ctx context.Context, taskID, toolCallID string) error
	DeleteNewChatSuggestion(ctx context.Context, userHash, suggestionID string) error
}

// Options wires a Router.
type Options struct {
	Manager    *connections.Manager
	Chats      ChatStore
	Embeds     EmbedStore
	Dispatcher TaskDispatcher
	Flags      Flags
	Transit    vault.Transit
	Metrics    *telemetry.Metrics
	Logger     *logger.Logger
}

// Router owns the per-connection read loops and the event handlers behind
// them. One Router serves every connection of the process.
type Router struct {
	manager    *connections.Manager
	chats      ChatStore
	embeds     EmbedStore
	dispatcher TaskDispatcher
	flags      Flags
	transit    vault.Transit
	metrics    *telemetry.Metrics
	logger     *logger.Logger
}

func NewRouter(opts Options) *Router {
	return &Router{
		manager:    opts.Manager,
		chats:      opts.Chats,
		embeds:     opts.Embeds,
		dispatcher: opts.Dispatcher,
		flags:      opts.Flags,
		transit:    opts.Transit,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("ws"),
	}
}

// Handle upgrades an authenticated request and serves it until the peer
// goes away. Mounted as GET /v1/ws.
func (r *Router) Handle(c *gin.Context) {
	log := r.logger.WithContext(c.Request.Context())

	userID, ok := auth.GetUserID(c)
	if !ok {
		apperrors.AbortWithUnauthorized(c, "authentication required", nil)
		return
	}
	userHash, ok := auth.GetUserHash(c)
	if !ok {
		userHash = auth.HashIdentifier(userID)
	}

	deviceHash := c.Query("device_fingerprint_hash")
	if deviceHash == "" {
		apperrors.AbortWithBadRequest(c, "device_fingerprint_hash is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("websocket upgrade failed",
			slog.String("device_hash", deviceHash),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	connection := r.manager.Register(userHash, deviceHash, conn)
	defer r.manager.Unregister(conn)

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
		defer r.metrics.ActiveConnections.Dec()
	}

	log.Info("websocket connected",
		slog.String("user_hash", userHash),
		slog.String("device_hash", deviceHash))

	r.serve(c.Request.Context(), conn, connection)

	log.Info("websocket disconnected",
		slog.String("user_hash", userHash),
		slog.String("device_hash", deviceHash))
}

// serve runs the read loop in its own goroutine and keeps the socket alive
// with pings until the reader exits or the server shuts down.
func (r *Router) serve(ctx context.Context, conn *websocket.Conn, connection *connections.Connection) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					r.logger.Warn("websocket read failed",
						slog.String("user_hash", connection.UserHash()),
						slog.String("device_hash", connection.DeviceHash()),
						slog.String("error", err.Error()))
				}
				return
			}
			r.dispatch(ctx, connection, data)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := connection.Ping(); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch routes one inbound frame to its handler. Handler failures are
// reported to the originating device only; siblings never see them.
func (r *Router) dispatch(parent context.Context, sender *connections.Connection, data []byte) {
	var head eventHead
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		r.sendError(sender, "invalid event payload", nil)
		return
	}

	if r.metrics != nil {
		r.metrics.EventsReceived.WithLabelValues(head.Type).Inc()
	}

	ctx, cancel := context.WithTimeout(parent, handlerTimeout)
	defer cancel()
	ctx = logger.WithUserID(ctx, sender.UserHash())

	var err error
	switch head.Type {
	case TypeMessageReceived:
		err = r.handleMessageReceived(ctx, sender, data)
	case TypeCancelAITask:
		err = r.handleCancelAITask(ctx, sender, data)
	case TypeCancelSkill:
		err = r.handleCancelSkill(ctx, sender, data)
	case TypeFocusModeRejected:
		err = r.handleFocusModeRejected(ctx, sender, data)
	case TypeChatFocusChanged:
		err = r.handleChatFocusChanged(ctx, sender, data)
	case TypeChatTitleUpdated:
		err = r.handleChatTitleUpdated(ctx, sender, data)
	case TypeStoreEmbed:
		err = r.handleStoreEmbed(ctx, sender, data)
	case TypeStoreEmbedKeys:
		err = r.handleStoreEmbedKeys(ctx, sender, data)
	case TypeRequestEmbed:
		err = r.handleRequestEmbed(ctx, sender, data)
	case TypeDeleteMessage:
		err = r.handleDeleteMessage(ctx, sender, data)
	case TypeDeleteChat:
		err = r.handleDeleteChat(ctx, sender, data)
	case TypeDeleteNewChatSuggestion:
		err = r.handleDeleteNewChatSuggestion(ctx, sender, data)
	case TypeEmailNotificationSetting:
		err = r.handleEmailNotificationSettings(ctx, sender, data)
	case TypeChatSystemMessageAdded:
		err = r.handleChatSystemMessage(ctx, sender, data)
	case TypeLoadMoreChats:
		err = r.handleLoadMoreChats(ctx, sender, data)
	case TypeLoadChatMessages:
		err = r.handleLoadChatMessages(ctx, sender, data)
	case TypeSetActiveChat:
		err = r.handleSetActiveChat(ctx, sender, data)
	default:
		r.sendError(sender, "unrecognised event type", map[string]interface{}{"type": head.Type})
		return
	}

	if err != nil {
		r.logger.WithContext(ctx).Error("event handler failed",
			slog.String("type", head.Type),
			slog.String("user_hash", sender.UserHash()),
			slog.String("error", err.Error()))
		r.sendError(sender, apperrors.UserMessage(err), map[string]interface{}{"type": head.Type})
	}
}

// sendError delivers an error event to one device. Failures here mean the
// socket is already gone; the manager cleans it up on its own.
func (r *Router) sendError(sender *connections.Connection, message string, details map[string]interface{}) {
	event := encode(errorEvent{Type: TypeError, Message: message, Details: details})
	if err := r.manager.SendToDevice(sender.UserHash(), sender.DeviceHash(), event); err != nil {
		r.logger.Debug("failed to deliver error event",
			slog.String("user_hash", sender.UserHash()),
			slog.String("error", err.Error()))
	}
}

// guardChatOwnership applies the write-path ownership rule: the chat's
// stored owner hash must equal the caller's. A chat with no record anywhere
// is a first write and passes; infrastructure errors fail closed.
func (r *Router) guardChatOwnership(ctx context.Context, userHash, chatID string) error {
	if chatID == "" {
		return apperrors.E(apperrors.KindInvalidRequest, "chat_id is required", nil)
	}

	owned, err := r.chats.CheckChatOwnership(ctx, userHash, chatID)
	if err != nil {
		return apperrors.E(apperrors.KindInfrastructure, "Failed to process message", err)
	}
	if !owned {
		return apperrors.E(apperrors.KindUnauthorized, "chat belongs to another user", nil)
	}
	return nil
}
