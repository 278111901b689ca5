package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"vox/internal/auth"
	"vox/internal/core"
	"vox/internal/metrics"
	"vox/internal/pipeline"
	"vox/internal/protocol"
	"vox/internal/store"
)

const writeTimeout = 5 * time.Second

// Deps are the collaborators the gateway dispatches into.
type Deps struct {
	Registry         *core.Registry
	Presence         *core.Presence
	Store            *store.Store
	Pipeline         *pipeline.Pipeline
	Verifier         auth.Verifier
	Metrics          *metrics.Metrics
	MaxMessageLength int
	SendBuffer       int
}

// Handler owns websocket transport for the backend.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(deps Deps) *Handler {
	if deps.MaxMessageLength <= 0 {
		deps.MaxMessageLength = 4096
	}
	if deps.SendBuffer <= 0 {
		deps.SendBuffer = 64
	}
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket validates the bearer credential, upgrades the request
// and serves it until disconnect. An invalid or missing credential
// rejects the connection before any room state exists.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	token := strings.TrimSpace(c.QueryParam("token"))
	if token == "" {
		token = c.Request().Header.Get(echo.HeaderAuthorization)
	}
	id, err := h.deps.Verifier.Verify(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer credential")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, id)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, id auth.Identity) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	sess, err := h.deps.Registry.Connect(uuid.NewString(), protocol.Member{
		UserID:   id.UserID,
		Username: id.Username,
		Avatar:   id.Avatar,
	}, h.deps.SendBuffer)
	if err != nil {
		slog.Warn("register session", "user_id", id.UserID, "err", err)
		return
	}

	defer func() {
		// Voice departs before the room so no participant lingers
		// behind a dropped connection.
		if _, last := h.deps.Registry.Unregister(sess.ConnID); last {
			h.deps.Presence.Disconnect(sess.UserID)
			h.deps.Registry.LeaveCurrentRoom(sess.UserID)
		}
	}()

	go func() {
		for out := range sess.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	for {
		var in protocol.Event
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleInbound(sess, in)
	}
}

func (h *Handler) handleInbound(sess *core.Session, in protocol.Event) {
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordEventReceived(in.Type)
	}

	decoded, err := protocol.Decode(in)
	if err != nil {
		// Unrecognized shapes are rejected at the boundary, not
		// passed further in.
		slog.Warn("drop inbound event", "conn_id", sess.ConnID, "type", in.Type, "err", err)
		return
	}

	switch p := decoded.(type) {
	case *protocol.ServerJoinPayload:
		h.handleJoin(sess, p.ServerID)

	case *protocol.ServerLeavePayload:
		h.deps.Registry.LeaveRoom(sess.UserID, p.ServerID)

	case *protocol.MessageSendPayload:
		h.handleMessageSend(sess, p)

	case *protocol.VoiceJoinPayload:
		if room, ok := h.deps.Registry.UserRoom(sess.UserID); !ok || room != p.ServerID {
			slog.Debug("voice join outside current room ignored", "user_id", sess.UserID, "server_id", p.ServerID)
			return
		}
		h.deps.Presence.JoinVoice(sess.UserID, p.ServerID)

	case *protocol.VoiceLeavePayload:
		h.deps.Presence.LeaveVoice(sess.UserID)

	case *protocol.VoiceMutePayload:
		h.deps.Presence.SetMute(sess.UserID, p.Muted)

	case *protocol.VoiceDeafenPayload:
		h.deps.Presence.SetDeafen(sess.UserID, p.Deafened)

	case *protocol.VoiceSpeakingPayload:
		h.deps.Presence.SetSpeaking(sess.UserID, p.Speaking)

	case *protocol.UserListeningPayload:
		h.relayToRoom(sess, p.ServerID, protocol.MustEvent(protocol.TypeUserListening, protocol.UserListeningPayload{
			ServerID:  p.ServerID,
			UserID:    sess.UserID,
			Listening: p.Listening,
		}))

	case *protocol.TypingPayload:
		h.relayToRoom(sess, p.ServerID, protocol.MustEvent(protocol.TypeTyping, protocol.TypingPayload{
			ServerID: p.ServerID,
			UserID:   sess.UserID,
			Username: sess.Username,
			Typing:   p.Typing,
		}))

	default:
		slog.Debug("inbound event type not accepted from clients", "conn_id", sess.ConnID, "type", in.Type)
	}
}

func (h *Handler) handleJoin(sess *core.Session, serverID string) {
	ok, err := h.deps.Store.IsMember(context.Background(), sess.UserID, serverID)
	if err != nil {
		slog.Error("membership check", "user_id", sess.UserID, "server_id", serverID, "err", err)
		return
	}
	if !ok {
		// Not a member: silently ignored, no room state is touched.
		slog.Debug("join rejected", "user_id", sess.UserID, "server_id", serverID)
		return
	}
	h.deps.Registry.JoinRoom(sess.UserID, serverID)
}

// handleMessageSend commits the message, acknowledges the sender by
// nonce, and only after the commit hands the message to the pipeline.
func (h *Handler) handleMessageSend(sess *core.Session, p *protocol.MessageSendPayload) {
	if strings.TrimSpace(p.Content) == "" && p.Attachment == nil {
		h.ack(sess, p.Nonce, "message content is required")
		return
	}
	if len(p.Content) > h.deps.MaxMessageLength {
		h.ack(sess, p.Nonce, "message content too long")
		return
	}

	ok, err := h.deps.Store.IsMember(context.Background(), sess.UserID, p.ServerID)
	if err != nil {
		slog.Error("membership check", "user_id", sess.UserID, "server_id", p.ServerID, "err", err)
		h.ack(sess, p.Nonce, "membership check failed")
		return
	}
	if !ok {
		h.ack(sess, p.Nonce, "not a member of this server")
		return
	}

	row, err := h.deps.Store.CreateMessage(context.Background(), store.Message{
		ServerID:     p.ServerID,
		AuthorID:     sess.UserID,
		AuthorName:   sess.Username,
		AuthorAvatar: sess.Avatar,
		Content:      p.Content,
		Attachment:   p.Attachment,
		Kind:         p.Kind,
		ReplyToID:    p.ReplyToID,
	})
	if err != nil {
		slog.Error("persist message", "user_id", sess.UserID, "server_id", p.ServerID, "err", err)
		h.ack(sess, p.Nonce, "persist message failed")
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordMessagePersisted()
	}

	payload := row.Payload()
	payload.Nonce = p.Nonce

	h.deps.Registry.SendToUser(sess.UserID, protocol.MustEvent(protocol.TypeMessageAck, protocol.MessageAckPayload{
		Nonce:   p.Nonce,
		OK:      true,
		Message: &payload,
	}))
	h.deps.Pipeline.MessageCreated(payload)
}

// ack reports a failed send back on the explicit acknowledgement channel.
func (h *Handler) ack(sess *core.Session, nonce, errMsg string) {
	h.deps.Registry.SendToUser(sess.UserID, protocol.MustEvent(protocol.TypeMessageAck, protocol.MessageAckPayload{
		Nonce: nonce,
		Error: errMsg,
	}))
}

// relayToRoom forwards an ephemeral event to the other members of the
// sender's current room. Dropped silently when the sender is elsewhere.
func (h *Handler) relayToRoom(sess *core.Session, serverID string, ev protocol.Event) {
	if room, ok := h.deps.Registry.UserRoom(sess.UserID); !ok || room != serverID {
		return
	}
	h.deps.Registry.BroadcastToRoom(serverID, ev, sess.UserID)
}
