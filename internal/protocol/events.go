package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types exchanged over the websocket.
const (
	// client → server
	TypeServerJoin    = "server:join"
	TypeServerLeave   = "server:leave"
	TypeMessageSend   = "message:send"
	TypeVoiceJoin     = "voice:join"
	TypeVoiceLeave    = "voice:leave"
	TypeVoiceMute     = "voice:mute"
	TypeVoiceDeafen   = "voice:deafen"
	TypeVoiceSpeaking = "voice:speaking"

	// bidirectional
	TypeUserListening = "user:listening"
	TypeTyping        = "typing"

	// server → client
	TypeServerState    = "server:state"
	TypeUserJoined     = "user:joined"
	TypeUserLeft       = "user:left"
	TypeMessageAck     = "message:ack"
	TypeMessageNew     = "message:new"
	TypeMessageUpdated = "message:updated"
	TypeMessageDeleted = "message:deleted"
	TypeVoiceJoined    = "voice:joined"
	TypeVoiceLeft      = "voice:left"
	TypeVoiceState     = "voice:state"
	TypeError          = "error"
)

// ErrUnknownEvent is returned by Decode for event types outside the catalog.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is the wire envelope. The payload shape is fixed per event type;
// Decode rejects anything outside the catalog instead of passing loosely
// typed data further in.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Member is the author/presence summary attached to events and snapshots.
type Member struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Attachment describes a file already stored by the upload collaborator.
// Only metadata travels here; bytes never pass through this process.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// MessagePayload mirrors one committed message record.
type MessagePayload struct {
	ID         string      `json:"id"`
	ServerID   string      `json:"server_id"`
	AuthorID   string      `json:"author_id"`
	Author     Member      `json:"author"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	Nonce      string      `json:"nonce,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// VoiceState is one user's transient voice presence. At most one exists
// per user at any time.
type VoiceState struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ServerID    string    `json:"server_id"`
	IsMuted     bool      `json:"is_muted"`
	IsDeafened  bool      `json:"is_deafened"`
	IsSpeaking  bool      `json:"is_speaking"`
	ConnectedAt time.Time `json:"connected_at"`
}

type ServerJoinPayload struct {
	ServerID string `json:"server_id"`
}

type ServerLeavePayload struct {
	ServerID string `json:"server_id"`
}

// ServerStatePayload is the full room snapshot sent to a joining connection.
type ServerStatePayload struct {
	ServerID    string       `json:"server_id"`
	Users       []Member     `json:"users"`
	VoiceStates []VoiceState `json:"voice_states,omitempty"`
}

type UserJoinedPayload struct {
	ServerID string `json:"server_id"`
	User     Member `json:"user"`
}

type UserLeftPayload struct {
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id"`
}

type MessageSendPayload struct {
	ServerID   string      `json:"server_id"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	Nonce      string      `json:"nonce"`
}

// MessageAckPayload answers one message:send by nonce.
type MessageAckPayload struct {
	Nonce   string          `json:"nonce"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Message *MessagePayload `json:"message,omitempty"`
}

type MessageNewPayload struct {
	Message MessagePayload `json:"message"`
}

type MessageUpdatedPayload struct {
	Message MessagePayload `json:"message"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	ServerID  string `json:"server_id"`
}

type VoiceJoinPayload struct {
	ServerID string `json:"server_id"`
}

type VoiceLeavePayload struct {
	ServerID string `json:"server_id"`
}

type VoiceMutePayload struct {
	ServerID string `json:"server_id"`
	Muted    bool   `json:"muted"`
}

type VoiceDeafenPayload struct {
	ServerID string `json:"server_id"`
	Deafened bool   `json:"deafened"`
}

type VoiceSpeakingPayload struct {
	ServerID string `json:"server_id"`
	Speaking bool   `json:"speaking"`
}

type VoiceJoinedPayload struct {
	State VoiceState `json:"state"`
}

type VoiceLeftPayload struct {
	UserID   string `json:"user_id"`
	ServerID string `json:"server_id"`
}

// VoiceStatePayload carries the canonical flag values after a toggle.
// Clients must apply this over their local optimistic toggle.
type VoiceStatePayload struct {
	State VoiceState `json:"state"`
}

type UserListeningPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id,omitempty"`
	Listening bool   `json:"listening"`
}

// TypingPayload flows both ways: clients send {server_id, typing}, the
// relay fills in user_id and username before fan-out.
type TypingPayload struct {
	ServerID string `json:"server_id"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Typing   bool   `json:"typing"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEvent wraps a typed payload in the wire envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// MustEvent is NewEvent for payload types that cannot fail to marshal.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode returns the typed payload for an envelope, or ErrUnknownEvent for
// types outside the catalog. Callers type-switch on the result.
func Decode(ev Event) (any, error) {
	var payload any
	switch ev.Type {
	case TypeServerJoin:
		payload = &ServerJoinPayload{}
	case TypeServerLeave:
		payload = &ServerLeavePayload{}
	case TypeServerState:
		payload = &ServerStatePayload{}
	case TypeUserJoined:
		payload = &UserJoinedPayload{}
	case TypeUserLeft:
		payload = &UserLeftPayload{}
	case TypeMessageSend:
		payload = &MessageSendPayload{}
	case TypeMessageAck:
		payload = &MessageAckPayload{}
	case TypeMessageNew:
		payload = &MessageNewPayload{}
	case TypeMessageUpdated:
		payload = &MessageUpdatedPayload{}
	case TypeMessageDeleted:
		payload = &MessageDeletedPayload{}
	case TypeVoiceJoin:
		payload = &VoiceJoinPayload{}
	case TypeVoiceLeave:
		payload = &VoiceLeavePayload{}
	case TypeVoiceMute:
		payload = &VoiceMutePayload{}
	case TypeVoiceDeafen:
		payload = &VoiceDeafenPayload{}
	case TypeVoiceSpeaking:
		payload = &VoiceSpeakingPayload{}
	case TypeVoiceJoined:
		payload = &VoiceJoinedPayload{}
	case TypeVoiceLeft:
		payload = &VoiceLeftPayload{}
	case TypeVoiceState:
		payload = &VoiceStatePayload{}
	case TypeUserListening:
		payload = &UserListeningPayload{}
	case TypeTyping:
		payload = &TypingPayload{}
	case TypeError:
		payload = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, payload); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", ev.Type, err)
		}
	}
	return payload, nil
}
