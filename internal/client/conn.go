package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vox/internal/protocol"
)

// ErrSendFailed wraps backend rejections of a message send.
var ErrSendFailed = errors.New("message send rejected")

// Client is one live connection to a backend. It owns the read loop
// and routes every inbound event into the per-room cache and typing
// view, so callers only ever observe reconciled state.
type Client struct {
	selfID string
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	caches map[string]*Cache
	typing map[string]*TypingView
	acks   map[string]chan protocol.MessageAckPayload

	done chan struct{}
}

// Dial connects and authenticates against a backend websocket URL. The
// read loop runs until the connection drops or Close is called.
func Dial(ctx context.Context, wsURL, token, selfID string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		selfID: selfID,
		ws:     conn,
		caches: make(map[string]*Cache),
		typing: make(map[string]*TypingView),
		acks:   make(map[string]chan protocol.MessageAckPayload),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Pending SendMessage calls fail.
func (c *Client) Close() error {
	return c.ws.Close()
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// JoinServer enters a room and allocates its cache and typing view.
// The backend answers with a full state snapshot.
func (c *Client) JoinServer(serverID string) error {
	c.mu.Lock()
	if _, ok := c.caches[serverID]; !ok {
		c.caches[serverID] = NewCache(serverID, c.selfID)
		c.typing[serverID] = NewTypingView(c.selfID)
	}
	c.mu.Unlock()

	return c.write(protocol.TypeServerJoin, protocol.ServerJoinPayload{ServerID: serverID})
}

// LeaveServer exits a room. The cache is kept so re-entering is warm.
func (c *Client) LeaveServer(serverID string) error {
	return c.write(protocol.TypeServerLeave, protocol.ServerLeavePayload{ServerID: serverID})
}

// Cache returns the message cache for a joined room, or nil.
func (c *Client) Cache(serverID string) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caches[serverID]
}

// Typing returns the typing view for a joined room, or nil.
func (c *Client) Typing(serverID string) *TypingView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[serverID]
}

// SendMessage sends a message optimistically and waits for the
// acknowledgement. On rejection the optimistic entry is marked failed
// and the backend's reason is returned.
func (c *Client) SendMessage(ctx context.Context, serverID, content string, attachment *protocol.Attachment) (string, error) {
	cache := c.Cache(serverID)
	if cache == nil {
		return "", fmt.Errorf("not joined to server %s", serverID)
	}

	nonce := uuid.NewString()
	tempID := cache.AddOptimistic(content, attachment, nonce)

	ackCh := make(chan protocol.MessageAckPayload, 1)
	c.mu.Lock()
	c.acks[nonce] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, nonce)
		c.mu.Unlock()
	}()

	err := c.write(protocol.TypeMessageSend, protocol.MessageSendPayload{
		ServerID:   serverID,
		Content:    content,
		Attachment: attachment,
		Nonce:      nonce,
	})
	if err != nil {
		cache.MarkFailed(tempID)
		return tempID, err
	}

	select {
	case ack := <-ackCh:
		if !ack.OK {
			cache.MarkFailed(tempID)
			return tempID, fmt.Errorf("%w: %s", ErrSendFailed, ack.Error)
		}
		if ack.Message != nil {
			cache.ApplyNew(*ack.Message)
		}
		return tempID, nil
	case <-ctx.Done():
		cache.MarkFailed(tempID)
		return tempID, ctx.Err()
	case <-c.done:
		cache.MarkFailed(tempID)
		return tempID, errors.New("connection closed")
	}
}

// SetTyping publishes the local typing state for a room.
func (c *Client) SetTyping(serverID string, typing bool) error {
	return c.write(protocol.TypeTyping, protocol.TypingPayload{ServerID: serverID, Typing: typing})
}

// JoinVoice asks to enter the voice channel of the current room.
func (c *Client) JoinVoice(serverID string) error {
	return c.write(protocol.TypeVoiceJoin, protocol.VoiceJoinPayload{ServerID: serverID})
}

// LeaveVoice exits voice.
func (c *Client) LeaveVoice(serverID string) error {
	return c.write(protocol.TypeVoiceLeave, protocol.VoiceLeavePayload{ServerID: serverID})
}

func (c *Client) write(eventType string, payload any) error {
	ev, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var ev protocol.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			c.onDisconnect()
			return
		}
		c.dispatch(ev)
	}
}

// onDisconnect drops in-flight optimistic entries and stale typing
// state; both would otherwise present unknowable state as truth.
func (c *Client) onDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cache := range c.caches {
		cache.ResetForReconnect()
	}
	for _, view := range c.typing {
		view.Reset()
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	decoded, err := protocol.Decode(ev)
	if err != nil {
		slog.Debug("drop server event", "type", ev.Type, "err", err)
		return
	}

	switch p := decoded.(type) {
	case *protocol.MessageAckPayload:
		c.mu.Lock()
		ch := c.acks[p.Nonce]
		c.mu.Unlock()
		if ch != nil {
			ch <- *p
		}

	case *protocol.MessageNewPayload:
		if cache := c.Cache(p.Message.ServerID); cache != nil {
			cache.ApplyNew(p.Message)
		}

	case *protocol.MessageUpdatedPayload:
		if cache := c.Cache(p.Message.ServerID); cache != nil {
			cache.ApplyUpdated(p.Message)
		}

	case *protocol.MessageDeletedPayload:
		if cache := c.Cache(p.ServerID); cache != nil {
			cache.ApplyDeleted(p.MessageID)
		}

	case *protocol.TypingPayload:
		if view := c.Typing(p.ServerID); view != nil {
			view.Apply(*p)
		}

	case *protocol.UserLeftPayload:
		if view := c.Typing(p.ServerID); view != nil {
			view.Clear(p.UserID)
		}
	}
}
