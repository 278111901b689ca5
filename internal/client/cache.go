// Package client implements the connection, message cache and typing
// state a frontend keeps for one backend. The cache reconciles
// optimistic local entries against the authoritative broadcast stream
// so a sent message never shows up twice.
package client

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vox/internal/protocol"
)

// Status of a cached message. Everything the backend confirmed is
// StatusSent; the rest are local placeholders awaiting reconciliation.
type Status string

const (
	StatusSent      Status = "sent"
	StatusSending   Status = "sending"
	StatusUploading Status = "uploading"
	StatusFailed    Status = "failed"
	StatusThinking  Status = "thinking"
)

const tempIDPrefix = "temp_"

// CachedMessage is one entry in the per-room message cache.
type CachedMessage struct {
	protocol.MessagePayload
	Status Status
}

// Optimistic reports whether the entry is a local placeholder that has
// not been confirmed by the backend.
func (m CachedMessage) Optimistic() bool {
	return m.Status != StatusSent
}

// Cache holds the ordered message list for one room. All methods are
// safe for concurrent use; the read loop and the UI share one cache.
type Cache struct {
	mu       sync.Mutex
	serverID string
	selfID   string
	entries  []CachedMessage
	byID     map[string]int

	// anchor is the id of the oldest entry before the last prepend,
	// so the UI can restore its scroll position.
	anchor string
}

// NewCache creates an empty cache for one room.
func NewCache(serverID, selfID string) *Cache {
	return &Cache{
		serverID: serverID,
		selfID:   selfID,
		byID:     make(map[string]int),
	}
}

// AddOptimistic appends a local placeholder for a message the user just
// sent and returns its temporary id. The placeholder renders
// immediately; ApplyNew later swaps it for the authoritative copy.
func (c *Cache) AddOptimistic(content string, attachment *protocol.Attachment, nonce string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := StatusSending
	if attachment != nil {
		status = StatusUploading
	}
	id := tempIDPrefix + uuid.NewString()
	c.appendLocked(CachedMessage{
		MessagePayload: protocol.MessagePayload{
			ID:         id,
			ServerID:   c.serverID,
			AuthorID:   c.selfID,
			Content:    content,
			Attachment: attachment,
			Nonce:      nonce,
			CreatedAt:  time.Now(),
		},
		Status: status,
	})
	return id
}

// AddThinking appends a placeholder for an author that is preparing a
// reply (a bot composing a response). It is removed when any confirmed
// message from that author arrives.
func (c *Cache) AddThinking(author protocol.Member) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := tempIDPrefix + uuid.NewString()
	c.appendLocked(CachedMessage{
		MessagePayload: protocol.MessagePayload{
			ID:        id,
			ServerID:  c.serverID,
			AuthorID:  author.UserID,
			Author:    author,
			CreatedAt: time.Now(),
		},
		Status: StatusThinking,
	})
	return id
}

// ApplyNew reconciles a broadcast message into the cache. A matching
// optimistic placeholder (by nonce, or by author and content) is
// replaced in place; thinking placeholders from the same author are
// dropped; a message already present by id is ignored.
func (c *Cache) ApplyNew(msg protocol.MessagePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[msg.ID]; ok {
		return
	}

	c.dropThinkingLocked(msg.AuthorID)

	if i, ok := c.matchOptimisticLocked(msg); ok {
		delete(c.byID, c.entries[i].ID)
		c.entries[i] = CachedMessage{MessagePayload: msg, Status: StatusSent}
		c.reindexLocked()
		return
	}

	c.insertLocked(CachedMessage{MessagePayload: msg, Status: StatusSent})
}

// ApplyUpdated rewrites an existing entry. Updates for messages outside
// the cached window are ignored.
func (c *Cache) ApplyUpdated(msg protocol.MessagePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[msg.ID]
	if !ok {
		return
	}
	c.entries[i] = CachedMessage{MessagePayload: msg, Status: StatusSent}
}

// ApplyDeleted removes an entry. Unknown ids are ignored.
func (c *Cache) ApplyDeleted(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[messageID]
	if !ok {
		return
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	c.reindexLocked()
}

// MarkFailed flags an optimistic entry whose send was rejected. The
// entry stays visible so the user can retry or discard it.
func (c *Cache) MarkFailed(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.byID[tempID]; ok && c.entries[i].Optimistic() {
		c.entries[i].Status = StatusFailed
	}
}

// RemoveOptimistic discards a local placeholder, typically a failed send
// the user chose not to retry. Confirmed entries are never removed here.
func (c *Cache) RemoveOptimistic(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, ok := c.byID[tempID]
	if !ok || !c.entries[i].Optimistic() {
		return
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	c.reindexLocked()
}

// OldestCursor returns the created-at of the oldest confirmed entry,
// for use as the pagination cursor when loading history.
func (c *Cache) OldestCursor() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if !e.Optimistic() {
			return e.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// PrependOlder merges a page of history in front of the cache and
// returns how many entries were actually added. The previous oldest
// entry becomes the scroll anchor.
func (c *Cache) PrependOlder(msgs []protocol.MessagePayload) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.anchor = c.entries[0].ID
	}
	added := 0
	for _, m := range msgs {
		if _, ok := c.byID[m.ID]; ok {
			continue
		}
		c.insertLocked(CachedMessage{MessagePayload: m, Status: StatusSent})
		added++
	}
	return added
}

// ScrollAnchor returns the id the viewport should stay pinned to after
// the most recent PrependOlder.
func (c *Cache) ScrollAnchor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor
}

// ResetForReconnect drops in-flight optimistic entries whose fate is
// unknown after a connection loss. Failed entries survive so the user
// can still retry them; confirmed entries are untouched.
func (c *Cache) ResetForReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.Optimistic() && e.Status != StatusFailed {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	c.reindexLocked()
}

// Messages returns a snapshot of the cache in display order.
func (c *Cache) Messages() []CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]CachedMessage, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) matchOptimisticLocked(msg protocol.MessagePayload) (int, bool) {
	for i, e := range c.entries {
		if !e.Optimistic() || e.Status == StatusThinking || e.Status == StatusFailed {
			continue
		}
		if msg.Nonce != "" && e.Nonce == msg.Nonce {
			return i, true
		}
		if msg.Nonce == "" && e.AuthorID == msg.AuthorID && strings.TrimSpace(e.Content) == strings.TrimSpace(msg.Content) {
			return i, true
		}
	}
	return 0, false
}

func (c *Cache) dropThinkingLocked(authorID string) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.Status == StatusThinking && e.AuthorID == authorID {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) != len(c.entries) {
		c.entries = kept
		c.reindexLocked()
	}
}

func (c *Cache) appendLocked(m CachedMessage) {
	c.entries = append(c.entries, m)
	c.byID[m.ID] = len(c.entries) - 1
}

// insertLocked places a confirmed message at its chronological slot,
// keeping optimistic placeholders at the tail.
func (c *Cache) insertLocked(m CachedMessage) {
	at := sort.Search(len(c.entries), func(i int) bool {
		e := c.entries[i]
		if e.Optimistic() {
			return true
		}
		if !e.CreatedAt.Equal(m.CreatedAt) {
			return e.CreatedAt.After(m.CreatedAt)
		}
		return e.ID > m.ID
	})
	c.entries = append(c.entries, CachedMessage{})
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = m
	c.reindexLocked()
}

func (c *Cache) reindexLocked() {
	for k := range c.byID {
		delete(c.byID, k)
	}
	for i, e := range c.entries {
		c.byID[e.ID] = i
	}
}
