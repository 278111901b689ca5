package core

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"vox/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block.
const SendTimeout = 50 * time.Millisecond

// Session represents one connected websocket session. Identity is fixed
// for the lifetime of the connection.
type Session struct {
	ConnID      string
	UserID      string
	Username    string
	Avatar      string
	ConnectedAt time.Time
	Send        chan protocol.Event
}

// VoiceSnapshotSource supplies the voice states included in a room
// snapshot. Wired by the presence tracker at startup.
type VoiceSnapshotSource interface {
	RoomVoiceStates(serverID string) []protocol.VoiceState
}

// Recorder receives session/broadcast observations. Satisfied by
// metrics.Metrics; nil-safe via SetMetrics.
type Recorder interface {
	RecordActiveSessions(n int)
	RecordSessionCreated()
	RecordSessionClosed()
	RecordBroadcast(eventType string, fanout int)
}

// Registry is the in-memory map of live connections and room membership.
// A user occupies at most one room at a time; joining a new room
// implicitly leaves the previous one. All maps are owned here and only
// reachable through accessor methods.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Session            // connID → session
	userConns   map[string]map[string]*Session // userID → connID → session
	rooms       map[string]string              // userID → serverID
	roomMembers map[string]map[string]struct{} // serverID → userID set
	voiceSource VoiceSnapshotSource
	metrics     Recorder
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:       make(map[string]*Session),
		userConns:   make(map[string]map[string]*Session),
		rooms:       make(map[string]string),
		roomMembers: make(map[string]map[string]struct{}),
	}
}

// SetVoiceSource wires the presence tracker used for room snapshots.
func (r *Registry) SetVoiceSource(src VoiceSnapshotSource) {
	r.mu.Lock()
	r.voiceSource = src
	r.mu.Unlock()
}

// SetMetrics attaches a metrics recorder.
func (r *Registry) SetMetrics(m Recorder) {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
}

// Connect registers a new session for an authenticated identity and
// returns it. The send channel is owned by the registry and closed on
// Unregister.
func (r *Registry) Connect(connID string, user protocol.Member, sendBuf int) (*Session, error) {
	connID = strings.TrimSpace(connID)
	if connID == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if strings.TrimSpace(user.UserID) == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if sendBuf <= 0 {
		sendBuf = 64
	}

	sess := &Session{
		ConnID:      connID,
		UserID:      user.UserID,
		Username:    user.Username,
		Avatar:      user.Avatar,
		ConnectedAt: time.Now(),
		Send:        make(chan protocol.Event, sendBuf),
	}

	r.mu.Lock()
	if _, exists := r.conns[connID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("connection %q already registered", connID)
	}
	r.conns[connID] = sess
	if r.userConns[sess.UserID] == nil {
		r.userConns[sess.UserID] = make(map[string]*Session)
	}
	r.userConns[sess.UserID][connID] = sess
	count := len(r.conns)
	metrics := r.metrics
	r.mu.Unlock()

	if metrics != nil {
		metrics.RecordSessionCreated()
		metrics.RecordActiveSessions(count)
	}
	slog.Info("session registered", "conn_id", connID, "user_id", sess.UserID, "username", sess.Username, "total_conns", count)
	return sess, nil
}

// Unregister removes one connection and closes its send channel. Room
// membership is left intact so the caller can order teardown broadcasts
// (voice first, then room). Returns whether this was the user's last
// connection.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	r.mu.Lock()
	sess, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, connID)
	if peers := r.userConns[sess.UserID]; peers != nil {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(r.userConns, sess.UserID)
			last = true
		}
	}
	close(sess.Send)
	count := len(r.conns)
	metrics := r.metrics
	r.mu.Unlock()

	if metrics != nil {
		metrics.RecordSessionClosed()
		metrics.RecordActiveSessions(count)
	}
	slog.Info("session unregistered", "conn_id", connID, "user_id", sess.UserID, "last", last, "remaining_conns", count)
	return sess.UserID, last
}

// JoinRoom moves a user into serverID. If the user occupies a different
// room, a departure is synthesized for it first. The other members of the
// new room receive an arrival notice and every connection of the joining
// user receives a full snapshot. Joining the current room only re-sends
// the snapshot. Unknown (unauthenticated) users are a silent no-op.
func (r *Registry) JoinRoom(userID, serverID string) bool {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return false
	}

	r.mu.Lock()
	member, ok := r.memberLocked(userID)
	if !ok {
		r.mu.Unlock()
		slog.Debug("join ignored for unknown user", "user_id", userID, "server_id", serverID)
		return false
	}

	prev, hadPrev := r.rooms[userID]
	if hadPrev && prev == serverID {
		snapshot := r.snapshotEventLocked(serverID)
		self := r.userSessionsLocked(userID)
		r.mu.Unlock()
		r.deliver(self, snapshot)
		return true
	}

	var departureTargets []*Session
	if hadPrev {
		r.removeMembershipLocked(userID, prev)
		departureTargets = r.roomSessionsLocked(prev, userID)
	}

	if r.roomMembers[serverID] == nil {
		r.roomMembers[serverID] = make(map[string]struct{})
	}
	r.roomMembers[serverID][userID] = struct{}{}
	r.rooms[userID] = serverID

	arrivalTargets := r.roomSessionsLocked(serverID, userID)
	snapshot := r.snapshotEventLocked(serverID)
	self := r.userSessionsLocked(userID)
	r.mu.Unlock()

	if hadPrev {
		r.deliver(departureTargets, protocol.MustEvent(protocol.TypeUserLeft, protocol.UserLeftPayload{
			ServerID: prev,
			UserID:   userID,
		}))
	}
	r.deliver(arrivalTargets, protocol.MustEvent(protocol.TypeUserJoined, protocol.UserJoinedPayload{
		ServerID: serverID,
		User:     member,
	}))
	r.deliver(self, snapshot)

	slog.Info("room joined", "user_id", userID, "server_id", serverID, "left_previous", hadPrev)
	return true
}

// LeaveRoom removes a user's membership in serverID and notifies the
// remaining members. No-op if the user is not currently a member.
func (r *Registry) LeaveRoom(userID, serverID string) {
	r.mu.Lock()
	if r.rooms[userID] != serverID {
		r.mu.Unlock()
		return
	}
	r.removeMembershipLocked(userID, serverID)
	targets := r.roomSessionsLocked(serverID, userID)
	r.mu.Unlock()

	r.deliver(targets, protocol.MustEvent(protocol.TypeUserLeft, protocol.UserLeftPayload{
		ServerID: serverID,
		UserID:   userID,
	}))
	slog.Info("room left", "user_id", userID, "server_id", serverID)
}

// LeaveCurrentRoom leaves whatever room the user occupies, if any.
func (r *Registry) LeaveCurrentRoom(userID string) {
	r.mu.RLock()
	serverID, ok := r.rooms[userID]
	r.mu.RUnlock()
	if ok {
		r.LeaveRoom(userID, serverID)
	}
}

// UserRoom returns the room a user currently occupies.
func (r *Registry) UserRoom(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	serverID, ok := r.rooms[userID]
	return serverID, ok
}

// RoomMembers returns a stable ordered member list for one room.
func (r *Registry) RoomMembers(serverID string) []protocol.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomMembersLocked(serverID)
}

// Member returns the identity summary for a connected user.
func (r *Registry) Member(userID string) (protocol.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberLocked(userID)
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToUser delivers one event to every connection of a user.
func (r *Registry) SendToUser(userID string, ev protocol.Event) bool {
	r.mu.RLock()
	targets := r.userSessionsLocked(userID)
	r.mu.RUnlock()

	delivered := false
	for _, sess := range targets {
		if trySend(sess.Send, ev) {
			delivered = true
		}
	}
	return delivered
}

// BroadcastToRoom delivers one event to every connection whose user is a
// member of serverID, except exceptUserID when non-empty.
func (r *Registry) BroadcastToRoom(serverID string, ev protocol.Event, exceptUserID string) {
	r.mu.RLock()
	targets := r.roomSessionsLocked(serverID, exceptUserID)
	metrics := r.metrics
	r.mu.RUnlock()

	sent := 0
	for _, sess := range targets {
		if trySend(sess.Send, ev) {
			sent++
		}
	}
	if metrics != nil {
		metrics.RecordBroadcast(ev.Type, sent)
	}
	slog.Debug("room broadcast", "type", ev.Type, "server_id", serverID, "recipients", sent, "targets", len(targets))
}

func (r *Registry) memberLocked(userID string) (protocol.Member, bool) {
	peers := r.userConns[userID]
	for _, sess := range peers {
		return protocol.Member{UserID: sess.UserID, Username: sess.Username, Avatar: sess.Avatar}, true
	}
	return protocol.Member{}, false
}

func (r *Registry) roomMembersLocked(serverID string) []protocol.Member {
	ids := r.roomMembers[serverID]
	out := make([]protocol.Member, 0, len(ids))
	for userID := range ids {
		if m, ok := r.memberLocked(userID); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) snapshotEventLocked(serverID string) protocol.Event {
	state := protocol.ServerStatePayload{
		ServerID: serverID,
		Users:    r.roomMembersLocked(serverID),
	}
	if r.voiceSource != nil {
		state.VoiceStates = r.voiceSource.RoomVoiceStates(serverID)
	}
	return protocol.MustEvent(protocol.TypeServerState, state)
}

func (r *Registry) removeMembershipLocked(userID, serverID string) {
	delete(r.rooms, userID)
	if members := r.roomMembers[serverID]; members != nil {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.roomMembers, serverID)
		}
	}
}

func (r *Registry) roomSessionsLocked(serverID, exceptUserID string) []*Session {
	var out []*Session
	for userID := range r.roomMembers[serverID] {
		if exceptUserID != "" && userID == exceptUserID {
			continue
		}
		for _, sess := range r.userConns[userID] {
			out = append(out, sess)
		}
	}
	return out
}

func (r *Registry) userSessionsLocked(userID string) []*Session {
	peers := r.userConns[userID]
	out := make([]*Session, 0, len(peers))
	for _, sess := range peers {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) deliver(targets []*Session, ev protocol.Event) {
	for _, sess := range targets {
		trySend(sess.Send, ev)
	}
}

func trySend(ch chan protocol.Event, ev protocol.Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- ev:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", ev.Type)
		return false
	}
}
