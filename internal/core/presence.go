package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"vox/internal/protocol"
)

// persistTimeout bounds each fire-and-forget voice state write.
const persistTimeout = 5 * time.Second

// VoiceStore is the durable collaborator for voice state. Writes are
// best-effort: a failure is logged and the in-memory state stands.
type VoiceStore interface {
	SaveVoiceState(ctx context.Context, state protocol.VoiceState) error
	ClearVoiceState(ctx context.Context, userID string) error
}

// Presence tracks per-user voice state on top of the connection registry.
// Each user has at most one voice state; joining voice in another server
// tears the old one down first.
type Presence struct {
	mu     sync.Mutex
	reg    *Registry
	store  VoiceStore // may be nil
	states map[string]*protocol.VoiceState
}

// NewPresence creates a presence tracker and wires it into the registry
// as the snapshot voice source.
func NewPresence(reg *Registry, store VoiceStore) *Presence {
	p := &Presence{
		reg:    reg,
		store:  store,
		states: make(map[string]*protocol.VoiceState),
	}
	reg.SetVoiceSource(p)
	return p
}

// JoinVoice connects a user to voice in serverID. An existing voice state
// in another server is torn down first so its room observes the
// departure. Re-joining the same server is a no-op.
func (p *Presence) JoinVoice(userID, serverID string) bool {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return false
	}
	member, ok := p.reg.Member(userID)
	if !ok {
		slog.Debug("voice join ignored for unknown user", "user_id", userID, "server_id", serverID)
		return false
	}

	p.mu.Lock()
	if cur := p.states[userID]; cur != nil && cur.ServerID == serverID {
		p.mu.Unlock()
		return true
	}
	var old *protocol.VoiceState
	if cur := p.states[userID]; cur != nil {
		copied := *cur
		old = &copied
	}
	state := &protocol.VoiceState{
		UserID:      userID,
		Username:    member.Username,
		ServerID:    serverID,
		ConnectedAt: time.Now(),
	}
	p.states[userID] = state
	snapshot := *state
	p.mu.Unlock()

	if old != nil {
		p.reg.BroadcastToRoom(old.ServerID, protocol.MustEvent(protocol.TypeVoiceLeft, protocol.VoiceLeftPayload{
			UserID:   userID,
			ServerID: old.ServerID,
		}), "")
	}

	p.persist(snapshot)
	p.reg.BroadcastToRoom(serverID, protocol.MustEvent(protocol.TypeVoiceJoined, protocol.VoiceJoinedPayload{
		State: snapshot,
	}), "")

	slog.Info("voice joined", "user_id", userID, "server_id", serverID, "switched", old != nil)
	return true
}

// LeaveVoice disconnects a user from voice and notifies the room it
// occupied. Returns false if no voice state existed.
func (p *Presence) LeaveVoice(userID string) bool {
	p.mu.Lock()
	state, ok := p.states[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	serverID := state.ServerID
	delete(p.states, userID)
	p.mu.Unlock()

	p.clearPersisted(userID)
	p.reg.BroadcastToRoom(serverID, protocol.MustEvent(protocol.TypeVoiceLeft, protocol.VoiceLeftPayload{
		UserID:   userID,
		ServerID: serverID,
	}), "")

	slog.Info("voice left", "user_id", userID, "server_id", serverID)
	return true
}

// SetMute updates the mute flag and broadcasts the canonical state to the
// entire room, sender included.
func (p *Presence) SetMute(userID string, muted bool) bool {
	return p.setFlags(userID, func(s *protocol.VoiceState) { s.IsMuted = muted }, true)
}

// SetDeafen updates the deafen flag and broadcasts the canonical state to
// the entire room, sender included.
func (p *Presence) SetDeafen(userID string, deafened bool) bool {
	return p.setFlags(userID, func(s *protocol.VoiceState) { s.IsDeafened = deafened }, true)
}

// SetSpeaking updates the ephemeral speaking flag. Broadcast but never
// persisted; speaking is too transient to be worth a durable write.
func (p *Presence) SetSpeaking(userID string, speaking bool) bool {
	return p.setFlags(userID, func(s *protocol.VoiceState) { s.IsSpeaking = speaking }, false)
}

// Disconnect tears down the user's voice state after a dropped
// connection. At most one departure broadcast results.
func (p *Presence) Disconnect(userID string) {
	p.LeaveVoice(userID)
}

// UserVoice returns the current voice state for a user.
func (p *Presence) UserVoice(userID string) (protocol.VoiceState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.states[userID]
	if !ok {
		return protocol.VoiceState{}, false
	}
	return *state, true
}

// RoomVoiceStates returns a stable ordered copy of the voice states in
// one server's room. Implements the registry's VoiceSnapshotSource.
func (p *Presence) RoomVoiceStates(serverID string) []protocol.VoiceState {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []protocol.VoiceState
	for _, state := range p.states {
		if state.ServerID == serverID {
			out = append(out, *state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Presence) setFlags(userID string, apply func(*protocol.VoiceState), persist bool) bool {
	p.mu.Lock()
	state, ok := p.states[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	apply(state)
	snapshot := *state
	p.mu.Unlock()

	if persist {
		p.persist(snapshot)
	}
	p.reg.BroadcastToRoom(snapshot.ServerID, protocol.MustEvent(protocol.TypeVoiceState, protocol.VoiceStatePayload{
		State: snapshot,
	}), "")
	return true
}

func (p *Presence) persist(state protocol.VoiceState) {
	if p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.store.SaveVoiceState(ctx, state); err != nil {
			slog.Warn("persist voice state", "user_id", state.UserID, "server_id", state.ServerID, "err", err)
		}
	}()
}

func (p *Presence) clearPersisted(userID string) {
	if p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.store.ClearVoiceState(ctx, userID); err != nil {
			slog.Warn("clear voice state", "user_id", userID, "err", err)
		}
	}()
}
