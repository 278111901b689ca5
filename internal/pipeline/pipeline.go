// Package pipeline turns committed message mutations into room-scoped
// events. It is only invoked after the durable store reports success, so
// emission is 1:1 with commits and no server-side dedup key is needed.
package pipeline

import (
	"log/slog"

	"vox/internal/protocol"
)

// RoomBroadcaster delivers an event to every connection in a room.
// Injected so the persistence path never imports the live-connection
// layer directly.
type RoomBroadcaster interface {
	BroadcastToRoom(serverID string, ev protocol.Event, exceptUserID string)
}

// Pipeline is the single emission point for message events in this
// process. Events for one room preserve call order.
type Pipeline struct {
	b RoomBroadcaster
}

// New creates a pipeline over the given broadcaster.
func New(b RoomBroadcaster) *Pipeline {
	return &Pipeline{b: b}
}

// MessageCreated emits one message:new to the message's room. The sender
// is included; clients reconcile the broadcast against their optimistic
// copy.
func (p *Pipeline) MessageCreated(msg protocol.MessagePayload) {
	p.b.BroadcastToRoom(msg.ServerID, protocol.MustEvent(protocol.TypeMessageNew, protocol.MessageNewPayload{
		Message: msg,
	}), "")
	slog.Debug("message broadcast", "type", protocol.TypeMessageNew, "msg_id", msg.ID, "server_id", msg.ServerID)
}

// MessageEdited emits one message:updated to the message's room.
func (p *Pipeline) MessageEdited(msg protocol.MessagePayload) {
	p.b.BroadcastToRoom(msg.ServerID, protocol.MustEvent(protocol.TypeMessageUpdated, protocol.MessageUpdatedPayload{
		Message: msg,
	}), "")
	slog.Debug("message broadcast", "type", protocol.TypeMessageUpdated, "msg_id", msg.ID, "server_id", msg.ServerID)
}

// MessageDeleted emits one message:deleted to the room that held the
// message.
func (p *Pipeline) MessageDeleted(messageID, serverID string) {
	p.b.BroadcastToRoom(serverID, protocol.MustEvent(protocol.TypeMessageDeleted, protocol.MessageDeletedPayload{
		MessageID: messageID,
		ServerID:  serverID,
	}), "")
	slog.Debug("message broadcast", "type", protocol.TypeMessageDeleted, "msg_id", messageID, "server_id", serverID)
}
