package pipeline

import (
	"testing"

	"vox/internal/protocol"
)

type recorded struct {
	serverID string
	ev       protocol.Event
	except   string
}

type fakeBroadcaster struct {
	calls []recorded
}

func (f *fakeBroadcaster) BroadcastToRoom(serverID string, ev protocol.Event, exceptUserID string) {
	f.calls = append(f.calls, recorded{serverID: serverID, ev: ev, except: exceptUserID})
}

func TestPipelineEmitsExactlyOneEventPerCommit(t *testing.T) {
	b := &fakeBroadcaster{}
	p := New(b)

	msg := protocol.MessagePayload{ID: "m1", ServerID: "srv-1", AuthorID: "u1", Content: "hi"}
	p.MessageCreated(msg)
	p.MessageEdited(msg)
	p.MessageDeleted("m1", "srv-1")

	if len(b.calls) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(b.calls))
	}

	wantTypes := []string{protocol.TypeMessageNew, protocol.TypeMessageUpdated, protocol.TypeMessageDeleted}
	for i, call := range b.calls {
		if call.ev.Type != wantTypes[i] {
			t.Fatalf("call %d: type %q, want %q", i, call.ev.Type, wantTypes[i])
		}
		if call.serverID != "srv-1" {
			t.Fatalf("call %d: server %q, want srv-1", i, call.serverID)
		}
		if call.except != "" {
			t.Fatalf("call %d: message events must reach the sender too", i)
		}
	}
}

func TestPipelineDeletePayload(t *testing.T) {
	b := &fakeBroadcaster{}
	New(b).MessageDeleted("m9", "srv-2")

	decoded, err := protocol.Decode(b.calls[0].ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := decoded.(*protocol.MessageDeletedPayload)
	if !ok || p.MessageID != "m9" || p.ServerID != "srv-2" {
		t.Fatalf("unexpected payload: %#v", decoded)
	}
}
