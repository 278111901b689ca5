package core

import (
	"testing"
	"time"

	"vox/internal/protocol"
)

func connectUser(t *testing.T, r *Registry, connID, userID, username string) *Session {
	t.Helper()
	sess, err := r.Connect(connID, protocol.Member{UserID: userID, Username: username}, 16)
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return sess
}

// drain pulls buffered events off a session without blocking.
func drain(sess *Session) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev := <-sess.Send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(events []protocol.Event, eventType string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func decodePayload[T any](t *testing.T, ev protocol.Event) *T {
	t.Helper()
	decoded, err := protocol.Decode(ev)
	if err != nil {
		t.Fatalf("decode %s: %v", ev.Type, err)
	}
	p, ok := decoded.(*T)
	if !ok {
		t.Fatalf("unexpected payload type %T for %s", decoded, ev.Type)
	}
	return p
}

func TestJoinRoomSendsSnapshotAndArrival(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")

	if !r.JoinRoom("u1", "srv-1") {
		t.Fatal("alice join failed")
	}
	aliceEvents := drain(alice)
	if countType(aliceEvents, protocol.TypeServerState) != 1 {
		t.Fatalf("expected one snapshot for alice, got %#v", aliceEvents)
	}

	if !r.JoinRoom("u2", "srv-1") {
		t.Fatal("bob join failed")
	}

	bobEvents := drain(bob)
	if countType(bobEvents, protocol.TypeServerState) != 1 {
		t.Fatalf("expected one snapshot for bob, got %#v", bobEvents)
	}
	snap := decodePayload[protocol.ServerStatePayload](t, bobEvents[len(bobEvents)-1])
	if len(snap.Users) != 2 || snap.Users[0].UserID != "u1" || snap.Users[1].UserID != "u2" {
		t.Fatalf("unexpected snapshot members: %#v", snap.Users)
	}

	aliceEvents = drain(alice)
	if countType(aliceEvents, protocol.TypeUserJoined) != 1 {
		t.Fatalf("expected arrival notice for alice, got %#v", aliceEvents)
	}
	joined := decodePayload[protocol.UserJoinedPayload](t, aliceEvents[0])
	if joined.User.UserID != "u2" || joined.ServerID != "srv-1" {
		t.Fatalf("unexpected arrival payload: %#v", joined)
	}
}

func TestJoinRoomSwitchSynthesizesLeave(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	carol := connectUser(t, r, "c3", "u3", "carol")

	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	r.JoinRoom("u3", "srv-2")
	drain(alice)
	drain(bob)
	drain(carol)

	// Alice switches rooms without an explicit leave.
	r.JoinRoom("u1", "srv-2")

	bobEvents := drain(bob)
	if countType(bobEvents, protocol.TypeUserLeft) != 1 {
		t.Fatalf("expected departure in srv-1, got %#v", bobEvents)
	}
	left := decodePayload[protocol.UserLeftPayload](t, bobEvents[0])
	if left.UserID != "u1" || left.ServerID != "srv-1" {
		t.Fatalf("unexpected departure payload: %#v", left)
	}

	carolEvents := drain(carol)
	if countType(carolEvents, protocol.TypeUserJoined) != 1 {
		t.Fatalf("expected arrival in srv-2, got %#v", carolEvents)
	}

	if room, _ := r.UserRoom("u1"); room != "srv-2" {
		t.Fatalf("expected u1 in srv-2, got %q", room)
	}
	if members := r.RoomMembers("srv-1"); len(members) != 1 || members[0].UserID != "u2" {
		t.Fatalf("unexpected srv-1 members: %#v", members)
	}
}

func TestJoinRoomSameRoomResendsSnapshotOnly(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")

	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	drain(alice)
	drain(bob)

	r.JoinRoom("u1", "srv-1")

	aliceEvents := drain(alice)
	if len(aliceEvents) != 1 || aliceEvents[0].Type != protocol.TypeServerState {
		t.Fatalf("expected snapshot only, got %#v", aliceEvents)
	}
	if bobEvents := drain(bob); len(bobEvents) != 0 {
		t.Fatalf("expected no events for bob, got %#v", bobEvents)
	}
}

func TestJoinRoomUnknownUserIsSilentNoop(t *testing.T) {
	r := NewRegistry()
	if r.JoinRoom("ghost", "srv-1") {
		t.Fatal("expected join to be ignored for unknown user")
	}
	if members := r.RoomMembers("srv-1"); len(members) != 0 {
		t.Fatalf("expected empty room, got %#v", members)
	}
}

func TestLeaveRoomNotMemberIsNoop(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	r.JoinRoom("u2", "srv-1")
	drain(alice)
	drain(bob)

	r.LeaveRoom("u1", "srv-1")

	if events := drain(bob); len(events) != 0 {
		t.Fatalf("expected no departure, got %#v", events)
	}
}

func TestBroadcastToRoomTargetsExactlyMembers(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	carol := connectUser(t, r, "c3", "u3", "carol")

	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	r.JoinRoom("u3", "srv-2")
	drain(alice)
	drain(bob)
	drain(carol)

	ev := protocol.MustEvent(protocol.TypeMessageNew, protocol.MessageNewPayload{
		Message: protocol.MessagePayload{ID: "m1", ServerID: "srv-1"},
	})
	r.BroadcastToRoom("srv-1", ev, "")

	if n := countType(drain(alice), protocol.TypeMessageNew); n != 1 {
		t.Fatalf("alice received %d copies, want 1", n)
	}
	if n := countType(drain(bob), protocol.TypeMessageNew); n != 1 {
		t.Fatalf("bob received %d copies, want 1", n)
	}
	if n := countType(drain(carol), protocol.TypeMessageNew); n != 0 {
		t.Fatalf("carol received %d copies, want 0", n)
	}
}

func TestBroadcastExcludesLeftMember(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	r.LeaveRoom("u2", "srv-1")
	drain(alice)
	drain(bob)

	r.BroadcastToRoom("srv-1", protocol.MustEvent(protocol.TypeTyping, protocol.TypingPayload{ServerID: "srv-1", Typing: true}), "")

	if n := countType(drain(bob), protocol.TypeTyping); n != 0 {
		t.Fatalf("bob received %d events after leaving, want 0", n)
	}
	if n := countType(drain(alice), protocol.TypeTyping); n != 1 {
		t.Fatalf("alice received %d events, want 1", n)
	}
}

func TestBroadcastExceptUser(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	drain(alice)
	drain(bob)

	r.BroadcastToRoom("srv-1", protocol.MustEvent(protocol.TypeTyping, protocol.TypingPayload{ServerID: "srv-1", UserID: "u1", Typing: true}), "u1")

	if n := countType(drain(alice), protocol.TypeTyping); n != 0 {
		t.Fatalf("sender received %d events, want 0", n)
	}
	if n := countType(drain(bob), protocol.TypeTyping); n != 1 {
		t.Fatalf("bob received %d events, want 1", n)
	}
}

func TestUnregisterKeepsMembershipForCallerTeardown(t *testing.T) {
	r := NewRegistry()
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")
	r.JoinRoom("u1", "srv-1")
	r.JoinRoom("u2", "srv-1")
	drain(alice)
	drain(bob)

	userID, last := r.Unregister("c1")
	if userID != "u1" || !last {
		t.Fatalf("unexpected unregister result: %q %v", userID, last)
	}
	// Teardown ordering belongs to the caller.
	if room, ok := r.UserRoom("u1"); !ok || room != "srv-1" {
		t.Fatalf("expected membership retained until explicit leave, got %q %v", room, ok)
	}

	r.LeaveCurrentRoom("u1")
	bobEvents := drain(bob)
	if countType(bobEvents, protocol.TypeUserLeft) != 1 {
		t.Fatalf("expected one departure, got %#v", bobEvents)
	}
	if _, ok := r.UserRoom("u1"); ok {
		t.Fatal("expected membership cleared")
	}
}

func TestConnectRejectsMissingIdentity(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Connect("c1", protocol.Member{}, 8); err == nil {
		t.Fatal("expected error for empty user id")
	}
	if _, err := r.Connect("", protocol.Member{UserID: "u1"}, 8); err == nil {
		t.Fatal("expected error for empty conn id")
	}
}

func TestConnectDuplicateConnID(t *testing.T) {
	r := NewRegistry()
	connectUser(t, r, "c1", "u1", "alice")
	if _, err := r.Connect("c1", protocol.Member{UserID: "u2", Username: "bob"}, 8); err == nil {
		t.Fatal("expected error for duplicate connection id")
	}
}

func TestSendAfterUnregisterDoesNotPanic(t *testing.T) {
	r := NewRegistry()
	sess := connectUser(t, r, "c1", "u1", "alice")
	r.JoinRoom("u1", "srv-1")
	drain(sess)
	r.Unregister("c1")

	// The closed send channel must be absorbed by trySend.
	r.BroadcastToRoom("srv-1", protocol.MustEvent(protocol.TypeTyping, protocol.TypingPayload{ServerID: "srv-1"}), "")
}

func TestSnapshotIncludesVoiceStates(t *testing.T) {
	r := NewRegistry()
	p := NewPresence(r, nil)
	alice := connectUser(t, r, "c1", "u1", "alice")
	bob := connectUser(t, r, "c2", "u2", "bob")

	r.JoinRoom("u1", "srv-1")
	drain(alice)
	if !p.JoinVoice("u1", "srv-1") {
		t.Fatal("voice join failed")
	}
	drain(alice)

	r.JoinRoom("u2", "srv-1")
	bobEvents := drain(bob)
	var snap *protocol.ServerStatePayload
	for _, ev := range bobEvents {
		if ev.Type == protocol.TypeServerState {
			snap = decodePayload[protocol.ServerStatePayload](t, ev)
		}
	}
	if snap == nil {
		t.Fatalf("no snapshot received: %#v", bobEvents)
	}
	if len(snap.VoiceStates) != 1 || snap.VoiceStates[0].UserID != "u1" {
		t.Fatalf("unexpected voice states in snapshot: %#v", snap.VoiceStates)
	}
	if snap.VoiceStates[0].ConnectedAt.After(time.Now()) {
		t.Fatalf("voice connected_at in the future: %v", snap.VoiceStates[0].ConnectedAt)
	}
}
