package client

import (
	"testing"
	"time"

	"vox/internal/protocol"
)

func confirmed(id, authorID, content string, at time.Time) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:        id,
		ServerID:  "s1",
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: at,
	}
}

func ids(t *testing.T, c *Cache) []string {
	t.Helper()
	var out []string
	for _, m := range c.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestOptimisticSendReconcilesToOneEntry(t *testing.T) {
	c := NewCache("s1", "u1")

	tempID := c.AddOptimistic("hello", nil, "n1")
	if got := c.Messages(); len(got) != 1 || got[0].Status != StatusSending {
		t.Fatalf("expected one sending entry, got %+v", got)
	}

	msg := confirmed("m42", "u1", "hello", time.Now())
	msg.Nonce = "n1"
	c.ApplyNew(msg)

	got := c.Messages()
	if len(got) != 1 {
		t.Fatalf("expected exactly one entry after reconcile, got %d", len(got))
	}
	if got[0].ID != "m42" || got[0].Status != StatusSent {
		t.Fatalf("expected confirmed m42, got %+v", got[0])
	}
	if _, ok := c.byID[tempID]; ok {
		t.Fatal("temporary id must be dropped from the index")
	}
}

func TestApplyNewMatchesByAuthorAndContentWithoutNonce(t *testing.T) {
	c := NewCache("s1", "u1")
	c.AddOptimistic("same words", nil, "n1")

	c.ApplyNew(confirmed("m1", "u1", "same words", time.Now()))

	if got := c.Messages(); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected fallback match to reconcile, got %+v", got)
	}
}

func TestApplyNewIgnoresDuplicateID(t *testing.T) {
	c := NewCache("s1", "u1")
	msg := confirmed("m1", "u2", "hi", time.Now())

	c.ApplyNew(msg)
	c.ApplyNew(msg)

	if c.Len() != 1 {
		t.Fatalf("expected single entry, got %d", c.Len())
	}
}

func TestApplyNewKeepsAscendingOrder(t *testing.T) {
	c := NewCache("s1", "u1")
	base := time.Now()

	c.ApplyNew(confirmed("m2", "u2", "second", base.Add(2*time.Second)))
	c.ApplyNew(confirmed("m1", "u2", "first", base.Add(time.Second)))
	c.ApplyNew(confirmed("m3", "u2", "third", base.Add(3*time.Second)))

	want := []string{"m1", "m2", "m3"}
	got := ids(t, c)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v", got)
		}
	}
}

func TestConfirmedInsertsBeforeOptimisticTail(t *testing.T) {
	c := NewCache("s1", "u1")
	base := time.Now()

	c.ApplyNew(confirmed("m1", "u2", "old", base))
	c.AddOptimistic("pending", nil, "n1")
	c.ApplyNew(confirmed("m2", "u2", "arrives later", base.Add(time.Hour)))

	got := c.Messages()
	if len(got) != 3 {
		t.Fatalf("expected three entries, got %+v", got)
	}
	if got[0].ID != "m1" || got[1].ID != "m2" || !got[2].Optimistic() {
		t.Fatalf("optimistic entry must stay at the tail, got %v", ids(t, c))
	}
}

func TestApplyUpdatedOutsideWindowIsNoop(t *testing.T) {
	c := NewCache("s1", "u1")

	c.ApplyUpdated(confirmed("m99", "u2", "edited", time.Now()))
	if c.Len() != 0 {
		t.Fatal("update for uncached message must not create an entry")
	}

	c.ApplyNew(confirmed("m1", "u2", "before", time.Now()))
	edited := confirmed("m1", "u2", "after", time.Now())
	c.ApplyUpdated(edited)
	if got := c.Messages(); got[0].Content != "after" {
		t.Fatalf("expected edit applied, got %+v", got[0])
	}
}

func TestApplyDeleted(t *testing.T) {
	c := NewCache("s1", "u1")
	c.ApplyNew(confirmed("m1", "u2", "a", time.Now()))
	c.ApplyNew(confirmed("m2", "u2", "b", time.Now().Add(time.Second)))

	c.ApplyDeleted("m1")
	c.ApplyDeleted("m99")

	if got := ids(t, c); len(got) != 1 || got[0] != "m2" {
		t.Fatalf("expected only m2, got %v", got)
	}
}

func TestMarkFailedRetainsEntry(t *testing.T) {
	c := NewCache("s1", "u1")
	tempID := c.AddOptimistic("doomed", nil, "n1")

	c.MarkFailed(tempID)

	got := c.Messages()
	if len(got) != 1 || got[0].Status != StatusFailed {
		t.Fatalf("failed send must stay visible, got %+v", got)
	}

	// A later broadcast with the same content must not consume the
	// failed placeholder.
	c.ApplyNew(confirmed("m1", "u1", "doomed", time.Now()))
	if c.Len() != 2 {
		t.Fatalf("failed entry must not be matched, got %v", ids(t, c))
	}
}

func TestRemoveOptimisticOnlyTouchesPlaceholders(t *testing.T) {
	c := NewCache("s1", "u1")
	c.ApplyNew(confirmed("m1", "u2", "real", time.Now()))
	tempID := c.AddOptimistic("discard me", nil, "n1")
	c.MarkFailed(tempID)

	c.RemoveOptimistic(tempID)
	c.RemoveOptimistic("m1")

	if got := ids(t, c); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("confirmed entry must survive, got %v", got)
	}
}

func TestThinkingPlaceholderClearedByAuthorMessage(t *testing.T) {
	c := NewCache("s1", "u1")
	c.AddThinking(protocol.Member{UserID: "bot", Username: "helper"})

	c.ApplyNew(confirmed("m1", "bot", "an answer", time.Now()))

	got := c.Messages()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("thinking placeholder must be replaced, got %+v", got)
	}
}

func TestOldestCursorSkipsOptimistic(t *testing.T) {
	c := NewCache("s1", "u1")
	c.AddOptimistic("pending", nil, "n1")

	if _, ok := c.OldestCursor(); ok {
		t.Fatal("no cursor without confirmed entries")
	}

	at := time.Now().Add(-time.Hour)
	c.ApplyNew(confirmed("m1", "u2", "old", at))
	cursor, ok := c.OldestCursor()
	if !ok || !cursor.Equal(at) {
		t.Fatalf("expected cursor %v, got %v (%v)", at, cursor, ok)
	}
}

func TestPrependOlderDedupsAndAnchors(t *testing.T) {
	c := NewCache("s1", "u1")
	base := time.Now()
	c.ApplyNew(confirmed("m3", "u2", "newest", base))

	added := c.PrependOlder([]protocol.MessagePayload{
		confirmed("m2", "u2", "older", base.Add(-time.Second)),
		confirmed("m1", "u2", "oldest", base.Add(-2*time.Second)),
		confirmed("m3", "u2", "newest", base),
	})

	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
	if got := ids(t, c); got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Fatalf("unexpected order %v", got)
	}
	if c.ScrollAnchor() != "m3" {
		t.Fatalf("anchor should be previous oldest, got %q", c.ScrollAnchor())
	}
}

func TestResetForReconnect(t *testing.T) {
	c := NewCache("s1", "u1")
	c.ApplyNew(confirmed("m1", "u2", "kept", time.Now()))
	failedID := c.AddOptimistic("failed send", nil, "n1")
	c.MarkFailed(failedID)
	c.AddOptimistic("in flight", nil, "n2")

	c.ResetForReconnect()

	got := c.Messages()
	if len(got) != 2 {
		t.Fatalf("expected confirmed and failed to survive, got %+v", got)
	}
	if got[0].ID != "m1" || got[1].Status != StatusFailed {
		t.Fatalf("unexpected survivors %+v", got)
	}
}
