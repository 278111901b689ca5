package client

import (
	"sort"
	"sync"
	"time"

	"vox/internal/protocol"
)

// typingIdle is how long after the last keystroke the notifier reports
// that the user stopped typing.
const typingIdle = 2 * time.Second

// TypingView aggregates who is currently typing in one room, as seen
// from one user. The local user is never included in their own view.
type TypingView struct {
	mu     sync.Mutex
	selfID string
	users  map[string]string // user id -> username
}

// NewTypingView creates an empty view for the given local user.
func NewTypingView(selfID string) *TypingView {
	return &TypingView{selfID: selfID, users: make(map[string]string)}
}

// Apply folds one typing event into the view.
func (v *TypingView) Apply(p protocol.TypingPayload) {
	if p.UserID == "" || p.UserID == v.selfID {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if p.Typing {
		v.users[p.UserID] = p.Username
	} else {
		delete(v.users, p.UserID)
	}
}

// Clear drops a user, typically because they left the room.
func (v *TypingView) Clear(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.users, userID)
}

// Reset empties the view, for room switches and reconnects.
func (v *TypingView) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.users {
		delete(v.users, id)
	}
}

// Active returns the usernames currently typing, sorted for stable
// rendering.
func (v *TypingView) Active() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make([]string, 0, len(v.users))
	for _, name := range v.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypingNotifier debounces local keystrokes into typing events: the
// first keystroke emits typing=true, sustained input emits nothing,
// and going idle emits typing=false without the caller doing anything.
type TypingNotifier struct {
	mu     sync.Mutex
	send   func(typing bool)
	idle   time.Duration
	timer  *time.Timer
	active bool
}

// NewTypingNotifier wires a notifier to a send function. The send
// function must not block.
func NewTypingNotifier(send func(typing bool)) *TypingNotifier {
	return &TypingNotifier{send: send, idle: typingIdle}
}

// Input records a keystroke.
func (n *TypingNotifier) Input() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		n.active = true
		n.send(true)
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.idle, n.expire)
}

// Stop emits a final typing=false if one is pending, for message send
// and room switch.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.active {
		n.active = false
		n.send(false)
	}
}

func (n *TypingNotifier) expire() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active {
		n.active = false
		n.send(false)
	}
}
