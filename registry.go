// registry.go
// The registry is the one piece of state shared across connection
// goroutines: a mutex-guarded map of conversation id -> live sessions.
// It holds nothing persistent; a process restart drops all memberships
// and clients are expected to reconnect.
package main

import (
	"errors"
	"sync"
)

var ErrConversationFull = errors.New("conversation is full")

type Registry struct {
	mu         sync.Mutex
	maxMembers int
	// conversation id -> member set
	conversations map[string]map[*Session]bool
}

// NewRegistry creates a registry bounding each conversation's fan-out to
// maxMembers live sessions (0 = unbounded).
func NewRegistry(maxMembers int) *Registry {
	return &Registry{
		maxMembers:    maxMembers,
		conversations: make(map[string]map[*Session]bool),
	}
}

// Add registers a session under its conversation. Fails only when the
// conversation already holds the configured member bound.
func (r *Registry) Add(convID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.conversations[convID]
	if members == nil {
		members = make(map[*Session]bool)
		r.conversations[convID] = members
	}
	if r.maxMembers > 0 && len(members) >= r.maxMembers {
		return ErrConversationFull
	}
	members[s] = true
	return nil
}

// Remove deregisters a session and shuts down its outbound channel.
// Safe to call more than once for the same session.
func (r *Registry) Remove(convID string, s *Session) {
	r.mu.Lock()
	if members, ok := r.conversations[convID]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(r.conversations, convID)
		}
	}
	r.mu.Unlock()
	s.closeSend()
}

// Broadcast delivers payload to every session in the conversation,
// including the sender's own; clients deduplicate their echo. A session
// that cannot accept the write is torn down and skipped — never an
// error for the broadcaster.
func (r *Registry) Broadcast(convID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.conversations[convID]
	for s := range members {
		if !s.enqueue(payload) {
			delete(members, s)
			s.closeSend()
		}
	}
	if len(members) == 0 {
		delete(r.conversations, convID)
	}
}

// Members reports the current fan-out size of a conversation.
func (r *Registry) Members(convID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations[convID])
}
