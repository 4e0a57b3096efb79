// Package transport is the client side of the chat stream: it sends user
// messages to the backend, decodes the chunk stream and folds it into the
// message list consumed by the session.
package transport

import (
	"sync"

	"goa.design/hitl/runtime/hitl/message"
)

// Store holds the message list. It is safe for concurrent use and never
// calls out while holding its lock.
type Store struct {
	mu   sync.RWMutex
	msgs []*message.Message
}

// NewStore returns a store seeded with msgs.
func NewStore(msgs ...*message.Message) *Store {
	return &Store{msgs: append([]*message.Message(nil), msgs...)}
}

// Messages returns the current list. The returned slice must not be
// modified; use UpdateMessages to change it.
func (s *Store) Messages() []*message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msgs
}

// SetMessages replaces the list.
func (s *Store) SetMessages(msgs []*message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = msgs
}

// UpdateMessages replaces the list with fn applied to the current list. fn
// runs under the store lock and must not call back into the store.
func (s *Store) UpdateMessages(fn func([]*message.Message) []*message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = fn(s.msgs)
}
