// Package conversation keeps the ordered log of messages shown in one widget.
//
// The log is append-only apart from Remove, which exists so the transient
// loading placeholder can be retracted once its answer arrives.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/crm-query-widget/internal/sanitize"
)

// ErrInvalidRole is returned when appending a message with an unknown role.
var ErrInvalidRole = errors.New("invalid message role")

// View mirrors the log somewhere visible. Appended is expected to create the
// message node and scroll to it.
type View interface {
	Appended(msg Message)
	Removed(id string)
}

type nopView struct{}

func (nopView) Appended(Message) {}
func (nopView) Removed(string)   {}

// Store is the ordered message log of one widget instance.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	view     View
	now      func() time.Time
}

// NewStore creates an empty store mirrored to view. A nil view is allowed.
func NewStore(view View) *Store {
	if view == nil {
		view = nopView{}
	}
	return &Store{view: view, now: time.Now}
}

// Append adds a message at the end of the log and returns its id. content
// must already be rendered markup; it is filtered through the widget markup
// policy before it is stored.
func (s *Store) Append(role Role, content string) (string, error) {
	if !role.Valid() {
		return "", ErrInvalidRole
	}
	msg := Message{
		ID:        "msg-" + uuid.NewString(),
		Role:      role,
		Content:   sanitize.Fragment(content),
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.view.Appended(msg)
	return msg.ID, nil
}

// Remove deletes the message with the given id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	s.mu.Unlock()

	s.view.Removed(id)
}

// Get looks up a message by id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexOf(id); idx >= 0 {
		return s.messages[idx], true
	}
	return Message{}, false
}

// Messages returns a copy of the log in append order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) indexOf(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
