package server

import (
	"sync"

	"github.com/comigor/crm-query-widget/internal/conversation"
)

// Event is one server-sent event for a widget page.
type Event struct {
	Name string
	Data any
}

type removePayload struct {
	ID string `json:"id"`
}

type inputPayload struct {
	Cleared bool  `json:"cleared,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

type snapshotPayload struct {
	Messages     []conversation.Message `json:"messages"`
	InputEnabled bool                   `json:"input_enabled"`
}

const subscriberBuffer = 64

// hub fans controller and store changes out to the page's event streams. A
// subscriber that falls behind is dropped; its page reconnects and receives
// a fresh snapshot.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Appended implements conversation.View.
func (h *hub) Appended(m conversation.Message) {
	h.publish(Event{Name: "append", Data: m})
}

// Removed implements conversation.View.
func (h *hub) Removed(id string) {
	h.publish(Event{Name: "remove", Data: removePayload{ID: id}})
}

// InputCleared implements controller.View.
func (h *hub) InputCleared() {
	h.publish(Event{Name: "input", Data: inputPayload{Cleared: true}})
}

// InputEnabled implements controller.View.
func (h *hub) InputEnabled(enabled bool) {
	h.publish(Event{Name: "input", Data: inputPayload{Enabled: &enabled}})
}
