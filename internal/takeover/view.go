package takeover

import (
	"github.com/kelurahan/switchboard/internal/api"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventSuccess EventKind = iota + 1
	EventError
)

// Event is a transient notice about a mutating action.
type Event struct {
	Kind    EventKind
	Op      string
	Key     string
	Message string
	Err     error
}

// Owner is the active responder of a conversation.
type Owner string

const (
	OwnerAI    Owner = "ai"
	OwnerHuman Owner = "human"
)

// ConversationView is one row of the conversation list as displayed.
type ConversationView struct {
	api.Conversation
	Owner           Owner
	PendingTakeover bool                  // a takeover change is in flight
	Processing      *api.ProcessingStatus // nil when no AI turn is in flight
}

// View is a consistent snapshot of the coordinator's state.
type View struct {
	Filter        api.Filter
	Loading       bool
	Loaded        bool
	Conversations []ConversationView
	Unread        int

	Selected    string
	Detail      *ConversationView
	Messages    []api.Message
	NewMessages int    // arrived while scrolled up
	ScrollSeq   uint64 // changes whenever the view should scroll to the bottom
	Draft       string
}

// View returns a snapshot of the current state.
func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		Filter:      c.filter,
		Loading:     c.loading,
		Loaded:      c.loaded,
		Unread:      c.unread,
		NewMessages: c.scroll.Unseen(),
		ScrollSeq:   c.scrollSeq,
		Draft:       c.draft,
	}
	v.Conversations = make([]ConversationView, 0, len(c.convs))
	for _, conv := range c.convs {
		v.Conversations = append(v.Conversations, c.viewOf(conv))
	}
	v.Selected, _ = c.sel.Current()
	if c.detail != nil {
		d := c.viewOf(*c.detail)
		v.Detail = &d
	}
	v.Messages = make([]api.Message, len(c.messages))
	copy(v.Messages, c.messages)
	return v
}

// viewOf overlays optimistic and ephemeral state. Caller holds c.mu.
func (c *Coordinator) viewOf(conv api.Conversation) ConversationView {
	cv := ConversationView{Conversation: conv}
	if o, ok := c.takeover[conv.Key]; ok {
		cv.IsTakeover = o.Value()
		cv.PendingTakeover = o.Pending()
	}
	cv.Owner = OwnerAI
	if cv.IsTakeover {
		cv.Owner = OwnerHuman
	}
	if s, ok := c.statuses[conv.Key]; ok && !cv.IsTakeover {
		s := s
		cv.Processing = &s
	}
	return cv
}
