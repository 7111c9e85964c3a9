package takeover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
)

// fakeBackend is a scriptable Backend. hooks run before an operation reads
// its scripted result, without the lock held, so tests can block a call.
type fakeBackend struct {
	mu sync.Mutex

	convs    []api.Conversation
	details  map[string]*api.ConversationDetail
	statuses []api.ProcessingStatus
	unread   int

	listErr     error
	convErr     error
	sendErr     error
	takeoverErr error
	retryErr    error
	deleteErr   error
	sendEcho    bool

	calls   map[string]int
	hooks   map[string]func()
	sent    []string
	reasons []string
	nextID  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		details: map[string]*api.ConversationDetail{},
		calls:   map[string]int{},
		hooks:   map[string]func(){},
	}
}

func (f *fakeBackend) enter(op string) {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) ListConversations(ctx context.Context, tenantID string, filter api.Filter) ([]api.Conversation, error) {
	f.enter("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []api.Conversation
	for _, c := range f.convs {
		switch {
		case filter == api.FilterTakeover && !c.IsTakeover:
		case filter == api.FilterBot && c.IsTakeover:
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeBackend) Conversation(ctx context.Context, tenantID, key string) (*api.ConversationDetail, error) {
	f.enter("conversation")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	d, ok := f.details[key]
	if !ok {
		return nil, &api.Error{Op: "get conversation", Kind: api.KindNotFound, Status: 404, Message: "conversation not found"}
	}
	cp := *d
	cp.Messages = append([]api.Message(nil), d.Messages...)
	return &cp, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, tenantID, key string) error {
	f.enter("read")
	return nil
}

func (f *fakeBackend) Send(ctx context.Context, tenantID, key, text string) (*api.Message, error) {
	f.enter("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, text)
	f.nextID++
	msg := api.Message{
		ID:        fmt.Sprintf("out-%d", f.nextID),
		Text:      text,
		Direction: api.DirectionOut,
		Source:    api.SourceAdmin,
		Timestamp: time.Now(),
	}
	if d, ok := f.details[key]; ok {
		d.Messages = append(d.Messages, msg)
	}
	if !f.sendEcho {
		return nil, nil
	}
	return &msg, nil
}

func (f *fakeBackend) DeleteConversation(ctx context.Context, tenantID, key string) error {
	f.enter("delete")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeBackend) Retry(ctx context.Context, tenantID, key string) error {
	f.enter("retry")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retryErr
}

func (f *fakeBackend) StartTakeover(ctx context.Context, tenantID, key, reason string) error {
	f.enter("start_takeover")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeoverErr != nil {
		return f.takeoverErr
	}
	f.reasons = append(f.reasons, reason)
	f.setTakeover(key, true)
	return nil
}

func (f *fakeBackend) EndTakeover(ctx context.Context, tenantID, key string) error {
	f.enter("end_takeover")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeoverErr != nil {
		return f.takeoverErr
	}
	f.setTakeover(key, false)
	return nil
}

// setTakeover updates the scripted state. Caller holds f.mu.
func (f *fakeBackend) setTakeover(key string, on bool) {
	for i := range f.convs {
		if f.convs[i].Key == key {
			f.convs[i].IsTakeover = on
		}
	}
	if d, ok := f.details[key]; ok {
		d.Conversation.IsTakeover = on
	}
}

func (f *fakeBackend) ProcessingStatuses(ctx context.Context, tenantID string) ([]api.ProcessingStatus, error) {
	f.enter("statuses")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ProcessingStatus(nil), f.statuses...), nil
}

func (f *fakeBackend) UnreadCount(ctx context.Context, tenantID string) (int, error) {
	f.enter("unread")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}
