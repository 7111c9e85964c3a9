// Package takeover arbitrates between the AI agent and a human admin for each
// conversation of a tenant. It mirrors the backend's conversation list,
// processing statuses and the selected conversation's timeline through a
// polling loop, and applies admin mutations optimistically.
package takeover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/notify"
	"github.com/kelurahan/switchboard/internal/poll"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the conversation and processing-status poll cadence.
const DefaultPollInterval = 3 * time.Second

// eventBuffer bounds undelivered events; older toasts are dropped past it.
const eventBuffer = 32

// Backend is the subset of the backend contract the coordinator consumes.
// *api.Client satisfies it.
type Backend interface {
	ListConversations(ctx context.Context, tenantID string, filter api.Filter) ([]api.Conversation, error)
	Conversation(ctx context.Context, tenantID, key string) (*api.ConversationDetail, error)
	MarkRead(ctx context.Context, tenantID, key string) error
	Send(ctx context.Context, tenantID, key, text string) (*api.Message, error)
	DeleteConversation(ctx context.Context, tenantID, key string) error
	Retry(ctx context.Context, tenantID, key string) error
	StartTakeover(ctx context.Context, tenantID, key, reason string) error
	EndTakeover(ctx context.Context, tenantID, key string) error
	ProcessingStatuses(ctx context.Context, tenantID string) ([]api.ProcessingStatus, error)
	UnreadCount(ctx context.Context, tenantID string) (int, error)
}

// Coordinator holds the tenant's conversation mirror. All methods are safe
// for concurrent use; no lock is held across a backend call.
type Coordinator struct {
	backend  Backend
	tenantID string
	log      *logrus.Entry
	audit    *logrus.Logger
	alerter  notify.Notifier
	interval time.Duration
	sel      *Selection
	events   chan Event

	mu        sync.Mutex
	epoch     uint64            // bumped by every optimistic mutation and its resolution
	deleted   map[string]uint64 // deleted key -> epoch of the deletion
	filter    api.Filter
	loading   bool
	loaded    bool
	convs     []api.Conversation
	takeover  map[string]*Optimistic[bool]
	statuses  map[string]api.ProcessingStatus
	unread    int
	detail    *api.Conversation
	messages  []api.Message
	scroll    *ScrollTracker
	scrollSeq uint64
	draft     string
	visible   bool
	task      *poll.Task
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	Backend         Backend
	TenantID        string
	Log             *logrus.Logger  // defaults to logging.App()
	Audit           *logrus.Logger  // defaults to logging.Audit()
	Alerter         notify.Notifier // optional; receives AI failure alerts
	PollInterval    time.Duration   // defaults to DefaultPollInterval
	ScrollThreshold int             // pixels; defaults to DefaultScrollThreshold
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("takeover: backend is required")
	}
	if opts.TenantID == "" {
		return nil, fmt.Errorf("takeover: tenant id is required")
	}
	log := opts.Log
	if log == nil {
		log = logging.App()
	}
	audit := opts.Audit
	if audit == nil {
		audit = logging.Audit()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = notify.Nop{}
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Coordinator{
		backend:  opts.Backend,
		tenantID: opts.TenantID,
		log:      log.WithFields(logrus.Fields{"component": "takeover", "tenant_id": opts.TenantID}),
		audit:    audit,
		alerter:  alerter,
		interval: interval,
		sel:      &Selection{},
		events:   make(chan Event, eventBuffer),
		filter:   api.FilterAll,
		takeover: map[string]*Optimistic[bool]{},
		deleted:  map[string]uint64{},
		statuses: map[string]api.ProcessingStatus{},
		scroll:   NewScrollTracker(opts.ScrollThreshold),
		visible:  true,
	}, nil
}

// Events delivers transient success and failure notices for mutating actions.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	default:
		c.log.WithField("op", e.Op).Debug("event dropped, buffer full")
	}
}

func (c *Coordinator) fail(op, key string, err error) error {
	c.log.WithError(err).WithFields(logrus.Fields{"op": op, "key": key}).Warn("action failed")
	c.emit(Event{Kind: EventError, Op: op, Key: key, Message: api.MessageOf(err), Err: err})
	return fmt.Errorf("takeover: %s: %w", op, err)
}

func (c *Coordinator) succeed(op, key, msg string) {
	c.emit(Event{Kind: EventSuccess, Op: op, Key: key, Message: msg})
}

// --- conversation list ---

// SetFilter changes which conversations are listed. A running poll loop
// fetches immediately.
func (c *Coordinator) SetFilter(f api.Filter) {
	if f == "" {
		f = api.FilterAll
	}
	c.mu.Lock()
	c.filter = f
	task := c.task
	c.mu.Unlock()
	if task != nil {
		task.Trigger()
	}
}

// Refresh fetches the conversation list. A silent refresh is a background
// poll: it never marks the view loading and only logs failures. On failure
// the held list is kept.
func (c *Coordinator) Refresh(ctx context.Context, silent bool) error {
	c.mu.Lock()
	filter := c.filter
	pollEpoch := c.epoch
	if !silent {
		c.loading = true
	}
	c.mu.Unlock()

	convs, err := c.backend.ListConversations(ctx, c.tenantID, filter)

	c.mu.Lock()
	if !silent {
		c.loading = false
	}
	if err != nil {
		c.mu.Unlock()
		if silent {
			c.log.WithError(err).Debug("conversation poll failed")
			return fmt.Errorf("takeover: list conversations: %w", err)
		}
		return c.fail("list conversations", "", err)
	}
	if filter != c.filter {
		// The filter changed while this fetch was in flight.
		c.mu.Unlock()
		return nil
	}
	failed := c.applyConversations(convs, pollEpoch)
	c.mu.Unlock()

	for _, conv := range failed {
		c.alertAIError(ctx, conv)
	}
	return nil
}

// applyConversations reconciles a polled list with the held one and returns
// conversations that newly entered the AI error state. Caller holds c.mu.
func (c *Coordinator) applyConversations(convs []api.Conversation, pollEpoch uint64) []api.Conversation {
	prev := make(map[string]api.Conversation, len(c.convs))
	for _, conv := range c.convs {
		prev[conv.Key] = conv
	}

	for key, at := range c.deleted {
		if pollEpoch >= at {
			delete(c.deleted, key)
		}
	}

	var failed []api.Conversation
	kept := make([]api.Conversation, 0, len(convs))
	seen := make(map[string]bool, len(convs))
	for _, conv := range convs {
		if _, gone := c.deleted[conv.Key]; gone {
			// Listed by a poll issued before the deletion.
			continue
		}
		seen[conv.Key] = true
		o, ok := c.takeover[conv.Key]
		if !ok {
			c.takeover[conv.Key] = NewOptimistic(conv.IsTakeover)
		} else if !o.Observe(conv.IsTakeover, pollEpoch) {
			if p, had := prev[conv.Key]; had {
				conv.IsTakeover = p.IsTakeover
				conv.TakeoverReason = p.TakeoverReason
				conv.TakeoverAt = p.TakeoverAt
			}
		}
		kept = append(kept, conv)
		if conv.AIStatus == api.AIStatusError {
			if p, had := prev[conv.Key]; c.loaded && (!had || p.AIStatus != api.AIStatusError) {
				failed = append(failed, conv)
			}
		}
	}
	for key, o := range c.takeover {
		if !seen[key] && !o.Pending() {
			delete(c.takeover, key)
		}
	}
	c.convs = kept
	c.loaded = true
	return failed
}

func (c *Coordinator) alertAIError(ctx context.Context, conv api.Conversation) {
	name := conv.DisplayName
	if name == "" {
		name = conv.Key
	}
	err := c.alerter.Notify(ctx, notify.Alert{
		Title:    "AI processing failed",
		Body:     fmt.Sprintf("Conversation with %s: %s", name, conv.AIErrorMessage),
		Severity: notify.SeverityError,
		Fields: []notify.Field{
			{Name: "Tenant", Value: c.tenantID, Short: true},
			{Name: "Conversation", Value: conv.Key, Short: true},
		},
	})
	if err != nil {
		c.log.WithError(err).Warn("alert delivery failed")
	}
}

// RefreshStatuses fetches the in-flight AI progress for every conversation.
func (c *Coordinator) RefreshStatuses(ctx context.Context) error {
	statuses, err := c.backend.ProcessingStatuses(ctx, c.tenantID)
	if err != nil {
		c.log.WithError(err).Debug("processing status poll failed")
		return fmt.Errorf("takeover: processing status: %w", err)
	}
	next := make(map[string]api.ProcessingStatus, len(statuses))
	for _, s := range statuses {
		next[s.ConversationKey] = s
	}
	c.mu.Lock()
	c.statuses = next
	c.mu.Unlock()
	return nil
}

// RefreshUnread fetches the tenant's total unread count.
func (c *Coordinator) RefreshUnread(ctx context.Context) error {
	n, err := c.backend.UnreadCount(ctx, c.tenantID)
	if err != nil {
		return fmt.Errorf("takeover: unread count: %w", err)
	}
	c.mu.Lock()
	c.unread = n
	c.mu.Unlock()
	return nil
}

// --- selection and timeline ---

// Select opens a conversation: it loads the timeline, marks the
// conversation read and refreshes the unread count. A fetch that resolves
// after the selection moved on is discarded.
func (c *Coordinator) Select(ctx context.Context, key string) error {
	if key == "" {
		return api.Validation("select conversation", "conversation key is required")
	}
	c.mu.Lock()
	gen := c.sel.Set(key)
	c.detail = nil
	c.messages = nil
	c.scroll.Reset()
	c.mu.Unlock()

	detail, err := c.backend.Conversation(ctx, c.tenantID, key)
	if err != nil {
		if api.IsNotFound(err) {
			c.mu.Lock()
			if c.sel.Valid(key, gen) {
				c.sel.Set("")
			}
			c.mu.Unlock()
		}
		return c.fail("get messages", key, err)
	}

	c.mu.Lock()
	if !c.sel.Valid(key, gen) {
		c.mu.Unlock()
		c.log.WithField("key", key).Debug("stale selection fetch dropped")
		return nil
	}
	c.applyDetail(detail, true)
	for i := range c.convs {
		if c.convs[i].Key == key {
			c.convs[i].UnreadCount = 0
		}
	}
	c.mu.Unlock()

	if err := c.backend.MarkRead(ctx, c.tenantID, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("mark read failed")
	}
	if err := c.RefreshUnread(ctx); err != nil {
		c.log.WithError(err).Debug("unread refresh failed")
	}
	return nil
}

// Deselect closes the current conversation.
func (c *Coordinator) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sel.Set("")
	c.detail = nil
	c.messages = nil
	c.scroll.Reset()
}

// Selected returns the selected conversation key, or "".
func (c *Coordinator) Selected() string {
	key, _ := c.sel.Current()
	return key
}

// RefreshTimeline re-fetches the selected conversation and merges new
// messages. It is a no-op without a selection.
func (c *Coordinator) RefreshTimeline(ctx context.Context) error {
	key, gen := c.sel.Current()
	if key == "" {
		return nil
	}
	c.mu.Lock()
	pollEpoch := c.epoch
	c.mu.Unlock()

	detail, err := c.backend.Conversation(ctx, c.tenantID, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Debug("timeline poll failed")
		return fmt.Errorf("takeover: get messages: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sel.Valid(key, gen) {
		return nil
	}
	if o, ok := c.takeover[key]; ok && !o.Observe(detail.Conversation.IsTakeover, pollEpoch) && c.detail != nil {
		detail.Conversation.IsTakeover = c.detail.IsTakeover
		detail.Conversation.TakeoverReason = c.detail.TakeoverReason
		detail.Conversation.TakeoverAt = c.detail.TakeoverAt
	}
	c.applyDetail(detail, false)
	return nil
}

// applyDetail merges a fetched timeline. Caller holds c.mu.
func (c *Coordinator) applyDetail(detail *api.ConversationDetail, initial bool) {
	conv := detail.Conversation
	c.detail = &conv
	merged, added := MergeMessages(c.messages, detail.Messages)
	c.messages = merged
	if initial {
		c.scrollSeq++
		return
	}
	if c.scroll.Appended(added) {
		c.scrollSeq++
	}
}

// ScrollTo reports the timeline viewport position.
func (c *Coordinator) ScrollTo(scrollTop, clientHeight, scrollHeight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scroll.Update(scrollTop, clientHeight, scrollHeight)
}

// JumpToLatest forces a scroll to the newest message and clears the unseen
// count.
func (c *Coordinator) JumpToLatest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scroll.Jump()
	c.scrollSeq++
}

// --- draft and send ---

// SetDraft stores the text being typed.
func (c *Coordinator) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the text being typed.
func (c *Coordinator) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send posts an admin reply. The conversation must be under takeover. The
// draft is cleared up front and restored if the send fails.
func (c *Coordinator) Send(ctx context.Context, key, text string) error {
	if strings.TrimSpace(text) == "" {
		return c.fail("send message", key, api.Validation("send message", "message is empty"))
	}
	if owned, known := c.humanOwned(key); known && !owned {
		return c.fail("send message", key, api.Conflict("send message", "conversation is not under takeover"))
	}

	c.mu.Lock()
	c.draft = ""
	c.mu.Unlock()

	msg, err := c.backend.Send(ctx, c.tenantID, key, text)
	if err != nil {
		c.mu.Lock()
		c.draft = text
		c.mu.Unlock()
		return c.fail("send message", key, err)
	}

	if msg != nil {
		c.mu.Lock()
		if selected, _ := c.sel.Current(); selected == key {
			c.messages, _ = MergeMessages(c.messages, []api.Message{*msg})
			c.scroll.Jump()
			c.scrollSeq++
		}
		c.mu.Unlock()
	} else if err := c.RefreshTimeline(ctx); err != nil {
		c.log.WithError(err).Debug("timeline refresh after send failed")
	}
	c.succeed("send message", key, "Message sent")
	return nil
}

// humanOwned reports the displayed takeover flag of key and whether key is
// known locally.
func (c *Coordinator) humanOwned(key string) (owned, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.takeover[key]; ok {
		return o.Value(), true
	}
	if c.detail != nil && c.detail.Key == key {
		return c.detail.IsTakeover, true
	}
	return false, false
}

// --- takeover ---

// StartTakeover hands key to a human admin. reason is required and checked
// before any request. The flag flips locally at once and reverts if the
// backend refuses.
func (c *Coordinator) StartTakeover(ctx context.Context, key, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return c.fail("start takeover", key, api.Validation("start takeover", "a takeover reason is required"))
	}
	return c.mutateTakeover(ctx, "start takeover", key, true, reason, func() error {
		return c.backend.StartTakeover(ctx, c.tenantID, key, reason)
	})
}

// EndTakeover returns key to the AI.
func (c *Coordinator) EndTakeover(ctx context.Context, key string) error {
	return c.mutateTakeover(ctx, "end takeover", key, false, "", func() error {
		return c.backend.EndTakeover(ctx, c.tenantID, key)
	})
}

func (c *Coordinator) mutateTakeover(ctx context.Context, op, key string, want bool, reason string, call func() error) error {
	if key == "" {
		return c.fail(op, key, api.Validation(op, "conversation key is required"))
	}
	c.mu.Lock()
	c.epoch++
	o, ok := c.takeover[key]
	if !ok {
		current := false
		if c.detail != nil && c.detail.Key == key {
			current = c.detail.IsTakeover
		}
		o = NewOptimistic(current)
		c.takeover[key] = o
	}
	o.Propose(want, c.epoch)
	c.mu.Unlock()

	if err := call(); err != nil {
		c.mu.Lock()
		c.epoch++
		o.Rollback(c.epoch)
		c.mu.Unlock()
		return c.fail(op, key, err)
	}

	c.mu.Lock()
	c.epoch++
	o.Confirm(c.epoch)
	now := time.Now()
	for i := range c.convs {
		if c.convs[i].Key == key {
			c.convs[i].IsTakeover = want
			if want {
				c.convs[i].TakeoverReason = reason
				c.convs[i].TakeoverAt = &now
			}
		}
	}
	if want {
		// Takeover supersedes any in-flight AI turn.
		delete(c.statuses, key)
	}
	c.mu.Unlock()

	action := "conversation.takeover_end"
	msg := "Conversation returned to AI"
	if want {
		action = "conversation.takeover_start"
		msg = "Takeover started"
	}
	details := map[string]interface{}{}
	if reason != "" {
		details["reason"] = reason
	}
	logging.LogAction(c.audit, logging.AuditEntry{Action: action, TenantID: c.tenantID, Target: key, Details: details})
	c.succeed(op, key, msg)
	return nil
}

// --- AI retry and deletion ---

// RetryAI resubmits the pending inbound message for AI handling. It is only
// allowed while the conversation's AI status is error; a failed retry leaves
// the status untouched.
func (c *Coordinator) RetryAI(ctx context.Context, key string) error {
	c.mu.Lock()
	status := api.AIStatusIdle
	for _, conv := range c.convs {
		if conv.Key == key {
			status = conv.AIStatus
		}
	}
	if c.detail != nil && c.detail.Key == key && status == api.AIStatusIdle {
		status = c.detail.AIStatus
	}
	c.mu.Unlock()
	if status != api.AIStatusError {
		return c.fail("retry ai", key, api.Validation("retry ai", "AI processing has not failed for this conversation"))
	}

	if err := c.backend.Retry(ctx, c.tenantID, key); err != nil {
		return c.fail("retry ai", key, err)
	}
	if err := c.RefreshStatuses(ctx); err != nil {
		c.log.WithError(err).Debug("status refresh after retry failed")
	}
	c.succeed("retry ai", key, "AI processing restarted")
	return nil
}

// DeleteHistory irreversibly deletes the conversation and its messages,
// removes it from the list and clears the selection if it was selected.
func (c *Coordinator) DeleteHistory(ctx context.Context, key string) error {
	if key == "" {
		return c.fail("delete conversation", key, api.Validation("delete conversation", "conversation key is required"))
	}
	if err := c.backend.DeleteConversation(ctx, c.tenantID, key); err != nil {
		return c.fail("delete conversation", key, err)
	}

	c.mu.Lock()
	c.epoch++
	c.deleted[key] = c.epoch
	kept := c.convs[:0:0]
	for _, conv := range c.convs {
		if conv.Key != key {
			kept = append(kept, conv)
		}
	}
	c.convs = kept
	delete(c.takeover, key)
	delete(c.statuses, key)
	if selected, _ := c.sel.Current(); selected == key {
		c.sel.Set("")
		c.detail = nil
		c.messages = nil
		c.scroll.Reset()
	}
	c.mu.Unlock()

	logging.LogAction(c.audit, logging.AuditEntry{Action: "conversation.delete_history", TenantID: c.tenantID, Target: key})
	c.succeed("delete conversation", key, "Conversation deleted")
	return nil
}

// --- polling ---

// Run loads the list, then polls conversations, processing statuses and the
// selected timeline every PollInterval until ctx is cancelled. Polling is
// suspended while the view is hidden.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.Refresh(ctx, false); err != nil {
		c.log.WithError(err).Warn("initial conversation load failed")
	}
	if err := c.RefreshStatuses(ctx); err != nil {
		c.log.WithError(err).Warn("initial processing status load failed")
	}

	task := poll.Every(ctx, c.interval, c.tick)
	c.mu.Lock()
	c.task = task
	if !c.visible {
		task.Pause()
	}
	c.mu.Unlock()

	<-task.Done()

	c.mu.Lock()
	if c.task == task {
		c.task = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) tick(ctx context.Context) {
	if err := c.pollRound(ctx); err != nil {
		c.log.WithError(err).Debug("poll round incomplete")
	}
}

// pollRound runs every poll step. A failed step does not skip the others;
// the held state stays as it was and the next round retries.
func (c *Coordinator) pollRound(ctx context.Context) error {
	var errs []error
	if err := c.Refresh(ctx, true); err != nil {
		errs = append(errs, err)
	}
	if err := c.RefreshStatuses(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.RefreshTimeline(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetVisible pauses polling while the view is hidden. Becoming visible
// resumes it with an immediate fetch.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	task := c.task
	c.mu.Unlock()
	if task == nil {
		return
	}
	if visible {
		task.Resume()
	} else {
		task.Pause()
	}
}
