package slack

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kelurahan/switchboard/internal/notify"
	slackapi "github.com/slack-go/slack"
)

type mockClient struct {
	calls    int
	channels []string
	errs     []error // returned in order, then nil
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	m.channels = append(m.channels, channelID)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	return channelID, "1700000000.000100", nil
}

func TestNew_RequiresTokenAndChannel(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{BotToken: "xoxb"}); err == nil {
		t.Error("expected error without channel")
	}
	if _, err := New(Opts{BotToken: "xoxb", ChannelID: "C1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNotify_PostsToChannel(t *testing.T) {
	mc := &mockClient{}
	n, err := New(Opts{Client: mc, ChannelID: "C0OPS"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = n.Notify(context.Background(), notify.Alert{Title: "Forced disconnect", Severity: notify.SeverityWarning})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 1 || mc.channels[0] != "C0OPS" {
		t.Errorf("calls = %d channels = %v", mc.calls, mc.channels)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	mc := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{Client: mc, ChannelID: "C1"})
	if err := n.Notify(context.Background(), notify.Alert{Title: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 2 {
		t.Errorf("calls = %d, want 2", mc.calls)
	}
}

func TestNotify_NonRateLimitErrorNotRetried(t *testing.T) {
	mc := &mockClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{Client: mc, ChannelID: "C1"})
	err := n.Notify(context.Background(), notify.Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("err = %v", err)
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d, want 1", mc.calls)
	}
}

func TestAlertToAttachment(t *testing.T) {
	att := alertToAttachment(notify.Alert{
		Title:    "AI error",
		Body:     "timeout",
		Severity: notify.SeverityError,
		Fields:   []notify.Field{{Name: "Conversation", Value: "6281", Short: true}},
	})
	if att.Color != notify.ColorError {
		t.Errorf("Color = %q, want %q", att.Color, notify.ColorError)
	}
	if att.Title != "AI error" || att.Text != "timeout" || att.Fallback != "AI error" {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Conversation" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}
