package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun parses a 5-field cron expression and returns the duration until the
// next fire time. Returns 0 on parse error.
func NextRun(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := time.Until(sched.Next(time.Now()))
	if d < 0 {
		return 0
	}
	return d
}

// BuildFunc produces the alert for one digest run. A nil alert means there is
// nothing worth reporting and the run is skipped.
type BuildFunc func(ctx context.Context) (*Alert, error)

// DigestScheduler sends a periodic digest alert on a cron schedule.
type DigestScheduler struct {
	cron     *cron.Cron
	notifier Notifier
	build    BuildFunc
	log      *logrus.Entry
}

// DigestOpts holds parameters for creating a DigestScheduler.
type DigestOpts struct {
	Schedule string // 5-field cron expression
	Notifier Notifier
	Build    BuildFunc
	Log      *logrus.Entry
}

// NewDigestScheduler validates the schedule and registers the digest job.
// Call Start to begin firing.
func NewDigestScheduler(opts DigestOpts) (*DigestScheduler, error) {
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notify: digest: notifier is required")
	}
	if opts.Build == nil {
		return nil, fmt.Errorf("notify: digest: build func is required")
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logging.Discard())
	}
	d := &DigestScheduler{
		cron:     cron.New(cron.WithParser(cronParser)),
		notifier: opts.Notifier,
		build:    opts.Build,
		log:      log,
	}
	if _, err := d.cron.AddFunc(opts.Schedule, func() {
		if err := d.RunOnce(context.Background()); err != nil {
			d.log.WithError(err).Warn("digest run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("notify: digest: parse schedule %q: %w", opts.Schedule, err)
	}
	return d, nil
}

// Start begins firing in a background goroutine.
func (d *DigestScheduler) Start() { d.cron.Start() }

// Stop halts the scheduler and waits for a running job to finish or ctx to
// expire.
func (d *DigestScheduler) Stop(ctx context.Context) {
	select {
	case <-d.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce builds and sends one digest immediately.
func (d *DigestScheduler) RunOnce(ctx context.Context) error {
	alert, err := d.build(ctx)
	if err != nil {
		return fmt.Errorf("notify: digest: build: %w", err)
	}
	if alert == nil {
		d.log.Debug("digest skipped, no activity")
		return nil
	}
	if err := d.notifier.Notify(ctx, *alert); err != nil {
		return fmt.Errorf("notify: digest: send: %w", err)
	}
	d.log.WithField("title", alert.Title).Info("digest sent")
	return nil
}

// ConversationDigest summarizes conversations that need an operator: those
// under human takeover and those whose AI processing failed. Returns nil when
// neither group has entries.
func ConversationDigest(tenant string, convs []api.Conversation) *Alert {
	var takeovers, failed []string
	for _, c := range convs {
		name := c.DisplayName
		if name == "" {
			name = c.Key
		}
		if c.IsTakeover {
			takeovers = append(takeovers, name)
		}
		if c.AIStatus == api.AIStatusError {
			failed = append(failed, name)
		}
	}
	if len(takeovers) == 0 && len(failed) == 0 {
		return nil
	}

	severity := SeverityInfo
	if len(failed) > 0 {
		severity = SeverityWarning
	}
	var b strings.Builder
	if len(takeovers) > 0 {
		fmt.Fprintf(&b, "Under takeover: %s\n", strings.Join(takeovers, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "AI errors awaiting retry: %s\n", strings.Join(failed, ", "))
	}
	return &Alert{
		Title:    fmt.Sprintf("Conversation digest for %s", tenant),
		Body:     strings.TrimRight(b.String(), "\n"),
		Severity: severity,
		Fields: []Field{
			{Name: "Takeovers", Value: fmt.Sprintf("%d", len(takeovers)), Short: true},
			{Name: "AI errors", Value: fmt.Sprintf("%d", len(failed)), Short: true},
		},
	}
}
