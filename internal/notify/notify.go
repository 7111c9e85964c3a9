// Package notify delivers operational alerts (forced disconnects, duplicate
// numbers, AI failures, takeover digests) to a chat platform.
package notify

import (
	"context"
	"errors"
	"sync"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Color maps a severity to a sidebar color.
func (s Severity) Color() string {
	switch s {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Alert is one operational notification.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
	Fields   []Field
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Nop discards every alert.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(ctx context.Context, alert Alert) error { return nil }

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every alert in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error // returned from Notify when set
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Last returns the most recent alert.
func (r *Recorder) Last() (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return Alert{}, false
	}
	return r.alerts[len(r.alerts)-1], true
}
