// Package channel drives one tenant's WhatsApp identity through creation,
// QR pairing, login, duplicate-number resolution and teardown, and keeps a
// local mirror of the backend's session status.
package channel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
)

// State is the manager's view of the session lifecycle.
type State int

const (
	// StateUnknown means no status has been confirmed yet, or the last
	// confirmed status predates a failed lookup.
	StateUnknown State = iota
	StateNoSession
	StateSessionCreated
	StatePairing
	StateLoggedIn
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateSessionCreated:
		return "session_created"
	case StatePairing:
		return "pairing"
	case StateLoggedIn:
		return "logged_in"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is the local mirror of one tenant's channel session.
type Session struct {
	TenantID    string
	Exists      bool
	Connected   bool
	LoggedIn    bool
	JID         string
	PhoneNumber string
	QRPayload   string // bare base64, only while not logged in
	CheckedAt   time.Time
}

// Duplicate describes another tenant already owning a phone number.
type Duplicate struct {
	IsDuplicate      bool
	PhoneNumber      string
	OwningTenantID   string
	OwningTenantName string
}

// sessionFromStatus normalizes a backend status payload. A logged-in report
// without a jid is treated as still pairing, and the QR payload is dropped
// once logged in.
func sessionFromStatus(tenantID string, raw *api.SessionStatus, now time.Time) Session {
	if raw == nil || !raw.Exists {
		return absentSession(tenantID, now)
	}
	s := Session{
		TenantID:  tenantID,
		Exists:    true,
		Connected: raw.Connected,
		LoggedIn:  raw.LoggedIn && raw.JID != "",
		CheckedAt: now,
	}
	if s.LoggedIn {
		s.Connected = true
		s.JID = raw.JID
		s.PhoneNumber = raw.PhoneNumber
		if s.PhoneNumber == "" {
			s.PhoneNumber = PhoneFromJID(raw.JID)
		}
		return s
	}
	s.QRPayload = NormalizeQR(raw.QRCode)
	return s
}

func absentSession(tenantID string, now time.Time) Session {
	return Session{TenantID: tenantID, CheckedAt: now}
}

// nextState derives the lifecycle state after a confirmed status. A session
// that exists without a login stays in pairing while a pairing attempt is
// running, and counts as disconnected if it was logged in before.
func nextState(prev State, s Session) State {
	switch {
	case !s.Exists:
		return StateNoSession
	case s.LoggedIn:
		return StateLoggedIn
	case prev == StatePairing:
		return StatePairing
	case prev == StateLoggedIn || prev == StateDisconnected:
		return StateDisconnected
	default:
		return StateSessionCreated
	}
}

// NormalizeQR strips an optional data-URI prefix and surrounding whitespace,
// returning the bare base64 payload.
func NormalizeQR(qr string) string {
	qr = strings.TrimSpace(qr)
	if strings.HasPrefix(qr, "data:") {
		if i := strings.Index(qr, ","); i >= 0 {
			qr = qr[i+1:]
		}
	}
	return qr
}

// QRDataURI returns the payload as a PNG data URI.
func QRDataURI(qr string) string {
	qr = NormalizeQR(qr)
	if qr == "" {
		return ""
	}
	return "data:image/png;base64," + qr
}

// DecodeQR returns the raw image bytes of a QR payload.
func DecodeQR(qr string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(NormalizeQR(qr))
	if err != nil {
		return nil, fmt.Errorf("channel: decode qr: %w", err)
	}
	return b, nil
}

// PhoneFromJID derives the phone number from a channel JID such as
// "6281234567890:12@s.whatsapp.net".
func PhoneFromJID(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return strings.TrimPrefix(user, "+")
}

// isAlreadyConnected reports whether err is the pairing provider's "already
// connected" refusal, which connect treats as success. The provider only
// reports this as message text, so matching is confined here. Any status
// counts, since some gateways send the refusal with a 5xx; only a request
// that got no response at all is never a match.
func isAlreadyConnected(err error) bool {
	if err == nil {
		return false
	}
	var e *api.Error
	if errors.As(err, &e) && e.Kind == api.KindTransport && e.Status == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(api.MessageOf(err)), "already connected")
}
