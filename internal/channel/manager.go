package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/notify"
	"github.com/sirupsen/logrus"
)

// Default pairing poll intervals.
const (
	DefaultStatusInterval = time.Second
	DefaultQRInterval     = 2 * time.Second
)

// Backend is the subset of the backend contract the manager consumes.
// *api.Client satisfies it.
type Backend interface {
	CreateSession(ctx context.Context, tenantID string) (*api.CreateSessionResult, error)
	SessionStatus(ctx context.Context, tenantID string) (*api.SessionStatus, error)
	Connect(ctx context.Context, tenantID string) error
	QR(ctx context.Context, tenantID string) (string, error)
	CheckDuplicate(ctx context.Context, tenantID, number string) (*api.DuplicateInfo, error)
	ForceDisconnect(ctx context.Context, tenantID, targetTenantID string) error
	Disconnect(ctx context.Context, tenantID string) error
	DeleteSession(ctx context.Context, tenantID string) error
}

// Manager owns one tenant's channel session.
type Manager struct {
	backend        Backend
	tenantID       string
	log            *logrus.Entry
	audit          *logrus.Logger
	alerter        notify.Notifier
	statusInterval time.Duration
	qrInterval     time.Duration
	now            func() time.Time

	mu      sync.Mutex
	session *Session // nil until a status is confirmed
	state   State
	pairing *Pairing
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Backend        Backend
	TenantID       string
	Log            *logrus.Logger  // defaults to logging.App()
	Audit          *logrus.Logger  // defaults to logging.Audit()
	Alerter        notify.Notifier // optional
	StatusInterval time.Duration   // defaults to DefaultStatusInterval
	QRInterval     time.Duration   // defaults to DefaultQRInterval
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("channel: backend is required")
	}
	if opts.TenantID == "" {
		return nil, fmt.Errorf("channel: tenant id is required")
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
	statusInterval := opts.StatusInterval
	if statusInterval <= 0 {
		statusInterval = DefaultStatusInterval
	}
	qrInterval := opts.QRInterval
	if qrInterval <= 0 {
		qrInterval = DefaultQRInterval
	}
	return &Manager{
		backend:        opts.Backend,
		tenantID:       opts.TenantID,
		log:            log.WithFields(logrus.Fields{"component": "channel", "tenant_id": opts.TenantID}),
		audit:          audit,
		alerter:        alerter,
		statusInterval: statusInterval,
		qrInterval:     qrInterval,
		now:            time.Now,
	}, nil
}

// TenantID returns the tenant the manager acts for.
func (m *Manager) TenantID() string { return m.tenantID }

// Snapshot returns the last confirmed session. ok is false while the status
// is unknown.
func (m *Manager) Snapshot() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// apply records a confirmed session and advances the state.
func (m *Manager) apply(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.session = &s
	m.state = nextState(prev, s)
	if m.state != prev {
		m.log.WithFields(logrus.Fields{"from": prev.String(), "to": m.state.String()}).Info("channel state changed")
	}
}

// update mutates the confirmed session under the lock, creating it if needed.
func (m *Manager) update(state State, fn func(s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		m.session = &Session{TenantID: m.tenantID}
	}
	fn(m.session)
	m.session.CheckedAt = m.now()
	if state != m.state {
		m.log.WithFields(logrus.Fields{"from": m.state.String(), "to": state.String()}).Info("channel state changed")
		m.state = state
	}
}

// CreateSession allocates the tenant's session. It is idempotent: an already
// present session is reported through existing rather than as an error.
func (m *Manager) CreateSession(ctx context.Context) (existing bool, err error) {
	res, err := m.backend.CreateSession(ctx, m.tenantID)
	if err != nil {
		return false, fmt.Errorf("channel: create session: %w", err)
	}
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == StateUnknown || state == StateNoSession {
		state = StateSessionCreated
	}
	m.update(state, func(s *Session) { s.Exists = true })
	m.log.WithField("existing", res.Existing).Info("session created")
	return res.Existing, nil
}

// Status fetches and normalizes the session status. Absence, whether
// signaled by a not-found error or by exists=false, yields a session with
// Exists=false. On any other failure it returns a nil session and leaves the
// mirror untouched.
func (m *Manager) Status(ctx context.Context) (*Session, error) {
	raw, err := m.backend.SessionStatus(ctx, m.tenantID)
	if err != nil && !api.IsNotFound(err) {
		m.log.WithError(err).Warn("session status unavailable")
		return nil, fmt.Errorf("channel: status: %w", err)
	}
	s := sessionFromStatus(m.tenantID, raw, m.now())
	m.apply(s)
	return &s, nil
}

// InitiateConnect asks the channel to begin or resume pairing. An "already
// connected" refusal counts as success.
func (m *Manager) InitiateConnect(ctx context.Context) error {
	if err := m.backend.Connect(ctx, m.tenantID); err != nil {
		if !isAlreadyConnected(err) {
			return fmt.Errorf("channel: connect: %w", err)
		}
		m.log.Debug("connect: already connected")
	}
	m.mu.Lock()
	loggedIn := m.state == StateLoggedIn
	m.mu.Unlock()
	if !loggedIn {
		m.update(StatePairing, func(s *Session) {
			s.Exists = true
			s.Connected = true
		})
	}
	return nil
}

// FetchQR returns the current QR payload as bare base64. Once the session is
// logged in it returns an empty string.
func (m *Manager) FetchQR(ctx context.Context) (string, error) {
	qr, err := m.backend.QR(ctx, m.tenantID)
	if err != nil {
		return "", fmt.Errorf("channel: fetch qr: %w", err)
	}
	qr = NormalizeQR(qr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLoggedIn || (m.session != nil && m.session.LoggedIn) {
		return "", nil
	}
	// A served QR means the session exists and is pairing, even if no
	// status has been fetched yet.
	if m.session == nil {
		if qr == "" {
			return "", nil
		}
		m.session = &Session{TenantID: m.tenantID}
	}
	m.session.Exists = true
	m.session.QRPayload = qr
	m.session.CheckedAt = m.now()
	if m.state == StateUnknown || m.state == StateNoSession {
		m.log.WithFields(logrus.Fields{"from": m.state.String(), "to": StatePairing.String()}).Info("channel state changed")
		m.state = StatePairing
	}
	return qr, nil
}

// CheckDuplicate reports whether phone is already bound to another tenant.
func (m *Manager) CheckDuplicate(ctx context.Context, phone string) (*Duplicate, error) {
	if phone == "" {
		return nil, api.Validation("check duplicate", "phone number is required")
	}
	info, err := m.backend.CheckDuplicate(ctx, m.tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("channel: check duplicate: %w", err)
	}
	d := &Duplicate{
		IsDuplicate:      info.IsDuplicate,
		PhoneNumber:      phone,
		OwningTenantID:   info.TenantID,
		OwningTenantName: info.TenantName,
	}
	if d.IsDuplicate {
		m.log.WithFields(logrus.Fields{"phone": phone, "owner": d.OwningTenantID}).Warn("phone number already bound to another tenant")
		m.alert(ctx, notify.Alert{
			Title:    "Duplicate WhatsApp number",
			Body:     fmt.Sprintf("%s is already paired with %s", phone, ownerLabel(d)),
			Severity: notify.SeverityWarning,
			Fields: []notify.Field{
				{Name: "Tenant", Value: m.tenantID, Short: true},
				{Name: "Owner", Value: d.OwningTenantID, Short: true},
			},
		})
	}
	return d, nil
}

// ResolveDuplicateBySelf gives the number up by tearing down this tenant's
// own session.
func (m *Manager) ResolveDuplicateBySelf(ctx context.Context) error {
	if err := m.deleteSession(ctx, "duplicate resolved by self"); err != nil {
		return fmt.Errorf("channel: resolve duplicate: %w", err)
	}
	return nil
}

// ResolveDuplicateByForce disconnects the target tenant's session so the
// number stays with this tenant. The action is audited and alerted.
func (m *Manager) ResolveDuplicateByForce(ctx context.Context, targetTenantID string) error {
	if targetTenantID == "" {
		return api.Validation("force disconnect", "target tenant is required")
	}
	if targetTenantID == m.tenantID {
		return api.Validation("force disconnect", "target tenant must differ from the acting tenant")
	}
	if err := m.backend.ForceDisconnect(ctx, m.tenantID, targetTenantID); err != nil {
		return fmt.Errorf("channel: force disconnect: %w", err)
	}

	phone := ""
	if s, ok := m.Snapshot(); ok {
		phone = s.PhoneNumber
	}
	logging.LogAction(m.audit, logging.AuditEntry{
		Action:   "channel.force_disconnect",
		TenantID: m.tenantID,
		Target:   targetTenantID,
		Details:  map[string]interface{}{"phone": phone},
	})
	m.alert(ctx, notify.Alert{
		Title:    "Channel force-disconnected",
		Body:     fmt.Sprintf("Tenant %s disconnected tenant %s to claim %s", m.tenantID, targetTenantID, phone),
		Severity: notify.SeverityWarning,
		Fields: []notify.Field{
			{Name: "Acting tenant", Value: m.tenantID, Short: true},
			{Name: "Disconnected tenant", Value: targetTenantID, Short: true},
		},
	})
	return nil
}

// Disconnect logs the channel out while keeping the session.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.stopPairing()
	if err := m.backend.Disconnect(ctx, m.tenantID); err != nil {
		return fmt.Errorf("channel: disconnect: %w", err)
	}
	m.update(StateDisconnected, func(s *Session) {
		s.Exists = true
		s.Connected = false
		s.LoggedIn = false
		s.JID = ""
		s.PhoneNumber = ""
		s.QRPayload = ""
	})
	return nil
}

// DeleteSession stops any pairing loop and destroys the session.
func (m *Manager) DeleteSession(ctx context.Context) error {
	if err := m.deleteSession(ctx, "delete"); err != nil {
		return fmt.Errorf("channel: delete session: %w", err)
	}
	return nil
}

func (m *Manager) deleteSession(ctx context.Context, reason string) error {
	m.stopPairing()
	if err := m.backend.DeleteSession(ctx, m.tenantID); err != nil && !api.IsNotFound(err) {
		return err
	}
	m.mu.Lock()
	s := absentSession(m.tenantID, m.now())
	m.session = &s
	m.state = StateNoSession
	m.mu.Unlock()

	logging.LogAction(m.audit, logging.AuditEntry{
		Action:   "channel.delete_session",
		TenantID: m.tenantID,
		Details:  map[string]interface{}{"reason": reason},
	})
	return nil
}

func (m *Manager) stopPairing() {
	m.mu.Lock()
	p := m.pairing
	m.pairing = nil
	m.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (m *Manager) alert(ctx context.Context, a notify.Alert) {
	if err := m.alerter.Notify(ctx, a); err != nil {
		m.log.WithError(err).Warn("alert delivery failed")
	}
}

func ownerLabel(d *Duplicate) string {
	if d.OwningTenantName != "" {
		return fmt.Sprintf("%s (%s)", d.OwningTenantName, d.OwningTenantID)
	}
	return d.OwningTenantID
}
