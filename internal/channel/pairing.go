package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kelurahan/switchboard/internal/poll"
)

// UpdateKind identifies a PairingUpdate.
type UpdateKind int

const (
	// UpdateQR carries a new QR payload.
	UpdateQR UpdateKind = iota + 1
	// UpdateStatus carries a status tick that did not complete pairing.
	UpdateStatus
	// UpdateLoggedIn carries the session once login is detected.
	UpdateLoggedIn
	// UpdateConflict carries a duplicate-number conflict found after login.
	UpdateConflict
	// UpdateError carries a failed poll. Pairing keeps running.
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateQR:
		return "qr"
	case UpdateStatus:
		return "status"
	case UpdateLoggedIn:
		return "logged_in"
	case UpdateConflict:
		return "conflict"
	case UpdateError:
		return "error"
	default:
		return "unknown"
	}
}

// PairingUpdate is one event from a running pairing loop.
type PairingUpdate struct {
	Kind      UpdateKind
	QR        string
	Session   *Session
	Duplicate *Duplicate
	Err       error
}

// Pairing is a running QR pairing loop: a fast status poll to detect login
// and a slower QR refresh. Both stop on Close, on login, or when the context
// passed to StartPairing is cancelled; Updates is closed after that.
type Pairing struct {
	m       *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	updates chan PairingUpdate
	status  *poll.Task
	qr      *poll.Task

	loggedIn  atomic.Bool
	lastQR    atomic.Value // string
	closeOnce sync.Once
	closed    chan struct{}
}

// StartPairing requests a pairing attempt and starts the polling loops. A
// pairing loop already running for this manager is closed first.
func (m *Manager) StartPairing(ctx context.Context) (*Pairing, error) {
	m.stopPairing()
	if err := m.InitiateConnect(ctx); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &Pairing{
		m:       m,
		ctx:     pctx,
		cancel:  cancel,
		updates: make(chan PairingUpdate, 8),
		closed:  make(chan struct{}),
	}
	p.lastQR.Store("")
	p.status = poll.Every(pctx, m.statusInterval, p.pollStatus)
	p.qr = poll.Every(pctx, m.qrInterval, p.pollQR)

	m.mu.Lock()
	if m.pairing != nil {
		// Lost a race with another StartPairing.
		m.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("channel: pairing already in progress")
	}
	m.pairing = p
	m.mu.Unlock()

	go func() {
		<-pctx.Done()
		p.Close()
	}()

	p.status.Trigger()
	p.qr.Trigger()
	m.log.Info("pairing started")
	return p, nil
}

// Updates returns the event stream. It is closed once pairing ends.
func (p *Pairing) Updates() <-chan PairingUpdate { return p.updates }

// Done is closed once pairing has fully stopped.
func (p *Pairing) Done() <-chan struct{} { return p.closed }

// Close stops both polling loops and closes Updates. Safe to call more than
// once.
func (p *Pairing) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.status.Stop()
		p.qr.Stop()
		close(p.updates)

		p.m.mu.Lock()
		if p.m.pairing == p {
			p.m.pairing = nil
		}
		p.m.mu.Unlock()
		p.m.log.Info("pairing stopped")
		close(p.closed)
	})
}

// emit delivers u unless pairing is shutting down.
func (p *Pairing) emit(ctx context.Context, u PairingUpdate) {
	select {
	case p.updates <- u:
	case <-ctx.Done():
	}
}

func (p *Pairing) pollStatus(ctx context.Context) {
	if p.loggedIn.Load() {
		return
	}
	s, err := p.m.Status(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.emit(ctx, PairingUpdate{Kind: UpdateError, Err: err})
		}
		return
	}
	if !s.LoggedIn {
		p.emit(ctx, PairingUpdate{Kind: UpdateStatus, Session: s})
		return
	}

	p.loggedIn.Store(true)
	p.emit(ctx, PairingUpdate{Kind: UpdateLoggedIn, Session: s})

	if s.PhoneNumber != "" {
		dup, err := p.m.CheckDuplicate(ctx, s.PhoneNumber)
		switch {
		case err != nil:
			p.emit(ctx, PairingUpdate{Kind: UpdateError, Err: err})
		case dup.IsDuplicate:
			p.emit(ctx, PairingUpdate{Kind: UpdateConflict, Session: s, Duplicate: dup})
		}
	}
	// Close from outside the tick; Stop must not run inside a poll func.
	p.cancel()
}

func (p *Pairing) pollQR(ctx context.Context) {
	if p.loggedIn.Load() {
		return
	}
	qr, err := p.m.FetchQR(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.emit(ctx, PairingUpdate{Kind: UpdateError, Err: err})
		}
		return
	}
	if qr == "" || qr == p.lastQR.Load().(string) {
		return
	}
	p.lastQR.Store(qr)
	p.emit(ctx, PairingUpdate{Kind: UpdateQR, QR: qr})
}
