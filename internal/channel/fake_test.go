package channel

import (
	"context"
	"sync"

	"github.com/kelurahan/switchboard/internal/api"
)

// fakeBackend is a scriptable Backend that records calls.
type fakeBackend struct {
	mu sync.Mutex

	status    *api.SessionStatus
	statusErr error
	existing  bool
	createErr error
	connErr   error
	qr        string
	qrErr     error
	dup       *api.DuplicateInfo
	dupErr    error
	forceErr  error
	discErr   error
	deleteErr error

	calls       map[string]int
	forceTarget string
	dupNumber   string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}}
}

func (f *fakeBackend) record(op string) {
	f.calls[op]++
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

func (f *fakeBackend) CreateSession(ctx context.Context, tenantID string) (*api.CreateSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &api.CreateSessionResult{Existing: f.existing}, nil
}

func (f *fakeBackend) SessionStatus(ctx context.Context, tenantID string) (*api.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("status")
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status == nil {
		return &api.SessionStatus{}, nil
	}
	s := *f.status
	return &s, nil
}

func (f *fakeBackend) Connect(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	return f.connErr
}

func (f *fakeBackend) QR(ctx context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("qr")
	return f.qr, f.qrErr
}

func (f *fakeBackend) CheckDuplicate(ctx context.Context, tenantID, number string) (*api.DuplicateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("check_duplicate")
	f.dupNumber = number
	if f.dupErr != nil {
		return nil, f.dupErr
	}
	if f.dup == nil {
		return &api.DuplicateInfo{}, nil
	}
	d := *f.dup
	return &d, nil
}

func (f *fakeBackend) ForceDisconnect(ctx context.Context, tenantID, targetTenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("force_disconnect")
	f.forceTarget = targetTenantID
	return f.forceErr
}

func (f *fakeBackend) Disconnect(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect")
	return f.discErr
}

func (f *fakeBackend) DeleteSession(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	return f.deleteErr
}
