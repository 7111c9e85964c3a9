package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/db"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"
)

const testToken = "test-token"

// harness is a sandbox served over httptest with two seeded tenants.
type harness struct {
	srv       *Server
	ts        *httptest.Server
	db        *gorm.DB
	audit     *logrus.Logger
	auditHook *test.Hook
}

func newHarness(t *testing.T, mutate ...func(*Opts)) *harness {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	tenants := []config.TenantConfig{
		{ID: "desa-a", Name: "Desa Sukamaju"},
		{ID: "desa-b", Name: "Desa Mekarsari"},
	}
	if err := db.SeedTenants(gdb, tenants); err != nil {
		t.Fatalf("seed: %v", err)
	}

	audit, hook := test.NewNullLogger()
	opts := Opts{
		DB:     gdb,
		Tokens: []string{testToken},
		Log:    logging.Discard(),
		Audit:  audit,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return &harness{srv: srv, ts: ts, db: gdb, audit: audit, auditHook: hook}
}

func (h *harness) client(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.ClientOpts{BaseURL: h.ts.URL, Token: testToken, Log: logging.Discard()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// call performs a raw request and decodes the envelope.
func (h *harness) call(t *testing.T, method, path, tenant string, body interface{}) (int, api.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(api.TenantHeader, tenant)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var env api.Envelope
	json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

// pair simulates the tenant's QR being scanned by phone.
func (h *harness) pair(t *testing.T, tenant, phone string) {
	t.Helper()
	status, env := h.call(t, http.MethodPost, "/sandbox/pair", tenant, pairRequest{PhoneNumber: phone})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("pair %s: status %d, %+v", tenant, status, env)
	}
}

// inbound simulates an end-user message and returns the conversation key.
func (h *harness) inbound(t *testing.T, tenant, from, text string) string {
	t.Helper()
	status, env := h.call(t, http.MethodPost, "/sandbox/inbound", tenant, inboundRequest{From: from, Message: text})
	if status != http.StatusOK || !env.Success {
		t.Fatalf("inbound: status %d, %+v", status, env)
	}
	data, _ := env.Data.(map[string]interface{})
	key, _ := data["conversationKey"].(string)
	return key
}

// conversation loads the stored conversation row.
func (h *harness) conversation(t *testing.T, tenant, key string) models.Conversation {
	t.Helper()
	var conv models.Conversation
	if err := h.db.First(&conv, "tenant_id = ? AND conversation_key = ?", tenant, key).Error; err != nil {
		t.Fatalf("load conversation %s: %v", key, err)
	}
	return conv
}

// auditActions lists the actions persisted to the audit table.
func (h *harness) auditActions(t *testing.T) []string {
	t.Helper()
	var entries []models.AuditEntry
	if err := h.db.Order("id").Find(&entries).Error; err != nil {
		t.Fatalf("load audit: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
