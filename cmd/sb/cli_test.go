package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kelurahan/switchboard/internal/api"
	"github.com/kelurahan/switchboard/internal/config"
	"github.com/kelurahan/switchboard/internal/db"
	"github.com/kelurahan/switchboard/internal/logging"
	"github.com/kelurahan/switchboard/internal/sandbox"
)

const (
	cliTokenEnv = "SB_CLI_TEST_TOKEN"
	cliToken    = "cli-token"
)

// cliEnv runs sb commands against an in-process sandbox.
type cliEnv struct {
	dir    string
	config string
	ts     *httptest.Server
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.SeedTenants(gdb, []config.TenantConfig{
		{ID: "desa-a", Name: "Desa Sukamaju"},
		{ID: "desa-b", Name: "Desa Mekarsari"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv, err := sandbox.New(sandbox.Opts{
		DB:     gdb,
		Tokens: []string{cliToken},
		Log:    logging.Discard(),
		Audit:  logging.Discard(),
	})
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	dir := t.TempDir()
	withEnvFile(t, filepath.Join(dir, ".env"))
	t.Setenv(cliTokenEnv, cliToken)

	return &cliEnv{dir: dir, config: writeConfig(t, dir, ts.URL, "desa-a"), ts: ts}
}

func writeConfig(t *testing.T, dir, url, tenant string) string {
	t.Helper()
	yaml := fmt.Sprintf(`tenant:
  id: %s
backend:
  url: %s
  token_env: %s
polling:
  conversations_ms: 50
  session_status_ms: 50
log:
  level: error
`, tenant, url, cliTokenEnv)
	path := filepath.Join(dir, tenant+".yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// run executes sb with args and the env's config.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return e.runWith(t, e.config, args...)
}

func (e *cliEnv) runWith(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "-c", configPath))
	err := cmd.Execute()
	return buf.String(), err
}

// post calls a sandbox-only endpoint directly.
func (e *cliEnv) post(t *testing.T, tenant, path string, body interface{}) {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Authorization", "Bearer "+cliToken)
	req.Header.Set(api.TenantHeader, tenant)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
}

func mustContain(t *testing.T, out string, wants ...string) {
	t.Helper()
	for _, w := range wants {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestChatTakeoverFlow(t *testing.T) {
	e := newCLIEnv(t)
	e.post(t, "desa-a", "/sandbox/inbound", map[string]string{
		"from":        "628111@s.whatsapp.net",
		"displayName": "Bu Sari",
		"message":     "Jam berapa kantor desa buka?",
	})

	out, err := e.run(t, "chat", "list")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, out)
	}
	mustContain(t, out, "628111", "Bu Sari", "AI", "1 conversations")

	out, err = e.run(t, "chat", "show", "628111")
	if err != nil {
		t.Fatalf("show: %v\n%s", err, out)
	}
	mustContain(t, out, "Jam berapa kantor desa buka?", "Terima kasih", "AI ")

	if _, err := e.run(t, "chat", "send", "628111", "Halo"); err == nil {
		t.Error("send before takeover should fail")
	}
	if _, err := e.run(t, "chat", "takeover", "628111"); err == nil {
		t.Error("takeover without a reason should fail")
	}

	out, err = e.run(t, "chat", "takeover", "628111", "--reason", "warga minta bicara dengan petugas")
	if err != nil {
		t.Fatalf("takeover: %v\n%s", err, out)
	}
	mustContain(t, out, "taken over")

	out, err = e.run(t, "chat", "send", "628111", "Kantor", "buka", "jam", "8")
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	mustContain(t, out, "Sent")

	out, err = e.run(t, "chat", "list", "--filter", "takeover")
	if err != nil {
		t.Fatalf("list takeover: %v", err)
	}
	mustContain(t, out, "628111", "HUMAN")

	out, err = e.run(t, "chat", "show", "628111")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	mustContain(t, out, "ADMIN", "Kantor buka jam 8", "taken over: warga minta bicara dengan petugas")

	out, err = e.run(t, "chat", "release", "628111")
	if err != nil {
		t.Fatalf("release: %v\n%s", err, out)
	}
	mustContain(t, out, "returned to the AI")

	out, _ = e.run(t, "chat", "list", "--filter", "takeover")
	mustContain(t, out, "0 conversations")
}

func TestChatDeleteRequiresConfirmation(t *testing.T) {
	e := newCLIEnv(t)
	e.post(t, "desa-a", "/sandbox/inbound", map[string]string{"from": "628222@s.whatsapp.net", "message": "Halo"})

	if _, err := e.run(t, "chat", "delete", "628222"); err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("delete without --yes: err = %v", err)
	}
	out, _ := e.run(t, "chat", "list")
	mustContain(t, out, "628222")

	if out, err := e.run(t, "chat", "delete", "628222", "--yes"); err != nil {
		t.Fatalf("delete: %v\n%s", err, out)
	}
	out, _ = e.run(t, "chat", "list")
	mustContain(t, out, "0 conversations")
}

func TestChatRetryRejectedWithoutError(t *testing.T) {
	e := newCLIEnv(t)
	e.post(t, "desa-a", "/sandbox/inbound", map[string]string{"from": "628333@s.whatsapp.net", "message": "Halo"})

	if _, err := e.run(t, "chat", "retry", "628333"); err == nil {
		t.Error("retry of a healthy conversation should fail")
	}
}

func TestChatListTenantIsolation(t *testing.T) {
	e := newCLIEnv(t)
	e.post(t, "desa-b", "/sandbox/inbound", map[string]string{"from": "628444@s.whatsapp.net", "message": "Halo"})

	out, err := e.run(t, "chat", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, "628444") {
		t.Errorf("desa-a sees desa-b conversation:\n%s", out)
	}

	other := writeConfig(t, e.dir, e.ts.URL, "desa-b")
	out, err = e.runWith(t, other, "chat", "list")
	if err != nil {
		t.Fatalf("list desa-b: %v", err)
	}
	mustContain(t, out, "628444")
}

func TestChatMissingToken(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv(cliTokenEnv, "")
	_, err := e.run(t, "chat", "list")
	if err == nil || !strings.Contains(err.Error(), "sb login") {
		t.Errorf("err = %v, want hint to run sb login", err)
	}
}

func TestChannelLifecycle(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "channel", "status")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	mustContain(t, out, "none")

	out, err = e.run(t, "channel", "create")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustContain(t, out, "Session created")

	out, _ = e.run(t, "channel", "create")
	mustContain(t, out, "already exists")

	if out, err = e.run(t, "channel", "connect"); err != nil {
		t.Fatalf("connect: %v\n%s", err, out)
	}
	out, err = e.run(t, "channel", "qr")
	if err != nil {
		t.Fatalf("qr: %v\n%s", err, out)
	}
	mustContain(t, out, "data:image/png;base64,")

	e.post(t, "desa-a", "/sandbox/pair", map[string]string{"phoneNumber": "628555"})

	out, err = e.run(t, "channel", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	mustContain(t, out, "Logged in: true", "628555")

	out, _ = e.run(t, "channel", "qr")
	mustContain(t, out, "Already logged in")

	out, err = e.run(t, "channel", "check-duplicate", "628555")
	if err != nil {
		t.Fatalf("check-duplicate: %v", err)
	}
	if strings.Contains(out, "Desa Sukamaju") {
		t.Errorf("own number reported as duplicate:\n%s", out)
	}

	if out, err = e.run(t, "channel", "disconnect"); err != nil {
		t.Fatalf("disconnect: %v\n%s", err, out)
	}
	out, _ = e.run(t, "channel", "status")
	mustContain(t, out, "Logged in: false")

	if out, err = e.run(t, "channel", "delete"); err != nil {
		t.Fatalf("delete: %v\n%s", err, out)
	}
	out, _ = e.run(t, "channel", "status")
	mustContain(t, out, "none")
}

func TestChannelDuplicateAcrossTenants(t *testing.T) {
	e := newCLIEnv(t)
	other := writeConfig(t, e.dir, e.ts.URL, "desa-b")

	if _, err := e.runWith(t, other, "channel", "create"); err != nil {
		t.Fatalf("create desa-b: %v", err)
	}
	e.post(t, "desa-b", "/sandbox/pair", map[string]string{"phoneNumber": "628666"})

	out, err := e.run(t, "channel", "check-duplicate", "628666")
	if err != nil {
		t.Fatalf("check-duplicate: %v", err)
	}
	mustContain(t, out, "Desa Mekarsari", "desa-b")

	if _, err := e.run(t, "channel", "create"); err != nil {
		t.Fatalf("create desa-a: %v", err)
	}
	if out, err := e.run(t, "channel", "resolve", "force", "desa-b"); err != nil {
		t.Fatalf("resolve force: %v\n%s", err, out)
	}
	out, _ = e.runWith(t, other, "channel", "status")
	mustContain(t, out, "Logged in: false")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
