package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "sb dev") {
		t.Errorf("expected output to contain 'sb dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "0.3.0", "f00dbab", "2026-10-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"sb 0.3.0", "commit: f00dbab", "built: 2026-10-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Switchboard") {
		t.Errorf("expected help output to contain 'Switchboard', got: %s", out)
	}
	for _, sub := range []string{"version", "login", "channel", "chat", "sandbox", "db"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string][]string{
		"channel": {"status", "create", "connect", "qr", "pair", "check-duplicate", "resolve", "disconnect", "delete"},
		"chat":    {"list", "show", "send", "takeover", "release", "retry", "delete", "watch"},
		"sandbox": {"serve"},
		"db":      {"migrate"},
	}
	for parent, subs := range want {
		p, _, err := cmd.Find([]string{parent})
		if err != nil {
			t.Fatalf("find %s: %v", parent, err)
		}
		have := map[string]bool{}
		for _, c := range p.Commands() {
			have[c.Name()] = true
		}
		for _, s := range subs {
			if !have[s] {
				t.Errorf("%s is missing subcommand %q", parent, s)
			}
		}
	}
}

func TestConfigFlagDefault(t *testing.T) {
	cmd := newRootCmd()
	list, _, err := cmd.Find([]string{"chat", "list"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	f := list.Flags().Lookup("config")
	if f == nil {
		t.Fatal("chat list has no --config flag")
	}
	if f.DefValue != defaultConfigPath || f.Shorthand != "c" {
		t.Errorf("config flag = %q/-%s", f.DefValue, f.Shorthand)
	}
}

func TestMissingConfig(t *testing.T) {
	withEnvFile(t, filepath.Join(t.TempDir(), ".env"))

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"chat", "list", "-c", filepath.Join(t.TempDir(), "missing.yaml")})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %v, want load config failure", err)
	}
}

func TestExecuteExitCode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"no-such-command"})
	if code := execute(cmd); code != 1 {
		t.Errorf("execute = %d, want 1", code)
	}
}

// withEnvFile points envFile at path for the duration of the test.
func withEnvFile(t *testing.T, path string) {
	t.Helper()
	orig := envFile
	envFile = path
	t.Cleanup(func() { envFile = orig })
}
