package main

import (
	"bytes"
	"context"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/svctree/internal/services"
	"github.com/danmuck/svctree/internal/testutil/testlog"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "svctree.toml")
	doc := fmt.Sprintf(`name = "root"

[storage]
root = %q

[platform]
backends = ["native"]

[api]
enabled = false
`, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTreeListsNodes(t *testing.T) {
	testlog.Start(t)
	cfg := writeConfig(t)

	out, err := run(t, "tree", "-c", cfg)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	for _, want := range []string{"/root", "/root/storage", "/root/crypto", "/root/native/native/daemon", "not deployed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("tree output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, "tree", "--json", "-c", cfg)
	if err != nil {
		t.Fatalf("tree --json: %v", err)
	}
	if !strings.Contains(out, `"path": "/root/config"`) {
		t.Fatalf("unexpected json tree:\n%s", out)
	}
}

func TestKeygenThenRecover(t *testing.T) {
	testlog.Start(t)
	cfg := writeConfig(t)

	out, err := run(t, "keygen", "-c", cfg)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var mnemonic, identity string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "mnemonic":
			mnemonic = strings.Join(fields[1:], " ")
		case "identity":
			identity = fields[1]
		}
	}
	if len(strings.Fields(mnemonic)) != 24 || identity == "" {
		t.Fatalf("keygen output missing mnemonic or identity:\n%s", out)
	}

	if _, err := run(t, "keygen", "-c", cfg); err == nil {
		t.Fatalf("expected keygen to refuse overwriting")
	}

	out, err = run(t, append([]string{"recover", "-c", cfg}, strings.Fields(mnemonic)...)...)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(out, identity) {
		t.Fatalf("recovered identity differs:\n%s", out)
	}
	if _, err := run(t, "recover", "-c", cfg, "not", "a", "phrase"); err == nil {
		t.Fatalf("expected invalid mnemonic error")
	}
}

func TestCallLocal(t *testing.T) {
	testlog.Start(t)
	cfg := writeConfig(t)

	out, err := run(t, "call", "-c", cfg, "/root/native", "build")
	if err != nil {
		t.Fatalf("call build: %v", err)
	}
	if strings.TrimSpace(out) != "nothing to build" {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, "call", "-c", cfg, "/root/config", "settings")
	if err != nil {
		t.Fatalf("call settings: %v", err)
	}
	if !strings.Contains(out, `"platform"`) {
		t.Fatalf("unexpected settings output:\n%s", out)
	}

	if _, err := run(t, "call", "-c", cfg, "/root/missing", "x"); err == nil {
		t.Fatalf("expected lookup failure")
	}
	if _, err := run(t, "call", "-c", cfg, "/root/native", "build", "oops"); err == nil {
		t.Fatalf("expected bad argument error")
	}
}

func TestParseArgs(t *testing.T) {
	testlog.Start(t)
	args, err := parseArgs([]string{"lines=20", " version = 1.2"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := services.Args{"lines": "20", "version": " 1.2"}
	if len(args) != len(want) || args["lines"] != want["lines"] || args["version"] != want["version"] {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "svctree.toml")

	if _, err := run(t, "config", "init", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "config", "init", path); err == nil {
		t.Fatalf("expected init to refuse overwrite")
	}
	out, err := run(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "127.0.0.1:7380") {
		t.Fatalf("unexpected validate output:\n%s", out)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	testlog.Start(t)
	if _, err := run(t, "tree", "-c", filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatalf("expected missing config error")
	}
}

func TestRemoteCallOverTLS(t *testing.T) {
	testlog.Start(t)
	var gotAuth string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"pubkey"}`))
	}))
	defer srv.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	if err := os.WriteFile(caFile, block, 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	addr := strings.TrimPrefix(srv.URL, "https://")
	out, err := run(t, "call", "/root/crypto", "identity", "--remote", addr, "--ca", caFile, "--token", "s3cret")
	if err != nil {
		t.Fatalf("remote call: %v", err)
	}
	if strings.TrimSpace(out) != "pubkey" {
		t.Fatalf("unexpected output %q", out)
	}
	if gotAuth != "Bearer s3cret" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}

	if _, err := run(t, "call", "/root/crypto", "identity", "--remote", srv.URL); err == nil {
		t.Fatalf("expected untrusted certificate to fail")
	}
}
