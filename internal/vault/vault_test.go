package vault

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVaultRoundTrip(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "master-pass", testLogger())

	id, err := v.Put("anthropic", "sk-ant-secret")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty credential id")
	}

	secret, err := v.Resolve(id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if secret != "sk-ant-secret" {
		t.Fatalf("expected secret to round-trip, got %q", secret)
	}

	metas, err := v.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(metas))
	}
	if metas[0].ID != id || metas[0].ProviderKey != "anthropic" {
		t.Fatalf("unexpected metadata: %+v", metas[0])
	}
	if metas[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestVaultPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "master-pass", testLogger())
	id, err := v.Put("openai", "sk-oa-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened := Open(dir, "master-pass", testLogger())
	secret, err := reopened.Resolve(id)
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if secret != "sk-oa-1" {
		t.Fatalf("expected persisted secret, got %q", secret)
	}
}

func TestVaultWrongMasterKey(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "correct-horse", testLogger())
	if _, err := v.Put("anthropic", "sk-1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	wrong := Open(dir, "battery-staple", testLogger())
	if _, err := wrong.List(); !errors.Is(err, ErrVaultAuth) {
		t.Fatalf("expected ErrVaultAuth, got %v", err)
	}
	if _, err := wrong.Resolve("whatever"); !errors.Is(err, ErrVaultAuth) {
		t.Fatalf("expected ErrVaultAuth on resolve, got %v", err)
	}
}

func TestVaultDisabled(t *testing.T) {
	v := Open(t.TempDir(), "", testLogger())
	if v.Enabled() {
		t.Fatal("expected vault without master key to be disabled")
	}
	if _, err := v.Put("anthropic", "sk"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := v.List(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := v.Resolve("x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if err := v.Delete("x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestVaultDelete(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "master-pass", testLogger())
	id1, err := v.Put("anthropic", "sk-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	id2, err := v.Put("openai", "sk-2")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := v.Delete(id1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Resolve(id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := v.Resolve(id2); err != nil {
		t.Fatalf("expected surviving credential to resolve, got %v", err)
	}
	if err := v.Delete(id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for repeated delete, got %v", err)
	}
}

func TestVaultUnknownCredential(t *testing.T) {
	v := Open(t.TempDir(), "master-pass", testLogger())
	if _, err := v.Resolve("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVaultFilePermissions(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "master-pass", testLogger())
	if _, err := v.Put("anthropic", "sk"); err != nil {
		t.Fatalf("put: %v", err)
	}

	fi, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestVaultBlobIsOpaque(t *testing.T) {
	dir := t.TempDir()
	v := Open(dir, "master-pass", testLogger())
	if _, err := v.Put("anthropic", "sk-ant-plaintext-marker"); err != nil {
		t.Fatalf("put: %v", err)
	}

	blob, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if bytes.Contains(blob, []byte("sk-ant-plaintext-marker")) {
		t.Fatal("expected secret to be absent from the sealed blob")
	}
}
