package authstore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeHtpasswd(t *testing.T, dir, user, password string) string {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "htpasswd")
	if err := os.WriteFile(path, []byte(user+":"+hash+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyNoneAlwaysSucceeds(t *testing.T) {
	s := New()
	user, ok := s.Verify(MethodNone, []byte("alice"))
	if !ok || user != "alice" {
		t.Fatalf("got (%q, %v), want (alice, true)", user, ok)
	}
}

func TestVerifyHtpasswd(t *testing.T) {
	dir := t.TempDir()
	path := writeHtpasswd(t, dir, "bob", "s3cret")

	s := New()
	if err := s.Load(path); err != nil {
		t.Fatal(err)
	}

	if user, ok := s.Verify(MethodHtpasswd, []byte("bob:s3cret")); !ok || user != "bob" {
		t.Fatalf("expected successful auth, got (%q, %v)", user, ok)
	}
	if _, ok := s.Verify(MethodHtpasswd, []byte("bob:wrong")); ok {
		t.Fatal("expected auth failure for wrong password")
	}
	if _, ok := s.Verify(MethodHtpasswd, []byte("nobody:s3cret")); ok {
		t.Fatal("expected auth failure for unknown user")
	}
}

func TestReloadPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	path := writeHtpasswd(t, dir, "bob", "first")

	s := New()
	if err := s.Load(path); err != nil {
		t.Fatal(err)
	}

	writeHtpasswd(t, dir, "bob", "second")
	if err := s.Reload(); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Verify(MethodHtpasswd, []byte("bob:first")); ok {
		t.Fatal("old password should no longer verify after reload")
	}
	if _, ok := s.Verify(MethodHtpasswd, []byte("bob:second")); !ok {
		t.Fatal("new password should verify after reload")
	}
}

func TestReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeHtpasswd(t, dir, "bob", "first")

	s := New()
	if err := s.Load(path); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("expected reload to fail when file is gone")
	}

	if _, ok := s.Verify(MethodHtpasswd, []byte("bob:first")); !ok {
		t.Fatal("expected previous snapshot to remain in effect after failed reload")
	}
}
