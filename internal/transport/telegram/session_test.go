package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"docudrop/internal/transport"
	logx "docudrop/pkg/logx"
)

func TestAcquireLockRejectsExistingMarker(t *testing.T) {
	dir := t.TempDir()
	p, err := acquireLock(dir)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if filepath.Base(p) != LockMarker {
		t.Fatalf("lock path = %s", p)
	}
	_, err = acquireLock(dir)
	if !errors.Is(err, transport.ErrSessionLocked) {
		t.Fatalf("second acquireLock = %v, want ErrSessionLocked", err)
	}
	if !transport.IsLockError(err) {
		t.Fatal("IsLockError should match session lock errors")
	}
}

func TestConnectReleasesLockOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := New(Config{Token: "123:bad", SessionDir: dir, URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background(), make(chan transport.Event, 4)); err == nil {
		t.Fatal("Connect should fail with a rejected token")
	}
	if _, err := os.Stat(filepath.Join(dir, LockMarker)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock marker left behind: %v", err)
	}
}

func TestSendDocumentValidatesAddress(t *testing.T) {
	s, err := New(Config{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.SendDocument(ctx, "15550001@c.us", "/tmp/x", ""); !errors.Is(err, transport.ErrBadAddress) {
		t.Fatalf("foreign suffix = %v, want ErrBadAddress", err)
	}
	if err := s.SendDocument(ctx, "42"+AddressSuffix, "/tmp/x", ""); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("unconnected send = %v", err)
	}
}

func TestSplitText(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	got := splitText(long, 40)
	if len(got) != 2 || got[0] != strings.Repeat("a", 30) || got[1] != strings.Repeat("b", 30) {
		t.Fatalf("splitText = %q", got)
	}
	if got := splitText("short", 40); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
}
