package ssh

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/appfleet/internal/ssh/sshtest"
)

func testClient(t *testing.T, srv *sshtest.Server, trust bool) *Client {
	t.Helper()
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if _, err := GenerateEd25519Keypair(key); err != nil {
		t.Fatal(err)
	}
	signer, err := LoadPrivateKeySigner(key)
	if err != nil {
		t.Fatal(err)
	}
	th, err := OpenTrustedHosts(filepath.Join(dir, "known_hosts"))
	if err != nil {
		t.Fatal(err)
	}
	if trust {
		if _, err := th.Pin(srv.Addr, srv.HostKey); err != nil {
			t.Fatal(err)
		}
	}
	cb, err := th.HostKeyCallback()
	if err != nil {
		t.Fatal(err)
	}
	return &Client{Addr: srv.Addr, User: "deploy", Signer: signer, KnownHosts: cb, Timeout: 5 * time.Second}
}

func TestPushDir(t *testing.T) {
	srv := sshtest.Start(t)
	c := testClient(t, srv, true)

	local := t.TempDir()
	if err := os.MkdirAll(filepath.Join(local, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{"README.md": "# app\n", "src/main.py": "print('hi')\n"}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(local, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cli, err := Dial(ctx, c)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "apps", "todo"))
	if err := StatRemoteDir(cli, remote); err != nil {
		t.Fatalf("stat remote: %v", err)
	}
	n, err := PushDir(ctx, cli, local, remote, []string{"README.md", "src/main.py"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if n != 2 {
		t.Fatalf("pushed %d files, want 2", n)
	}
	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(filepath.FromSlash(remote), filepath.FromSlash(name)))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != body {
			t.Fatalf("%s = %q, want %q", name, got, body)
		}
	}
}

func TestDialRejectsUnknownHost(t *testing.T) {
	srv := sshtest.Start(t)
	c := testClient(t, srv, false)
	c.Retries = 3
	c.Backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := Dial(ctx, c); err == nil {
		t.Fatal("expected host key error")
	}
}

func TestDialRequiresKnownHosts(t *testing.T) {
	c := &Client{Addr: "127.0.0.1:1"}
	if _, err := Dial(context.Background(), c); err == nil {
		t.Fatal("expected config error")
	}
}
