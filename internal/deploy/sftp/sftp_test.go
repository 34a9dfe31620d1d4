package sftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	gssh "github.com/3cpo-dev/appfleet/internal/ssh"
	"github.com/3cpo-dev/appfleet/internal/ssh/sshtest"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

func setup(t *testing.T) (Options, string) {
	t.Helper()
	srv := sshtest.Start(t)
	host, portStr, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	if _, err := gssh.GenerateEd25519Keypair(key); err != nil {
		t.Fatal(err)
	}
	kh := filepath.Join(dir, "known_hosts")
	th, err := gssh.OpenTrustedHosts(kh)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := th.Pin(srv.Addr, srv.HostKey); err != nil {
		t.Fatal(err)
	}
	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "www"))
	return Options{Host: host, Port: port, User: "deploy", KeyPath: key, KnownHosts: kh, RemoteDir: remote, Timeout: 5 * time.Second}, remote
}

func TestDeployUploadsArtifact(t *testing.T) {
	opts, remote := setup(t)
	d := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	art := t.TempDir()
	if err := os.WriteFile(filepath.Join(art, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := api.JobResult{JobID: "landing", Succeeded: true, ArtifactLocation: art}
	if err := d.Prepare(res); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	url, err := d.Deploy(ctx, res)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if url != d.URL("landing") {
		t.Fatalf("url = %q", url)
	}
	got, err := os.ReadFile(filepath.Join(filepath.FromSlash(remote), "landing", "index.html"))
	if err != nil || string(got) != "<h1>hi</h1>" {
		t.Fatalf("remote file: %q %v", got, err)
	}
}

func TestVerifyFailsWithoutTrustedHost(t *testing.T) {
	opts, _ := setup(t)
	opts.KnownHosts = filepath.Join(t.TempDir(), "empty_known_hosts")
	d := New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Verify(ctx); err == nil {
		t.Fatal("expected host key verification to fail")
	}
}

func TestURL(t *testing.T) {
	d := New(Options{Host: "files.example.com", User: "web", RemoteDir: "/srv/apps"})
	if got := d.URL("todo"); got != "sftp://web@files.example.com/srv/apps/todo" {
		t.Fatalf("url = %q", got)
	}
	d = New(Options{Host: "h", Port: 2222, User: "u", RemoteDir: "apps"})
	if got := d.URL("x"); got != "sftp://u@h:2222/apps/x" {
		t.Fatalf("url = %q", got)
	}
}
