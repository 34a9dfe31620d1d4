package deploy

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestExecCommander(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	c := ExecCommander{Env: []string{"APPFLEET_TEST=yes"}}
	res, err := c.Run(context.Background(), t.TempDir(), "sh", "-c", "echo $APPFLEET_TEST")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "yes" {
		t.Fatalf("stdout = %q", res.Stdout)
	}

	res, err = c.Run(context.Background(), "", "sh", "-c", "echo out; echo bad token >&2; exit 3")
	if err == nil {
		t.Fatal("expected error on non-zero exit")
	}
	if res.ExitCode != 3 || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Run(ctx, "", "sleep", "5"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
