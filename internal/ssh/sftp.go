package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushDir uploads files (slash-separated paths relative to localDir) into
// remoteDir, creating directories as needed. It returns the number of files
// written before the first error.
func PushDir(ctx context.Context, client *xssh.Client, localDir, remoteDir string, files []string) (int, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(remoteDir); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	pushed := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		remote := path.Join(remoteDir, rel)
		if err := pushFile(sf, local, remote); err != nil {
			return pushed, fmt.Errorf("push %s: %w", rel, err)
		}
		pushed++
	}
	return pushed, nil
}

func pushFile(sf *sftp.Client, localPath, remotePath string) error {
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// StatRemoteDir reports whether dir exists on the remote host and is a
// directory. A missing directory is created.
func StatRemoteDir(client *xssh.Client, dir string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	fi, err := sf.Stat(dir)
	if os.IsNotExist(err) {
		return sf.MkdirAll(dir)
	}
	if err != nil {
		return fmt.Errorf("stat remote %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("remote %s is not a directory", dir)
	}
	return nil
}
