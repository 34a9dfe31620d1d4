package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrHostKeyConflict is returned when a host is already pinned to a different
// key of the same type.
var ErrHostKeyConflict = errors.New("host already pinned to a different key")

// TrustedHosts is the known_hosts file listing the servers the sftp deploy
// target may upload to. `appfleet init --trust-host` pins entries; Verify on
// the sftp target reads them.
type TrustedHosts struct {
	Path string
}

// OpenTrustedHosts creates the file and its directory when missing.
func OpenTrustedHosts(path string) (*TrustedHosts, error) {
	if path == "" {
		return nil, errors.New("known_hosts path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create known_hosts: %w", err)
	}
	f.Close()
	return &TrustedHosts{Path: path}, nil
}

// Pin trusts authorizedKey for addr ("host" or "host:port"). It reports false
// when the same key is already pinned. A different key of the same type for
// addr fails with ErrHostKeyConflict; the file is left untouched.
func (th *TrustedHosts) Pin(addr, authorizedKey string) (bool, error) {
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return false, fmt.Errorf("parse host key: %w", err)
	}
	host := knownhosts.Normalize(addr)

	data, err := os.ReadFile(th.Path)
	if err != nil {
		return false, fmt.Errorf("read known_hosts: %w", err)
	}
	for rest := data; len(rest) > 0; {
		var hosts []string
		var pinned xssh.PublicKey
		_, hosts, pinned, _, rest, err = xssh.ParseKnownHosts(rest)
		if err != nil {
			break
		}
		if !contains(hosts, host) || pinned.Type() != key.Type() {
			continue
		}
		if bytes.Equal(pinned.Marshal(), key.Marshal()) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrHostKeyConflict, host)
	}

	f, err := os.OpenFile(th.Path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return false, fmt.Errorf("write known_hosts: %w", err)
	}
	return true, nil
}

// HostKeyCallback rejects hosts that are not pinned or present another key.
func (th *TrustedHosts) HostKeyCallback() (xssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(th.Path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
