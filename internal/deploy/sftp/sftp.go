package sftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/appfleet/internal/core"
	gssh "github.com/3cpo-dev/appfleet/internal/ssh"
	"github.com/3cpo-dev/appfleet/pkg/api"
)

type Options struct {
	Host       string
	Port       int
	User       string
	KeyPath    string
	KnownHosts string
	RemoteDir  string
	Timeout    time.Duration
}

// Deployer uploads each artifact to <RemoteDir>/<job id> over SFTP. Host keys
// are checked against KnownHosts.
type Deployer struct {
	opts   Options
	client *gssh.Client
}

func New(opts Options) *Deployer {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = "apps"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Deployer{opts: opts}
}

func (d *Deployer) Name() string { return "sftp" }

func (d *Deployer) addr() string {
	return net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
}

// Verify loads the key and known_hosts, then dials and checks the remote root.
func (d *Deployer) Verify(ctx context.Context) error {
	if d.opts.Host == "" || d.opts.User == "" {
		return errors.New("sftp host and user must be configured")
	}
	signer, err := gssh.LoadPrivateKeySigner(d.opts.KeyPath)
	if err != nil {
		return err
	}
	th, err := gssh.OpenTrustedHosts(d.opts.KnownHosts)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	cb, err := th.HostKeyCallback()
	if err != nil {
		return err
	}
	d.client = &gssh.Client{
		Addr:       d.addr(),
		User:       d.opts.User,
		Signer:     signer,
		KnownHosts: cb,
		Timeout:    d.opts.Timeout,
		Retries:    1,
	}
	cli, err := gssh.Dial(ctx, d.client)
	if err != nil {
		return err
	}
	defer cli.Close()
	return gssh.StatRemoteDir(cli, d.opts.RemoteDir)
}

func (d *Deployer) Prepare(res api.JobResult) error {
	if d.client == nil {
		return errors.New("sftp deployer not verified")
	}
	if res.ArtifactLocation == "" {
		return errors.New("artifact location is empty")
	}
	return nil
}

func (d *Deployer) Deploy(ctx context.Context, res api.JobResult) (string, error) {
	files := res.Files
	if len(files) == 0 {
		var err error
		if files, err = core.ListFiles(res.ArtifactLocation); err != nil {
			return "", fmt.Errorf("list artifact files: %w", err)
		}
	}
	cli, err := gssh.Dial(ctx, d.client)
	if err != nil {
		return "", err
	}
	defer cli.Close()
	stop := closeOnDone(ctx, cli)
	defer stop()

	remote := path.Join(d.opts.RemoteDir, res.JobID)
	n, err := gssh.PushDir(ctx, cli, res.ArtifactLocation, remote, files)
	if err != nil {
		return "", err
	}
	log.Debug().Str("job", res.JobID).Int("files", n).Str("remote", remote).Msg("Uploaded artifact")
	return d.URL(res.JobID), nil
}

// URL is sftp://user@host[:port]/<remote dir>/<job id>.
func (d *Deployer) URL(jobID string) string {
	host := d.opts.Host
	if d.opts.Port != 22 {
		host = d.addr()
	}
	p := path.Join(d.opts.RemoteDir, jobID)
	if !path.IsAbs(p) {
		p = "/" + p
	}
	return fmt.Sprintf("sftp://%s@%s%s", d.opts.User, host, p)
}

// sftp transfers ignore ctx; closing the connection aborts them.
func closeOnDone(ctx context.Context, cli *xssh.Client) func() bool {
	return context.AfterFunc(ctx, func() { _ = cli.Close() })
}
