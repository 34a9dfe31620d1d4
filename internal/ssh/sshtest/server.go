// Package sshtest runs an in-process SSH server with an SFTP subsystem backed
// by the local filesystem, for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"net"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

type Server struct {
	Addr    string
	HostKey string // authorized_keys format

	ln  net.Listener
	cfg *xssh.ServerConfig
}

// Start listens on a loopback port and accepts any public key. The server is
// closed when the test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(xssh.ConnMetadata, xssh.PublicKey) (*xssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		Addr:    ln.Addr().String(),
		HostKey: string(xssh.MarshalAuthorizedKey(signer.PublicKey())),
		ln:      ln,
		cfg:     cfg,
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(nc net.Conn) {
	sc, chans, reqs, err := xssh.NewServerConn(nc, s.cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer sc.Close()
	go xssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(xssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, in, err := nch.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, in)
	}
}

func serveSession(ch xssh.Channel, in <-chan *xssh.Request) {
	defer ch.Close()
	for req := range in {
		ok := req.Type == "subsystem" && subsystemName(req.Payload) == "sftp"
		_ = req.Reply(ok, nil)
		if !ok {
			continue
		}
		go xssh.DiscardRequests(in)
		srv, err := sftp.NewServer(ch)
		if err != nil {
			return
		}
		_ = srv.Serve()
		_ = srv.Close()
		return
	}
}

func subsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}
