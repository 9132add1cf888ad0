package backend

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/logger"
)

// sshTestServer is an in-process SSH server. It echoes each exec payload on
// stdout, fails commands containing "fail" with status 3 and never answers
// commands containing "hang".
type sshTestServer struct {
	addr    string
	port    int
	hostKey ssh.PublicKey
	conns   atomic.Int32

	ln   net.Listener
	wg   sync.WaitGroup
	mu   sync.Mutex
	open []net.Conn
}

func newHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func startSSHServer(t *testing.T) *sshTestServer {
	t.Helper()
	signer := newHostSigner(t)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &sshTestServer{
		addr:    ln.Addr().String(),
		port:    ln.Addr().(*net.TCPAddr).Port,
		hostKey: signer.PublicKey(),
		ln:      ln,
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			srv.conns.Add(1)
			srv.mu.Lock()
			srv.open = append(srv.open, nc)
			srv.mu.Unlock()
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.serveConn(nc, cfg)
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		srv.mu.Lock()
		for _, c := range srv.open {
			c.Close()
		}
		srv.mu.Unlock()
		srv.wg.Wait()
	})
	return srv
}

func (s *sshTestServer) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			serveSession(ch, chReqs)
		}()
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		if strings.Contains(payload.Command, "hang") {
			continue
		}
		var status uint32
		if strings.Contains(payload.Command, "fail") {
			io.WriteString(ch.Stderr(), "boom\n")
			status = 3
		} else {
			io.WriteString(ch, payload.Command+"\n")
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func sshTarget(srv *sshTestServer) domain.TargetDescriptor {
	return domain.TargetDescriptor{
		Name:     "web",
		Kind:     domain.TargetSSH,
		Host:     "127.0.0.1",
		Port:     srv.port,
		User:     "deploy",
		Password: "secret",
	}
}

func newTestSSH(t *testing.T, target domain.TargetDescriptor) *SSH {
	t.Helper()
	b, err := NewSSH(target, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSSHExecuteCommand(t *testing.T) {
	srv := startSSHServer(t)
	b := newTestSSH(t, sshTarget(srv))

	res, err := b.ExecuteCommand(context.Background(), "echo hi", domain.ExecOptions{WorkDir: "/srv/app"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "cd '/srv/app' && echo hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 || res.Errored {
		t.Errorf("exit = %d errored = %v", res.ExitCode, res.Errored)
	}
}

func TestSSHReusesConnection(t *testing.T) {
	srv := startSSHServer(t)
	b := newTestSSH(t, sshTarget(srv))

	for _, cmd := range []string{"uptime", "whoami", "id"} {
		if _, err := b.ExecuteCommand(context.Background(), cmd, domain.ExecOptions{}); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	if got := srv.conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestSSHNonZeroExit(t *testing.T) {
	srv := startSSHServer(t)
	b := newTestSSH(t, sshTarget(srv))

	res, err := b.ExecuteCommand(context.Background(), "fail now", domain.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 || !res.Errored {
		t.Errorf("exit = %d errored = %v", res.ExitCode, res.Errored)
	}
	if res.Stderr != "boom\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestSSHTimeout(t *testing.T) {
	srv := startSSHServer(t)
	b := newTestSSH(t, sshTarget(srv))

	res, err := b.ExecuteCommand(context.Background(), "hang", domain.ExecOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != domain.TimeoutExitCode || res.Stderr != "Timeout" {
		t.Errorf("got %+v", res)
	}
}

func TestSSHDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	b := newTestSSH(t, domain.TargetDescriptor{
		Name: "gone", Kind: domain.TargetSSH, Host: "127.0.0.1", Port: port, User: "deploy", Password: "secret",
	})
	_, err = b.ExecuteCommand(context.Background(), "true", domain.ExecOptions{})
	if !errors.Is(err, domain.ErrBackendTransport) {
		t.Fatalf("err = %v, want ErrBackendTransport", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeSSHTransport {
		t.Errorf("code = %s", code)
	}
}

func TestSSHBadPassword(t *testing.T) {
	srv := startSSHServer(t)
	target := sshTarget(srv)
	target.Password = "wrong"
	b := newTestSSH(t, target)

	_, err := b.ExecuteCommand(context.Background(), "true", domain.ExecOptions{})
	if !errors.Is(err, domain.ErrBackendTransport) {
		t.Fatalf("err = %v, want ErrBackendTransport", err)
	}
}

func TestSSHKnownHosts(t *testing.T) {
	srv := startSSHServer(t)

	writeKnownHosts := func(t *testing.T, key ssh.PublicKey) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{srv.addr}, key) + "\n"
		if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("match", func(t *testing.T) {
		target := sshTarget(srv)
		target.KnownHostsPath = writeKnownHosts(t, srv.hostKey)
		b := newTestSSH(t, target)
		if _, err := b.ExecuteCommand(context.Background(), "true", domain.ExecOptions{}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		target := sshTarget(srv)
		target.KnownHostsPath = writeKnownHosts(t, newHostSigner(t).PublicKey())
		b := newTestSSH(t, target)
		_, err := b.ExecuteCommand(context.Background(), "true", domain.ExecOptions{})
		if !errors.Is(err, domain.ErrBackendTransport) {
			t.Fatalf("err = %v, want ErrBackendTransport", err)
		}
	})
}

func TestNewSSHRejectsWindows(t *testing.T) {
	_, err := NewSSH(domain.TargetDescriptor{
		Name: "win", Kind: domain.TargetSSH, Host: "h", User: "u", Password: "p", Platform: domain.PlatformWindows,
	}, logger.Discard())
	if !errors.Is(err, domain.ErrUnsupportedTarget) {
		t.Fatalf("err = %v", err)
	}
}

func TestSSHEmptyCommand(t *testing.T) {
	srv := startSSHServer(t)
	b := newTestSSH(t, sshTarget(srv))
	_, err := b.ExecuteCommand(context.Background(), "  ", domain.ExecOptions{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
	if srv.conns.Load() != 0 {
		t.Error("empty command should not dial")
	}
}
