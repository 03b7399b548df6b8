//go:build integration

package test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/user/burrow/internal/client"
	"github.com/user/burrow/internal/driver"
	"github.com/user/burrow/internal/server"
	"github.com/user/burrow/internal/state"
	"github.com/user/burrow/internal/stream"
	"github.com/user/burrow/internal/tunnel"
	"github.com/user/burrow/internal/types"
)

const sshPassword = "burrow-test"

// sshServer is a minimal SSH server that only forwards direct-tcpip
// channels, which is all a tunnel needs.
type sshServer struct {
	ln     net.Listener
	config *ssh.ServerConfig
	key    ssh.PublicKey

	mu    sync.Mutex
	conns []net.Conn
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == sshPassword {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &sshServer{ln: ln, config: config, key: signer.PublicKey()}
	t.Cleanup(func() {
		ln.Close()
		s.dropAll()
	})
	go s.acceptLoop()
	return s
}

func (s *sshServer) addr() string { return s.ln.Addr().String() }

func (s *sshServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *sshServer) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			newCh.Reject(ssh.UnknownChannelType, "only direct-tcpip")
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newCh.ExtraData(), &target); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			newCh.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			io.Copy(ch, upstream)
			ch.CloseWrite()
		}()
		go func() {
			io.Copy(upstream, ch)
			upstream.Close()
			ch.Close()
		}()
	}
}

// dropAll severs every SSH connection, as a network failure would.
func (s *sshServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *sshServer) knownHosts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.addr())}, s.key)
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func echo(ctx context.Context, turn *driver.Turn, emit driver.Emitter) (*driver.Outcome, error) {
	msg := &stream.AssistantMessage{Content: []stream.ContentBlock{{Type: stream.BlockText, Text: "echo: " + turn.Text}}}
	if err := emit.Emit(ctx, msg); err != nil {
		return nil, err
	}
	return &driver.Outcome{Result: "echo: " + turn.Text, NumRounds: 1}, nil
}

func startBurrow(t *testing.T) (host string, port int) {
	t.Helper()
	log := state.NewEventLog(state.NewFileStore(t.TempDir()))
	d := driver.New(log, driver.ComputationFunc(echo), driver.Options{MaxConcurrent: 2})
	d.Launch(context.Background())
	t.Cleanup(d.Stop)

	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx, ln, server.NewServer(d, server.Options{}), time.Second)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestEndToEndOverSSH(t *testing.T) {
	sshd := startSSHServer(t)
	host, port := startBurrow(t)

	opener := tunnel.NewOpener(tunnel.SSHDialer(tunnel.SSHConfig{
		Addr:       sshd.addr(),
		User:       "burrow",
		Password:   sshPassword,
		KnownHosts: sshd.knownHosts(t),
	}), host, port)
	defer opener.Close()

	coord := client.New(client.Environment{
		Tunnels: client.SSHTunnels(opener),
		Cursors: client.NewFileCursorStore(filepath.Join(t.TempDir(), "cursor.json")),
	}, client.Options{
		Retry: &client.RetryPolicy{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var got []types.EventID
	if err := coord.Run(ctx, &stream.StartRequest{Text: "hello"}, func(ev *types.Event) {
		got = append(got, ev.ID)
	}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if fmt.Sprint(got) != "[1 2 3 4]" {
		t.Fatalf("expected events [1 2 3 4], got %v", got)
	}
	sessionID := coord.Cursor().SessionID

	// Sever the SSH connection; the next turn must come through on a fresh
	// tunnel.
	sshd.dropAll()

	got = nil
	if err := coord.Run(ctx, &stream.StartRequest{Text: "again", SessionID: sessionID}, func(ev *types.Event) {
		got = append(got, ev.ID)
	}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if fmt.Sprint(got) != "[5 6 7 8]" {
		t.Fatalf("expected events [5 6 7 8], got %v", got)
	}
	if coord.State() != client.Completed {
		t.Errorf("expected completed, got %s", coord.State())
	}
}

func TestSSHRejectsUnknownHost(t *testing.T) {
	sshd := startSSHServer(t)
	empty := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := tunnel.DialSSH(context.Background(), tunnel.SSHConfig{
		Addr:       sshd.addr(),
		User:       "burrow",
		Password:   sshPassword,
		KnownHosts: empty,
	})
	if err == nil {
		t.Fatal("expected host key verification to fail")
	}
}
