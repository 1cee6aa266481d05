package sshserver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestLoadOrGenerateSignerPersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host")

	first, err := LoadOrGenerateSigner(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrGenerateSigner(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()))
	require.Equal(t, ssh.KeyAlgoED25519, second.PublicKey().Type())
}

func TestLoadOrGenerateSignerRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateSigner(path)
	require.Error(t, err)
}

func TestLoadOrGenerateSignerEmptyPathIsEphemeral(t *testing.T) {
	a, err := LoadOrGenerateSigner("")
	require.NoError(t, err)
	b, err := LoadOrGenerateSigner("")
	require.NoError(t, err)
	require.False(t, bytes.Equal(a.PublicKey().Marshal(), b.PublicKey().Marshal()))
}

func TestServeRequiresHandler(t *testing.T) {
	signer, err := EphemeralSigner()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(ln.Addr().String(), signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, srv.Serve(context.Background(), ln, nil))
}

func TestServeHandsSessionsToHandler(t *testing.T) {
	signer, err := EphemeralSigner()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	users := make(chan string, 1)
	handler := func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
		defer channel.Close()
		for req := range requests {
			ok := req.Type == "exec"
			req.Reply(ok, nil)
			if ok {
				break
			}
		}
		go ssh.DiscardRequests(requests)
		users <- conn.User()
		_, _ = io.WriteString(channel, "bye\n")
	}

	srv := New(ln.Addr().String(), signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln, handler)
	}()

	client, err := ssh.Dial("tcp", ln.Addr().String(), &ssh.ClientConfig{
		User:            "zoe",
		HostKeyCallback: ssh.FixedHostKey(signer.PublicKey()),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)
	out, err := session.Output("hello")
	require.Error(t, err) // the handler never sends an exit status
	require.Equal(t, "bye\n", string(out))

	select {
	case user := <-users:
		require.Equal(t, "zoe", user)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
