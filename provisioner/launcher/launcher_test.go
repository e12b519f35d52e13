package launcher

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gammadia/cumulus/options"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestSetFor(t *testing.T) {
	set := &Set{Stub: &Stub{}, Agent: NewAgent()}

	l, err := set.For(options.LauncherStub)
	require.NoError(t, err)
	assert.IsType(t, &Stub{}, l)

	_, err = set.For(options.LauncherSSH)
	assert.Error(t, err)
}

func TestAgentWaitsForCheckIn(t *testing.T) {
	agent := NewAgent()
	target := Target{Name: "build-ant"}

	reason, err := agent.StillWaitingFor(context.Background(), target)
	require.NoError(t, err)
	assert.NotEmpty(t, reason)

	agent.CheckIn("build-ant")
	reason, err = agent.StillWaitingFor(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, reason)

	transport, err := agent.Connect(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, transport.Close())

	reason, _ = agent.StillWaitingFor(context.Background(), target)
	assert.NotEmpty(t, reason, "closing the transport forgets the check-in")
}

func sshTarget(t *testing.T, address string, o options.Options) Target {
	host, port, err := net.SplitHostPort(address)
	require.NoError(t, err)
	launcher := options.Launcher{Kind: options.LauncherSSH, User: "ci"}
	launcher.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return Target{Name: "build-ant", Address: host, Options: o.Override(options.Options{Launcher: &launcher})}
}

func TestSSHProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := sshTarget(t, listener.Addr().String(), options.Defaults())
	s := NewSSH("", nil)

	reason, err := s.StillWaitingFor(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, reason)

	require.NoError(t, listener.Close())
	reason, err = s.StillWaitingFor(context.Background(), target)
	require.NoError(t, err)
	assert.Contains(t, reason, "ssh port")

	reason, _ = s.StillWaitingFor(context.Background(), Target{Name: "no-address"})
	assert.Contains(t, reason, "address")
}

func TestSSHConnectPreparesFSRoot(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	authorized, err := ssh.NewPublicKey(public)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(private, "")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600))

	address, commands := startSSHServer(t, authorized)
	target := sshTarget(t, address, options.Defaults().Override(options.Options{FSRoot: lo.ToPtr("/srv/ci root")}))

	transport, err := NewSSH(keyFile, nil).Connect(context.Background(), target)
	require.NoError(t, err)
	defer transport.Close()

	select {
	case command := <-commands:
		assert.Equal(t, "mkdir -p '/srv/ci root'", command)
	case <-time.After(5 * time.Second):
		t.Fatal("fs root was not prepared")
	}
}

func TestSSHConnectMissingKey(t *testing.T) {
	_, err := NewSSH(filepath.Join(t.TempDir(), "missing"), nil).Connect(context.Background(), Target{Name: "a", Address: "127.0.0.1"})
	assert.ErrorContains(t, err, "failed to read ssh key")
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) (string, <-chan string) {
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	commands := make(chan string, 10)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, config, commands)
		}
	}()
	return listener.Addr().String(), commands
}

func serveSSH(conn net.Conn, config *ssh.ServerConfig, commands chan<- string) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				commands <- payload.Command
				_ = req.Reply(true, nil)
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				_ = channel.Close()
			}
		}()
	}
}
