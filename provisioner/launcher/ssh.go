package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/alessio/shellescape"
	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"
)

const (
	probeTimeout      = 500 * time.Millisecond
	keepaliveInterval = 30 * time.Second
)

// SSH waits for the ssh port of the node to open, then connects with a key pair.
type SSH struct {
	// KeyFile is used when the launcher options do not name one.
	KeyFile string
	Logger  *slog.Logger

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Launcher = (*SSH)(nil)

func NewSSH(keyFile string, logger *slog.Logger) *SSH {
	dialer := &net.Dialer{Timeout: probeTimeout}
	return &SSH{KeyFile: keyFile, Logger: logger, dial: dialer.DialContext}
}

func (s *SSH) endpoint(target Target) string {
	port := lo.Ternary(target.Options.GetLauncher().Port > 0, target.Options.GetLauncher().Port, 22)
	return net.JoinHostPort(target.Address, strconv.Itoa(port))
}

func (s *SSH) StillWaitingFor(ctx context.Context, target Target) (string, error) {
	if target.Address == "" {
		return "server to get an address", nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := s.dial(ctx, "tcp", s.endpoint(target))
	if err != nil {
		return fmt.Sprintf("ssh port of %s to open", target.Address), nil
	}
	_ = conn.Close()
	return "", nil
}

func (s *SSH) Connect(ctx context.Context, target Target) (Transport, error) {
	launcher := target.Options.GetLauncher()
	keyFile := lo.Ternary(launcher.KeyFile != "", launcher.KeyFile, s.KeyFile)
	user := lo.Ternary(launcher.User != "", launcher.User, "root")

	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key '%s': %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key '%s': %w", keyFile, err)
	}

	conn, err := s.dial(ctx, "tcp", s.endpoint(target))
	if err != nil {
		return nil, fmt.Errorf("failed to reach node '%s': %w", target.Name, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.endpoint(target), &ssh.ClientConfig{
		User:            user,
		Timeout:         5 * time.Second,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open ssh session to node '%s': %w", target.Name, err)
	}

	t := &sshTransport{client: ssh.NewClient(sshConn, chans, reqs), log: s.Logger}
	if root := lo.FromPtr(target.Options.FSRoot); root != "" {
		if err := t.run("mkdir -p " + shellescape.Quote(root)); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("failed to prepare fs root '%s' on node '%s': %w", root, target.Name, err)
		}
	}
	go t.keepalive()
	return t, nil
}

type sshTransport struct {
	client *ssh.Client
	log    *slog.Logger
	closed atomic.Bool
}

func (t *sshTransport) run(cmd string) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()
	return session.Run(cmd)
}

// keepalive prevents idle nodes from having their connection dropped by middleboxes.
func (t *sshTransport) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		if t.closed.Load() {
			return
		}
		if _, _, err := t.client.SendRequest("keepalive@cumulus", true, nil); err != nil {
			if t.log != nil {
				t.log.Warn("SSH keepalive failed", "error", err)
			}
			return
		}
	}
}

func (t *sshTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}
