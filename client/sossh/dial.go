// Package sossh reaches a TCP port of a remote host through ssh and socat.
package sossh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Tunnel opens connections on the loopback interface of Host, as Username.
type Tunnel struct {
	Host     string
	Port     int
	Username string
}

type conn struct {
	io.ReadCloser
	io.WriteCloser
	cancel context.CancelFunc
	local  addr
	remote addr
}

var _ net.Conn = (*conn)(nil)

type addr string

func (a addr) Network() string { return "ssh" }
func (a addr) String() string  { return string(a) }

func (c *conn) Close() error {
	c.cancel()
	return errors.Join(c.ReadCloser.Close(), c.WriteCloser.Close())
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }

// Deadlines are not supported over the ssh pipes, callers rely on context cancellation instead.

func (c *conn) SetDeadline(time.Time) error      { return nil }
func (c *conn) SetReadDeadline(time.Time) error  { return nil }
func (c *conn) SetWriteDeadline(time.Time) error { return nil }

// DialContext has the signature of net.Dialer.DialContext. The host part of target is ignored,
// the connection is always made to the loopback interface of the tunnel host.
func (t *Tunnel) DialContext(ctx context.Context, network, target string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	_, port, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target '%s': %w", target, err)
	}

	host, sshPort, _ := strings.Cut(t.Host, ":")
	if sshPort == "" {
		sshPort = "22"
		if t.Port > 0 {
			sshPort = fmt.Sprint(t.Port)
		}
	}
	destination := host
	if t.Username != "" {
		destination = fmt.Sprintf("%s@%s", t.Username, host)
	}

	// The tunnel outlives the dial context, it is torn down when the connection is closed
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cmd := exec.CommandContext(
		ctx,
		"ssh", destination, "-p", sshPort, "-o", "BatchMode=yes", "--",
		"socat", "stdio", fmt.Sprintf("tcp:127.0.0.1:%s", port),
	)
	cmd.Stderr = os.Stderr

	in, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	out, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ssh tunnel to '%s': %w", destination, err)
	}

	return &conn{
		ReadCloser:  in,
		WriteCloser: out,
		cancel:      cancel,
		local:       addr("localhost"),
		remote:      addr(fmt.Sprintf("%s:%s", host, port)),
	}, nil
}
