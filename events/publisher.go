package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher sends encoded events to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// NATSPublisher publishes events on a NATS server, reconnecting forever.
type NATSPublisher struct {
	nc  *nats.Conn
	url string
}

// NATSPublisher implements Publisher
var _ Publisher = (*NATSPublisher)(nil)

func NewNATSPublisher(url, name string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at '%s': %w", url, err)
	}
	return &NATSPublisher{nc: nc, url: url}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// LogPublisher writes events to a logger, for deployments without a message broker.
type LogPublisher struct {
	Logger *slog.Logger
}

// LogPublisher implements Publisher
var _ Publisher = (*LogPublisher)(nil)

func (p *LogPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.Logger.DebugContext(ctx, "Event", "subject", subject, "payload", string(payload))
	return nil
}

func (p *LogPublisher) Close() {}
