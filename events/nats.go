package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultStream is the JetStream stream holding notifications.
	DefaultStream = "TENANTFLOW_EVENTS"
	// DefaultSubjectPrefix starts every notification subject.
	DefaultSubjectPrefix = "tenantflow"
)

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	// URL of the NATS server. Defaults to nats.DefaultURL.
	URL string `yaml:"url"`
	// Stream is created or updated to capture every notification subject.
	Stream string `yaml:"stream"`
	// SubjectPrefix starts every subject.
	SubjectPrefix string `yaml:"subject_prefix"`
	// MaxAge discards notifications older than this. Zero keeps them forever.
	MaxAge time.Duration `yaml:"max_age"`
	// ConnectAttempts is how many times to try reaching the server at startup.
	ConnectAttempts uint64 `yaml:"connect_attempts"`
}

// SetDefaults fills unset fields.
func (c *NATSConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 5
	}
}

// NATSSink publishes notifications to a JetStream stream. Subjects have the
// form <prefix>.<tenant>.executions.<event type> so subscribers can filter by
// tenant.
type NATSSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// DialNATS connects to the server, retrying while it is unavailable, and
// ensures the stream exists.
func DialNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var nc *nats.Conn
	backoff := retry.WithMaxRetries(cfg.ConnectAttempts-1, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := nats.Connect(cfg.URL,
			nats.Name("tenantflow"),
			nats.ReconnectWait(time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("NATS reconnected", "url", c.ConnectedUrl())
			}),
			nats.PingInterval(20*time.Second),
			nats.MaxPingsOutstanding(5),
		)
		if err != nil {
			logger.Warn("NATS not reachable, retrying", "url", cfg.URL, "error", err)
			return retry.RetryableError(err)
		}
		nc = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	s := &NATSSink{nc: nc, js: js, prefix: cfg.SubjectPrefix, logger: logger}
	streamCfg := jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		MaxAge:   cfg.MaxAge,
	}
	if err := s.ensureStream(ctx, streamCfg); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSSink) ensureStream(ctx context.Context, cfg jetstream.StreamConfig) error {
	_, err := s.js.Stream(ctx, cfg.Name)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := s.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", cfg.Name, err)
	}
	if _, err := s.js.UpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Subject returns the subject a notification is published on.
func Subject(prefix string, n Notification) string {
	return strings.Join([]string{prefix, token(n.TenantID), "executions", token(string(n.Type))}, ".")
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publish implements Sink. The notification ID is used as the message ID so
// the stream drops duplicates.
func (s *NATSSink) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	subject := Subject(s.prefix, n)
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(n.ID)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}
