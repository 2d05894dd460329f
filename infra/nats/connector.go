// Package nats implements the transport connector on NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smartenergy/schedulerd/core/events"
	"github.com/smartenergy/schedulerd/core/transport"
	"github.com/smartenergy/schedulerd/infra/logger"
)

// Config defines the connection parameters for the NATS connector.
type Config struct {
	URL            string `json:"url"`
	Stream         string `json:"stream"`
	CreateStream   bool   `json:"create_stream"`
	PublishRetries int    `json:"publish_retries"`
	BackoffMS      int    `json:"backoff_ms"`
	BackoffCapMS   int    `json:"backoff_cap_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.BackoffCapMS <= 0 {
		c.BackoffCapMS = 300
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("stream name is required")
	}
	return nil
}

// Connector publishes command envelopes through JetStream and correlates
// acknowledgements on plain subscriptions.
type Connector struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	log        logger.Logger
	retries    int
	backoff    time.Duration
	backoffCap time.Duration
}

var _ transport.Connector = (*Connector)(nil)

// Connect dials the broker and, when configured, ensures the stream exists.
func Connect(cfg Config) (*Connector, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.New("nats-connector")
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if cfg.CreateStream {
		if err := ensureStream(js, cfg.Stream); err != nil {
			nc.Close()
			return nil, err
		}
	}
	log.Infof("connected to %s", cfg.URL)
	return &Connector{
		nc:         nc,
		js:         js,
		log:        log,
		retries:    cfg.PublishRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		backoffCap: time.Duration(cfg.BackoffCapMS) * time.Millisecond,
	}, nil
}

func ensureStream(js nats.JetStreamContext, name string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Publish sends the envelope with bounded retry. Transient connection-not-
// ready conditions back off linearly, capped; the command-level retry policy
// stays with the command store.
func (c *Connector) Publish(ctx context.Context, subject string, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, pubErr := c.js.Publish(subject, data)
		if pubErr == nil {
			return nil
		}
		lastErr = pubErr
		c.log.Warnf("publish attempt %d to %s failed: %v", attempt, subject, pubErr)
		if attempt < c.retries {
			time.Sleep(c.publishBackoff(attempt))
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", subject, c.retries, lastErr)
}

func (c *Connector) publishBackoff(attempt int) time.Duration {
	d := c.backoff * time.Duration(attempt)
	if d > c.backoffCap {
		d = c.backoffCap
	}
	return d
}

// PublishAndWaitForAck subscribes to the ack subject first, publishes the
// request, then blocks until a reply matching pred arrives or the timeout
// elapses. Correlation is by predicate, so concurrent callers can share one
// ack subject.
func (c *Connector) PublishAndWaitForAck(ctx context.Context, subject, ackSubject string, env events.Envelope, pred transport.Predicate, timeout time.Duration) (events.Envelope, error) {
	matched := make(chan events.Envelope, 1)
	sub, err := c.nc.Subscribe(ackSubject, func(msg *nats.Msg) {
		var reply events.Envelope
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			c.log.Errorf("decode ack on %s: %v", ackSubject, err)
			return
		}
		if pred(reply) {
			select {
			case matched <- reply:
			default:
			}
		}
	})
	if err != nil {
		return events.Envelope{}, fmt.Errorf("subscribe %s: %w", ackSubject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	env.AckSubject = ackSubject
	if err := c.Publish(ctx, subject, env); err != nil {
		return events.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-matched:
		return reply, nil
	case <-timer.C:
		return events.Envelope{}, transport.ErrAckTimeout
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	}
}

// Close drains and closes the connection.
func (c *Connector) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}
