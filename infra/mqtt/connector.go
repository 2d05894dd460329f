// Package mqtt implements the transport connector on Eclipse Paho for
// deployments where the microcontrollers speak MQTT instead of NATS.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/smartenergy/schedulerd/core/events"
	"github.com/smartenergy/schedulerd/core/transport"
	"github.com/smartenergy/schedulerd/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT connector.
// AckTopic is the wildcard topic covering every per-microcontroller ack
// subject, subscribed once at connect time.
type Config struct {
	Broker       string          `json:"broker"`
	ClientID     string          `json:"client_id"`
	Username     string          `json:"username"`
	Password     string          `json:"password"`
	AckTopic     string          `json:"ack_topic"`
	UseTLS       bool            `json:"use_tls"`
	ClientCert   string          `json:"client_cert"`
	ClientKey    string          `json:"client_key"`
	CABundle     string          `json:"ca_bundle"`
	AuthMethod   string          `json:"auth_method"`
	QoS          map[string]byte `json:"qos"`
	LWTTopic     string          `json:"lwt_topic"`
	LWTPayload   string          `json:"lwt_payload"`
	LWTQoS       byte            `json:"lwt_qos"`
	LWTRetain    bool            `json:"lwt_retain"`
	MaxRetries   int             `json:"max_retries"`
	BackoffMS    int             `json:"backoff_ms"`
	BackoffCapMS int             `json:"backoff_cap_ms"`
	TLSConfig    *tls.Config     `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type waiter struct {
	pred transport.Predicate
	ch   chan events.Envelope
}

// Connector implements transport.Connector using Eclipse Paho.
type Connector struct {
	raw      pahoClient
	ackTopic string
	qos      map[string]byte

	mu      sync.Mutex
	waiters map[uint64]waiter
	nextID  uint64

	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
	backoffCap time.Duration
}

var _ transport.Connector = (*Connector)(nil)

// NewConnector connects to the MQTT broker and subscribes to the ack topic.
func NewConnector(cfg Config) (*Connector, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt-connector")
	c := &Connector{
		ackTopic:   cfg.AckTopic,
		waiters:    make(map[uint64]waiter),
		logger:     log,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		backoffCap: time.Duration(cfg.BackoffCapMS) * time.Millisecond,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 100 * time.Millisecond
	}
	if c.backoffCap <= 0 {
		c.backoffCap = 300 * time.Millisecond
	}

	opts.OnConnect = func(cli paho.Client) {
		log.Infof("MQTT connected")
		qos := byte(0)
		if q, ok := c.qos["ack"]; ok {
			qos = q
		}
		if token := cli.Subscribe(c.ackTopic, qos, c.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	c.raw = cli
	return c, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

// TopicFor maps a dotted subject to its MQTT topic.
func TopicFor(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (c *Connector) onAck(_ paho.Client, msg paho.Message) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		c.logger.Errorf("failed to decode ack: %v", err)
		return
	}
	c.mu.Lock()
	for _, w := range c.waiters {
		if w.pred(env) {
			select {
			case w.ch <- env:
			default:
			}
		}
	}
	c.mu.Unlock()
}

// Publish sends the envelope to the topic mapped from subject, retrying
// bounded with linear-capped backoff.
func (c *Connector) Publish(ctx context.Context, subject string, env events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	topic := TopicFor(subject)
	qos := byte(0)
	if q, ok := c.qos["command"]; ok {
		qos = q
	}
	var publishErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := c.raw.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		c.logger.Errorf("publish attempt %d failed: %v", attempt, publishErr)
		if attempt < c.maxRetries {
			time.Sleep(c.publishBackoff(attempt))
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", topic, c.maxRetries, publishErr)
}

func (c *Connector) publishBackoff(attempt int) time.Duration {
	d := c.backoff * time.Duration(attempt)
	if d > c.backoffCap {
		d = c.backoffCap
	}
	return d
}

// PublishAndWaitForAck registers a predicate waiter on the shared ack
// subscription, publishes the request and blocks until a matching reply or
// the timeout. The waiter is always removed on return.
func (c *Connector) PublishAndWaitForAck(ctx context.Context, subject, ackSubject string, env events.Envelope, pred transport.Predicate, timeout time.Duration) (events.Envelope, error) {
	ch := make(chan events.Envelope, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.waiters[id] = waiter{pred: pred, ch: ch}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	env.AckSubject = ackSubject
	if err := c.Publish(ctx, subject, env); err != nil {
		return events.Envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return events.Envelope{}, transport.ErrAckTimeout
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	}
}

// Close gracefully closes the MQTT connection.
func (c *Connector) Close() error {
	if c.raw != nil && c.raw.IsConnected() {
		c.raw.Disconnect(250)
	}
	return nil
}
