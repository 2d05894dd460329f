package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/smartenergy/schedulerd/core/events"
	"github.com/smartenergy/schedulerd/core/transport"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	mu        sync.Mutex
	published map[string][][]byte
	failures  int
}

func (f *fakeClient) IsConnected() bool   { return true }
func (f *fakeClient) Connect() paho.Token { return &fakeToken{} }
func (f *fakeClient) Disconnect(uint)     {}
func (f *fakeClient) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return &fakeToken{err: errors.New("broker unavailable")}
	}
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[topic] = append(f.published[topic], payload.([]byte))
	return &fakeToken{}
}

type fakeMessage struct{ payload []byte }

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return "" }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestConnector(t *testing.T, cli *fakeClient) *Connector {
	t.Helper()
	orig := newMQTTClient
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return cli }
	t.Cleanup(func() { newMQTTClient = orig })
	c, err := NewConnector(Config{Broker: "tcp://localhost:1883", ClientID: "test", AckTopic: "smart/+/device_command/ack", BackoffMS: 1, BackoffCapMS: 2})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	return c
}

func TestTopicFor(t *testing.T) {
	got := TopicFor("smart.mc-1.device_command")
	if got != "smart/mc-1/device_command" {
		t.Fatalf("unexpected topic %s", got)
	}
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	cli := &fakeClient{failures: 2}
	c := newTestConnector(t, cli)
	env, _ := events.NewEnvelope(events.EventTypeDeviceCommand, "t", "mc-1", "test", map[string]any{})
	if err := c.Publish(context.Background(), "smart.mc-1.device_command", env); err != nil {
		t.Fatalf("publish should succeed within retry budget: %v", err)
	}
	if len(cli.published["smart/mc-1/device_command"]) != 1 {
		t.Fatalf("expected one delivered message")
	}
}

func TestPublishExhaustsRetries(t *testing.T) {
	cli := &fakeClient{failures: 10}
	c := newTestConnector(t, cli)
	env, _ := events.NewEnvelope(events.EventTypeDeviceCommand, "t", "mc-1", "test", map[string]any{})
	if err := c.Publish(context.Background(), "smart.mc-1.device_command", env); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
}

func TestPublishAndWaitForAckMatchesPredicate(t *testing.T) {
	cli := &fakeClient{}
	c := newTestConnector(t, cli)
	env, _ := events.NewEnvelope(events.EventTypeDeviceCommand, "t", "mc-1", "test",
		events.DeviceCommandPayload{CommandID: "cmd-1"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		reply, _ := events.NewEnvelope(events.EventTypeDeviceCommand, "t", "mc-1", "firmware",
			events.AckPayload{Ack: events.AckBody{CommandID: "cmd-1", OK: true}})
		data, _ := json.Marshal(reply)
		c.onAck(nil, &fakeMessage{payload: data})
	}()

	reply, err := c.PublishAndWaitForAck(context.Background(),
		"smart.mc-1.device_command", "smart.mc-1.device_command.ack", env,
		func(e events.Envelope) bool {
			ack, ok := events.DecodeAck(e)
			return ok && ack.CommandID == "cmd-1"
		}, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	ack, ok := events.DecodeAck(reply)
	if !ok || !ack.OK {
		t.Fatalf("unexpected reply %#v", reply)
	}

	// Published request must embed the ack subject.
	sent := cli.published["smart/mc-1/device_command"]
	if len(sent) != 1 {
		t.Fatalf("expected one published request")
	}
	var sentEnv events.Envelope
	if err := json.Unmarshal(sent[0], &sentEnv); err != nil {
		t.Fatalf("decode sent: %v", err)
	}
	if sentEnv.AckSubject != "smart.mc-1.device_command.ack" {
		t.Fatalf("ack subject not embedded: %q", sentEnv.AckSubject)
	}
}

func TestPublishAndWaitForAckTimeout(t *testing.T) {
	cli := &fakeClient{}
	c := newTestConnector(t, cli)
	env, _ := events.NewEnvelope(events.EventTypeDeviceCommand, "t", "mc-1", "test", map[string]any{})
	_, err := c.PublishAndWaitForAck(context.Background(),
		"smart.mc-1.device_command", "smart.mc-1.device_command.ack", env,
		func(events.Envelope) bool { return false }, 20*time.Millisecond)
	if !errors.Is(err, transport.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout got %v", err)
	}
	c.mu.Lock()
	if len(c.waiters) != 0 {
		t.Fatalf("waiter leaked after timeout")
	}
	c.mu.Unlock()
}
