// Package mqttpub publishes position fixes to an MQTT broker.
package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

const (
	DefaultTopic          = "uwb/position"
	DefaultConnectTimeout = 5 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

// ErrNotConnected is returned by PublishFix while the broker is unreachable.
var ErrNotConnected = errors.New("mqttpub: not connected")

// Config describes the broker connection.
type Config struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker string
	Topic  string
	// ClientID defaults to "uwb-" plus a random suffix.
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "uwb-" + uuid.NewString()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
}

// brokerURL adds the tcp scheme when the address has none.
func brokerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

// Stats counts publish outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// Publisher is a pipeline.EstimateSink that sends every fix as JSON.
type Publisher struct {
	cfg    Config
	client mqtt.Client

	published atomic.Uint64
	errors    atomic.Uint64
}

var _ pipeline.EstimateSink = (*Publisher)(nil)

// New returns a publisher for cfg. Call Connect before publishing.
func New(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttpub: broker is required")
	}
	cfg.setDefaults()

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		monitoring.Diagf("mqtt: connected to %s as %s", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		monitoring.Opsf("mqtt: connection to %s lost, reconnecting: %v", cfg.Broker, err)
	}
	return NewWithClient(mqtt.NewClient(opts), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client mqtt.Client, cfg Config) *Publisher {
	cfg.setDefaults()
	return &Publisher{cfg: cfg, client: client}
}

// Topic returns the topic fixes are published on.
func (p *Publisher) Topic() string { return p.cfg.Topic }

// Connect dials the broker and waits up to the connect timeout.
func (p *Publisher) Connect(ctx context.Context) error {
	monitoring.Diagf("mqtt: connecting to %s", p.cfg.Broker)
	if err := p.wait(ctx, p.client.Connect(), p.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// PublishFix implements pipeline.EstimateSink.
func (p *Publisher) PublishFix(ctx context.Context, f pipeline.Fix) error {
	if !p.client.IsConnected() {
		p.errors.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(f)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqtt: marshal fix: %w", err)
	}
	if err := p.wait(ctx, p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload), p.cfg.PublishTimeout); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("mqtt publish %s: %w", p.cfg.Topic, err)
	}
	p.published.Add(1)
	monitoring.Tracef("mqtt: published %d bytes to %s", len(payload), p.cfg.Topic)
	return nil
}

func (p *Publisher) wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the publish counters.
func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Errors: p.errors.Load()}
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		monitoring.Diagf("mqtt: disconnected from %s", p.cfg.Broker)
	}
}
