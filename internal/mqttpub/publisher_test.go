package mqttpub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient overrides the calls Publisher makes; anything else panics on
// the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	connected    bool
	connectTok   mqtt.Token
	publishTok   mqtt.Token
	msgs         []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return c.connected }
func (c *fakeClient) Connect() mqtt.Token {
	if c.connectTok == nil {
		c.connected = true
		return completedToken(nil)
	}
	return c.connectTok
}
func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.publishTok != nil {
		return c.publishTok
	}
	return completedToken(nil)
}
func (c *fakeClient) Disconnect(uint) {
	c.connected = false
	c.disconnected = true
}

func testFix() pipeline.Fix {
	return pipeline.Fix{
		Time: time.Unix(1700000000, 0).UTC(),
		Estimate: multilat.Estimate{
			Point:  multilat.Point{X: 120.5, Y: 80},
			Method: multilat.MethodLeastSquares,
		},
	}
}

func TestConfigDefaults(t *testing.T) {
	p := NewWithClient(&fakeClient{}, Config{Broker: "localhost:1883"})
	assert.Equal(t, DefaultTopic, p.Topic())
	assert.True(t, strings.HasPrefix(p.cfg.ClientID, "uwb-"), p.cfg.ClientID)
	assert.Len(t, p.cfg.ClientID, len("uwb-")+8)
	assert.Equal(t, DefaultConnectTimeout, p.cfg.ConnectTimeout)
	assert.Equal(t, DefaultPublishTimeout, p.cfg.PublishTimeout)

	other := NewWithClient(&fakeClient{}, Config{Broker: "localhost:1883"})
	assert.NotEqual(t, p.cfg.ClientID, other.cfg.ClientID)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	p, err := New(Config{Broker: "localhost:1883", Topic: "site/tag", ClientID: "uwb-test"})
	require.NoError(t, err)
	assert.Equal(t, "site/tag", p.Topic())
}

func TestPublishFix(t *testing.T) {
	client := &fakeClient{}
	p := NewWithClient(client, Config{Broker: "b", Topic: "uwb/test", QoS: 1})
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.PublishFix(ctx, testFix()))

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "uwb/test", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var got pipeline.Fix
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, 120.5, got.Point.X)
	assert.Equal(t, multilat.MethodLeastSquares, got.Method)
	assert.Equal(t, Stats{Published: 1}, p.Stats())

	p.Close()
	assert.True(t, client.disconnected)
}

func TestPublishFix_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		p := NewWithClient(&fakeClient{}, Config{Broker: "b"})
		assert.ErrorIs(t, p.PublishFix(ctx, testFix()), ErrNotConnected)
		assert.Equal(t, uint64(1), p.Stats().Errors)
	})

	t.Run("broker error", func(t *testing.T) {
		boom := errors.New("boom")
		p := NewWithClient(&fakeClient{connected: true, publishTok: completedToken(boom)}, Config{Broker: "b"})
		assert.ErrorIs(t, p.PublishFix(ctx, testFix()), boom)
	})

	t.Run("timeout", func(t *testing.T) {
		p := NewWithClient(&fakeClient{connected: true, publishTok: pendingToken()}, Config{Broker: "b", PublishTimeout: 10 * time.Millisecond})
		err := p.PublishFix(ctx, testFix())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		p := NewWithClient(&fakeClient{connected: true, publishTok: pendingToken()}, Config{Broker: "b"})
		assert.ErrorIs(t, p.PublishFix(cctx, testFix()), context.Canceled)
		assert.Equal(t, Stats{Errors: 1}, p.Stats())
	})
}

func TestConnect_Failure(t *testing.T) {
	refused := errors.New("connection refused")
	p := NewWithClient(&fakeClient{connectTok: completedToken(refused)}, Config{Broker: "b"})
	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, refused)

	// Close on a client that never connected is a no-op.
	p.Close()
}
