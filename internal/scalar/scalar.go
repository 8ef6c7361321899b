package scalar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTimeout = time.Second

var (
	ErrNotConnected = errors.New("scalar: channel not connected")
	ErrTimeout      = errors.New("scalar: put timed out")
)

// Publisher is the part of mqtt.Client the channels use.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
}

type Options struct {
	Broker   string
	ClientID string
	// Topics maps channel names (spectrum, center, fwhm, amplitude) to MQTT
	// topics. Channels without a topic are disabled.
	Topics  map[string]string
	QoS     byte
	Retain  bool
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Channels mirrors derived values on MQTT topics, one topic per channel.
// Every Put checks the connection and waits at most Timeout on its own, so a
// failing channel never holds up the others.
type Channels struct {
	client  Publisher
	topics  map[string]string
	qos     byte
	retain  bool
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	puts   map[string]uint64
	errors map[string]uint64
}

// Connect dials the broker. A broker that is not reachable yet is not an
// error: the client keeps reconnecting and Puts fail until it is up.
func Connect(opts Options) (*Channels, error) {
	if opts.Broker == "" {
		return nil, errors.New("scalar: broker is empty")
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "psss-processing-" + uuid.NewString()[:8]
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := opts.Logger

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(clientID)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(2 * time.Second)
	mo.SetMaxReconnectInterval(30 * time.Second)
	mo.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", opts.Broker).Str("client_id", clientID).Msg("scalar channels connected")
	}
	mo.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", opts.Broker).Msg("scalar channels lost connection")
	}

	client := mqtt.NewClient(mo)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		log.Warn().Str("broker", opts.Broker).Msg("scalar broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("scalar: connect %s: %w", opts.Broker, err)
	}

	opts.Timeout = timeout
	return New(client, opts), nil
}

// New wraps an existing publisher.
func New(client Publisher, opts Options) *Channels {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	topics := make(map[string]string, len(opts.Topics))
	for name, topic := range opts.Topics {
		if topic != "" {
			topics[name] = topic
		}
	}
	return &Channels{
		client:  client,
		topics:  topics,
		qos:     opts.QoS,
		retain:  opts.Retain,
		timeout: timeout,
		log:     opts.Logger,
		puts:    map[string]uint64{},
		errors:  map[string]uint64{},
	}
}

// Put publishes value as JSON on the channel's topic. Disabled channels are
// skipped silently.
func (c *Channels) Put(ctx context.Context, name string, value any) error {
	topic, ok := c.topics[name]
	if !ok {
		return nil
	}
	err := c.put(ctx, topic, value)
	c.mu.Lock()
	if err != nil {
		c.errors[name]++
	} else {
		c.puts[name]++
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Channels) put(ctx context.Context, topic string, value any) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	token := c.client.Publish(topic, c.qos, c.retain, payload)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns per-channel put and error counts.
func (c *Channels) Stats() map[string]map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]uint64, len(c.topics))
	for name := range c.topics {
		out[name] = map[string]uint64{"puts": c.puts[name], "errors": c.errors[name]}
	}
	return out
}

func (c *Channels) Close() {
	if client, ok := c.client.(mqtt.Client); ok && client.IsConnected() {
		client.Disconnect(250)
	}
}

// Nop is used when no broker is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, any) error { return nil }
