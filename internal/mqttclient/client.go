// Package mqttclient is the broker intake for provider events: the secondary
// path next to HTTP ingestion, feeding the same extraction pipeline.
package mqttclient

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/voxhall/iv-engine/internal/metrics"
)

// MessageHandler consumes one raw broker delivery.
type MessageHandler func(topic string, payload []byte)

const connectTimeout = 10 * time.Second

// Client subscribes to provider event topics. Subscriptions are QoS 1:
// redelivered turns are safe because the turn unique constraint dedups them,
// while QoS 0 would silently drop events across broker hiccups.
type Client struct {
	conn    mqtt.Client
	topics  []string
	handler MessageHandler
	log     zerolog.Logger

	connected atomic.Bool
	received  atomic.Uint64
	lastRecv  atomic.Int64 // unix ms of the latest delivery
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topics    string // comma-separated subscription filters
	Username  string
	Password  string
	OnMessage MessageHandler
	Log       zerolog.Logger
}

// Connect dials the broker and subscribes to the configured topics. The
// connection auto-reconnects and resubscribes; only the initial dial can
// fail here.
func Connect(opts Options) (*Client, error) {
	if opts.OnMessage == nil {
		return nil, errors.New("mqtt intake requires a message handler")
	}
	c := &Client{
		topics:  parseTopics(opts.Topics),
		handler: opts.OnMessage,
		log:     opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// onConnect runs on every (re)connect; subscriptions do not survive a broker
// session loss, so they are re-established here each time.
func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	for _, topic := range c.topics {
		token := client.Subscribe(topic, 1, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("mqtt subscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.received.Add(1)
	c.lastRecv.Store(time.Now().UnixMilli())

	if len(msg.Payload()) == 0 {
		metrics.BrokerMessagesTotal.WithLabelValues("empty").Inc()
		c.log.Warn().Str("topic", msg.Topic()).Msg("empty broker message, dropping")
		return
	}
	metrics.BrokerMessagesTotal.WithLabelValues("delivered").Inc()

	c.handler(msg.Topic(), msg.Payload())
}

// Stats is the intake state reported by the health endpoint.
type Stats struct {
	Connected        bool       `json:"connected"`
	MessagesReceived uint64     `json:"messages_received"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
}

func (c *Client) Stats() Stats {
	s := Stats{
		Connected:        c.connected.Load(),
		MessagesReceived: c.received.Load(),
	}
	if ms := c.lastRecv.Load(); ms > 0 {
		t := time.UnixMilli(ms)
		s.LastMessageAt = &t
	}
	return s
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{"interviews/#"}
	}
	return topics
}
