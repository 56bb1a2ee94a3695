package nats

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/appdock/appdock/internal/shared/config"
)

// Client wraps the NATS connection with simple functionality
type Client struct {
	conn *nats.Conn
}

// NewClient creates a new NATS client with the provided configuration
func NewClient(cfg *config.NATSConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NATS configuration is required")
	}

	opts := []nats.Option{
		nats.Name("appdock-client"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("Connected to NATS", "url", cfg.URLs[0])

	return &Client{
		conn: conn,
	}, nil
}

// NewSimpleClient creates a NATS client with default local configuration
func NewSimpleClient() (*Client, error) {
	cfg := &config.NATSConfig{
		URLs:          []string{"nats://localhost:4222"},
		MaxReconnects: -1, // Unlimited reconnects
		ReconnectWait: nats.DefaultReconnectWait,
		Timeout:       nats.DefaultTimeout,
	}

	return NewClient(cfg)
}

// Publish publishes a message to the given subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe creates a subscription to the given subject
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// QueueSubscribe creates a queue subscription to the given subject.
// Queue subscriptions allow multiple subscribers to form a queue group where
// only one subscriber receives each message, so concurrent builder instances
// do not duplicate work.
func (c *Client) QueueSubscribe(subject, queueGroup string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(subject, queueGroup, handler)
}

// Request sends a request and waits for a response
func (c *Client) Request(subject string, data []byte) (*nats.Msg, error) {
	return c.conn.Request(subject, data, nats.DefaultTimeout)
}

// Close closes the NATS connection
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
		slog.Info("NATS connection closed")
	}
	return nil
}
