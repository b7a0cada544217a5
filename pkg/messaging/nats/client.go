// Package nats provides a NATS implementation of the messaging interfaces.
package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smallbiznis/taskledger/pkg/messaging"
	"go.uber.org/zap"
)

// Config holds NATS client configuration.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "taskledger",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client implements messaging.Publisher and messaging.Subscriber over a
// single NATS connection.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS with the given configuration.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Client{conn: conn, log: log.Named("messaging.nats")}, nil
}

// Publish sends a message to the subject with the key and headers carried as
// NATS message headers.
func (c *Client) Publish(ctx context.Context, subject, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = value
	if key != "" {
		msg.Header.Set("message-key", key)
	}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	return c.conn.PublishMsg(msg)
}

// Subscribe delivers messages on subject to handler until unsubscribed.
func (c *Client) Subscribe(subject string, handler messaging.Handler) (messaging.Unsubscribe, error) {
	sub, err := c.conn.Subscribe(subject, func(m *nats.Msg) {
		msg := messaging.Message{
			Subject: m.Subject,
			Value:   m.Data,
			Headers: make(map[string]string, len(m.Header)),
		}
		for k := range m.Header {
			msg.Headers[k] = m.Header.Get(k)
		}
		msg.Key = msg.Headers["message-key"]
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	return sub.Unsubscribe, nil
}

// Close drains outstanding subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.Error(err))
		}
	}
	c.conn.Close()
	return nil
}

var _ messaging.Publisher = (*Client)(nil)
var _ messaging.Subscriber = (*Client)(nil)
