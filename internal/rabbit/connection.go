package rabbit

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
)

// BrokerSource is the capability surface the batch reader needs from a broker
// connection. A second implementation only exists as a test fake.
type BrokerSource interface {
	Get() (amqp.Delivery, bool, error)
	Reset() error
	Close() error
}

// Connection owns one AMQP connection plus one consuming channel, the queue
// it declares and, when configured, one exchange with its bindings. The
// channel is single-owner: it is never shared across concurrent readers.
type Connection struct {
	cfg    config.RabbitConfig
	logger zerolog.Logger

	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewConnection builds an unconnected broker connection. Connect (or the
// first Get) establishes it.
func NewConnection(cfg config.RabbitConfig, logger zerolog.Logger) *Connection {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Connection{
		cfg:    cfg,
		logger: logger.With().Str("component", "rabbit_connection").Logger(),
	}
}

// Connect dials the broker, opens the consuming channel, applies the
// prefetch limit and declares the configured topology. On any broker-level
// failure the partially opened resources are closed before the error
// propagates.
func (c *Connection) Connect() error {
	c.logger.Info().
		Str("host", c.cfg.Host).
		Int("port", c.cfg.Port).
		Str("vhost", c.cfg.VirtualHost).
		Msg("connecting to rabbitmq")

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("rabbit: dial: %w", err)
	}
	c.conn = conn

	if err := c.setup(); err != nil {
		_ = c.Close()
		return err
	}

	c.logger.Info().Str("queue", c.cfg.QueueName).Msg("rabbitmq connection established")
	return nil
}

func (c *Connection) setup() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit: open channel: %w", err)
	}
	c.channel = ch

	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("rabbit: set qos: %w", err)
	}

	if c.cfg.ExchangeName != "" {
		err := ch.ExchangeDeclare(c.cfg.ExchangeName, c.cfg.ExchangeType, c.cfg.ExchangeDurable, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("rabbit: declare exchange %s: %w", c.cfg.ExchangeName, err)
		}
	}

	args := amqp.Table{}
	if c.cfg.MessageTTLMs > 0 {
		args["x-message-ttl"] = int64(c.cfg.MessageTTLMs)
	}
	if c.cfg.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = c.cfg.DeadLetterExchange
	}
	if c.cfg.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = c.cfg.DeadLetterRoutingKey
	}
	if _, err := ch.QueueDeclare(c.cfg.QueueName, c.cfg.QueueDurable, false, false, false, args); err != nil {
		return fmt.Errorf("rabbit: declare queue %s: %w", c.cfg.QueueName, err)
	}

	if c.cfg.ExchangeName != "" {
		for _, key := range c.cfg.RoutingKeys {
			if err := ch.QueueBind(c.cfg.QueueName, key, c.cfg.ExchangeName, false, nil); err != nil {
				return fmt.Errorf("rabbit: bind queue %s to %s with key %s: %w", c.cfg.QueueName, c.cfg.ExchangeName, key, err)
			}
		}
	}

	return nil
}

func (c *Connection) dial() (*amqp.Connection, error) {
	// Dialing is bounded by the batch read budget so a lazy reconnect
	// inside Get cannot stall a read cycle far past timeout_seconds.
	dialCfg := amqp.Config{Dial: amqp.DefaultDial(c.dialTimeout())}
	if !c.cfg.UseSSL {
		return amqp.DialConfig(c.cfg.URL(), dialCfg)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.cfg.CACerts != "" {
		pem, err := os.ReadFile(c.cfg.CACerts)
		if err != nil {
			return nil, fmt.Errorf("read ca certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable certificates in %s", c.cfg.CACerts)
		}
		tlsCfg.RootCAs = pool
	}
	if c.cfg.CertFile != "" && c.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	dialCfg.TLSClientConfig = tlsCfg
	return amqp.DialConfig(c.cfg.URL(), dialCfg)
}

func (c *Connection) dialTimeout() time.Duration {
	budget := time.Duration(c.cfg.TimeoutSeconds * float64(time.Second))
	if budget <= 0 {
		return 30 * time.Second
	}
	return budget
}

// Close shuts the channel and then the connection, tolerating already-closed
// state. Safe to call repeatedly.
func (c *Connection) Close() error {
	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	c.channel = nil
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.conn = nil
	if len(errs) > 0 {
		return fmt.Errorf("rabbit: %w", errors.Join(errs...))
	}
	c.logger.Info().Msg("rabbitmq connection closed")
	return nil
}

// Reset tears the connection down and reconnects, yielding a clean channel
// after a read or processing failure.
func (c *Connection) Reset() error {
	if err := c.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("close during reset failed")
	}
	return c.Connect()
}

// Get performs a single basic.get on the consuming queue, connecting lazily
// when no healthy channel exists. Messages are fetched with manual
// acknowledgment.
func (c *Connection) Get() (amqp.Delivery, bool, error) {
	if c.channel == nil || c.channel.IsClosed() {
		if err := c.Reset(); err != nil {
			return amqp.Delivery{}, false, err
		}
	}
	return c.channel.Get(c.cfg.QueueName, false)
}
