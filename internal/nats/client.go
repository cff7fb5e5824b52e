package nats

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/pigzd/internal/config"
	"go.uber.org/zap"
)

// Client wraps the NATS connection used for commands, heartbeats and
// batch events
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *config.NATSConfig
}

// Subject joins subject tokens under the configured prefix and device id
func Subject(prefix, deviceID string, tokens ...string) string {
	return strings.Join(append([]string{prefix, deviceID}, tokens...), ".")
}

// NewClient connects to NATS and validates that JetStream is available
func NewClient(cfg *config.NATSConfig, logger *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("pigzd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(&cfg.TLS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))

		logger.Info("TLS enabled for NATS connection",
			zap.Bool("client_cert", cfg.TLS.CertFile != ""),
			zap.Bool("ca_cert", cfg.TLS.CAFile != ""),
			zap.Bool("skip_verify", cfg.TLS.InsecureSkipVerify))
		if cfg.TLS.InsecureSkipVerify {
			logger.Warn("TLS certificate verification is DISABLED - use only in development")
		}
	}

	authOpt, err := authOption(&cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}

	logger.Info("Connecting to NATS", zap.Strings("urls", cfg.URLs))
	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server_id", conn.ConnectedServerId()),
		zap.Bool("tls", conn.TLSRequired()))

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Heartbeats and batch events go through JetStream; fail at startup
	// rather than on the first publish
	if _, err := js.AccountInfo(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream not available on NATS server (is JetStream enabled?): %w", err)
	}
	logger.Info("JetStream validated successfully")

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
		config: cfg,
	}, nil
}

// authOption maps the configured auth type to a connect option. "none"
// yields a nil option.
func authOption(cfg *config.AuthConfig, logger *zap.Logger) (nats.Option, error) {
	switch cfg.Type {
	case "creds":
		logger.Info("Using credentials file authentication", zap.String("file", cfg.CredsFile))
		return nats.UserCredentials(cfg.CredsFile), nil
	case "token":
		logger.Info("Using token authentication")
		return nats.Token(cfg.Token), nil
	case "userpass":
		logger.Info("Using username/password authentication", zap.String("username", cfg.Username))
		return nats.UserInfo(cfg.Username, cfg.Password), nil
	case "none", "":
		logger.Info("Using no authentication")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid auth type: %s", cfg.Type)
	}
}

// createTLSConfig builds the client TLS settings (TLS 1.2 minimum)
func createTLSConfig(cfg *config.TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		logger.Info("Loading CA certificate", zap.String("file", cfg.CAFile))

		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	// Mutual TLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		logger.Info("Loading client certificate",
			zap.String("cert", cfg.CertFile),
			zap.String("key", cfg.KeyFile))

		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Publish queues a JetStream publish and returns without waiting for the ack.
// Ack failures are logged.
func (c *Client) Publish(subject string, data []byte) error {
	future, err := c.js.PublishAsync(subject, data)
	if err != nil {
		c.logger.Error("Failed to queue publish",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	go func() {
		select {
		case <-future.Ok():
			c.logger.Debug("Published event",
				zap.String("subject", subject),
				zap.Int("bytes", len(data)))
		case err := <-future.Err():
			c.logger.Warn("Failed to publish event after retries",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()

	return nil
}

// PublishSync publishes and waits up to timeout for the JetStream ack
func (c *Client) PublishSync(subject string, data []byte, timeout time.Duration) error {
	future, err := c.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	select {
	case <-future.Ok():
		c.logger.Debug("Published event (sync)",
			zap.String("subject", subject),
			zap.Int("bytes", len(data)))
		return nil
	case err := <-future.Err():
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	case <-time.After(timeout):
		return fmt.Errorf("publish timeout after %v", timeout)
	}
}

// Subscribe registers a core NATS request/reply handler
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		c.logger.Error("Failed to subscribe",
			zap.String("subject", subject),
			zap.Error(err))
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Drain stops subscriptions, lets in-flight handlers finish and closes the
// connection. The connection is closed forcibly after timeout.
func (c *Client) Drain(timeout time.Duration) error {
	c.logger.Info("Draining NATS connection", zap.Duration("timeout", timeout))

	if c.conn.IsClosed() {
		return nil
	}

	// Drain returns at once; the connection closes when draining completes
	if err := c.conn.Drain(); err != nil {
		c.Close()
		return fmt.Errorf("drain failed: %w", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for !c.conn.IsClosed() {
		select {
		case <-ticker.C:
		case <-deadline:
			c.logger.Warn("NATS drain timeout, forcing close")
			c.Close()
			return fmt.Errorf("drain timeout after %v", timeout)
		}
	}

	c.logger.Info("NATS drain completed")
	return nil
}

// Close closes the connection immediately
func (c *Client) Close() {
	c.conn.Close()
}

// IsConnected reports whether the connection is up
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Stats returns connection statistics
func (c *Client) Stats() nats.Statistics {
	return c.conn.Stats()
}
