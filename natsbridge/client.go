package natsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the circuit breaker refuses traffic.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Client owns one NATS connection for the bridge. Consecutive failures of
// Connect or Publish open a circuit; while it is open calls fail fast until
// the backoff elapses, after which one trial call is let through.
type Client struct {
	url    string
	logger *slog.Logger
	core   *metric.Metrics

	status      atomic.Value // ConnectionStatus
	failures    atomic.Int32
	consecutive atomic.Int32
	backoff     atomic.Int64 // time.Duration
	openedAt    atomic.Int64 // unix nanos

	threshold     int32
	maxBackoff    time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	maxReconnects int
	reconnectWait time.Duration
	name          string
	username      string
	password      string
	token         string

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url required")
	}
	c := &Client{
		url:           url,
		logger:        slog.Default().With("component", "natsbridge"),
		threshold:     5,
		maxBackoff:    time.Minute,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		name:          "homecore",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total number of recorded failures.
func (c *Client) Failures() int32 { return c.failures.Load() }

// Backoff returns the wait before the next trial call once the circuit opens.
func (c *Client) Backoff() time.Duration { return time.Duration(c.backoff.Load()) }

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	if c.core != nil {
		c.core.RecordNATSStatus(s == StatusConnected)
		state := 0
		if s == StatusCircuitOpen {
			state = 1
		}
		c.core.RecordCircuitBreakerState(state)
	}
}

// allow reports whether a call may proceed. An open circuit lets one trial call
// through once its backoff has elapsed.
func (c *Client) allow() bool {
	if c.Status() != StatusCircuitOpen {
		return true
	}
	opened := time.Unix(0, c.openedAt.Load())
	if time.Since(opened) < c.Backoff() {
		return false
	}
	// half-open: the first caller to swap the timestamp makes the trial call
	return c.openedAt.CompareAndSwap(opened.UnixNano(), time.Now().UnixNano())
}

// recordFailure counts a failure and opens the circuit after threshold
// consecutive failures. A failed trial call reopens it with a doubled backoff.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	n := c.consecutive.Add(1)
	probing := c.Status() == StatusCircuitOpen
	if !probing && n < c.threshold {
		return
	}
	c.consecutive.Store(0)

	backoff := c.Backoff()
	if probing {
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		c.backoff.Store(int64(backoff))
	}
	c.openedAt.Store(time.Now().UnixNano())
	c.setStatus(StatusCircuitOpen)
	c.logger.Warn("circuit breaker opened", "failures", n, "backoff", backoff)
}

func (c *Client) recordSuccess() {
	c.consecutive.Store(0)
	if c.Status() == StatusCircuitOpen {
		c.backoff.Store(int64(time.Second))
		c.setStatus(c.liveStatus())
		c.logger.Info("circuit breaker closed")
	}
}

func (c *Client) liveStatus() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn != nil && c.conn.IsConnected() {
		return StatusConnected
	}
	return StatusDisconnected
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closed.Load() {
				return
			}
			c.setStatus(StatusReconnecting)
			c.logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.setStatus(StatusConnected)
			if c.core != nil {
				c.core.RecordNATSReconnect()
			}
			c.logger.Info("reconnected to NATS", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusDisconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error("NATS async error", "error", err)
		}),
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	return opts
}

// Connect dials the server and initialises JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}
	if !c.allow() {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "circuit check")
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// the dial goroutine may still succeed; close whatever it returns
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	if res.err != nil {
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		return errors.Wrap(err, "Client", "Connect", "init jetstream")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.recordSuccess()
	c.setStatus(StatusConnected)
	c.logger.Info("connected to NATS", "url", res.conn.ConnectedUrl())
	return nil
}

// ConnectWithRetry calls Connect with backoff until it succeeds, fails
// with a non-transient error or cfg's attempts run out. Keep attempts
// below the circuit threshold; once the circuit opens, further attempts
// fail fast.
func (c *Client) ConnectWithRetry(ctx context.Context, cfg retry.Config) error {
	attempt := 0
	return retry.Do(ctx, cfg, func() error {
		attempt++
		err := c.Connect(ctx)
		if err != nil && retry.Retryable(err) {
			c.logger.Warn("NATS connect attempt failed", "attempt", attempt, "error", err)
		}
		return err
	})
}

// Publish sends data on subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if !c.allow() {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Publish", "circuit check")
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "connection check")
	}
	if err := conn.Publish(subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish to %s", subject))
	}
	c.recordSuccess()
	return nil
}

// KeyValue returns the named bucket, creating it when it does not exist.
func (c *Client) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "KeyValue", "jetstream check")
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "Client", "KeyValue", "lookup bucket")
	}
	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketExists) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "KeyValue", "create bucket")
	}
	c.logger.Info("created KV bucket", "bucket", cfg.Bucket)
	return kv, nil
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return 0, errors.ErrNoConnection
	}
	return conn.RTT()
}

// Close drains and closes the connection. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.password = ""
	c.token = ""
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
		if err != nil {
			err = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(c.drainTimeout):
		err = errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "Close", "drain timeout")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}
	conn.Close()
	return err
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithCoreMetrics reports connection status, reconnects and breaker state
// on the process-level metric set.
func WithCoreMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.core = m
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.Detail(errors.ErrInvalidConfig, "timeout must be positive: %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.Detail(errors.ErrInvalidConfig, "drain timeout must be positive: %v", d)
		}
		c.drainTimeout = d
		return nil
	}
}

// WithReconnect sets the reconnect policy; max -1 retries forever.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		c.reconnectWait = wait
		return nil
	}
}

// WithCircuitBreaker sets the consecutive-failure threshold and the
// backoff ceiling.
func WithCircuitBreaker(threshold int, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return errors.Detail(errors.ErrInvalidConfig, "circuit threshold must be at least 1: %d", threshold)
		}
		c.threshold = int32(threshold)
		c.maxBackoff = maxBackoff
		return nil
	}
}

// WithCredentials sets user/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name != "" {
			c.name = name
		}
		return nil
	}
}
