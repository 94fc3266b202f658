package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/types"
)

// Defaults for the bridge.
const (
	DefaultSubjectPrefix = "homecore.events"
	DefaultStateBucket   = "ENTITY_STATES"
	DefaultWriteTimeout  = 5 * time.Second
)

// Failure warnings are limited to a burst of 5, then one per 10 seconds.
// Every failure is still counted in errors_total.
const (
	warnBurst    = 5
	warnInterval = 10 * time.Second
)

// Publisher sends raw payloads to a subject. *Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// StateBucket is the subset of jetstream.KeyValue the bridge writes to.
type StateBucket interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// Subscriber is the bus surface the bridge attaches to.
type Subscriber interface {
	Subscribe(eventType string, handler bus.Handler) *bus.Subscription
}

// Bridge exports bus traffic to NATS. Every event reaching the match-all
// listener is published as JSON on <prefix>.<event_type>, and every
// state_changed event is mirrored into the state bucket keyed by entity id.
// Events excluded from match-all are not exported.
type Bridge struct {
	publisher Publisher
	bucket    StateBucket
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *bridgeMetrics
	warnings  *rate.Limiter

	mu  sync.Mutex
	sub *bus.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubjectPrefix sets the subject prefix for exported events.
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithStateBucket mirrors entity states into bucket. Without it only
// events are exported.
func WithStateBucket(bucket StateBucket) Option {
	return func(b *Bridge) { b.bucket = bucket }
}

// WithWriteTimeout bounds each publish and KV write.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics registers bridge metrics.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(b *Bridge) { b.metrics = newBridgeMetrics(registrar) }
}

// NewBridge creates a bridge publishing through publisher.
func NewBridge(publisher Publisher, opts ...Option) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "NewBridge", "publisher required")
	}
	b := &Bridge{
		publisher: publisher,
		prefix:    DefaultSubjectPrefix,
		timeout:   DefaultWriteTimeout,
		logger:    slog.Default().With("component", "natsbridge"),
		warnings:  rate.NewLimiter(rate.Every(warnInterval), warnBurst),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Subject returns the subject an event type is exported on.
func (b *Bridge) Subject(eventType string) string {
	return b.prefix + "." + eventType
}

// Start attaches the bridge to the bus.
func (b *Bridge) Start(events Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "subscribe")
	}
	b.sub = events.Subscribe(bus.MatchAll, b.handle)
	b.logger.Info("bridge started", "prefix", b.prefix, "mirror_states", b.bucket != nil)
	return nil
}

// Stop detaches the bridge. Events already queued for it are dropped.
func (b *Bridge) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// handle never fails the subscription; export faults are logged and counted.
func (b *Bridge) handle(ctx context.Context, event *types.Event) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.exportEvent(ctx, event); err != nil {
		b.metrics.recordError("publish")
		b.warn("event export failed", "event_type", event.EventType,
			"class", errors.Classify(err).String(), "error", err)
	} else {
		b.metrics.recordPublished(event.EventType)
	}

	if b.bucket == nil || event.EventType != types.EventStateChanged {
		return nil
	}
	var data types.StateChangedData
	switch d := event.Data.(type) {
	case types.StateChangedData:
		data = d
	case *types.StateChangedData:
		data = *d
	default:
		return nil
	}
	op, err := b.mirrorState(ctx, data)
	if err != nil {
		b.metrics.recordError(op)
		b.warn("state mirror failed", "entity_id", data.EntityID.String(), "op", op,
			"class", errors.Classify(err).String(), "error", err)
		return nil
	}
	b.metrics.recordKVWrite(op)
	return nil
}

func (b *Bridge) warn(msg string, args ...any) {
	if b.warnings.Allow() {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) exportEvent(ctx context.Context, event *types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "exportEvent", "marshal event")
	}
	return b.publisher.Publish(ctx, b.Subject(event.EventType), payload)
}

func (b *Bridge) mirrorState(ctx context.Context, data types.StateChangedData) (string, error) {
	key := data.EntityID.String()
	if data.NewState == nil {
		err := b.bucket.Delete(ctx, key)
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return "delete", errors.WrapTransient(err, "Bridge", "mirrorState", "delete "+key)
		}
		return "delete", nil
	}
	payload, err := json.Marshal(data.NewState)
	if err != nil {
		return "put", errors.WrapInvalid(err, "Bridge", "mirrorState", "marshal state")
	}
	if _, err := b.bucket.Put(ctx, key, payload); err != nil {
		return "put", errors.WrapTransient(err, "Bridge", "mirrorState", "put "+key)
	}
	return "put", nil
}

// StateBucketConfig is the KV layout used for mirrored states: one
// revision per key, since only the latest state is of interest.
func StateBucketConfig(name string) jetstream.KeyValueConfig {
	if name == "" {
		name = DefaultStateBucket
	}
	return jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "latest state per entity",
		History:     1,
	}
}
