package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/voxwire/admission/internal/observability"
)

var (
	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_counter_store_operations_total",
			Help: "Total number of counter store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_counter_store_operation_duration_seconds",
			Help:    "Duration of counter store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	storeConnectionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_counter_store_connection_retries_total",
			Help: "Total number of counter store connection retry attempts",
		},
	)
)

// incrWindowScript increments the current window bucket, sets its expiry on
// first write, and reads the previous bucket, all in one atomic round trip.
// KEYS[1] = current bucket, KEYS[2] = previous bucket
// ARGV[1] = ttl in milliseconds
var incrWindowScript = redis.NewScript(`
	local cur = redis.call('INCR', KEYS[1])
	if cur == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
	return {cur, prev}
`)

var _ Store = (*RedisStore)(nil)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger observability.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Connection retry backoff.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ConnectionRetries int

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "admission:rl:",
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       2 * time.Second,
		ReadTimeout:       500 * time.Millisecond,
		WriteTimeout:      500 * time.Millisecond,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		ConnectionRetries: 5,
	}
}

// NewRedisStore creates a Redis store, retrying the initial connection with
// decorrelated-jitter backoff.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	store := &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		logger: logger,
	}

	if err := store.connect(cfg); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

func (s *RedisStore) connect(cfg *RedisConfig) error {
	retries := cfg.ConnectionRetries
	if retries <= 0 {
		retries = 5
	}

	backoff := newDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	totalTimeout := time.Duration(retries+1) * cfg.DialTimeout
	if totalTimeout > 2*time.Minute {
		totalTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = s.client.Ping(pingCtx).Err()
		pingCancel()

		if lastErr == nil {
			if attempt > 0 {
				s.logger.Info("redis connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt >= retries {
			break
		}

		wait := backoff.next(attempt)
		s.logger.Debug("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)
		storeConnectionRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout exceeded during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", retries+1, lastErr)
}

// decorrelatedJitterBackoff implements AWS-style decorrelated jitter:
// sleep = min(cap, random_between(base, sleep * 3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration <= 0 {
		maxDuration = 10 * time.Second
	}
	return &decorrelatedJitterBackoff{
		initial: initial,
		max:     maxDuration,
		current: initial,
	}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	minBackoff := float64(b.initial)
	maxBackoff := float64(b.current) * 3

	//nolint:gosec // weak random is acceptable for jitter
	backoff := minBackoff + float64(time.Now().UnixNano()%1000)/1000.0*(maxBackoff-minBackoff)

	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// IncrWindow implements Store.
func (s *RedisStore) IncrWindow(
	ctx context.Context,
	currentKey, previousKey string,
	ttl time.Duration,
) (WindowCounts, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return WindowCounts{}, fmt.Errorf("context error before incr window: %w", err)
	}

	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	keys := []string{s.prefixKey(currentKey), s.prefixKey(previousKey)}
	result, err := incrWindowScript.Run(ctx, s.client, keys, ttlMillis).Result()

	storeOperationDuration.WithLabelValues("incr_window").Observe(time.Since(start).Seconds())

	if err != nil {
		storeOperationsTotal.WithLabelValues("incr_window", "error").Inc()
		return WindowCounts{}, fmt.Errorf("redis script error: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		storeOperationsTotal.WithLabelValues("incr_window", "error").Inc()
		return WindowCounts{}, fmt.Errorf("redis script returned unexpected shape: %T", result)
	}

	current, okCur := values[0].(int64)
	previous, okPrev := values[1].(int64)
	if !okCur || !okPrev {
		storeOperationsTotal.WithLabelValues("incr_window", "error").Inc()
		return WindowCounts{}, fmt.Errorf("redis script returned unexpected types: %T, %T", values[0], values[1])
	}

	storeOperationsTotal.WithLabelValues("incr_window", "success").Inc()
	return WindowCounts{Current: current, Previous: previous}, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client, shared with the token
// revocation check.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
