package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kosarica/marketplace-service/internal/metrics"
)

// BreakerState is the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed lets calls through
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the reset timeout passes
	BreakerOpen
	// BreakerHalfOpen lets a few probe calls through
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker limits
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int `mapstructure:"max_failures"`
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
	// HalfOpenMaxCalls is the number of successful probes that close it again.
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the default breaker limits
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a circuit breaker for calls to Redis
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	cfg       BreakerConfig
	log       zerolog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// NewBreaker creates a closed breaker. Zero config fields take their defaults.
func NewBreaker(name string, cfg BreakerConfig, logger zerolog.Logger, recorder *metrics.Recorder) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		log:     logger.With().Str("component", "breaker").Str("breaker", name).Logger(),
		metrics: recorder,
		now:     time.Now,
	}
	if recorder != nil {
		recorder.RecordBreakerState(name, int(BreakerClosed))
	}
	return b
}

// Allow reports whether a call may go through. In half-open state only
// HalfOpenMaxCalls probes are in flight at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probes = 1
		return true
	default:
		if b.probes >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.probes++
		return true
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.probes > 0 {
			b.probes--
		}
		if b.successes >= b.cfg.HalfOpenMaxCalls {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a failed call
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.log.Warn().Err(err).Int("failure_count", b.failures).Msg("Breaker recorded failure")

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	case BreakerOpen:
		b.openedAt = b.now()
	}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(BreakerClosed)
}

// transition must be called with mu held
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.successes = 0
	b.probes = 0
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures = 0
	}
	if from != to {
		b.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("Breaker state changed")
	}
	if b.metrics != nil {
		b.metrics.RecordBreakerState(b.name, int(to))
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker open")

// Store is the subtree cache surface a GuardedSubtree wraps
type Store interface {
	GetDescendants(ctx context.Context, id int64) ([]int64, bool, error)
	Generation(ctx context.Context) (int64, error)
	SetDescendants(ctx context.Context, gen, id int64, ids []int64) (bool, error)
	Invalidate(ctx context.Context) error
}

// GuardedSubtree puts a breaker in front of a subtree cache. While the
// circuit is open reads miss and writes are skipped, so lookups fall back to
// the database. Invalidations always go through: a failed one is retried
// before the next read is served, and until it succeeds every read misses
// and no write is attempted.
type GuardedSubtree struct {
	store   Store
	breaker *Breaker

	mu           sync.Mutex
	pendingFlush bool
}

// NewGuardedSubtree wraps store with breaker
func NewGuardedSubtree(store Store, breaker *Breaker) *GuardedSubtree {
	return &GuardedSubtree{store: store, breaker: breaker}
}

func (g *GuardedSubtree) pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingFlush
}

func (g *GuardedSubtree) setPending(v bool) {
	g.mu.Lock()
	g.pendingFlush = v
	g.mu.Unlock()
}

// GetDescendants reads through the breaker. Open circuits and pending flushes
// report a miss.
func (g *GuardedSubtree) GetDescendants(ctx context.Context, id int64) ([]int64, bool, error) {
	if !g.breaker.Allow() {
		return nil, false, nil
	}
	if g.pending() {
		if err := g.store.Invalidate(ctx); err != nil {
			g.breaker.Failure(err)
			return nil, false, nil
		}
		g.setPending(false)
	}

	ids, ok, err := g.store.GetDescendants(ctx, id)
	if err != nil {
		g.breaker.Failure(err)
		return nil, false, nil
	}
	g.breaker.Success()
	return ids, ok, nil
}

// Generation reads the store generation through the breaker
func (g *GuardedSubtree) Generation(ctx context.Context) (int64, error) {
	if g.pending() || !g.breaker.Allow() {
		return 0, ErrCircuitOpen
	}
	gen, err := g.store.Generation(ctx)
	if err != nil {
		g.breaker.Failure(err)
		return 0, err
	}
	g.breaker.Success()
	return gen, nil
}

// SetDescendants writes through the breaker and drops the write while the
// circuit is open or a flush is pending.
func (g *GuardedSubtree) SetDescendants(ctx context.Context, gen, id int64, ids []int64) (bool, error) {
	if g.pending() || !g.breaker.Allow() {
		return false, nil
	}
	stored, err := g.store.SetDescendants(ctx, gen, id, ids)
	if err != nil {
		g.breaker.Failure(err)
		return false, err
	}
	g.breaker.Success()
	return stored, nil
}

// Invalidate always reaches the store. On failure the flush stays pending.
func (g *GuardedSubtree) Invalidate(ctx context.Context) error {
	if err := g.store.Invalidate(ctx); err != nil {
		g.setPending(true)
		g.breaker.Failure(err)
		return err
	}
	g.setPending(false)
	g.breaker.Success()
	return nil
}

// Pending reports whether an invalidation still has to reach the store
func (g *GuardedSubtree) Pending() bool {
	return g.pending()
}
