package sink

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state of a sink.
type State int

const (
	StateClosed   State = iota // publishing
	StateOpen                  // dropping
	StateHalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // trial successes before closing
	Cooldown         time.Duration // open time before probing
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: 30 * time.Second}
}

// Breaker stops calls to a sink whose backend keeps failing and lets a trial call through
// after a cooldown. Safe for concurrent use.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	dropped   int64
}

func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{name: name, cfg: cfg, logger: logger, now: time.Now}
}

// Allow reports whether the sink may be called. Rejected calls are counted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.dropped++
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.logger.Info("Sink breaker HALF_OPEN, probing", slog.String("sink", b.name))
	}
	return true
}

// Success records a call that worked.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info("Sink breaker CLOSED (recovered)",
				slog.String("sink", b.name),
				slog.Int64("dropped", b.dropped))
			b.dropped = 0
		}
	}
}

// Failure records a call that failed.
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
			b.logger.Warn("Sink breaker OPEN (failures exceeded threshold)",
				slog.String("sink", b.name),
				slog.Int("failures", b.failures),
				slog.Any("error", err))
		}
	case StateHalfOpen:
		b.open()
		b.logger.Warn("Sink breaker OPEN (trial failed)",
			slog.String("sink", b.name),
			slog.Any("error", err))
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Dropped returns how many calls were rejected since the breaker last closed.
func (b *Breaker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
