package orders

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fulfillment/internal/saga"
)

// ReliabilityConfig tunes the controls around outbound participant calls.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultReliabilityConfig is used for every ORDER_* variable left unset.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 5 * time.Second,
	}
}

// LoadReliabilityConfig reads ORDER_RETRY_*, ORDER_BREAKER_* and
// ORDER_RATE_LIMIT_* from env. A zero rate limit interval disables limiting.
func LoadReliabilityConfig() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	ints := []struct {
		name string
		dst  *int
	}{
		{"ORDER_RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts},
		{"ORDER_BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures},
		{"ORDER_RATE_LIMIT_BURST", &cfg.RateLimitBurst},
	}
	for _, v := range ints {
		if err := envInt(v.name, v.dst); err != nil {
			return cfg, err
		}
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"ORDER_RETRY_BASE_DELAY", &cfg.RetryBaseDelay},
		{"ORDER_RETRY_MAX_DELAY", &cfg.RetryMaxDelay},
		{"ORDER_BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
		{"ORDER_RATE_LIMIT_INTERVAL", &cfg.RateLimitInterval},
	}
	for _, v := range durations {
		if err := envDuration(v.name, v.dst); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Participants is the set of remote services an orchestrator talks to.
type Participants struct {
	Payments  saga.PaymentService
	Reserves  saga.ReserveService
	Warehouse saga.Warehouse
}

// Wrap guards every participant with its own limiter and breaker.
func (c ReliabilityConfig) Wrap(p Participants) Participants {
	retry := RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
	limiter := func() *RateLimiter {
		if c.RateLimitInterval <= 0 {
			return nil
		}
		return NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	}
	breaker := func() *CircuitBreaker {
		return NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	return Participants{
		Payments:  NewReliablePaymentService(p.Payments, limiter(), breaker(), retry),
		Reserves:  NewReliableReserveService(p.Reserves, limiter(), breaker(), retry),
		Warehouse: NewReliableWarehouse(p.Warehouse, limiter(), breaker(), retry),
	}
}

func envInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	*dst = val
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	*dst = val
	return nil
}
