package provider

import (
	"sync"
	"time"
)

// breakerState is the classic three-state circuit breaker machine.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

const (
	defaultFailureThreshold = 5
	defaultBaseCooldown     = 5 * time.Second
	defaultMaxCooldown      = 60 * time.Second
	defaultHalfOpenProbes   = 1
)

type breaker struct {
	state           breakerState
	consecutiveFail int
	openedAt        time.Time
	cooldown        time.Duration
	halfOpenInUse   int
}

// HealthAuthority is the circuit breaker registry keyed by
// "chat_completions:<provider>" per spec.md §4.9. Cooldown backs off as
// min(baseCooldown*2^consecutiveTrips, maxCooldown) (Open Question #2,
// resolved in DESIGN.md).
type HealthAuthority struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	trips    map[string]int

	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

func NewHealthAuthority() *HealthAuthority {
	return &HealthAuthority{
		breakers:         make(map[string]*breaker),
		trips:            make(map[string]int),
		FailureThreshold: defaultFailureThreshold,
		BaseCooldown:     defaultBaseCooldown,
		MaxCooldown:      defaultMaxCooldown,
	}
}

func key(provider string) string { return "chat_completions:" + provider }

// Allow reports whether a call to provider may proceed, and if not, how
// many milliseconds remain before the breaker transitions to half-open.
func (h *HealthAuthority) Allow(providerName string) (ok bool, cooldownRemainingMs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakers[key(providerName)]
	if b == nil || b.state == stateClosed {
		return true, 0
	}

	if b.state == stateOpen {
		remaining := b.cooldown - time.Since(b.openedAt)
		if remaining <= 0 {
			b.state = stateHalfOpen
			b.halfOpenInUse = 0
			return true, 0
		}
		return false, remaining.Milliseconds()
	}

	// half-open: allow a bounded number of concurrent probes through.
	if b.halfOpenInUse < defaultHalfOpenProbes {
		b.halfOpenInUse++
		return true, 0
	}
	return false, 0
}

// RecordSuccess closes the breaker and resets failure counters.
func (h *HealthAuthority) RecordSuccess(providerName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key(providerName)
	delete(h.breakers, k)
	delete(h.trips, k)
}

// RecordFailure registers a failed call. Once FailureThreshold consecutive
// failures accumulate (or a half-open probe fails), the breaker opens.
func (h *HealthAuthority) RecordFailure(providerName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key(providerName)

	b := h.breakers[k]
	if b == nil {
		b = &breaker{}
		h.breakers[k] = b
	}

	if b.state == stateHalfOpen {
		h.tripLocked(k, b)
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= h.threshold() {
		h.tripLocked(k, b)
	}
}

func (h *HealthAuthority) tripLocked(k string, b *breaker) {
	h.trips[k]++
	n := h.trips[k]
	cooldown := h.base() * time.Duration(1<<uint(min(n-1, 5)))
	if max := h.maxCooldown(); cooldown > max {
		cooldown = max
	}
	b.state = stateOpen
	b.openedAt = time.Now()
	b.cooldown = cooldown
	b.consecutiveFail = 0
	b.halfOpenInUse = 0
}

func (h *HealthAuthority) threshold() int {
	if h.FailureThreshold <= 0 {
		return defaultFailureThreshold
	}
	return h.FailureThreshold
}

func (h *HealthAuthority) base() time.Duration {
	if h.BaseCooldown <= 0 {
		return defaultBaseCooldown
	}
	return h.BaseCooldown
}

func (h *HealthAuthority) maxCooldown() time.Duration {
	if h.MaxCooldown <= 0 {
		return defaultMaxCooldown
	}
	return h.MaxCooldown
}

// IsOpen reports whether providerName's breaker is currently open, without
// mutating half-open probe accounting (used for status/health reporting).
func (h *HealthAuthority) IsOpen(providerName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.breakers[key(providerName)]
	return b != nil && b.state == stateOpen && time.Since(b.openedAt) < b.cooldown
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
