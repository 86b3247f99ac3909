package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthAuthorityClosedAllowsByDefault(t *testing.T) {
	h := NewHealthAuthority()
	ok, remaining := h.Allow("openai")
	assert.True(t, ok)
	assert.Zero(t, remaining)
}

func TestHealthAuthorityTripsOpenAfterThreshold(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 3

	for i := 0; i < 3; i++ {
		h.RecordFailure("openai")
	}

	ok, remaining := h.Allow("openai")
	assert.False(t, ok)
	assert.Greater(t, remaining, int64(0))
	assert.True(t, h.IsOpen("openai"))
}

func TestHealthAuthorityTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 1
	h.BaseCooldown = 10 * time.Millisecond

	h.RecordFailure("openai")
	assert.True(t, h.IsOpen("openai"))

	time.Sleep(20 * time.Millisecond)

	ok, _ := h.Allow("openai")
	assert.True(t, ok) // cooldown elapsed, half-open probe allowed
}

func TestHealthAuthorityHalfOpenSuccessCloses(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 1
	h.BaseCooldown = 5 * time.Millisecond

	h.RecordFailure("openai")
	time.Sleep(10 * time.Millisecond)

	ok, _ := h.Allow("openai") // enters half-open
	assert.True(t, ok)

	h.RecordSuccess("openai")
	assert.False(t, h.IsOpen("openai"))

	ok, remaining := h.Allow("openai")
	assert.True(t, ok)
	assert.Zero(t, remaining)
}

func TestHealthAuthorityHalfOpenFailureReopensWithExtendedCooldown(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 1
	h.BaseCooldown = 5 * time.Millisecond
	h.MaxCooldown = time.Second

	h.RecordFailure("openai") // trip 1: cooldown = base
	time.Sleep(10 * time.Millisecond)
	ok, _ := h.Allow("openai") // half-open probe
	assert.True(t, ok)

	h.RecordFailure("openai") // half-open probe fails -> re-open, cooldown doubles
	assert.True(t, h.IsOpen("openai"))

	_, remainingAfterSecondTrip := h.Allow("openai")
	assert.Greater(t, remainingAfterSecondTrip, int64(5))
}

func TestHealthAuthorityCooldownBoundedByMax(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 1
	h.BaseCooldown = 100 * time.Millisecond
	h.MaxCooldown = 200 * time.Millisecond

	for i := 0; i < 10; i++ {
		h.RecordFailure("openai")
		time.Sleep(time.Millisecond) // not enough to clear cooldown between trips
	}

	_, remaining := h.Allow("openai")
	assert.LessOrEqual(t, remaining, int64(200))
}

func TestHealthAuthorityIndependentPerProvider(t *testing.T) {
	h := NewHealthAuthority()
	h.FailureThreshold = 1

	h.RecordFailure("openai")
	assert.True(t, h.IsOpen("openai"))
	assert.False(t, h.IsOpen("ollama"))

	ok, _ := h.Allow("ollama")
	assert.True(t, ok)
}
