package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(cfg Config, now *time.Time) *Limiter {
	l := New(cfg)
	l.now = func() time.Time { return *now }
	return l
}

func TestLimiterAllowsBurstThenThrottles(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newTestLimiter(Config{RPS: 1, Burst: 2}, &now)

	assert.True(t, l.Allow("owner-1"))
	assert.True(t, l.Allow("owner-1"))
	assert.False(t, l.Allow("owner-1"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("owner-1"))
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newTestLimiter(Config{RPS: 0.1, Burst: 1}, &now)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiterDisabled(t *testing.T) {
	l := New(Config{})
	for range 100 {
		assert.True(t, l.Allow("owner"))
	}
}

func TestLimiterEvictsIdleKeys(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newTestLimiter(Config{RPS: 1, Burst: 1, IdleTTL: time.Minute}, &now)

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	now = now.Add(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}
