package http

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, 2, 0, zerolog.Nop())
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst spent")
	assert.True(t, rl.Allow("b"), "other keys unaffected")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "refilled")
}

func TestRateLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	rl := NewRateLimiter(1, 1, 3, zerolog.Nop())
	for i := range 5 {
		rl.Allow(fmt.Sprintf("ip-%d", i))
	}
	assert.Equal(t, 3, rl.Len())
	assert.True(t, rl.Allow("ip-0"), "evicted key starts with a fresh bucket")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, 1, 0, zerolog.Nop())
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(time.Hour)
	rl.Allow("fresh")

	assert.Equal(t, 1, rl.Cleanup(30*time.Minute))
	assert.Equal(t, 1, rl.Len())
}
