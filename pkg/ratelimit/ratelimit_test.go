package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketDrainsAndRefills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, 2, time.Second)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("s1")
	assert.True(t, ok)
	ok, _ = l.Allow("s1")
	assert.True(t, ok)
	ok, wait := l.Allow("s1")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	ok, _ = l.Allow("s2")
	assert.True(t, ok, "keys have separate buckets")

	now = now.Add(500 * time.Millisecond)
	ok, _ = l.Allow("s1")
	assert.True(t, ok)
}

func TestReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx, 1, time.Minute)

	ok, _ := l.Allow("s1")
	assert.True(t, ok)
	ok, _ = l.Allow("s1")
	assert.False(t, ok)
	l.Reset("s1")
	ok, _ = l.Allow("s1")
	assert.True(t, ok)
}
