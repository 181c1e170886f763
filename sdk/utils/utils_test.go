package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDv7_VersionAndOrder(t *testing.T) {
	first := GenerateUUIDv7()
	time.Sleep(2 * time.Millisecond)
	second := GenerateUUIDv7()

	assert.True(t, IsUUIDv7(first))
	assert.True(t, IsUUIDv7(second))
	assert.Less(t, first, second)
	assert.False(t, IsUUIDv7("550e8400-e29b-41d4-a716-446655440000"))
}

func TestDurationHelpers(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, int64(1500), ElapsedMsSince(start, start.Add(1500*time.Millisecond)))
	assert.Equal(t, int64(0), ElapsedMsSince(start, start))
	assert.Equal(t, 250*time.Millisecond, DurationMs(250))
}
