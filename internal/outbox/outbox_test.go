package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 32*time.Second, p.NextDelay(5))
	// Exponential growth is capped.
	assert.Equal(t, 60*time.Second, p.NextDelay(6))
	assert.Equal(t, 60*time.Second, p.NextDelay(9))
	// Exhausted rows get the long cooldown.
	assert.Equal(t, time.Hour, p.NextDelay(10))
	assert.Equal(t, time.Hour, p.NextDelay(11))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
	assert.True(t, p.Exhausted(11))
}
