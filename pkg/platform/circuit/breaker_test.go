package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := New("records")
	assert.Equal(t, "records", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.False(t, b.IsOpen())
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b := New("records", WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		useFallback, change := b.RecordFailure()
		assert.False(t, useFallback)
		assert.False(t, change.Opened)
	}

	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())

	// Once open, further failures are no-ops.
	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened)
}

func TestBreakerClosesAfterConsecutiveSuccesses(t *testing.T) {
	b := New("records", WithFailureThreshold(1), WithSuccessThreshold(2))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	usePrimary, change := b.RecordSuccess()
	assert.False(t, usePrimary)
	assert.False(t, change.Closed)

	usePrimary, change = b.RecordSuccess()
	assert.True(t, usePrimary)
	assert.True(t, change.Closed)
	assert.False(t, b.IsOpen())
}

func TestBreakerCountsAreConsecutive(t *testing.T) {
	b := New("records", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	// A failure while open resets success progress.
	b2 := New("records", WithFailureThreshold(1), WithSuccessThreshold(2))
	b2.RecordFailure()
	b2.RecordSuccess()
	b2.RecordFailure()
	b2.RecordSuccess()
	assert.True(t, b2.IsOpen())
	b2.RecordSuccess()
	assert.False(t, b2.IsOpen())
}

func TestBreakerReset(t *testing.T) {
	b := New("records", WithFailureThreshold(1))
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}
