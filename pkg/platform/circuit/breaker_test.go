package circuit_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"beacon/pkg/platform/circuit"
)

func TestBreaker(t *testing.T) {
	newBreaker := func() (*circuit.Breaker, *clock.Mock) {
		clk := clock.NewMock()
		b := circuit.New("registry",
			circuit.WithClock(clk),
			circuit.WithFailureThreshold(2),
			circuit.WithSuccessThreshold(2),
			circuit.WithCooldown(time.Second),
		)
		return b, clk
	}

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b, _ := newBreaker()
		assert.False(t, b.RecordFailure().Opened)
		assert.True(t, b.RecordFailure().Opened)
		assert.Equal(t, circuit.StateOpen, b.State())
		assert.False(t, b.Allow())
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		b, _ := newBreaker()
		b.RecordFailure()
		b.RecordSuccess()
		assert.False(t, b.RecordFailure().Opened)
		assert.True(t, b.Allow())
	})

	t.Run("half-open after cooldown and closes on probe successes", func(t *testing.T) {
		b, clk := newBreaker()
		b.RecordFailure()
		b.RecordFailure()

		clk.Add(time.Second)
		assert.Equal(t, circuit.StateHalfOpen, b.State())
		assert.True(t, b.Allow())

		assert.False(t, b.RecordSuccess().Closed)
		assert.True(t, b.RecordSuccess().Closed)
		assert.Equal(t, circuit.StateClosed, b.State())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b, clk := newBreaker()
		b.RecordFailure()
		b.RecordFailure()
		clk.Add(time.Second)

		b.RecordFailure()
		assert.Equal(t, circuit.StateOpen, b.State())
		clk.Add(500 * time.Millisecond)
		assert.False(t, b.Allow())
	})

	t.Run("reset closes", func(t *testing.T) {
		b, _ := newBreaker()
		b.RecordFailure()
		b.RecordFailure()
		b.Reset()
		assert.Equal(t, circuit.StateClosed, b.State())
	})
}
