package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink down")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	b := New(Config{Name: "historian", MaxFailures: 3, CoolDown: 30 * time.Second})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error { return b.Execute(func() error { return errSink }) }
func ok(b *Breaker) error   { return b.Execute(func() error { return nil }) }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(b), errSink)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, fail(b), ErrOpen)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(t)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, ok(b))
	require.Error(t, fail(b))
	require.Error(t, fail(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		fail(b)
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// Probe failure reopens.
	require.ErrorIs(t, fail(b), errSink)
	assert.Equal(t, StateOpen, b.State())

	// After another cool-down a successful probe closes it.
	*now = now.Add(31 * time.Second)
	require.NoError(t, ok(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []State
	b := New(Config{
		Name:        "historian",
		MaxFailures: 1,
		CoolDown:    time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	fail(b)
	assert.Equal(t, []State{StateOpen}, transitions)
}
