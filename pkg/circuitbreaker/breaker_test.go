package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(s Settings) (*Breaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(s)
	b.now = c.now
	return b, c
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []string
	b, _ := newTestBreaker(Settings{
		Name:             "relay",
		FailureThreshold: 3,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	}
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"relay:closed->open"}, transitions)
}

func TestBreakerRecovery(t *testing.T) {
	tests := []struct {
		name  string
		trial error
		want  State
	}{
		{"trial succeeds", nil, StateClosed},
		{"trial fails", errBoom, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newTestBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Minute})
			_ = b.Do(func() error { return errBoom })
			require.Equal(t, StateOpen, b.State())

			c.t = c.t.Add(time.Minute)
			assert.Equal(t, StateHalfOpen, b.State())
			_ = b.Do(func() error { return tt.trial })
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerHalfOpenLimit(t *testing.T) {
	b, c := newTestBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Second})
	_ = b.Do(func() error { return errBoom })
	c.t = c.t.Add(time.Second)

	err := b.Do(func() error {
		// A second caller arrives while the trial call is in flight.
		assert.ErrorIs(t, b.Do(func() error { return nil }), ErrTooManyRequests)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIsSuccessful(t *testing.T) {
	permanent := errors.New("550 no such user")
	b, _ := newTestBreaker(Settings{
		FailureThreshold: 1,
		IsSuccessful:     func(err error) bool { return err == nil || errors.Is(err, permanent) },
	})
	assert.ErrorIs(t, b.Do(func() error { return permanent }), permanent)
	assert.Equal(t, StateClosed, b.State())
}
