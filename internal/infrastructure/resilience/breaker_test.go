package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSpawn = errors.New("spawn failed")

func fail() error    { return errSpawn }
func succeed() error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		threshold     int
		requests      []bool // true = success, false = failure
		expectedState State
	}{
		{name: "stays closed on successes", threshold: 3, requests: []bool{true, true, true}, expectedState: StateClosed},
		{name: "opens after consecutive failures", threshold: 3, requests: []bool{false, false, false}, expectedState: StateOpen},
		{name: "success resets the failure streak", threshold: 2, requests: []bool{false, true, false}, expectedState: StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("provision", Settings{Threshold: tt.threshold, Cooldown: time.Minute})

			for _, success := range tt.requests {
				if success {
					_ = breaker.Execute(succeed)
				} else {
					_ = breaker.Execute(fail)
				}
			}

			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerOpenRejectsWithRetryAfter(t *testing.T) {
	clk := newClock()
	breaker := New("provision", Settings{Threshold: 2, Cooldown: 5 * time.Second, Now: clk.Now})

	assert.ErrorIs(t, breaker.Execute(fail), errSpawn)
	assert.ErrorIs(t, breaker.Execute(fail), errSpawn)
	require.Equal(t, StateOpen, breaker.State())

	clk.advance(2 * time.Second)
	called := false
	_, err := Do(breaker, func() (int, error) {
		called = true
		return 1, nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrOpen)

	wait, ok := RetryAfter(fmt.Errorf("acquire: %w", err))
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)

	snap := breaker.Snapshot()
	assert.Equal(t, "open", snap.StateName)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, uint64(1), snap.Trips)
	assert.Equal(t, 3*time.Second, snap.RetryAfter)
}

func TestBreakerProbeCloses(t *testing.T) {
	clk := newClock()
	breaker := New("provision", Settings{Threshold: 1, Cooldown: time.Second, Now: clk.Now})

	_ = breaker.Execute(fail)
	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, breaker.State())

	v, err := Do(breaker, func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, 0, breaker.Snapshot().ConsecutiveFailures)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clk := newClock()
	breaker := New("provision", Settings{Threshold: 3, Cooldown: time.Second, Now: clk.Now})

	for i := 0; i < 3; i++ {
		_ = breaker.Execute(fail)
	}
	clk.advance(time.Second)
	require.Equal(t, StateHalfOpen, breaker.State())

	_ = breaker.Execute(fail)
	assert.Equal(t, StateOpen, breaker.State())
	assert.Equal(t, uint64(2), breaker.Snapshot().Trips)
	assert.Equal(t, uint64(4), breaker.Snapshot().TotalFailures)
}

func TestBreakerSingleProbe(t *testing.T) {
	clk := newClock()
	breaker := New("provision", Settings{Threshold: 1, Cooldown: time.Second, Now: clk.Now})

	_ = breaker.Execute(fail)
	clk.advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- breaker.Execute(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := breaker.Execute(succeed)
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	breaker := New("provision", Settings{
		Threshold: 1,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
	})

	err := breaker.Execute(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	breaker := New("provision", Settings{Threshold: 1})

	assert.Panics(t, func() {
		_ = breaker.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clk := newClock()
	var transitions []string

	breaker := New("provision", Settings{
		Threshold: 2,
		Cooldown:  time.Second,
		Now:       clk.Now,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = breaker.Execute(fail)
	_ = breaker.Execute(fail)
	clk.advance(time.Second)
	_ = breaker.Execute(succeed)

	assert.Equal(t, []string{"provision:closed->open", "provision:half-open->closed"}, transitions)
}
