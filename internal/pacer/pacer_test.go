package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCalculatorDecaysOnSuccess(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Millisecond), MaxSleep(1*time.Second), DecayConstant(2))
	got := c.Calculate(State{SleepTime: 8 * time.Millisecond})
	assert.Equal(t, 4*time.Millisecond, got)
}

func TestDefaultCalculatorAttacksOnFailure(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Millisecond), MaxSleep(1*time.Second), AttackConstant(1))
	got := c.Calculate(State{SleepTime: 1 * time.Millisecond, ConsecutiveRetries: 1})
	assert.Equal(t, 2*time.Millisecond, got)
}

func TestDefaultCalculatorEnforcesBounds(t *testing.T) {
	c := NewDefault(MinSleep(1*time.Millisecond), MaxSleep(1*time.Second))
	got := c.Calculate(State{SleepTime: 1 * time.Second, ConsecutiveRetries: 1})
	assert.Equal(t, 1*time.Second, got)
}

func TestCallSucceedsWithoutRetry(t *testing.T) {
	p := New()
	calls := 0
	err := p.Call(context.Background(), func() (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesUpToLimit(t *testing.T) {
	p := New(RetriesOption(3), CalculatorOption(NewDefault(MinSleep(time.Microsecond), MaxSleep(time.Millisecond))))
	calls := 0
	err := p.Call(context.Background(), func() (bool, error) {
		calls++
		return true, assertErr
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallStopsImmediatelyOnNonRetryableError(t *testing.T) {
	p := New(RetriesOption(5))
	calls := 0
	err := p.Call(context.Background(), func() (bool, error) {
		calls++
		return false, assertErr
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(RetriesOption(5))
	err := p.Call(ctx, func() (bool, error) {
		t.Fatal("fn should not be called once context is cancelled")
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMaxConnectionsZeroMeansUnbounded(t *testing.T) {
	p := New()
	p.SetMaxConnections(0)
	assert.Nil(t, p.connTokens)
}

func TestMaxConnectionsBoundsTokenChannel(t *testing.T) {
	p := New()
	p.SetMaxConnections(4)
	assert.Equal(t, 4, cap(p.connTokens))
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
