package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testBreaker(opts Options) (*CircuitBreaker, *time.Time) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts.Logger = logger

	cb := New("store", opts)
	clock := time.Unix(1000, 0)
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(999).String())
}

func TestNew_Defaults(t *testing.T) {
	cb := New("store", Options{})
	assert.Equal(t, uint32(5), cb.opts.MaxFailures)
	assert.Equal(t, 10*time.Second, cb.opts.ResetTimeout)
	assert.Equal(t, uint32(3), cb.opts.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestTripsAfterMaxFailures(t *testing.T) {
	cb, _ := testBreaker(Options{MaxFailures: 3, ResetTimeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(ctx, succeed)
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.True(t, IsCircuitBreakerError(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, uint64(1), cb.GetStats().Rejected)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := testBreaker(Options{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	var transitions []string
	cb, clock := testBreaker(Options{
		MaxFailures:      1,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 2,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())

	*clock = clock.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := testBreaker(Options{MaxFailures: 1, ResetTimeout: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	*clock = clock.Add(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestHalfOpenLimitsCalls(t *testing.T) {
	cb, clock := testBreaker(Options{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	*clock = clock.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, succeed)
	assert.True(t, IsCircuitBreakerError(err))

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestIsFailurePredicate(t *testing.T) {
	notFound := errors.New("not found")
	cb, _ := testBreaker(Options{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, notFound) },
	})
	ctx := context.Background()

	err := cb.Execute(ctx, func(context.Context) error { return notFound })
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, StateClosed, cb.GetState())

	err = cb.Execute(ctx, func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestConcurrentAccess(t *testing.T) {
	cb, _ := testBreaker(Options{MaxFailures: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (i+j)%2 == 0 {
					_ = cb.Execute(ctx, succeed)
				} else {
					_ = cb.Execute(ctx, fail)
				}
				_ = cb.GetStats()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), cb.GetStats().Requests)
}
