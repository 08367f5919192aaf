package capture

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/capture-worker/internal/errors"
)

func TestPoolRunsConcurrentCapturesWithoutBusy(t *testing.T) {
	tr := newTransformer()
	tr.entered = make(chan struct{})
	tr.proceed = make(chan struct{})

	pool, err := NewPool(2, func(i int) (*Orchestrator, error) {
		return NewOrchestrator(&Config{Transformer: tr, Recognizer: textRecognizer(fmt.Sprintf("o%d", i))})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- pool.CaptureFrom(context.Background(), newDriver(40, 20, 0)) }()
	}

	// Both runs are inside Transform at once, one per orchestrator.
	<-tr.entered
	<-tr.entered
	close(tr.proceed)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.Nil(t, r.Err)
		seen[r.RecognizedText] = true
	}
	assert.Equal(t, map[string]bool{"o0": true, "o1": true}, seen)
}

func TestPoolWaitsForFreeOrchestrator(t *testing.T) {
	tr := newTransformer()
	tr.entered = make(chan struct{})
	tr.proceed = make(chan struct{})

	pool, err := NewPool(1, func(int) (*Orchestrator, error) {
		return NewOrchestrator(&Config{Transformer: tr, Recognizer: textRecognizer("x")})
	})
	require.NoError(t, err)

	first := make(chan *Result, 1)
	go func() { first <- pool.CaptureFrom(context.Background(), newDriver(40, 20, 0)) }()
	<-tr.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiting := pool.CaptureFrom(ctx, newDriver(40, 20, 0))
	require.NotNil(t, waiting.Err)
	assert.True(t, waiting.Cancelled())

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelTimeout()
	timedOut := pool.CaptureFrom(ctx, newDriver(40, 20, 0))
	require.NotNil(t, timedOut.Err)
	assert.Equal(t, errors.ErrorCaptureFailed, timedOut.Err.Code)

	close(tr.proceed)
	require.Nil(t, (<-first).Err)

	again := make(chan *Result, 1)
	go func() { again <- pool.CaptureFrom(context.Background(), newDriver(40, 20, 0)) }()
	<-tr.entered
	assert.Nil(t, (<-again).Err)
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(0, nil)
	assert.Error(t, err)

	_, err = NewPool(2, func(i int) (*Orchestrator, error) {
		if i == 1 {
			return nil, fmt.Errorf("no recognizer")
		}
		return NewOrchestrator(&Config{Recognizer: textRecognizer("x")})
	})
	assert.ErrorContains(t, err, "orchestrator 1")
}
