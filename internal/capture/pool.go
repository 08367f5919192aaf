package capture

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/capture-worker/internal/camera"
	"github.com/adverant/nexus/capture-worker/internal/errors"
)

// Pool spreads captures over several orchestrators. A caller waits for a
// free orchestrator instead of getting BUSY.
type Pool struct {
	free chan *Orchestrator
	all  []*Orchestrator
}

// NewPool creates size orchestrators from newOrchestrator.
func NewPool(size int, newOrchestrator func(i int) (*Orchestrator, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{free: make(chan *Orchestrator, size)}
	for i := 0; i < size; i++ {
		o, err := newOrchestrator(i)
		if err != nil {
			return nil, fmt.Errorf("failed to create orchestrator %d: %w", i, err)
		}
		p.all = append(p.all, o)
		p.free <- o
	}
	return p, nil
}

// Size returns the number of orchestrators.
func (p *Pool) Size() int { return len(p.all) }

// CaptureFrom runs one capture on the next free orchestrator. If ctx ends
// while waiting, the result is CANCELLED (or CAPTURE_FAILED on a deadline)
// without any run having started.
func (p *Pool) CaptureFrom(ctx context.Context, driver camera.Driver) *Result {
	var o *Orchestrator
	select {
	case o = <-p.free:
	case <-ctx.Done():
		if isCancelled(ctx) {
			return &Result{Err: errors.NewCancelledError("", "waiting")}
		}
		return &Result{Err: errors.NewCaptureFailedError("", fmt.Errorf("no orchestrator free: %w", ctx.Err()))}
	}
	defer func() { p.free <- o }()

	return o.CaptureFrom(ctx, driver)
}
