package review

import (
	"context"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/gateerr"
)

// Result is delivered once per submitted intent.
type Result struct {
	Decision Decision
	Err      error
}

type job struct {
	ctx      context.Context
	intentID string
	proposal contracts.Proposal
	out      chan Result
}

// Start launches workers that review submitted intents. Each in-flight intent
// occupies one worker for its whole review.
func (a *Aggregator) Start(ctx context.Context, workers int) {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	if a.running {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	a.jobs = make(chan job)
	a.stopCh = make(chan struct{})
	a.running = true

	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker(a.jobs, a.stopCh)
	}
	go func(stopCh <-chan struct{}) {
		select {
		case <-ctx.Done():
			a.Stop()
		case <-stopCh:
		}
	}(a.stopCh)
	a.logger.InfoContext(ctx, "review workers started", "workers", workers)
}

// Stop stops accepting work and waits for in-flight reviews.
func (a *Aggregator) Stop() {
	a.poolMu.Lock()
	if !a.running {
		a.poolMu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.poolMu.Unlock()

	a.wg.Wait()
}

// Submit hands an intent to the next free worker, blocking until one
// accepts it, the pool stops, or ctx is done. The returned channel receives
// exactly one Result.
func (a *Aggregator) Submit(ctx context.Context, intentID string, proposal contracts.Proposal) <-chan Result {
	out := make(chan Result, 1)

	a.poolMu.Lock()
	running, jobs, stopCh := a.running, a.jobs, a.stopCh
	a.poolMu.Unlock()
	if !running {
		out <- Result{Err: stopped()}
		return out
	}

	select {
	case jobs <- job{ctx: ctx, intentID: intentID, proposal: proposal, out: out}:
	case <-stopCh:
		out <- Result{Err: stopped()}
	case <-ctx.Done():
		out <- Result{Err: gateerr.Wrap(ctx.Err(), gateerr.KindTimeout, gateerr.CodeReviewerTimeout, "no review worker became free")}
	}
	return out
}

func (a *Aggregator) worker(jobs <-chan job, stopCh <-chan struct{}) {
	defer a.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case j := <-jobs:
			if err := j.ctx.Err(); err != nil {
				j.out <- Result{Err: gateerr.Wrap(err, gateerr.KindTimeout, gateerr.CodeReviewerTimeout, "submission cancelled before review")}
				continue
			}
			d, err := a.Review(j.ctx, j.intentID, j.proposal)
			j.out <- Result{Decision: d, Err: err}
		}
	}
}

func stopped() error {
	return gateerr.New(gateerr.KindInvalidState, gateerr.CodeInvalidTransition, "review workers are not running")
}
