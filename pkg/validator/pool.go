package validator

import (
	"context"
	"log"
	"os"

	"github.com/certenlabs/ledgervalidator/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Pool farms candidate blocks out to a bounded number of concurrent
// Validate calls, delivering each Result on Results as it completes, so
// ChainController's single event-loop goroutine never blocks on validation
// work itself. Grounded on the errgroup-bounded fan-out pattern the corpus
// uses for concurrent per-item work (cmd/geth's transaction-inclusion lag
// harness) rather than a hand-rolled channel/WaitGroup pair.
type Pool struct {
	v       *Validator
	sem     chan struct{}
	Results chan Result
	log     *log.Logger
	metrics *metrics.Metrics
}

// SetMetrics attaches m so queued-plus-in-flight validation depth is
// reported, and propagates it to the underlying Validator. A nil or
// never-set m disables reporting.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
	p.v.SetMetrics(m)
}

// NewPool creates a Pool that runs at most concurrency validations at once
// and delivers results on a buffered channel of the same size.
func NewPool(v *Validator, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		v:       v,
		sem:     make(chan struct{}, concurrency),
		Results: make(chan Result, concurrency),
		log:     log.New(os.Stderr, "[ValidatorPool] ", log.LstdFlags),
	}
}

// Submit validates req on a pooled goroutine, blocking only until a slot is
// free, and delivers the Result on p.Results once done. ctx cancellation
// only affects queuing for a free slot; an in-flight Validate call always
// runs to completion.
func (p *Pool) Submit(ctx context.Context, req Request) error {
	if p.metrics != nil {
		p.metrics.ValidationQueueDepth.Inc()
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		if p.metrics != nil {
			p.metrics.ValidationQueueDepth.Dec()
		}
		return ctx.Err()
	}

	go func() {
		defer func() { <-p.sem }()
		defer func() {
			if p.metrics != nil {
				p.metrics.ValidationQueueDepth.Dec()
			}
		}()
		p.Results <- p.v.Validate(req)
	}()
	return nil
}

// SubmitAll validates every request in reqs concurrently (bounded by the
// pool's concurrency) and returns once all have completed, in the order
// reqs was given — used when a caller (e.g. catching up a batch of blocks
// received together) needs the full set of results before proceeding,
// rather than streaming them off Results.
func (p *Pool) SubmitAll(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			select {
			case p.sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-p.sem }()
			results[i] = p.v.Validate(req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
