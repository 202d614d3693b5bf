package worker

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of processors over the same queue.
type Pool struct {
	processors []*Processor
}

// NewPool builds size processors sharing q, ledger, runner and submitter.
// Each gets the id "<opts.ID>-<n>".
func NewPool(size int, build func(opts Options) *Processor, opts Options) *Pool {
	if size <= 0 {
		size = 1
	}
	ps := make([]*Processor, 0, size)
	for i := 0; i < size; i++ {
		o := opts
		o.ID = fmt.Sprintf("%s-%d", opts.ID, i)
		ps = append(ps, build(o))
	}
	return &Pool{processors: ps}
}

// Size is the number of processors.
func (p *Pool) Size() int { return len(p.processors) }

// Run blocks until ctx is cancelled or a processor fails. Cancellation is a
// clean stop.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, proc := range p.processors {
		g.Go(func() error { return proc.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
