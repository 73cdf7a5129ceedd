package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs several pollers in one process.
type Pool struct {
	pollers []*Poller
}

// NewPool creates n pollers with newPoller.
func NewPool(n int, newPoller func() *Poller) *Pool {
	if n < 1 {
		n = 1
	}
	pool := &Pool{}
	for i := 0; i < n; i++ {
		pool.pollers = append(pool.pollers, newPoller())
	}
	return pool
}

// Size is the number of pollers.
func (p *Pool) Size() int { return len(p.pollers) }

// Run blocks until ctx is cancelled and every poller has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, poller := range p.pollers {
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}
	return g.Wait()
}
