package services

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run runs every child concurrently and returns once all of them have
// returned, with the first error. A node without children idles until it
// is stopped or ctx ends.
func (b *Base) Run(ctx context.Context) error {
	children := b.Children()
	if len(children) == 0 {
		return b.Idle(ctx)
	}
	var g errgroup.Group
	for _, child := range children {
		child := child
		g.Go(func() error {
			return child.Run(ctx)
		})
	}
	return g.Wait()
}

// Idle blocks while the node is running, re-checking once per poll
// interval. It returns nil once stopped and ctx.Err() if ctx ends first.
func (b *Base) Idle(ctx context.Context) error {
	for b.running.Load() {
		timer := b.clock.Timer(b.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
