// Package scheduler provides the background loops used by the runtime's
// singletons: ticker-driven loops (limiter sweep, pool idle reaping,
// memory monitor tick) and a cron wrapper (breaker sweep). Each ticker
// loop is owned by the Scheduler that started it and is guaranteed
// stopped, not just signalled, by Stop.
package scheduler

import (
	"context"
	"sync"
	"time"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Stop cancels every loop started on this scheduler and blocks until each
// one has observed cancellation and returned, so no timer is left armed.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Every runs job on every tick of period d until Stop.
func (s *Scheduler) Every(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.loopEvery(d, job, false)
}

// EveryImmediate is Every but also runs job once immediately, before the
// first tick — used for monitors that should establish a baseline on
// start rather than wait a full period.
func (s *Scheduler) EveryImmediate(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.loopEvery(d, job, true)
}

// OnceAfter runs job once after d, unless Stop fires first.
func (s *Scheduler) OnceAfter(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.onceAfter(d, job)
}

func (s *Scheduler) loopEvery(d time.Duration, job Job, immediate bool) {
	defer s.wg.Done()
	if immediate {
		job.Run(s.ctx)
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			job.Run(s.ctx)
		}
	}
}

func (s *Scheduler) onceAfter(d time.Duration, job Job) {
	defer s.wg.Done()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-t.C:
		job.Run(s.ctx)
	}
}
