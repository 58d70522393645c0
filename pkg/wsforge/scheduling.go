package wsforge

import (
	"context"
	"time"

	"wsforge/pkg/scheduler"

	"github.com/sirupsen/logrus"
)

// schedulerHandle bundles the two background-loop primitives every
// singleton in this package needs: plain ticker loops for sub-hour
// sweeps, and a cron wrapper for the handful of schedules that read
// better as "@every 30m" than as a raw duration. Runtime owns exactly
// one of these, created in Start, and hands it to each component's
// sweep/monitor method there.
type schedulerHandle struct {
	ticks *scheduler.Scheduler
	cron  *scheduler.Cron
}

func newSchedulerHandle() *schedulerHandle {
	h := &schedulerHandle{
		ticks: scheduler.New(),
		cron:  scheduler.NewCron(time.Local),
	}
	h.cron.Start()
	return h
}

func (h *schedulerHandle) addEvery(d time.Duration, fn func(ctx context.Context)) {
	h.ticks.Every(d, scheduler.FuncJob(fn))
}

func (h *schedulerHandle) addEveryImmediate(d time.Duration, fn func(ctx context.Context)) {
	h.ticks.EveryImmediate(d, scheduler.FuncJob(fn))
}

func (h *schedulerHandle) addCron(expr string, fn func(ctx context.Context)) {
	if _, err := h.cron.AddWithCtx(expr, fn); err != nil {
		logrus.WithError(err).WithField("expr", expr).Error("wsforge: invalid cron schedule")
	}
}

// stop halts every ticker loop and cron entry started through this
// handle, blocking until both have fully drained.
func (h *schedulerHandle) stop() {
	h.ticks.Stop()
	h.cron.Stop()
}
