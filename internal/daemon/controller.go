package daemon

import (
	"sync/atomic"
	"time"

	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/model"
)

// Controller is the pool state shared by every worker: the pause flag, the
// live worker count and the most recent poll outcome.
type Controller struct {
	paused  atomic.Bool
	active  atomic.Int32
	outcome atomic.Value // model.PollOutcome

	throttle    time.Duration
	concurrency int
	bus         *events.Bus
}

func NewController(cfg model.RateLimitConfig, bus *events.Bus) *Controller {
	c := &Controller{
		throttle:    cfg.Throttle(),
		concurrency: max(cfg.MaxConcurrency, 1),
		bus:         bus,
	}
	c.outcome.Store(model.PollIdle)
	return c
}

// Pause stops workers from claiming new entries. It reports whether the
// flag changed.
func (c *Controller) Pause() bool {
	if !c.paused.CompareAndSwap(false, true) {
		return false
	}
	c.setOutcome(model.PollPaused)
	return true
}

// Resume clears the pause flag and wakes idle workers. It reports whether
// the flag changed.
func (c *Controller) Resume() bool {
	if !c.paused.CompareAndSwap(true, false) {
		return false
	}
	c.setOutcome(model.PollResumed)
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.EventQueueResumed})
	}
	return true
}

func (c *Controller) Paused() bool {
	return c.paused.Load()
}

func (c *Controller) Throttle() time.Duration {
	return c.throttle
}

func (c *Controller) Concurrency() int {
	return c.concurrency
}

func (c *Controller) workerStarted() { c.active.Add(1) }
func (c *Controller) workerStopped() { c.active.Add(-1) }

func (c *Controller) setOutcome(o model.PollOutcome) {
	c.outcome.Store(o)
}

func (c *Controller) Outcome() model.PollOutcome {
	return c.outcome.Load().(model.PollOutcome)
}

// Status snapshots the pool. LastHeartbeat is left to the metrics document,
// which is the only liveness source.
func (c *Controller) Status() model.QueueStatus {
	return model.QueueStatus{
		Paused:          c.Paused(),
		ActiveWorkers:   int(c.active.Load()),
		ThrottleSeconds: c.throttle.Seconds(),
		MaxConcurrency:  c.concurrency,
		LastPollOutcome: c.Outcome(),
	}
}
