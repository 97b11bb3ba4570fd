package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/heimdall/internal/events"
	"github.com/msageha/heimdall/internal/model"
)

func TestController_PauseResume(t *testing.T) {
	bus := events.NewBus(4)
	defer bus.Close()
	resumed := make(chan struct{}, 1)
	bus.Subscribe(events.EventQueueResumed, func(events.Event) { resumed <- struct{}{} })

	c := NewController(model.RateLimitConfig{MaxConcurrency: 2, ThrottleSeconds: 1.5}, bus)
	assert.False(t, c.Paused())
	assert.Equal(t, model.PollIdle, c.Outcome())

	assert.True(t, c.Pause())
	assert.False(t, c.Pause(), "second pause is a no-op")
	assert.True(t, c.Paused())
	assert.Equal(t, model.PollPaused, c.Outcome())

	assert.True(t, c.Resume())
	assert.False(t, c.Resume())
	assert.Equal(t, model.PollResumed, c.Outcome())

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("resume was not published")
	}
}

func TestController_Status(t *testing.T) {
	c := NewController(model.RateLimitConfig{MaxConcurrency: 3, ThrottleSeconds: 0.5}, nil)
	c.workerStarted()
	c.workerStarted()
	c.workerStopped()
	c.Pause()

	got := c.Status()
	assert.Equal(t, model.QueueStatus{
		Paused:          true,
		ActiveWorkers:   1,
		ThrottleSeconds: 0.5,
		MaxConcurrency:  3,
		LastPollOutcome: model.PollPaused,
	}, got)
	assert.Equal(t, 500*time.Millisecond, c.Throttle())
}

func TestController_ConcurrencyAtLeastOne(t *testing.T) {
	c := NewController(model.RateLimitConfig{}, nil)
	assert.Equal(t, 1, c.Concurrency())
}
