package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/bamsammich/stratus/internal/event"
	"github.com/bamsammich/stratus/internal/task"
)

type subscriber struct {
	ch chan event.Event
}

// Subscribe returns the status stream of a task and a function that ends
// the subscription. The channel is closed when the task's run ends in this
// process. Progress events may be dropped for slow readers; the final
// event of a run never is.
func (c *Coordinator) Subscribe(id task.ID) (<-chan event.Event, func()) {
	sub := &subscriber{ch: make(chan event.Event, subscriberBuffer)}

	c.mu.Lock()
	set, ok := c.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		c.subs[id] = set
	}
	set[sub] = struct{}{}
	c.mu.Unlock()

	return sub.ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id][sub]; ok {
			delete(c.subs[id], sub)
			close(sub.ch)
		}
	}
}

func (c *Coordinator) publish(ev event.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	level := slog.LevelDebug
	if ev.Final() {
		level = slog.LevelInfo
	}
	c.logger.LogAttrs(context.Background(), level, "stratus.event", ev.Attrs()...)

	if c.cfg.Events != nil {
		select {
		case c.cfg.Events <- ev:
		default:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[ev.TaskID] {
		sendDropOldest(sub.ch, ev)
	}
}

// sendDropOldest delivers ev, discarding the oldest buffered event when the
// subscriber is full. Callers hold the coordinator lock, so no other
// sender races for the freed slot.
func sendDropOldest(ch chan event.Event, ev event.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *Coordinator) closeSubscribers(id task.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[id] {
		close(sub.ch)
	}
	delete(c.subs, id)
}
