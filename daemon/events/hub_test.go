package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishSubscribeOrdered(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	hub := NewHub(8)
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(Event{ID: fmt.Sprint(i), Event: "stream-start"})
	}
	for i := 0; i < 5; i++ {
		ev, skipped, err := sub.Next(ctx)
		c.Assert(err, qt.IsNil)
		c.Assert(skipped, qt.Equals, uint64(0))
		c.Assert(ev.ID, qt.Equals, fmt.Sprint(i))
	}
}

func TestSubscribeStartsAtHead(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	hub := NewHub(8)
	hub.Publish(Event{ID: "before"})

	sub := hub.Subscribe()
	defer sub.Close()
	hub.Publish(Event{ID: "after"})

	ev, skipped, err := sub.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(skipped, qt.Equals, uint64(0))
	c.Assert(ev.ID, qt.Equals, "after")
}

func TestPublishNeverBlocksWithoutReaders(t *testing.T) {
	c := qt.New(t)

	hub := NewHub(16)
	sub := hub.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far beyond capacity, with the subscriber never reading.
		for i := 0; i < 1000; i++ {
			hub.Publish(Event{ID: fmt.Sprint(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("publish blocked on a slow subscriber")
	}
}

func TestLaggedSubscriberSkipsAndContinues(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	hub := NewHub(4)
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		hub.Publish(Event{ID: fmt.Sprint(i)})
	}

	// Only the newest 4 events survive; the jump is reported once.
	ev, skipped, err := sub.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(skipped, qt.Equals, uint64(6))
	c.Assert(ev.ID, qt.Equals, "6")

	for i := 7; i < 10; i++ {
		ev, skipped, err = sub.Next(ctx)
		c.Assert(err, qt.IsNil)
		c.Assert(skipped, qt.Equals, uint64(0))
		c.Assert(ev.ID, qt.Equals, fmt.Sprint(i))
	}

	// And delivery keeps working after the lag.
	hub.Publish(Event{ID: "10"})
	ev, _, err = sub.Next(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(ev.ID, qt.Equals, "10")
}

func TestNextHonorsContext(t *testing.T) {
	c := qt.New(t)

	hub := NewHub(4)
	sub := hub.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := sub.Next(ctx)
	c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)
}

func TestClosedSubscription(t *testing.T) {
	c := qt.New(t)

	hub := NewHub(4)
	sub := hub.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	_, _, err := sub.Next(context.Background())
	c.Assert(err, qt.ErrorIs, ErrClosed)
}
