package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFOWithinTopic(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("system")
	for _, typ := range []string{"one", "two", "three"} {
		b.Publish("system", Event{Type: typ})
	}

	ctx := context.Background()
	for _, want := range []string{"one", "two", "three"} {
		e, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, e.Type)
		assert.Equal(t, "system", e.Topic)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.At.IsZero())
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New()
	defer b.Close()

	subA := b.Subscribe("a")
	subB := b.Subscribe("b")
	b.Publish("a", Event{Type: "for-a"})
	b.Publish("b", Event{Type: "for-b"})

	ctx := context.Background()
	e, err := subA.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "for-a", e.Type)
	e, err = subB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "for-b", e.Type)
}

func TestDisjointDeliveryAcrossConsumers(t *testing.T) {
	b := New()
	defer b.Close()

	const total = 100
	sub1 := b.Subscribe("work")
	sub2 := b.Subscribe("work")

	seen := make(chan string, total)
	var wg sync.WaitGroup
	consume := func(sub *Subscription) {
		defer wg.Done()
		ctx := context.Background()
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				return
			}
			seen <- e.ID
		}
	}
	wg.Add(2)
	go consume(sub1)
	go consume(sub2)

	// Explicit ids so delivery can be reconciled.
	published := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		id := "evt-" + strconv.Itoa(i)
		published[id] = true
		b.Publish("work", Event{ID: id})
	}

	got := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		select {
		case id := <-seen:
			assert.False(t, got[id], "event %s delivered twice", id)
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	assert.Equal(t, published, got, "every event delivered exactly once")

	b.Close()
	wg.Wait()
}

func TestNextHonorsContext(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("quiet")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// An event arriving after the abandoned wait is re-queued, not lost.
	b.Publish("quiet", Event{Type: "late"})
	e, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", e.Type)
}

func TestRequeueKeepsHeadOfQueue(t *testing.T) {
	q := newTopicQueue()
	q.push(Event{Type: "second"})
	q.push(Event{Type: "third"})

	// The path an abandoned Next takes: a drained event goes back to
	// the head, ahead of everything published since.
	q.pushFront(Event{Type: "first"})

	for _, want := range []string{"first", "second", "third"} {
		e, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, e.Type)
	}

	q.close()
	q.pushFront(Event{Type: "dropped"})
	_, ok := q.pop()
	assert.False(t, ok, "closed queue accepts nothing")
}

func TestCloseWakesConsumers(t *testing.T) {
	b := New()
	sub := b.Subscribe("system")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke on Close")
	}

	// Publish after close is dropped, and Close is idempotent.
	b.Publish("system", Event{Type: "dropped"})
	b.Close()
}
