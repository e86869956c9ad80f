package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestBroadcaster_DeliversToAllLocalSessions(t *testing.T) {
	t.Parallel()

	b := mustBroadcaster(t, NewMemoryRelay())

	sessions := []*Session{
		NewSession("s1", false, 0, 8),
		NewSession("s2", false, 0, 8),
		NewSession("s3", false, 0, 8),
	}
	for _, s := range sessions {
		b.Attach(s)
	}

	b.PublishToAll(context.Background(), 1, "hi")

	for _, s := range sessions {
		got := recvMessage(t, s)
		if got.Seq != 1 || got.Payload != "hi" {
			t.Fatalf("session %s: got %+v", s.ID, got)
		}
	}
}

func TestBroadcaster_CrossWorkerFanOutViaRelay(t *testing.T) {
	t.Parallel()

	// Two broadcasters on one relay model two worker processes sharing a
	// broadcast domain.
	relay := NewMemoryRelay()
	workerA := mustBroadcaster(t, relay)
	workerB := mustBroadcaster(t, relay)

	local := NewSession("on-a", false, 0, 8)
	remote := NewSession("on-b", false, 0, 8)
	workerA.Attach(local)
	workerB.Attach(remote)

	workerA.PublishToAll(context.Background(), 7, "spanning")

	for _, s := range []*Session{local, remote} {
		got := recvMessage(t, s)
		if got.Seq != 7 || got.Payload != "spanning" {
			t.Fatalf("session %s: got %+v", s.ID, got)
		}
		// Exactly once: the publishing worker must skip its own relay echo.
		expectNoMessage(t, s)
	}
}

func TestBroadcaster_DetachedSessionNotDelivered(t *testing.T) {
	t.Parallel()

	b := mustBroadcaster(t, NewMemoryRelay())

	gone := NewSession("gone", false, 0, 8)
	live := NewSession("live", false, 0, 8)
	b.Attach(gone)
	b.Attach(live)
	b.Detach("gone")

	select {
	case <-gone.Done():
	case <-time.After(time.Second):
		t.Fatal("detach did not close session")
	}

	b.PublishToAll(context.Background(), 1, "hi")

	if got := recvMessage(t, live); got.Seq != 1 {
		t.Fatalf("live session: got %+v", got)
	}
	expectNoMessage(t, gone)
}

func TestBroadcaster_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := mustBroadcaster(t, NewMemoryRelay())

	slow := NewSession("slow", false, 0, 1)
	b.Attach(slow)

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.PublishToAll(ctx, 1, "first")
		b.PublishToAll(ctx, 2, "second") // queue full: must drop, not block
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out blocked on a full session queue")
	}

	if got := recvMessage(t, slow); got.Seq != 1 {
		t.Fatalf("got %+v, want seq=1", got)
	}
	expectNoMessage(t, slow)
}

func TestBroadcaster_RelayEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	relay := NewMemoryRelay()
	publisher := mustBroadcaster(t, relay)
	receiver := mustBroadcaster(t, relay)

	s := NewSession("r1", false, 0, 8)
	receiver.Attach(s)

	// Payload must cross the relay verbatim, including non-ASCII content.
	const payload = `{"nested":"json"} ünïcode`
	publisher.PublishToAll(context.Background(), 42, payload)

	got := recvMessage(t, s)
	if got.Seq != 42 || got.Payload != payload {
		t.Fatalf("got %+v", got)
	}
}
