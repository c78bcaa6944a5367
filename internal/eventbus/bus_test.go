package eventbus

import "testing"

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	relayCh, unsubRelay := b.Subscribe(4, "relay.")
	allCh, unsubAll := b.Subscribe(4)
	defer unsubRelay()
	defer unsubAll()

	b.Publish(Event{Type: RelaySent, Data: Delivery{MessageID: "1"}})
	b.Publish(Event{Type: ArchiveAppended})

	if got := len(relayCh); got != 1 {
		t.Fatalf("relay subscriber got %d events, want 1", got)
	}
	if got := len(allCh); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	e := <-relayCh
	if d, ok := e.Data.(Delivery); !ok || d.MessageID != "1" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RelaySent})
	b.Publish(Event{Type: RelaySent})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: RelayFailed})
}
