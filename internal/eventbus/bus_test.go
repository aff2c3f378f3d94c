package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: ScheduleFailed, Data: ScheduleData{ScheduleID: 3}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != ScheduleFailed || e.Time.IsZero() {
			t.Fatalf("event=%+v", e)
		}
		if d, ok := e.Data.(ScheduleData); !ok || d.ScheduleID != 3 {
			t.Fatalf("data=%+v", e.Data)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
