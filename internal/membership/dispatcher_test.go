package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversInPublishOrder(t *testing.T) {
	d := NewDispatcher(Member{ID: "n1"}, NewSnapshot(Member{ID: "n1"}), nil)
	defer d.Close()

	rec := &recorder{}
	initial, unsubscribe := d.Subscribe(rec)
	defer unsubscribe()
	assert.Equal(t, []string{"n1"}, initial.IDs())

	members := []Member{{ID: "n1"}}
	for i := 2; i <= 50; i++ {
		m := Member{ID: fmt.Sprintf("n%d", i)}
		members = append(members, m)
		d.Publish(Event{Type: MemberAdded, Member: m, Members: NewSnapshot(members...)})
	}

	events := rec.waitFor(t, 49)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("n%d", i+2), ev.Member.ID)
		assert.Equal(t, i+2, ev.Members.Len())
		assert.False(t, ev.At.IsZero())
	}
	assert.Equal(t, 50, d.Members().Len())
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(Member{ID: "n1"}, Snapshot{}, nil)
	defer d.Close()

	rec := &recorder{}
	_, unsubscribe := d.Subscribe(rec)

	d.Publish(Event{Type: MemberAdded, Member: Member{ID: "n2"}})
	rec.waitFor(t, 1)

	unsubscribe()
	unsubscribe() // idempotent
	d.Publish(Event{Type: MemberAdded, Member: Member{ID: "n3"}})

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

type panicky struct{ recorder }

func (p *panicky) MemberAdded(ev Event) {
	if ev.Member.ID == "bad" {
		panic("listener failure")
	}
	p.add(ev)
}

func TestDispatcher_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	d := NewDispatcher(Member{ID: "n1"}, Snapshot{}, nil)
	defer d.Close()

	l := &panicky{}
	_, unsubscribe := d.Subscribe(l)
	defer unsubscribe()

	d.Publish(Event{Type: MemberAdded, Member: Member{ID: "bad"}})
	d.Publish(Event{Type: MemberAdded, Member: Member{ID: "good"}})

	events := l.waitFor(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].Member.ID)
}

func TestDispatcher_SubscribeAfterClose(t *testing.T) {
	d := NewDispatcher(Member{ID: "n1"}, NewSnapshot(Member{ID: "n1"}), nil)
	d.Close()

	rec := &recorder{}
	snap, unsubscribe := d.Subscribe(rec)
	unsubscribe()
	d.Publish(Event{Type: MemberAdded, Member: Member{ID: "n2"}})

	assert.Equal(t, 1, snap.Len())
	assert.Empty(t, rec.snapshot())
}

func TestSnapshot_IsImmutable(t *testing.T) {
	attrs := map[string]string{"zone": "a"}
	snap := NewSnapshot(Member{ID: "n1", Attributes: attrs})

	attrs["zone"] = "b"
	m := snap.At(0)
	assert.Equal(t, "a", m.Attributes["zone"])

	m.Attributes["zone"] = "c"
	got, ok := snap.Get("n1")
	require.True(t, ok)
	v, _ := got.Attribute("zone")
	assert.Equal(t, "a", v)
	assert.True(t, snap.Contains("n1"))
	assert.False(t, snap.Contains("n2"))
	assert.Equal(t, "[n1]", snap.String())
}
