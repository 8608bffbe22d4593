package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_JoinAndLeave(t *testing.T) {
	hub := NewHub(nil)

	v1, err := hub.Join(Member{ID: "n1"})
	require.NoError(t, err)
	rec := &recorder{}
	initial, unsubscribe := v1.Subscribe(rec)
	defer unsubscribe()
	assert.Equal(t, []string{"n1"}, initial.IDs())

	v2, err := hub.Join(Member{ID: "n2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, v2.Members().IDs())

	_, err = hub.Join(Member{ID: "n2"})
	assert.Error(t, err, "duplicate join must fail")
	_, err = hub.Join(Member{})
	assert.Error(t, err, "empty ID must fail")

	require.NoError(t, v2.Leave())
	assert.Error(t, hub.Leave("n2"), "second leave must fail")

	events := rec.waitFor(t, 2)
	assert.Equal(t, MemberAdded, events[0].Type)
	assert.Equal(t, "n2", events[0].Member.ID)
	assert.Equal(t, 2, events[0].Members.Len())
	assert.Equal(t, MemberRemoved, events[1].Type)
	assert.Equal(t, []string{"n1"}, events[1].Members.IDs())
	assert.Equal(t, []string{"n1"}, hub.Members().IDs())
}

func TestHub_SetAttribute(t *testing.T) {
	hub := NewHub(nil)
	v1, err := hub.Join(Member{ID: "n1"})
	require.NoError(t, err)
	v2, err := hub.Join(Member{ID: "n2"})
	require.NoError(t, err)

	rec := &recorder{}
	_, unsubscribe := v1.Subscribe(rec)
	defer unsubscribe()

	require.NoError(t, v2.SetAttribute("zone", "eu-1"))
	assert.Error(t, hub.SetAttribute("missing", "k", "v"))

	events := rec.waitFor(t, 1)
	ev := events[0]
	assert.Equal(t, MemberAttributeChanged, ev.Type)
	assert.Equal(t, "zone", ev.Key)
	assert.Equal(t, "eu-1", ev.Value)
	m, ok := ev.Members.Get("n2")
	require.True(t, ok)
	assert.Equal(t, "eu-1", m.Attributes["zone"])
}

func TestHub_PartitionAndHeal(t *testing.T) {
	hub := NewHub(nil)
	views := make(map[string]*HubMember)
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		v, err := hub.Join(Member{ID: id})
		require.NoError(t, err)
		views[id] = v
	}

	minority := &recorder{}
	_, unsubscribe := views["n1"].Subscribe(minority)
	defer unsubscribe()

	hub.Partition([]string{"n1", "n2"}, []string{"n3", "n4", "n5"})

	assert.Equal(t, []string{"n1", "n2"}, views["n1"].Members().IDs())
	assert.Equal(t, []string{"n1", "n2"}, views["n2"].Members().IDs())
	assert.Equal(t, []string{"n3", "n4", "n5"}, views["n4"].Members().IDs())
	assert.Equal(t, 5, hub.Members().Len())

	events := minority.waitFor(t, 3)
	for _, ev := range events {
		assert.Equal(t, MemberRemoved, ev.Type)
	}
	assert.Equal(t, 2, events[2].Members.Len())

	hub.Heal()
	assert.Equal(t, []string{"n1", "n2", "n3", "n4", "n5"}, views["n1"].Members().IDs())
	events = minority.waitFor(t, 6)
	for _, ev := range events[3:] {
		assert.Equal(t, MemberAdded, ev.Type)
	}
}

func TestHub_JoinDuringPartitionSeesOnlyDefaultGroup(t *testing.T) {
	hub := NewHub(nil)
	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := hub.Join(Member{ID: id})
		require.NoError(t, err)
	}
	hub.Partition([]string{"n1"})

	v4, err := hub.Join(Member{ID: "n4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2", "n3", "n4"}, v4.Members().IDs())
}
