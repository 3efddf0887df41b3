package registry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/exchange/events"
	"github.com/dataparency-dev/exchange/types"
)

type fakeSession struct{ closed bool }

func (f *fakeSession) Close() error { f.closed = true; return nil }

func TestRegisterReplacesExistingSession(t *testing.T) {
	r := New(time.Minute, events.New(zerolog.Nop()), zerolog.Nop())
	old := &fakeSession{}
	r.Register(old, types.RegisterFrame{AgentID: "a1", Capabilities: types.Capabilities{MaxConcurrent: 2}})

	next := &fakeSession{}
	r.Register(next, types.RegisterFrame{AgentID: "a1", Capabilities: types.Capabilities{MaxConcurrent: 2}})

	assert.True(t, old.closed)
	assert.False(t, next.closed)
}

func TestCanAcceptTaskRespectsConcurrencyCap(t *testing.T) {
	r := New(time.Minute, events.New(zerolog.Nop()), zerolog.Nop())
	r.Register(&fakeSession{}, types.RegisterFrame{AgentID: "a1", Capabilities: types.Capabilities{MaxConcurrent: 1}})
	assert.True(t, r.CanAcceptTask("a1"))

	r.IncrementTaskCount("a1")
	assert.False(t, r.CanAcceptTask("a1"))

	r.DecrementTaskCount("a1")
	assert.True(t, r.CanAcceptTask("a1"))
}

func TestDecrementNeverGoesNegative(t *testing.T) {
	r := New(time.Minute, events.New(zerolog.Nop()), zerolog.Nop())
	r.Register(&fakeSession{}, types.RegisterFrame{AgentID: "a1", Capabilities: types.Capabilities{MaxConcurrent: 1}})
	r.DecrementTaskCount("a1")
	rec, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 0, rec.CurrentTasks)
}

func TestUnregisterClosesSessionAndRemovesRecord(t *testing.T) {
	r := New(time.Minute, events.New(zerolog.Nop()), zerolog.Nop())
	sess := &fakeSession{}
	r.Register(sess, types.RegisterFrame{AgentID: "a1"})
	r.Unregister("a1", "test")
	assert.True(t, sess.closed)
	_, ok := r.Get("a1")
	assert.False(t, ok)
}

func TestCheckHealthMarksStaleAgentsUnhealthy(t *testing.T) {
	bus := events.New(zerolog.Nop())
	unhealthy := make(chan struct{}, 1)
	bus.Subscribe(events.AgentUnhealthy, func(events.Event) { unhealthy <- struct{}{} })

	r := New(10*time.Millisecond, bus, zerolog.Nop())
	r.Register(&fakeSession{}, types.RegisterFrame{AgentID: "a1", Capabilities: types.Capabilities{MaxConcurrent: 1}})
	time.Sleep(20 * time.Millisecond)
	r.CheckHealth()

	select {
	case <-unhealthy:
	case <-time.After(time.Second):
		t.Fatal("expected agent:unhealthy to be published")
	}
	rec, ok := r.Get("a1")
	require.True(t, ok)
	assert.False(t, rec.Healthy)
	assert.False(t, r.CanAcceptTask("a1"))
}

func TestFindByCapabilityReturnsEveryConnectedAgentRegardlessOfRequired(t *testing.T) {
	r := New(time.Minute, events.New(zerolog.Nop()), zerolog.Nop())
	r.Register(&fakeSession{}, types.RegisterFrame{AgentID: "a1", Categories: []string{"translation"}})
	r.Register(&fakeSession{}, types.RegisterFrame{AgentID: "a2", Categories: []string{"summarization"}})

	found := r.FindByCapability([]string{"translation"})
	assert.Len(t, found, 2)
}
