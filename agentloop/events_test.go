package agentloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterDeliversInOrder(t *testing.T) {
	e := NewEventEmitter("trace", 4)
	e.Emit(EventRunStart, 0, nil)
	e.Emit(EventRoundStart, 1, map[string]interface{}{"phase": "executing"})
	e.Close()

	var kinds []EventKind
	for ev := range e.Events() {
		assert.Equal(t, "trace", ev.TraceID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRunStart, EventRoundStart}, kinds)
}

func TestEventEmitterResyncsAfterDrops(t *testing.T) {
	e := NewEventEmitter("trace", 2)
	e.SetSnapshotFunc(func() Snapshot { return Snapshot{TraceID: "trace", Round: 7, State: StateRunning} })

	e.Emit(EventRoundStart, 1, nil)
	e.Emit(EventRoundEnd, 1, nil)
	e.Emit(EventTokenUsage, 1, nil)
	e.Emit(EventWarning, 1, nil)
	assert.Equal(t, 2, e.Dropped())

	<-e.Events()
	<-e.Events()

	e.Emit(EventRoundStart, 8, nil)
	resync := <-e.Events()
	require.Equal(t, EventResync, resync.Kind)
	assert.Equal(t, 7, resync.Round)
	assert.Equal(t, 2, resync.Data["dropped"])
	snap, ok := resync.Data["snapshot"].(Snapshot)
	require.True(t, ok)
	assert.Equal(t, StateRunning, snap.State)

	next := <-e.Events()
	assert.Equal(t, EventRoundStart, next.Kind)
	assert.Equal(t, 0, e.Dropped())
	e.Close()
}

func TestEventEmitterCloseIsIdempotent(t *testing.T) {
	e := NewEventEmitter("trace", 1)
	e.Close()
	e.Close()
	e.Emit(EventRunEnd, 0, nil)
	_, ok := <-e.Events()
	assert.False(t, ok)
}

func TestEventEmitterSnapshotWithoutSource(t *testing.T) {
	e := NewEventEmitter("trace", 1)
	assert.Equal(t, Snapshot{TraceID: "trace"}, e.Snapshot())
}
