package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySnapshot(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"a", "b", "c"} {
		e.negotiator(t, id, &signalRecorder{}, &recordObserver{}, time.Hour)
	}

	assert.Equal(t, 3, e.registry.Len())

	seen := make(map[string]Transport)
	for _, st := range e.registry.Snapshot() {
		seen[st.ID] = st.Transport
	}
	assert.Equal(t, map[string]Transport{
		"a": TransportIdle,
		"b": TransportIdle,
		"c": TransportIdle,
	}, seen)
}

func TestRegistryCloseAll(t *testing.T) {
	e := newEnv(t)
	recs := make(map[string]*signalRecorder)
	for _, id := range []string{"a", "b"} {
		recs[id] = &signalRecorder{}
		n := e.negotiator(t, id, recs[id], &recordObserver{}, time.Hour)
		require.NoError(t, n.Start())
	}

	e.registry.CloseAll("shutting down")

	assert.Equal(t, 0, e.registry.Len())
	for id, rec := range recs {
		require.Eventually(t, func() bool { return len(rec.closedReasons()) == 1 },
			time.Second, 5*time.Millisecond, "session %s", id)
		assert.Equal(t, []string{"shutting down"}, rec.closedReasons())
	}
}
