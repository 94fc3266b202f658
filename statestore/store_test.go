package statestore_test

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/testutil"
	"github.com/c360/homecore/types"
)

var kitchen = types.MustParseEntityID("light.kitchen")

func newStore(t *testing.T) (*statestore.Store, *testutil.EventCapture, *testutil.FakeClock) {
	t.Helper()
	events := testutil.NewEventCapture()
	clk := testutil.NewFakeClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	return statestore.New(events, statestore.WithClock(clk.Now)), events, clk
}

func TestStore_IdempotentReporting(t *testing.T) {
	store, events, clk := newStore(t)
	attrs := types.NewAttributes("brightness", 200)

	first, err := store.Set(kitchen, "on", attrs, nil)
	require.NoError(t, err)
	require.Equal(t, 1, events.Count(types.EventStateChanged))

	clk.Advance(5 * time.Second)
	events.Reset()

	second, err := store.Set(kitchen, "on", types.NewAttributes("brightness", 200.0), nil)
	require.NoError(t, err)

	assert.Equal(t, first.LastChanged, second.LastChanged)
	assert.Equal(t, first.LastUpdated, second.LastUpdated)
	assert.Equal(t, first.LastReported.Add(5*time.Second), second.LastReported)
	assert.Equal(t, 1, events.Count(types.EventStateReported))
	assert.Equal(t, 0, events.Count(types.EventStateChanged))

	reported := events.Events(types.EventStateReported)[0].Data.(types.StateReportedData)
	assert.Equal(t, first.LastReported, reported.OldLastReported)
	assert.Same(t, second, store.Get(kitchen))
}

func TestStore_TimestampsOnChange(t *testing.T) {
	store, events, clk := newStore(t)

	first, err := store.Set(kitchen, "on", types.Attributes{}, nil)
	require.NoError(t, err)

	clk.Advance(time.Second)
	attrChange, err := store.Set(kitchen, "on", types.NewAttributes("brightness", 10), nil)
	require.NoError(t, err)
	assert.Equal(t, first.LastChanged, attrChange.LastChanged, "attribute change keeps last_changed")
	assert.True(t, attrChange.LastUpdated.After(first.LastUpdated))

	clk.Advance(time.Second)
	valueChange, err := store.Set(kitchen, "off", types.Attributes{}, nil)
	require.NoError(t, err)
	assert.True(t, valueChange.LastChanged.After(first.LastChanged))
	assert.False(t, valueChange.LastReported.Before(valueChange.LastUpdated))
	assert.False(t, valueChange.LastUpdated.Before(valueChange.LastChanged))

	changed := events.Events(types.EventStateChanged)
	require.Len(t, changed, 3)
	data := changed[2].Data.(types.StateChangedData)
	assert.Same(t, attrChange, data.OldState)
	assert.Same(t, valueChange, data.NewState)
}

func TestStore_ForceUpdate(t *testing.T) {
	store, events, clk := newStore(t)

	first, err := store.Set(kitchen, "on", types.Attributes{}, nil)
	require.NoError(t, err)
	clk.Advance(time.Second)

	forced, err := store.Set(kitchen, "on", types.Attributes{}, nil, statestore.ForceUpdate())
	require.NoError(t, err)
	assert.True(t, forced.LastChanged.After(first.LastChanged))
	assert.Equal(t, 2, events.Count(types.EventStateChanged))
	assert.Equal(t, 0, events.Count(types.EventStateReported))
}

func TestStore_LengthClamp(t *testing.T) {
	store, _, _ := newStore(t)

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"exactly max ascii", strings.Repeat("a", types.MaxStateLength), strings.Repeat("a", types.MaxStateLength)},
		{"one over max", strings.Repeat("a", types.MaxStateLength+1), types.StateUnknown},
		{"multibyte at max", strings.Repeat("é", types.MaxStateLength), strings.Repeat("é", types.MaxStateLength)},
		{"multibyte over max", strings.Repeat("日", types.MaxStateLength+1), types.StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := store.Set(kitchen, tt.value, types.Attributes{}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Value)
			assert.Equal(t, tt.want, store.Get(kitchen).Value)
		})
	}
}

func TestStore_RejectsZeroID(t *testing.T) {
	store, _, _ := newStore(t)
	_, err := store.Set(types.EntityID{}, "on", types.Attributes{}, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidEntityID)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_ContextThreading(t *testing.T) {
	store, events, _ := newStore(t)

	st, err := store.Set(kitchen, "on", types.Attributes{}, nil)
	require.NoError(t, err)
	require.NotNil(t, st.Context, "nil context replaced by a root context")

	ctx := types.NewUserContext("alice")
	st, err = store.Set(kitchen, "off", types.Attributes{}, ctx)
	require.NoError(t, err)
	assert.Same(t, ctx, st.Context)
	assert.Same(t, ctx, events.Events(types.EventStateChanged)[1].Context)
}

func TestStore_Remove(t *testing.T) {
	store, events, _ := newStore(t)

	_, err := store.Set(kitchen, "on", types.Attributes{}, nil)
	require.NoError(t, err)

	old := store.Remove(kitchen, nil)
	require.NotNil(t, old)
	assert.Equal(t, "on", old.Value)
	assert.Nil(t, store.Get(kitchen))
	assert.Empty(t, store.EntityIDs("light"))
	assert.Nil(t, store.Remove(kitchen, nil), "second remove is a no-op")

	changed := events.Events(types.EventStateChanged)
	require.Len(t, changed, 2)
	data := changed[1].Data.(types.StateChangedData)
	assert.Same(t, old, data.OldState)
	assert.Nil(t, data.NewState)

	again, err := store.Set(kitchen, "off", types.Attributes{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "off", again.Value)
	assert.Nil(t, events.Events(types.EventStateChanged)[2].Data.(types.StateChangedData).OldState)
}

func TestStore_QueriesAndSnapshot(t *testing.T) {
	store, _, _ := newStore(t)

	for _, raw := range []string{"light.kitchen", "light.hallway", "switch.fan", "sensor.temp"} {
		_, err := store.Set(types.MustParseEntityID(raw), "on", types.Attributes{}, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"light", "sensor", "switch"}, store.Domains())
	assert.Equal(t, []types.EntityID{
		types.MustParseEntityID("light.hallway"),
		types.MustParseEntityID("light.kitchen"),
	}, store.EntityIDs("light"))
	assert.Len(t, store.DomainStates("light"), 2)
	assert.Len(t, store.AllEntityIDs(), 4)
	assert.Len(t, store.All(), 4)
	assert.Equal(t, 4, store.Count())
	assert.True(t, store.IsState(kitchen, "on"))
	assert.False(t, store.IsState(types.MustParseEntityID("light.none"), "on"))

	view := store.Snapshot()
	_, err := store.Set(kitchen, "off", types.Attributes{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "on", view.Get(kitchen).Value, "snapshot is not affected by later writes")
	assert.Equal(t, "off", store.Get(kitchen).Value)
	assert.Equal(t, 4, view.Len())
	assert.Len(t, view.EntityIDs("light"), 2)
}

func TestStore_DomainIndexConsistency(t *testing.T) {
	store, _, _ := newStore(t)
	rng := rand.New(rand.NewSource(42))

	domains := []string{"light", "switch", "sensor"}
	var ids []types.EntityID
	for _, d := range domains {
		for i := 0; i < 10; i++ {
			ids = append(ids, types.MustParseEntityID(fmt.Sprintf("%s.e%d", d, i)))
		}
	}

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]
		if rng.Intn(3) == 0 {
			store.Remove(id, nil)
		} else {
			_, err := store.Set(id, fmt.Sprint(rng.Intn(3)), types.Attributes{}, nil)
			require.NoError(t, err)
		}
	}

	all := store.All()
	for _, d := range domains {
		var want []types.EntityID
		for _, st := range all {
			if st.EntityID.Domain() == d {
				want = append(want, st.EntityID)
			}
		}
		got := store.EntityIDs(d)
		if len(want) == 0 {
			assert.Empty(t, got, d)
			continue
		}
		assert.Equal(t, want, got, d)
	}
	assert.Equal(t, len(all), store.Count())
}

func TestStore_ConcurrentWritersSameEntity(t *testing.T) {
	events := testutil.NewEventCapture()
	store := statestore.New(events)

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Set(kitchen, fmt.Sprintf("%d-%d", w, i), types.Attributes{}, nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	// Per-entity writes are serialized: every event's old state is the
	// previous event's new state.
	changed := events.Events(types.EventStateChanged)
	require.Len(t, changed, writers*perWriter)
	var prev *types.State
	for _, e := range changed {
		data := e.Data.(types.StateChangedData)
		assert.Same(t, prev, data.OldState)
		prev = data.NewState
	}
	assert.Same(t, prev, store.Get(kitchen))
}

func TestStore_ConcurrentDifferentEntities(t *testing.T) {
	store := statestore.New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.MustParseEntityID(fmt.Sprintf("sensor.s%d", i))
			for j := 0; j < 20; j++ {
				_, err := store.Set(id, fmt.Sprint(j), types.Attributes{}, nil)
				assert.NoError(t, err)
				_ = store.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, store.Count())
	assert.Len(t, store.EntityIDs("sensor"), 50)
}
