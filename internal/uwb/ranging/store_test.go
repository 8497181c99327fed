package ranging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

func TestWindow_Eviction(t *testing.T) {
	const k = 5
	w := NewWindow(k)
	for i := 1; i <= k+3; i++ {
		w.Push(Sample{Anchor: 2, Distance: float64(i)})
	}

	require.Equal(t, k, w.Len())
	assert.Equal(t, []float64{4, 5, 6, 7, 8}, w.Distances())

	latest, ok := w.Latest()
	require.True(t, ok)
	assert.Equal(t, 8.0, latest.Distance)
}

func TestWindow_PartialFill(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultWindowSize, w.Cap())

	_, ok := w.Latest()
	assert.False(t, ok)

	w.Push(Sample{Distance: 1})
	w.Push(Sample{Distance: 2})
	assert.Equal(t, []float64{1, 2}, w.Distances())
	assert.Len(t, w.Samples(), 2)
}

func TestStore_LatestAbsent(t *testing.T) {
	s := NewStore(StoreConfig{})
	_, ok := s.Latest(0x0002)
	assert.False(t, ok)
	assert.Nil(t, s.Window(0x0002))
}

func TestStore_UpdateAndSnapshot(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	s := NewStore(StoreConfig{WindowSize: 3, Clock: clock})

	s.Update(0x0002, 120)
	s.Update(0x0002, 125)
	s.Update(0x0003, 90)

	latest, ok := s.Latest(0x0002)
	require.True(t, ok)
	assert.Equal(t, 125.0, latest.Distance)
	assert.Equal(t, time.Unix(100, 0), latest.Time)
	assert.Equal(t, uint64(2), latest.Seq)

	snap := s.Snapshot([]AnchorID{0x0004, 0x0003, 0x0002, 0x0002})
	require.Len(t, snap, 2)
	assert.Equal(t, 125.0, snap[0x0002].Distance)
	assert.Equal(t, 90.0, snap[0x0003].Distance)
	assert.NotContains(t, snap, AnchorID(0x0004))

	assert.Equal(t, []AnchorID{0x0002, 0x0003}, s.Anchors())
}

func TestStore_MaxAgeHidesStaleSamples(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := NewStore(StoreConfig{MaxAge: 2 * time.Second, Clock: clock})

	s.Update(0x0002, 100)
	clock.Advance(time.Second)
	s.Update(0x0003, 200)
	clock.Advance(1500 * time.Millisecond)

	_, ok := s.Latest(0x0002)
	assert.False(t, ok, "sample older than MaxAge should be hidden")

	snap := s.Snapshot([]AnchorID{0x0002, 0x0003})
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, AnchorID(0x0003))

	// the stale sample is still in the window for diagnostics
	assert.Len(t, s.Window(0x0002), 1)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := NewStore(StoreConfig{WindowSize: 4})
	ids := []AnchorID{2, 3, 4, 5}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id AnchorID) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Update(id, float64(i))
			}
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			for id, sample := range s.Snapshot(ids) {
				if sample.Anchor != id {
					t.Errorf("snapshot key %v holds sample for %v", id, sample.Anchor)
					return
				}
			}
		}
	}()
	wg.Wait()

	for _, id := range ids {
		latest, ok := s.Latest(id)
		require.True(t, ok)
		assert.Equal(t, 499.0, latest.Distance)
		assert.Len(t, s.Window(id), 4)
	}
}

func TestAnchorID_ParseAndFormat(t *testing.T) {
	tests := []struct {
		in   string
		want AnchorID
	}{
		{"0x0002", 2},
		{"0X00ff", 255},
		{"1A", 26},
		{" 3 ", 3},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAnchorID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAnchorID("0xZZ")
	assert.Error(t, err)
	_, err = ParseAnchorID("")
	assert.Error(t, err)

	assert.Equal(t, "0x0002", AnchorID(2).String())
	b, err := AnchorID(0x1234).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0x1234", string(b))
}
