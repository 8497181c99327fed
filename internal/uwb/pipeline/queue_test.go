package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

func drain(q *Queue) []float64 {
	var out []float64
	for {
		select {
		case s := <-q.C():
			out = append(out, s.Distance)
		default:
			return out
		}
	}
}

func TestQueue_DropOldest(t *testing.T) {
	q := NewQueue(3, PolicyDropOldest, 0)
	for i := 1; i <= 5; i++ {
		assert.True(t, q.Push(context.Background(), ranging.Sample{Distance: float64(i)}))
	}

	st := q.Stats()
	assert.Equal(t, uint64(5), st.Pushed)
	assert.Equal(t, uint64(5), st.Sent)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 3, st.Queued)
	assert.Equal(t, []float64{3, 4, 5}, drain(q))
}

func TestQueue_BlockTimesOut(t *testing.T) {
	q := NewQueue(1, PolicyBlock, 10*time.Millisecond)
	require.True(t, q.Push(context.Background(), ranging.Sample{Distance: 1}))

	start := time.Now()
	assert.False(t, q.Push(context.Background(), ranging.Sample{Distance: 2}))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, uint64(1), q.Stats().Dropped)
	assert.Equal(t, []float64{1}, drain(q))
}

func TestQueue_BlockWaitsForConsumer(t *testing.T) {
	q := NewQueue(1, PolicyBlock, time.Second)
	require.True(t, q.Push(context.Background(), ranging.Sample{Distance: 1}))

	go func() {
		time.Sleep(5 * time.Millisecond)
		<-q.C()
	}()
	assert.True(t, q.Push(context.Background(), ranging.Sample{Distance: 2}))
	assert.Equal(t, []float64{2}, drain(q))
	assert.Zero(t, q.Stats().Dropped)
}

func TestQueue_BlockHonoursCancel(t *testing.T) {
	q := NewQueue(1, PolicyBlock, time.Hour)
	q.Push(context.Background(), ranging.Sample{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, q.Push(ctx, ranging.Sample{}))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyDropOldest, "drop_oldest": PolicyDropOldest, "block": PolicyBlock} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("drop_newest")
	assert.Error(t, err)
}
