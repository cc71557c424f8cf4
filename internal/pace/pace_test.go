package pace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_StaysInRange(t *testing.T) {
	p := NewFixed(7, (&Recorder{}).Sleep)
	r := Range{Min: time.Second, Max: 3 * time.Second}

	for i := 0; i < 500; i++ {
		d := p.Duration(r)
		assert.GreaterOrEqual(t, d, r.Min)
		assert.LessOrEqual(t, d, r.Max)
	}
}

func TestDuration_DegenerateRange(t *testing.T) {
	p := NewFixed(1, (&Recorder{}).Sleep)
	assert.Equal(t, 2*time.Second, p.Duration(Range{Min: 2 * time.Second, Max: time.Second}))
}

func TestNewFixed_IsDeterministic(t *testing.T) {
	r := Range{Min: 0, Max: time.Hour}
	a := NewFixed(42, (&Recorder{}).Sleep)
	b := NewFixed(42, (&Recorder{}).Sleep)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Duration(r), b.Duration(r))
	}
}

func TestSleep_SkipsNonPositive(t *testing.T) {
	rec := &Recorder{}
	p := NewFixed(1, rec.Sleep)
	require.NoError(t, p.Sleep(context.Background(), 0))
	require.NoError(t, p.Sleep(context.Background(), time.Second))
	assert.Equal(t, 1, rec.Total())
	assert.Equal(t, 1, rec.Count(time.Second))
}

func TestWallClockSleep_HonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
