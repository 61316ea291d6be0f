package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealClock(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock_TickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	tk := c.NewTicker(200 * time.Millisecond)
	require.Equal(t, 1, c.Tickers())

	c.Advance(100 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(100 * time.Millisecond)
	select {
	case got := <-tk.C():
		assert.Equal(t, start.Add(200*time.Millisecond), got)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, start.Add(200*time.Millisecond), c.Now())

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestPeriod(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, Period(5))
	assert.Equal(t, time.Second, Period(1))
	assert.Equal(t, time.Duration(0), Period(0))
}

func TestTimeOfDay(t *testing.T) {
	ref := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	got := TimeOfDay(ref, 14, 30, 12500)
	want := Seconds(time.Date(2024, 3, 1, 14, 30, 12, 500_000_000, time.UTC))
	assert.InDelta(t, want, got, 1e-6)
}
