package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTable() (*Table, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	return New(Options{DefaultTTL: 7, Now: clk.now}), clk
}

func TestUpdateCreatesOptimisticEntry(t *testing.T) {
	tb, clk := newTable()
	tb.Update("dev-a", "peer-x", 5)
	e, ok := tb.Get("dev-a")
	require.True(t, ok)
	require.Equal(t, 3, e.HopCount) // 7 - 5 + 1
	require.Equal(t, 1.0, e.SuccessRate)
	require.True(t, e.Healthy())
	require.Equal(t, clk.t, e.LastSeen)
}

func TestUpdateKeepsHopEstimate(t *testing.T) {
	tb, clk := newTable()
	tb.Update("dev-a", "", 7)
	clk.t = clk.t.Add(time.Second)
	tb.Update("dev-a", "peer-x", 2)
	e, _ := tb.Get("dev-a")
	require.Equal(t, 1, e.HopCount)
	require.Equal(t, "peer-x", e.PeerID)
	require.Equal(t, clk.t, e.LastSeen)
}

func TestHopCountClamped(t *testing.T) {
	tb, _ := newTable()
	tb.Update("dev-a", "", 200)
	e, _ := tb.Get("dev-a")
	require.Equal(t, 1, e.HopCount)
}

func TestSuccessAndFailureScoring(t *testing.T) {
	tb, _ := newTable()
	tb.Update("dev-a", "", 7)

	tb.RecordFailure("dev-a")
	e, _ := tb.Get("dev-a")
	require.InDelta(t, 0.8, e.SuccessRate, 1e-9)

	for i := 0; i < 3; i++ {
		tb.RecordFailure("dev-a")
	}
	e, _ = tb.Get("dev-a")
	require.InDelta(t, 0.2, e.SuccessRate, 1e-9)
	require.False(t, e.Healthy())

	for i := 0; i < 10; i++ {
		tb.RecordSuccess("dev-a")
	}
	e, _ = tb.Get("dev-a")
	require.Equal(t, 1.0, e.SuccessRate)
	require.True(t, e.Healthy())

	for i := 0; i < 10; i++ {
		tb.RecordFailure("dev-a")
	}
	e, _ = tb.Get("dev-a")
	require.Equal(t, 0.0, e.SuccessRate)
}

func TestHealthyIsStrict(t *testing.T) {
	require.False(t, Entry{SuccessRate: 0.7}.Healthy())
	require.True(t, Entry{SuccessRate: 0.71}.Healthy())
}

func TestUnknownDeviceIgnored(t *testing.T) {
	tb, _ := newTable()
	tb.RecordSuccess("ghost")
	tb.RecordFailure("ghost")
	require.Equal(t, 0, tb.Len())
}

func TestBestRouteTo(t *testing.T) {
	tb, _ := newTable()
	tb.Update("near-flaky", "p", 7) // 1 hop
	tb.Update("far-solid", "p", 5)  // 3 hops
	tb.Update("other", "q", 7)
	for i := 0; i < 4; i++ {
		tb.RecordFailure("near-flaky") // 0.2 / 2 = 0.1
	}
	// far-solid: 1.0 / 4 = 0.25
	e, ok := tb.BestRouteTo("p")
	require.True(t, ok)
	require.Equal(t, "far-solid", e.DeviceID)

	_, ok = tb.BestRouteTo("nobody")
	require.False(t, ok)
}

func TestBestRouteTieFirstFound(t *testing.T) {
	tb, _ := newTable()
	tb.Update("first", "p", 6)
	tb.Update("second", "p", 6)
	e, _ := tb.BestRouteTo("p")
	require.Equal(t, "first", e.DeviceID)
}

func TestExpire(t *testing.T) {
	tb, clk := newTable()
	tb.Update("old", "", 7)
	clk.t = clk.t.Add(30 * time.Second)
	tb.Update("new", "", 7)
	clk.t = clk.t.Add(31 * time.Second)

	require.Equal(t, 1, tb.Expire(clk.t))
	routes := tb.AllRoutes()
	require.Len(t, routes, 1)
	require.Equal(t, "new", routes[0].DeviceID)
}
