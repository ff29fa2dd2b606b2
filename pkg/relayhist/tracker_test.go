package relayhist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshrelay/pkg/memkv"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTracker(t *testing.T) (*Tracker, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tr, err := New(memkv.New(memkv.Options{Now: clk.now}), time.Minute)
	require.NoError(t, err)
	return tr, clk
}

func TestAddIsSetUnion(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Add("p1", "c", "a")
	tr.Add("p1", "b", "a")
	require.Equal(t, []string{"a", "b", "c"}, tr.Seen("p1"))
	require.True(t, tr.Contains("p1", "b"))
	require.False(t, tr.Contains("p1", "z"))
	require.False(t, tr.Contains("p2", "a"))
}

func TestInitKeepsExisting(t *testing.T) {
	tr, _ := newTracker(t)
	tr.Add("p", "a")
	tr.Init("p")
	require.Equal(t, []string{"a"}, tr.Seen("p"))
	tr.Init("q")
	require.Empty(t, tr.Seen("q"))
	require.Equal(t, 2, tr.Len())
}

func TestSweepAgeAndEmpty(t *testing.T) {
	tr, clk := newTracker(t)
	tr.Add("old", "a")
	clk.t = clk.t.Add(30 * time.Second)
	tr.Add("fresh", "b")
	tr.Init("empty")
	clk.t = clk.t.Add(40 * time.Second)

	// "old" is 70s idle, "empty" has no destinations
	require.Equal(t, 2, tr.Sweep(clk.t))
	require.Nil(t, tr.Seen("old"))
	require.Equal(t, []string{"b"}, tr.Seen("fresh"))
	require.Equal(t, 1, tr.Len())
}

func TestAddRefreshesLifetime(t *testing.T) {
	tr, clk := newTracker(t)
	tr.Add("p", "a")
	clk.t = clk.t.Add(50 * time.Second)
	tr.Add("p", "b")
	clk.t = clk.t.Add(50 * time.Second)
	require.Equal(t, []string{"a", "b"}, tr.Seen("p"))
}

func TestStatsReportStoreUsage(t *testing.T) {
	tr, err := New(memkv.New(memkv.Options{MaxBytes: 16}), time.Minute)
	require.NoError(t, err)

	tr.Add("big", "device-number-one", "device-number-two")
	tr.Add("p", "a")

	st := tr.Stats()
	require.Equal(t, uint64(1), st.Keys)
	require.Equal(t, uint64(3), st.Bytes) // cbor ["a"]
	require.Equal(t, uint64(1), st.Rejects)
}
