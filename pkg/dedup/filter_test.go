package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(Options{})
	now := time.Now()
	for i := 0; i < 500; i++ {
		f.Add(fmt.Sprintf("id-%d", i), now)
	}
	for i := 0; i < 500; i++ {
		require.True(t, f.MightContain(fmt.Sprintf("id-%d", i)))
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	f := New(Options{Window: time.Minute})
	now := time.Now()
	require.False(t, f.IsDuplicate("p", now))
	f.Add("p", now)
	require.True(t, f.IsDuplicate("p", now.Add(10*time.Second)))
	require.False(t, f.IsDuplicate("p", now.Add(time.Minute)), "aged-out id must be unseen again")
}

func TestBloomPositiveIsAdvisory(t *testing.T) {
	// one exact slot: the first id is evicted but its bloom bits stay set
	f := New(Options{Entries: 1})
	now := time.Now()
	f.Add("a", now)
	f.Add("b", now)
	require.True(t, f.MightContain("a"))
	require.False(t, f.IsDuplicate("a", now), "bloom hit without exact entry is not a duplicate")
	require.True(t, f.IsDuplicate("b", now))
}

func TestCheckAndAdd(t *testing.T) {
	f := New(Options{})
	now := time.Now()
	require.False(t, f.CheckAndAdd("x", now))
	require.True(t, f.CheckAndAdd("x", now.Add(time.Second)))
}

func TestExpireAndClear(t *testing.T) {
	f := New(Options{Window: time.Minute})
	now := time.Now()
	f.Add("old", now.Add(-2*time.Minute))
	f.Add("new", now)
	require.Equal(t, 1, f.Expire(now))
	require.Equal(t, 1, f.Len())

	f.Clear()
	require.Equal(t, 0, f.Len())
	require.False(t, f.MightContain("new"))
}

func TestExactTableBounded(t *testing.T) {
	f := New(Options{Entries: 16})
	now := time.Now()
	for i := 0; i < 100; i++ {
		f.Add(fmt.Sprintf("id-%d", i), now)
	}
	require.Equal(t, 16, f.Len())
	require.True(t, f.IsDuplicate("id-99", now))
	require.False(t, f.IsDuplicate("id-0", now))
}
