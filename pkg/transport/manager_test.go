package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerTouchAndSweep(t *testing.T) {
	m := NewManager()
	now := time.Unix(1_700_000_000, 0)
	m.Touch("b", now)
	m.Touch("a", now.Add(5*time.Second))
	require.Equal(t, []Session{{"a", Connected}, {"b", Connected}}, m.ListConnectedSessions())

	m.Sweep(now.Add(12*time.Second), 10*time.Second, 30*time.Second)
	require.Equal(t, Sleeping, m.State("b"))
	require.Equal(t, Connected, m.State("a"))

	m.Sweep(now.Add(40*time.Second), 10*time.Second, 30*time.Second)
	require.Equal(t, Disconnected, m.State("b"))
	require.Equal(t, Sleeping, m.State("a"))

	m.Touch("b", now.Add(41*time.Second))
	require.Equal(t, Connected, m.State("b"))
}

func TestManagerPinnedState(t *testing.T) {
	m := NewManager()
	m.Set("x", Sleeping)
	m.Sweep(time.Now().Add(time.Hour), time.Second, 2*time.Second)
	require.Equal(t, Sleeping, m.State("x"))
	m.Remove("x")
	require.Equal(t, Disconnected, m.State("x"))
	require.Empty(t, m.ListConnectedSessions())
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindMem, KindUDP, KindQUIC} {
		require.Equal(t, k, ParseKind(k.String()))
	}
	require.Equal(t, KindUnknown, ParseKind("tcp"))
}
