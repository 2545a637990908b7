package http

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaseEvents(t *testing.T) {
	e := newCaseEvents()
	a, unsubA := e.subscribe("s1")
	b, unsubB := e.subscribe("s1")
	other, unsubOther := e.subscribe("s2")
	defer unsubOther()

	// updates coalesce while nobody reads
	e.publish("s1")
	e.publish("s1")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	require.Len(t, other, 0)
	<-a
	<-b

	unsubA()
	e.publish("s1")
	require.Len(t, a, 0)
	require.Len(t, b, 1)

	unsubB()
	e.mu.Lock()
	_, ok := e.subs["s1"]
	e.mu.Unlock()
	require.False(t, ok)
}
