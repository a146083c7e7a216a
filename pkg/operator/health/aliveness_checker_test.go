package health

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type staticChecker bool

func (s staticChecker) Alive() bool {
	return bool(s)
}

func TestEmptyCheckerIsAlive(t *testing.T) {
	mac := NewMultiAlivenessChecker()
	require.True(t, mac.Alive())
}

func TestSingleUnhealthyCheckerWins(t *testing.T) {
	mac := NewMultiAlivenessChecker()
	mac.Add("a", staticChecker(true))
	mac.Add("b", staticChecker(true))
	require.True(t, mac.Alive())

	mac.Add("c", staticChecker(false))
	require.False(t, mac.Alive())
}

func TestCheckerCanBeReplaced(t *testing.T) {
	mac := NewMultiAlivenessChecker()
	mac.Add("a", staticChecker(false))
	require.False(t, mac.Alive())

	mac.Add("a", staticChecker(true))
	require.True(t, mac.Alive())
}
