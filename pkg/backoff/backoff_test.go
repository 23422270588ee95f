package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	require.Equal(t, time.Minute, Exponential(time.Minute, 0))
	require.Equal(t, 2*time.Minute, Exponential(time.Minute, 1))
	require.Equal(t, 4*time.Minute, Exponential(time.Minute, 2))
	require.Equal(t, time.Minute, Exponential(time.Minute, -3))
	require.Equal(t, time.Duration(0), Exponential(0, 4))
}

func TestExponentialSaturates(t *testing.T) {
	require.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 100))
}
