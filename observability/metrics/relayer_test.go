package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBufferedEventsGaugeTracksAssetsIndependently(t *testing.T) {
	m := Relayer()
	m.SetBuffered(7, 3)
	m.SetBuffered(8, 5)
	require.Equal(t, 3.0, testutil.ToFloat64(m.bufferedEvents.WithLabelValues("7")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.bufferedEvents.WithLabelValues("8")))

	// Draining one asset's buffer must not clobber another's gauge.
	m.SetBuffered(7, 0)
	require.Equal(t, 0.0, testutil.ToFloat64(m.bufferedEvents.WithLabelValues("7")))
	require.Equal(t, 5.0, testutil.ToFloat64(m.bufferedEvents.WithLabelValues("8")))
}
