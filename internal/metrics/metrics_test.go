package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	return names
}

func TestRegister_EveryRegistry(t *testing.T) {
	RemoteLateResults.Inc()

	first := prometheus.NewRegistry()
	second := prometheus.NewRegistry()

	require.NoError(t, Register(first))
	require.NoError(t, Register(second))
	require.NoError(t, Register(first), "registering twice is tolerated")

	for _, reg := range []*prometheus.Registry{first, second} {
		assert.True(t, gatheredNames(t, reg)["compilerd_remote_late_results_total"])
	}
}
