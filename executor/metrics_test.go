package executor

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/wasmbox/internal/wasmtest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	exec, err := New(WithMetrics(m))
	require.NoError(t, err)
	defer exec.Close()

	b := wasmtest.New()
	add := b.Func(wasmtest.Sig(wasmtest.I32, wasmtest.I32), wasmtest.Sig(wasmtest.I32), nil,
		wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.I32Add)
	b.Export("add", add)
	req := Request{Binary: b.Bytes(), Function: "add", Args: []int32{1, 2}, MemoryLimitBytes: 1 << 20, Fuel: 100}

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	req.Function = "missing"
	_, err = exec.Execute(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("FunctionNotFoundError")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookup.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookup.WithLabelValues("hit")))

	count, err := testutil.GatherAndCount(reg, "wasmbox_fuel_consumed", "wasmbox_execution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe(Report{}, nil)
		m.cacheHit(true)
	})
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", outcome(nil))
	assert.Equal(t, "GuestTrapError", outcome(newError(GuestTrap, "call", context.Canceled)))
	assert.Equal(t, "unknown", outcome(context.Canceled))
}
