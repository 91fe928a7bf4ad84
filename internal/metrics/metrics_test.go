package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(RelayMessagesAccepted, nil, "Accepted messages")
	registry.IncrementCounter(RelayMessagesAccepted, nil, "Accepted messages")
	registry.AddToCounter(RelayFanoutEvents, 3, nil, "")

	snap := registry.GetAllMetrics()
	require.Contains(t, snap.Counters, RelayMessagesAccepted)
	assert.Equal(t, float64(2), snap.Counters[RelayMessagesAccepted].Value)
	assert.Equal(t, Counter, snap.Counters[RelayMessagesAccepted].Type)
	assert.Equal(t, float64(3), registry.CounterValue(RelayFanoutEvents, nil))
	assert.Equal(t, float64(0), registry.CounterValue("unknown", nil))
}

func TestRegistry_LabelsProduceStableKeys(t *testing.T) {
	registry := NewRegistry()

	labels := map[string]string{"kind": "read", "code": "VALIDATION_FAILED"}
	for i := 0; i < 20; i++ {
		registry.IncrementCounter(RelayErrors, labels, "")
	}

	snap := registry.GetAllMetrics()
	assert.Len(t, snap.Counters, 1)
	assert.Contains(t, snap.Counters, "relay_errors_code:VALIDATION_FAILED_kind:read")

	labels["kind"] = "mutated"
	assert.Equal(t, "read", registry.GetAllMetrics().Counters["relay_errors_code:VALIDATION_FAILED_kind:read"].Labels["kind"])
}

func TestRegistry_Timer(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 20; i++ {
		registry.RecordTimer(ClientHeartbeatRTT, time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers[ClientHeartbeatRTT]
	assert.Equal(t, int64(20), timer.Count)
	assert.InDelta(t, 1.0, timer.Min, 0.001)
	assert.InDelta(t, 20.0, timer.Max, 0.001)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.InDelta(t, 20.0, timer.P95, 0.001)
	assert.InDelta(t, 20.0, timer.P99, 0.001)
}

func TestRegistry_Gauges(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge(SyncQueueDepth, 4, nil, "")
	assert.Equal(t, float64(4), registry.GaugeValue(SyncQueueDepth, nil))

	registry.AddToGauge(RelayConnectionsActive, 1, nil, "")
	registry.AddToGauge(RelayConnectionsActive, 1, nil, "")
	registry.AddToGauge(RelayConnectionsActive, -1, nil, "")
	assert.Equal(t, float64(1), registry.GaugeValue(RelayConnectionsActive, nil))
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, float64(0), percentile(nil, 0.95))
	assert.Equal(t, float64(9), percentile([]float64{5, 9, 1, 3, 7}, 0.95))
	assert.Equal(t, float64(5), percentile([]float64{5, 9, 1, 3, 7}, 0.5))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.IncrementCounter(SyncItemsSynced, nil, "")
				registry.RecordTimer(ClientHeartbeatRTT, time.Millisecond, nil, "")
				_ = registry.GetAllMetrics()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(1000), registry.CounterValue(SyncItemsSynced, nil))
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	SetGauge("global_test_gauge", 2, nil, "")
	AddToGauge("global_test_gauge", 1, nil, "")

	snap := GetAllMetrics()
	assert.GreaterOrEqual(t, snap.Counters["global_test_counter"].Value, float64(1))
	assert.Equal(t, float64(3), snap.Gauges["global_test_gauge"].Value)
	assert.Same(t, globalRegistry, GetRegistry())
}
